package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"DatasetFlow/internal/config"
	"DatasetFlow/internal/dataset"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/pipeline"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/plugins/builtin"
	"DatasetFlow/internal/results"
	"DatasetFlow/internal/storage/sqldb"
	"DatasetFlow/pkg/logger"
)

// app 持有守护进程与各子命令共享的组件。
type app struct {
	cfg      *config.Config
	db       *sqldb.DB
	datasets dataset.Store
	queue    job.Queue
	notifier job.Notifier
	registry *plugin.Registry
	results  *results.Store
	service  *pipeline.Service
	shared   plugin.Config
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && configPath == "" {
		// 未显式指定且缺省文件不存在时，使用内存后端跑起来。
		wd, _ := os.Getwd()
		return config.Default(wd), nil
	}
	return config.Load(path)
}

// openApp 按配置装配存储、队列、通知与插件注册表。
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	for _, dir := range []string{cfg.Runtime.DataDir, cfg.Runtime.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		return nil, err
	}
	if err := a.openNotifier(); err != nil {
		return nil, err
	}
	if err := a.openRegistry(); err != nil {
		return nil, err
	}

	a.results, err = results.NewStore(cfg.Runtime.ResultsDir)
	if err != nil {
		return nil, err
	}
	a.service = pipeline.New(a.datasets, a.queue, a.registry, a.results,
		pipeline.WithNotifier(a.notifier),
		pipeline.WithSharedSettings(a.shared),
	)
	ok = true
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	st := a.cfg.Storage
	if !st.SQL() {
		a.datasets = dataset.NewMemoryStore()
		return nil
	}
	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:          st.Driver,
		DSN:             st.DSN,
		MaxOpenConns:    st.MaxOpenConns,
		MaxIdleConns:    st.MaxIdleConns,
		ConnMaxLifetime: time.Duration(st.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(st.ConnMaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	a.db = db
	store, err := dataset.NewSQLStore(db)
	if err != nil {
		return err
	}
	a.datasets = store
	return nil
}

func (a *app) openQueue() error {
	q := a.cfg.Queue
	switch q.Driver {
	case "memory":
		a.queue = job.NewMemoryQueue()
	case "sql":
		queue, err := job.NewSQLQueue(a.db)
		if err != nil {
			return err
		}
		a.queue = queue
	case "redis":
		queue, err := job.NewRedisQueue(job.RedisQueueConfig{
			Address:  q.Redis.Address,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Prefix:   q.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		a.queue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
	return nil
}

func (a *app) openNotifier() error {
	n := a.cfg.Notify
	switch n.Driver {
	case "none":
		a.notifier = job.NopNotifier{}
	case "memory":
		a.notifier = job.NewMemoryNotifier()
	case "redis":
		notifier, err := job.NewRedisNotifier(nil, job.RedisQueueConfig{
			Address:  n.Redis.Address,
			Password: n.Redis.Password,
			DB:       n.Redis.DB,
			Prefix:   n.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		a.notifier = notifier
	case "rabbitmq":
		notifier, err := job.NewRabbitMQNotifier(job.RabbitMQConfig{URL: n.RabbitMQ.URL, Exchange: n.RabbitMQ.Exchange})
		if err != nil {
			return err
		}
		a.notifier = notifier
	default:
		return fmt.Errorf("未知的通知驱动: %s", n.Driver)
	}
	return nil
}

func (a *app) openRegistry() error {
	settings, err := plugin.LoadSettings(a.cfg.Runtime.PluginSettings)
	if err != nil {
		return err
	}
	settings.Shared = settings.Shared.Clone()
	if settings.Shared == nil {
		settings.Shared = plugin.Config{}
	}
	if _, ok := settings.Shared[builtin.SettingUploadsDir]; !ok {
		settings.Shared[builtin.SettingUploadsDir] = a.cfg.Runtime.UploadsDir
	}
	a.shared = settings.Shared
	a.registry = plugin.NewRegistry(plugin.WithSettings(settings))
	if err := builtin.Register(a.registry); err != nil {
		return err
	}
	return a.registry.LoadConfigured()
}

// Close 关闭打开的连接。SQL 存储与队列共享同一连接池，只关闭一次。
func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			logger.L().Warn("关闭通知器失败", "error", err)
		}
	}
	if a.queue != nil && a.cfg.Queue.Driver != "sql" {
		if err := a.queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.L().Warn("关闭数据库失败", "error", err)
		}
	} else if a.datasets != nil {
		_ = a.datasets.Close()
	}
	if err := logger.Sync(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
