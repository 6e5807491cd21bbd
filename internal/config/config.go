package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"DatasetFlow/internal/auth"
	"DatasetFlow/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "DATASETFLOW_CONFIG"

// DefaultPath 是未设置环境变量时读取的配置文件。
var DefaultPath = filepath.Join("configs", "datasetflow.json")

// Config 描述 DatasetFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Notify    NotifyConfig    `json:"notify"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Logging   logger.Config   `json:"logging"`
	Retention RetentionConfig `json:"retention"`
	Auth      auth.Config     `json:"auth"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述数据集记录的存储后端。
type StorageConfig struct {
	// Driver 取值 memory、mysql 或 sqlite。
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// SQL 判断是否使用 SQL 存储。
func (s StorageConfig) SQL() bool {
	return s.Driver == "mysql" || s.Driver == "sqlite"
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 描述任务队列与工作池的节奏。
type QueueConfig struct {
	// Driver 取值 memory、sql 或 redis；sql 复用 storage 的连接。
	Driver                   string      `json:"driver"`
	Redis                    RedisConfig `json:"redis"`
	PollIntervalSeconds      int         `json:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int         `json:"heartbeat_interval_seconds"`
	OrphanTimeoutSeconds     int         `json:"orphan_timeout_seconds"`
	RetryInitialSeconds      int         `json:"retry_initial_seconds"`
	RetryMaxSeconds          int         `json:"retry_max_seconds"`
	DefaultMaxWorkers        int         `json:"default_max_workers"`
}

// PollInterval 返回轮询间隔。
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval 返回心跳间隔。
func (q QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(q.HeartbeatIntervalSeconds) * time.Second
}

// OrphanTimeout 返回认领失效时长。
func (q QueueConfig) OrphanTimeout() time.Duration {
	return time.Duration(q.OrphanTimeoutSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 通知交换机。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// NotifyConfig 描述入队唤醒通知。
type NotifyConfig struct {
	// Driver 取值 none、memory、redis 或 rabbitmq。
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RuntimeConfig 放置运行时目录与插件配置。
type RuntimeConfig struct {
	DataDir        string `json:"data_dir"`
	ResultsDir     string `json:"results_dir"`
	UploadsDir     string `json:"uploads_dir"`
	PluginSettings string `json:"plugin_settings"`
}

// RetentionConfig 控制过期数据集的清理。ExpireAfterHours 为 0 时不清理。
type RetentionConfig struct {
	ExpireAfterHours int `json:"expire_after_hours"`
	IntervalSeconds  int `json:"interval_seconds"`
}

// ExpireAfter 返回保留期。
func (r RetentionConfig) ExpireAfter() time.Duration {
	return time.Duration(r.ExpireAfterHours) * time.Hour
}

// Interval 返回清理任务的执行周期。
func (r RetentionConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Path 返回配置文件路径，环境变量优先。
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回以 baseDir 为根目录的缺省配置。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN != "" && !filepath.IsAbs(c.Storage.DSN) {
		c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
	}

	if c.Queue.Driver == "" {
		if c.Storage.SQL() {
			c.Queue.Driver = "sql"
		} else {
			c.Queue.Driver = "memory"
		}
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		c.Queue.PollIntervalSeconds = 1
	}
	if c.Queue.HeartbeatIntervalSeconds <= 0 {
		c.Queue.HeartbeatIntervalSeconds = 10
	}
	if c.Queue.OrphanTimeoutSeconds <= 0 {
		c.Queue.OrphanTimeoutSeconds = 6 * c.Queue.HeartbeatIntervalSeconds
	}
	if c.Queue.RetryInitialSeconds <= 0 {
		c.Queue.RetryInitialSeconds = 30
	}
	if c.Queue.RetryMaxSeconds <= 0 {
		c.Queue.RetryMaxSeconds = 3600
	}
	if c.Queue.DefaultMaxWorkers <= 0 {
		c.Queue.DefaultMaxWorkers = 4
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "datasetflow"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
	if c.Notify.Redis.Address == "" {
		c.Notify.Redis = c.Queue.Redis
	}
	if c.Notify.RabbitMQ.Exchange == "" {
		c.Notify.RabbitMQ.Exchange = "datasetflow.jobs"
	}

	c.Runtime.DataDir = resolveDir(baseDir, c.Runtime.DataDir, "data")
	c.Runtime.ResultsDir = resolveDir(c.Runtime.DataDir, c.Runtime.ResultsDir, "results")
	c.Runtime.UploadsDir = resolveDir(c.Runtime.DataDir, c.Runtime.UploadsDir, "uploads")
	if c.Runtime.PluginSettings != "" && !filepath.IsAbs(c.Runtime.PluginSettings) {
		c.Runtime.PluginSettings = filepath.Join(baseDir, c.Runtime.PluginSettings)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Retention.ExpireAfterHours > 0 && c.Retention.IntervalSeconds <= 0 {
		c.Retention.IntervalSeconds = 3600
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
}

// resolveDir 将相对目录解析到 base 之下，空值使用 fallback。
func resolveDir(base, dir, fallback string) string {
	if dir == "" {
		return filepath.Join(base, fallback)
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// Validate 检查驱动组合是否合法。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.SQL() && c.Storage.DSN == "" {
		return fmt.Errorf("存储驱动 %s 需要 dsn", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	case "sql":
		if !c.Storage.SQL() {
			return errors.New("sql 队列需要 mysql 或 sqlite 存储")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	if c.Queue.Driver == "memory" && c.Storage.SQL() {
		return errors.New("内存队列不能与持久化存储混用")
	}
	if c.Queue.OrphanTimeoutSeconds <= c.Queue.HeartbeatIntervalSeconds {
		return errors.New("orphan_timeout_seconds 必须大于 heartbeat_interval_seconds")
	}
	switch c.Notify.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的通知驱动: %s", c.Notify.Driver)
	}
	if c.Notify.Driver == "rabbitmq" && c.Notify.RabbitMQ.URL == "" {
		return errors.New("rabbitmq 通知需要 url")
	}
	return nil
}
