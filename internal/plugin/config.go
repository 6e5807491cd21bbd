package plugin

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "DatasetFlow/internal/errors"
)

// Settings 是插件配置文件的内容。
type Settings struct {
	PluginDir string                    `yaml:"pluginDir"`
	Shared    Config                    `yaml:"shared"`
	Plugins   map[string]PluginSettings `yaml:"plugins"`
}

// PluginSettings 是单个插件的配置块。
type PluginSettings struct {
	// Enabled 缺省为启用。
	Enabled    *bool  `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxWorkers int    `yaml:"maxWorkers"`
	Config     Config `yaml:"config"`
}

// IsEnabled 返回插件是否启用。
func (p PluginSettings) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LoadSettings 读取 YAML 插件配置；path 为空时返回空配置。
func LoadSettings(path string) (Settings, error) {
	var cfg Settings
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取插件配置失败")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析插件配置失败")
		}
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginSettings{}
	}
	return cfg, cfg.Validate()
}

// Validate 校验配置的一致性。
func (s Settings) Validate() error {
	for id, p := range s.Plugins {
		if strings.TrimSpace(id) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 不能为空")
		}
		if p.MaxWorkers < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("插件 %s 的 maxWorkers 不能为负数", id))
		}
	}
	return nil
}

// Config 是注入处理器的显式配置，取代全局可变配置。
type Config map[string]any

// Clone 返回浅拷贝。
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge 依次叠加多个配置，后者覆盖前者。
func Merge(layers ...Config) Config {
	out := Config{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// String 读取字符串配置。
func (c Config) String(key, fallback string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int 读取整数配置。
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// Float 读取浮点配置。
func (c Config) Float(key string, fallback float64) float64 {
	switch v := c[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// Bool 读取布尔配置。
func (c Config) Bool(key string, fallback bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// Duration 读取时长配置，支持 "30s" 形式或秒数。
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}

// Strings 读取字符串列表配置。
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
