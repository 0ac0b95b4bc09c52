package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PluginRuntime/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "PLUGINHOST_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/pluginhost.json"

// Config 描述插件宿主在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Admin    AdminConfig    `json:"admin"`
	Plugins  PluginsConfig  `json:"plugins"`
	Options  OptionsConfig  `json:"options"`
	Counters CountersConfig `json:"counters"`
	Events   EventsConfig   `json:"events"`
	Logging  logger.Config  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerts   AlertsConfig   `json:"alerts"`
}

// ServerConfig 控制管理 API 的监听地址与超时。
type ServerConfig struct {
	Address         string   `json:"address"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// AdminConfig 描述管理接口的访问凭证。Token 为空时不做鉴权。
type AdminConfig struct {
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"`
}

// PluginsConfig 描述插件目录、能力策略文件以及运行环境版本。
type PluginsConfig struct {
	Dir         string            `json:"dir"`
	PolicyFile  string            `json:"policy_file"`
	Environment map[string]string `json:"environment"`
	Surfaces    []string          `json:"surfaces"`
	KeyPrefix   string            `json:"key_prefix"`
}

// OptionsConfig 选择插件选项（启用列表、版本、授权）的持久化后端。
type OptionsConfig struct {
	Driver          string   `json:"driver"`
	Path            string   `json:"path"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// CountersConfig 选择权限计量计数器的后端。
type CountersConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// EventsConfig 控制生命周期事件是否转发到 RabbitMQ。
type EventsConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Source   string `json:"source"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig 控制插件故障告警。WebhookURL 为空时仅写日志。
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	WebhookURL  string `json:"webhook_url"`
	MinSeverity string `json:"min_severity"`
}

// Duration 支持在 JSON 中使用 "30s" 形式的时长。
type Duration time.Duration

// UnmarshalJSON 同时接受字符串时长与纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长 %v", raw)
	}
	return nil
}

// MarshalJSON 以字符串形式输出时长。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PathFromEnv 返回环境变量指定的配置路径，未设置时使用默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
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

// AdminToken 返回生效的管理令牌，环境变量优先于配置文件中的明文值。
func (c *Config) AdminToken() string {
	if c.Admin.TokenEnv != "" {
		if token := strings.TrimSpace(os.Getenv(c.Admin.TokenEnv)); token != "" {
			return token
		}
	}
	return c.Admin.Token
}

// Validate 检查后端选择与必填字段。
func (c *Config) Validate() error {
	switch c.Options.Driver {
	case "memory", "file":
	case "mysql":
		if strings.TrimSpace(c.Options.DSN) == "" {
			return errors.New("options.driver 为 mysql 时必须提供 dsn")
		}
	default:
		return fmt.Errorf("不支持的 options.driver: %s", c.Options.Driver)
	}
	switch c.Counters.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Counters.Address) == "" {
			return errors.New("counters.driver 为 redis 时必须提供 address")
		}
	default:
		return fmt.Errorf("不支持的 counters.driver: %s", c.Counters.Driver)
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.URL) == "" {
		return errors.New("启用事件转发时必须提供 events.url")
	}
	switch c.Alerts.MinSeverity {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("不支持的 alerts.min_severity: %s", c.Alerts.MinSeverity)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	c.Plugins.Dir = resolve(baseDir, c.Plugins.Dir, "plugins")
	if c.Plugins.PolicyFile != "" {
		c.Plugins.PolicyFile = resolve(baseDir, c.Plugins.PolicyFile, "")
	}
	if len(c.Plugins.Surfaces) == 0 {
		c.Plugins.Surfaces = []string{"admin"}
	}

	if c.Options.Driver == "" {
		c.Options.Driver = "file"
	}
	if c.Options.Driver == "file" {
		c.Options.Path = resolve(baseDir, c.Options.Path, filepath.Join("data", "plugin-options.json"))
	}

	if c.Counters.Driver == "" {
		c.Counters.Driver = "memory"
	}
	if c.Counters.Prefix == "" {
		c.Counters.Prefix = "pluginhost:perm:"
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = "plugin.lifecycle"
	}
	if c.Events.Source == "" {
		c.Events.Source = "pluginhostd"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Alerts.MinSeverity == "" {
		c.Alerts.MinSeverity = "warning"
	}
}

// resolve 将相对路径转换为相对于配置文件目录的绝对路径。
func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
