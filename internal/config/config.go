package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 OpenBrief 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Mail     MailConfig     `json:"mail"`
	Calendar CalendarConfig `json:"calendar"`
	Classify ClassifyConfig `json:"classify"`
	Notify   NotifyConfig   `json:"notify"`
	Store    StoreConfig    `json:"store"`
	Queue    QueueConfig    `json:"queue"`
	Runner   RunnerConfig   `json:"runner"`
	Metrics  MetricsConfig  `json:"metrics"`
	Skills   SkillsConfig   `json:"skills"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与超时参数。
type ServerConfig struct {
	Address                string `json:"address"`
	AuthToken              string `json:"auth_token"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// ReadTimeout 返回请求读取超时。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回响应写入超时。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout 返回优雅退出的最长等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// LoggingConfig 控制结构化日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述轮转审计日志文件的行为。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MailConfig 描述邮件数据源的凭据位置与拉取范围。
type MailConfig struct {
	CredentialsPath string `json:"credentials_path"`
	TokenPath       string `json:"token_path"`
	Query           string `json:"query"`
	MaxResults      int64  `json:"max_results"`
}

// CalendarConfig 描述日历数据源的目标日历与拉取上限。
type CalendarConfig struct {
	CalendarID string `json:"calendar_id"`
	MaxResults int64  `json:"max_results"`
}

// ClassifyConfig 指向可选的优先级规则表，留空则使用内置规则。
type ClassifyConfig struct {
	RulesPath string `json:"rules_path"`
}

// NotifyConfig 描述简报与告警的投递渠道。
type NotifyConfig struct {
	Channels []string          `json:"channels"`
	Webhook  WebhookConfig     `json:"webhook"`
	File     FileChannelConfig `json:"file"`
}

// WebhookConfig 描述 webhook 渠道的目标地址与鉴权。
type WebhookConfig struct {
	URL            string `json:"url"`
	AuthToken      string `json:"auth_token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 webhook 请求超时。
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// FileChannelConfig 描述文件渠道的归档目录。
type FileChannelConfig struct {
	Dir string `json:"dir"`
}

// StoreConfig 统一描述运行记录与简报摘要的持久化后端。
type StoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接的最长生命周期。
func (s StoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接的最长空闲时间。
func (s StoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(s.ConnMaxIdleTimeSeconds) * time.Second
}

// QueueConfig 描述运行队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列驱动的连接信息。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// BlockWait 返回阻塞出队的等待时长。
func (r RedisConfig) BlockWait() time.Duration {
	return time.Duration(r.BlockWaitSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列驱动的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RunnerConfig 控制简报运行处理器的并发与重试上限。
type RunnerConfig struct {
	Workers    int `json:"workers"`
	MaxRetries int `json:"max_retries"`
}

// MetricsConfig 控制独立指标监听端口，API 本身始终暴露 /metrics。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// SkillsConfig 指向技能注册表的 YAML 配置，留空则全部启用。
type SkillsConfig struct {
	ConfigPath string `json:"config_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir  string `json:"data_dir"`
	Timezone string `json:"timezone"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Mail.CredentialsPath == "" {
		c.Mail.CredentialsPath = filepath.Join(baseDir, "credentials.json")
	} else if !filepath.IsAbs(c.Mail.CredentialsPath) {
		c.Mail.CredentialsPath = filepath.Join(baseDir, c.Mail.CredentialsPath)
	}
	if c.Mail.TokenPath == "" {
		c.Mail.TokenPath = filepath.Join(baseDir, "token.json")
	} else if !filepath.IsAbs(c.Mail.TokenPath) {
		c.Mail.TokenPath = filepath.Join(baseDir, c.Mail.TokenPath)
	}
	if c.Mail.Query == "" {
		c.Mail.Query = "is:unread"
	}
	if c.Mail.MaxResults <= 0 {
		c.Mail.MaxResults = 10
	}

	if c.Calendar.CalendarID == "" {
		c.Calendar.CalendarID = "primary"
	}
	if c.Calendar.MaxResults <= 0 {
		c.Calendar.MaxResults = 10
	}

	if c.Classify.RulesPath != "" && !filepath.IsAbs(c.Classify.RulesPath) {
		c.Classify.RulesPath = filepath.Join(baseDir, c.Classify.RulesPath)
	}

	if len(c.Notify.Channels) == 0 {
		c.Notify.Channels = []string{"console"}
	}
	if c.Notify.Webhook.TimeoutSeconds <= 0 {
		c.Notify.Webhook.TimeoutSeconds = 10
	}
	if c.Notify.File.Dir == "" {
		c.Notify.File.Dir = filepath.Join(baseDir, "data", "notifications")
	} else if !filepath.IsAbs(c.Notify.File.Dir) {
		c.Notify.File.Dir = filepath.Join(baseDir, c.Notify.File.Dir)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}

	if c.Runner.Workers <= 0 {
		c.Runner.Workers = 4
	}
	if c.Runner.MaxRetries <= 0 {
		c.Runner.MaxRetries = 3
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}

	if c.Skills.ConfigPath != "" && !filepath.IsAbs(c.Skills.ConfigPath) {
		c.Skills.ConfigPath = filepath.Join(baseDir, c.Skills.ConfigPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.Timezone == "" {
		c.Runtime.Timezone = "Local"
	}
}
