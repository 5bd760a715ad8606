package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 AgentDesk 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Stream    StreamConfig    `json:"stream" yaml:"stream"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	HeartbeatSeconds       int    `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Heartbeat 返回 SSE 心跳间隔。
func (c ServerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string         `json:"level" yaml:"level"`
	Format  string         `json:"format" yaml:"format"`
	Outputs []string       `json:"outputs" yaml:"outputs"`
	Audit   AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// SessionConfig 描述会话的三个时钟中的两个：空闲过期与确认窗口。
type SessionConfig struct {
	IdleTimeoutMinutes    int `json:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
	ConfirmTimeoutMinutes int `json:"confirm_timeout_minutes" yaml:"confirm_timeout_minutes"`
	SweepIntervalSeconds  int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	LockTimeoutSeconds    int `json:"lock_timeout_seconds" yaml:"lock_timeout_seconds"`
}

// IdleTimeout 返回空闲过期时间。
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// ConfirmTimeout 返回等待确认的窗口。
func (c SessionConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutMinutes) * time.Minute
}

// SweepInterval 返回过期清理的周期。
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// LockTimeout 返回获取会话锁的最长等待时间。
func (c SessionConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// StreamConfig 控制事件订阅的生命周期。
type StreamConfig struct {
	LifetimeSeconds int    `json:"lifetime_seconds" yaml:"lifetime_seconds"`
	Buffer          int    `json:"buffer" yaml:"buffer"`
	Relay           string `json:"relay" yaml:"relay"`
}

// Lifetime 返回订阅的硬性存活时长。
func (c StreamConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeSeconds) * time.Second
}

// AgentConfig 描述推理循环的参数。
type AgentConfig struct {
	MaxLoops          int     `json:"max_loops" yaml:"max_loops"`
	Temperature       float32 `json:"temperature" yaml:"temperature"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	LLMTimeoutSeconds int     `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
}

// LLMTimeout 返回单次模型调用的超时。
func (c AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider     string             `json:"provider" yaml:"provider"`
	DefaultModel string             `json:"default_model" yaml:"default_model"`
	OpenAI       OpenAIConfig       `json:"openai" yaml:"openai"`
	Python       PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容网关。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回 HTTP 客户端的超时。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// PythonBridgeConfig 描述通过本地脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// CatalogConfig 描述工具目录的来源。
type CatalogConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	File            string `json:"file" yaml:"file"`
	URL             string `json:"url" yaml:"url"`
	Limit           int    `json:"limit" yaml:"limit"`
	CacheSize       int    `json:"cache_size" yaml:"cache_size"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// CacheTTL 返回检索结果缓存时长。
func (c CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout 返回目录服务请求超时。
func (c CatalogConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExecutorConfig 描述下游 REST 工具的调用方式。
type ExecutorConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TenantParam    string `json:"tenant_param" yaml:"tenant_param"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxBodyBytes   int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// Timeout 返回单次工具调用的超时。
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig 统一描述会话、任务存储以及 MySQL、Redis 的连接信息。
type StorageConfig struct {
	Session SessionStoreConfig `json:"session" yaml:"session"`
	Task    TaskStoreConfig    `json:"task" yaml:"task"`
	MySQL   MySQLConfig        `json:"mysql" yaml:"mysql"`
	Redis   RedisConfig        `json:"redis" yaml:"redis"`
}

// SessionStoreConfig 选择会话存储驱动。
type SessionStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Locker string `json:"locker" yaml:"locker"`
}

// TaskStoreConfig 选择任务存储驱动。
type TaskStoreConfig struct {
	Driver  string `json:"driver" yaml:"driver"`
	Retries int    `json:"retries" yaml:"retries"`
}

// MySQLConfig 描述连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// TaskQueueConfig 选择循环任务的队列实现。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 描述基于 Redis list 的队列。
type RedisQueue struct {
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Slack SlackConfig `json:"slack" yaml:"slack"`
}

// SlackConfig 描述 Slack 告警。
type SlackConfig struct {
	Token    string `json:"token" yaml:"token"`
	TokenEnv string `json:"token_env" yaml:"token_env"`
	Channel  string `json:"channel" yaml:"channel"`
}

// ResolveToken 优先使用显式配置，其次读取环境变量。
func (c SlackConfig) ResolveToken() string {
	if token := strings.TrimSpace(c.Token); token != "" {
		return token
	}
	if c.TokenEnv != "" {
		return strings.TrimSpace(os.Getenv(c.TokenEnv))
	}
	return ""
}

// Load 解析指定路径的配置文件，.yaml/.yml 使用 YAML，其余按 JSON 处理。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，全部使用内存实现。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}
	if c.Server.HeartbeatSeconds <= 0 {
		c.Server.HeartbeatSeconds = 15
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Session.IdleTimeoutMinutes <= 0 {
		c.Session.IdleTimeoutMinutes = 30
	}
	if c.Session.ConfirmTimeoutMinutes <= 0 {
		c.Session.ConfirmTimeoutMinutes = 5
	}
	if c.Session.SweepIntervalSeconds <= 0 {
		c.Session.SweepIntervalSeconds = 60
	}
	if c.Session.LockTimeoutSeconds <= 0 {
		c.Session.LockTimeoutSeconds = 10
	}

	if c.Stream.LifetimeSeconds <= 0 {
		c.Stream.LifetimeSeconds = 300
	}
	if c.Stream.Buffer <= 0 {
		c.Stream.Buffer = 64
	}
	if c.Stream.Relay == "" {
		c.Stream.Relay = "local"
	}

	if c.Agent.MaxLoops <= 0 {
		c.Agent.MaxLoops = 10
	}
	if c.Agent.Temperature <= 0 {
		c.Agent.Temperature = 0.2
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 1024
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "static"
	}
	if c.Catalog.File != "" && !filepath.IsAbs(c.Catalog.File) {
		c.Catalog.File = filepath.Join(baseDir, c.Catalog.File)
	}
	if c.Catalog.Limit <= 0 {
		c.Catalog.Limit = 8
	}
	if c.Catalog.CacheSize <= 0 {
		c.Catalog.CacheSize = 256
	}
	if c.Catalog.CacheTTLSeconds <= 0 {
		c.Catalog.CacheTTLSeconds = 300
	}
	if c.Catalog.TimeoutSeconds <= 0 {
		c.Catalog.TimeoutSeconds = 10
	}

	if c.Executor.TenantParam == "" {
		c.Executor.TenantParam = "instituteId"
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 30
	}
	if c.Executor.MaxBodyBytes <= 0 {
		c.Executor.MaxBodyBytes = 1 << 20
	}

	if c.Storage.Session.Driver == "" {
		c.Storage.Session.Driver = "memory"
	}
	if c.Storage.Session.Locker == "" {
		c.Storage.Session.Locker = "local"
	}
	if c.Storage.Task.Driver == "" {
		c.Storage.Task.Driver = "memory"
	}
	if c.Storage.Task.Retries <= 0 {
		c.Storage.Task.Retries = 3
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "agentdesk"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Size <= 0 {
		c.TaskQueue.Size = 1024
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate 检查驱动之间的依赖关系，例如选择 mysql 时必须提供 DSN。
func (c *Config) Validate() error {
	var errs []error
	needsMySQL := c.Storage.Session.Driver == "mysql" || c.Storage.Task.Driver == "mysql"
	if needsMySQL && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("storage.mysql.dsn 不能为空"))
	}
	needsRedis := c.Storage.Session.Driver == "redis" || c.Storage.Session.Locker == "redis" ||
		c.TaskQueue.Driver == "redis" || c.Stream.Relay == "redis"
	if needsRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("storage.redis.address 不能为空"))
	}
	if c.TaskQueue.Driver == "rabbitmq" && strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("task_queue.rabbitmq.url 不能为空"))
	}
	switch c.Catalog.Driver {
	case "static", "none":
	case "http":
		if strings.TrimSpace(c.Catalog.URL) == "" {
			errs = append(errs, errors.New("catalog.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的工具目录驱动: %s", c.Catalog.Driver))
	}
	if c.Agent.MaxLoops > 50 {
		errs = append(errs, errors.New("agent.max_loops 不能超过 50"))
	}
	return errors.Join(errs...)
}
