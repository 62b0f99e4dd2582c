package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENPROOF_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "openproof.yaml")

// Config 描述了 OpenProof 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Programs ProgramsConfig `yaml:"programs"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Polymer  PolymerConfig  `yaml:"polymer"`
	EVM      EVMConfig      `yaml:"evm"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `yaml:"address"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// AuthConfig 列出可以调用写接口的运维令牌；为空时不做鉴权。
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 描述单个令牌。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenEnv    string   `yaml:"token_env"`
	Permissions []string `yaml:"permissions"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`
	// ProgramLogs 为 true 时把每笔交易的程序日志写入应用日志。
	ProgramLogs bool        `yaml:"program_logs"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LedgerConfig 描述程序运行时的账户存储与计算预算。
type LedgerConfig struct {
	Store            string      `yaml:"store"`
	ComputeUnitLimit uint64      `yaml:"compute_unit_limit"`
	HistorySize      int         `yaml:"history_size"`
	Redis            RedisConfig `yaml:"redis"`
}

// ProgramsConfig 描述部署在运行时中的程序。
type ProgramsConfig struct {
	Logger LoggerProgramConfig `yaml:"logger"`
	Relay  RelayProgramConfig  `yaml:"relay"`
	// Verifier 控制是否在本地部署参考验证程序。
	Verifier VerifierProgramConfig `yaml:"verifier"`
}

// LoggerProgramConfig 对应计数日志程序。
type LoggerProgramConfig struct {
	ProgramID  string `yaml:"program_id"`
	Variant    string `yaml:"variant"`
	ExposeSwap bool   `yaml:"expose_swap"`
}

// RelayProgramConfig 对应证明中继程序。
type RelayProgramConfig struct {
	ProgramID string `yaml:"program_id"`
}

// VerifierProgramConfig 控制参考验证程序。
type VerifierProgramConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WalletConfig 指向 solana-keygen 生成的密钥文件。
type WalletConfig struct {
	KeypairPath string `yaml:"keypair_path"`
}

// StorageConfig 统一描述 MySQL 等持久化后端的连接信息。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
	Retries                int    `yaml:"retries"`
}

// QueueConfig 描述证明任务队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	Prefix           string `yaml:"prefix"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 AMQP 连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// PolymerConfig 描述证明服务的 JSON-RPC 接口。
type PolymerConfig struct {
	URL                 string  `yaml:"url"`
	APIKey              string  `yaml:"api_key"`
	APIKeyEnv           string  `yaml:"api_key_env"`
	SrcChainID          uint64  `yaml:"src_chain_id"`
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	Multiplier          float64 `yaml:"multiplier"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
}

// EVMConfig 描述在 EVM 链上校验证明所需的信息。
type EVMConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	ProverAddress  string `yaml:"prover_address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IndexerConfig 控制日志索引器。
type IndexerConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	BatchSize           int  `yaml:"batch_size"`
	EnqueueProofJobs    bool `yaml:"enqueue_proof_jobs"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ResolvePath 返回配置文件路径：优先环境变量，其次默认路径。
func ResolvePath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，便于测试与本地运行。
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
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 5
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

	if c.Ledger.Store == "" {
		c.Ledger.Store = "memory"
	}
	if c.Ledger.HistorySize <= 0 {
		c.Ledger.HistorySize = 4096
	}
	if c.Ledger.Redis.Prefix == "" {
		c.Ledger.Redis.Prefix = "openproof:account:"
	}

	if c.Programs.Logger.Variant == "" {
		c.Programs.Logger.Variant = "single"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Retries <= 0 {
		c.Storage.Retries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "openproof:jobs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "openproof.jobs"
	}

	if c.Polymer.APIKeyEnv == "" {
		c.Polymer.APIKeyEnv = "POLYMER_API_KEY"
	}
	if c.Polymer.MaxAttempts <= 0 {
		c.Polymer.MaxAttempts = 20
	}
	if c.Polymer.InitialDelaySeconds <= 0 {
		c.Polymer.InitialDelaySeconds = 2
	}
	if c.Polymer.MaxDelaySeconds <= 0 {
		c.Polymer.MaxDelaySeconds = 10
	}
	if c.Polymer.Multiplier <= 1 {
		c.Polymer.Multiplier = 1.5
	}
	if c.Polymer.SrcChainID == 0 {
		c.Polymer.SrcChainID = 2
	}

	if c.EVM.TimeoutSeconds <= 0 {
		c.EVM.TimeoutSeconds = 30
	}

	if c.Indexer.PollIntervalSeconds <= 0 {
		c.Indexer.PollIntervalSeconds = 2
	}
	if c.Indexer.BatchSize <= 0 {
		c.Indexer.BatchSize = 256
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Wallet.KeypairPath != "" && !filepath.IsAbs(c.Wallet.KeypairPath) {
		c.Wallet.KeypairPath = filepath.Join(baseDir, c.Wallet.KeypairPath)
	}
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	switch c.Ledger.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的账户存储驱动: %s", c.Ledger.Store)
	}
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Programs.Logger.Variant {
	case "single", "swap", "tagged":
	default:
		return fmt.Errorf("未知的日志程序变体: %s", c.Programs.Logger.Variant)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	return nil
}

// PolymerAPIKey 返回证明服务的 API Key，优先使用配置文件中的值。
func (c *Config) PolymerAPIKey() string {
	if key := strings.TrimSpace(c.Polymer.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv(c.Polymer.APIKeyEnv))
}

// Duration 把秒数转换为 time.Duration。
func Duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
