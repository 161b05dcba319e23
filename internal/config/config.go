package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "TRUSTPROOF_CONFIG"

// DefaultPath 为未设置 EnvPath 时使用的配置文件。
const DefaultPath = "configs/trustproof.yaml"

// Config 描述了 TrustProof 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Logging      LoggingConfig     `yaml:"logging"`
	EBSL         EBSLConfig        `yaml:"ebsl"`
	Queue        QueueConfig       `yaml:"queue"`
	Pool         PoolConfig        `yaml:"pool"`
	Recovery     RecoveryConfig    `yaml:"recovery"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	Pipeline     PipelineConfig    `yaml:"pipeline"`
	Storage      StorageConfig     `yaml:"storage"`
	Events       EventsConfig      `yaml:"events"`
	Attestations AttestationConfig `yaml:"attestations"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EBSLConfig 调整信誉融合引擎的分区参数。
type EBSLConfig struct {
	PartitionThreshold int     `yaml:"partition_threshold"`
	MaxPartitionSize   int     `yaml:"max_partition_size"`
	BaseWeight         float64 `yaml:"base_weight"`
	Parallelism        int     `yaml:"parallelism"`
}

// QueueConfig 描述证明请求队列的容量。
type QueueConfig struct {
	MaxSize          int `yaml:"max_size"`
	MaxConcurrent    int `yaml:"max_concurrent"`
	CompletedHistory int `yaml:"completed_history"`
}

// WorkerConfig 描述启动时静态注册的 worker。
type WorkerConfig struct {
	ID             string `yaml:"id"`
	URL            string `yaml:"url"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// PoolConfig 描述 worker 池的扩缩容与心跳参数。
type PoolConfig struct {
	Executor           string         `yaml:"executor"`
	ExecutorTimeout    time.Duration  `yaml:"executor_timeout"`
	MinWorkers         int            `yaml:"min_workers"`
	MaxWorkers         int            `yaml:"max_workers"`
	ScaleUpThreshold   float64        `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64        `yaml:"scale_down_threshold"`
	HeartbeatInterval  time.Duration  `yaml:"heartbeat_interval"`
	MissedBeatsAllowed int            `yaml:"missed_beats_allowed"`
	ScalingInterval    time.Duration  `yaml:"scaling_interval"`
	MaxRetries         int            `yaml:"max_retries"`
	Workers            []WorkerConfig `yaml:"workers"`
}

// RecoveryConfig 描述错误恢复策略的参数。
type RecoveryConfig struct {
	MaxRetries       int               `yaml:"max_retries"`
	BaseDelay        time.Duration     `yaml:"base_delay"`
	MaxDelay         time.Duration     `yaml:"max_delay"`
	Cooldown         time.Duration     `yaml:"cooldown"`
	FallbackCircuits map[string]string `yaml:"fallback_circuits"`
}

// MetricsConfig 控制指标采集与 Prometheus 导出。
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	MaxStored      int           `yaml:"max_stored"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// PipelineConfig 描述证明流水线的超时、限流与缓存。
type PipelineConfig struct {
	DefaultCircuit   string        `yaml:"default_circuit"`
	Timeout          time.Duration `yaml:"timeout"`
	EnableFallback   *bool         `yaml:"enable_fallback"`
	RateLimitPerHour int           `yaml:"rate_limit_per_hour"`
	AllowedUsers     []string      `yaml:"allowed_users"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	CacheSize        int           `yaml:"cache_size"`
}

// FallbackEnabled 返回是否启用电路降级，未配置时默认开启。
func (p PipelineConfig) FallbackEnabled() bool {
	return p.EnableFallback == nil || *p.EnableFallback
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Proofs ProofStoreConfig `yaml:"proofs"`
	Cache  CacheConfig      `yaml:"cache"`
}

// ProofStoreConfig 选择证明记录的持久化方式。
type ProofStoreConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// CacheConfig 选择证明与信誉缓存的实现。
type CacheConfig struct {
	Driver   string `yaml:"driver"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EventsConfig 描述扩缩容意图等事件的外发通道。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接参数。
type RabbitMQConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// AttestationConfig 选择信任证明的来源。
type AttestationConfig struct {
	Source   string        `yaml:"source"`
	Path     string        `yaml:"path"`
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Fallback bool          `yaml:"fallback"`
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时返回默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件，并应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，baseDir 用于补全相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，便于在没有配置文件时启动。
func Default() *Config {
	var cfg Config
	_ = cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(".")
	return &cfg
}

// applyEnv 使用 TRUSTPROOF_* 环境变量覆盖文件中的配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("TRUSTPROOF_SERVER_ADDRESS", &c.Server.Address)
	str("TRUSTPROOF_LOG_LEVEL", &c.Logging.Level)
	str("TRUSTPROOF_METRICS_ADDRESS", &c.Metrics.Address)
	str("TRUSTPROOF_PROOF_STORE_DRIVER", &c.Storage.Proofs.Driver)
	str("TRUSTPROOF_MYSQL_DSN", &c.Storage.Proofs.DSN)
	str("TRUSTPROOF_CACHE_DRIVER", &c.Storage.Cache.Driver)
	str("TRUSTPROOF_REDIS_ADDR", &c.Storage.Cache.Addr)
	str("TRUSTPROOF_REDIS_PASSWORD", &c.Storage.Cache.Password)
	str("TRUSTPROOF_RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	str("TRUSTPROOF_POOL_EXECUTOR", &c.Pool.Executor)
	str("TRUSTPROOF_ATTESTATION_URL", &c.Attestations.URL)

	if v, ok := lookup("TRUSTPROOF_RATE_LIMIT_PER_HOUR"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRUSTPROOF_RATE_LIMIT_PER_HOUR 不是整数: %w", err)
		}
		c.Pipeline.RateLimitPerHour = n
	}
	if v, ok := lookup("TRUSTPROOF_METRICS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRUSTPROOF_METRICS_ENABLED 不是布尔值: %w", err)
		}
		c.Metrics.Enabled = enabled
	}
	if c.Events.RabbitMQ.URL != "" {
		c.Events.RabbitMQ.Enabled = true
	}
	if c.Attestations.URL != "" && c.Attestations.Source == "" {
		c.Attestations.Source = "http"
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, "logs/audit.log")
	}

	if c.EBSL.PartitionThreshold <= 0 {
		c.EBSL.PartitionThreshold = 50
	}
	if c.EBSL.MaxPartitionSize <= 0 {
		c.EBSL.MaxPartitionSize = 20
	}
	if c.EBSL.BaseWeight <= 0 || c.EBSL.BaseWeight > 1 {
		c.EBSL.BaseWeight = 0.7
	}
	if c.EBSL.Parallelism <= 0 {
		c.EBSL.Parallelism = 4
	}

	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 100
	}
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 4
	}
	if c.Queue.CompletedHistory <= 0 {
		c.Queue.CompletedHistory = 50
	}

	if c.Pool.Executor == "" {
		c.Pool.Executor = "simulated"
	}
	if c.Pool.ExecutorTimeout <= 0 {
		c.Pool.ExecutorTimeout = 2 * time.Minute
	}
	if c.Pool.MinWorkers <= 0 {
		c.Pool.MinWorkers = 2
	}
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = 10
	}
	if c.Pool.ScaleUpThreshold <= 0 {
		c.Pool.ScaleUpThreshold = 0.8
	}
	if c.Pool.ScaleDownThreshold <= 0 {
		c.Pool.ScaleDownThreshold = 0.2
	}
	if c.Pool.HeartbeatInterval <= 0 {
		c.Pool.HeartbeatInterval = 10 * time.Second
	}
	if c.Pool.MissedBeatsAllowed <= 0 {
		c.Pool.MissedBeatsAllowed = 2
	}
	if c.Pool.ScalingInterval <= 0 {
		c.Pool.ScalingInterval = 30 * time.Second
	}
	if c.Pool.MaxRetries <= 0 {
		c.Pool.MaxRetries = 3
	}
	for i := range c.Pool.Workers {
		if c.Pool.Workers[i].MaxConcurrency <= 0 {
			c.Pool.Workers[i].MaxConcurrency = 4
		}
	}

	if c.Recovery.MaxRetries <= 0 {
		c.Recovery.MaxRetries = 3
	}
	if c.Recovery.BaseDelay <= 0 {
		c.Recovery.BaseDelay = time.Second
	}
	if c.Recovery.MaxDelay <= 0 {
		c.Recovery.MaxDelay = 30 * time.Second
	}
	if c.Recovery.Cooldown <= 0 {
		c.Recovery.Cooldown = 5 * time.Second
	}
	if c.Recovery.FallbackCircuits == nil {
		c.Recovery.FallbackCircuits = map[string]string{"large": "medium", "medium": "small"}
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.MaxStored <= 0 {
		c.Metrics.MaxStored = 1000
	}
	if c.Metrics.SampleInterval <= 0 {
		c.Metrics.SampleInterval = time.Second
	}

	if c.Pipeline.DefaultCircuit == "" {
		c.Pipeline.DefaultCircuit = "default"
	}
	if c.Pipeline.Timeout <= 0 {
		c.Pipeline.Timeout = 2 * time.Minute
	}
	if c.Pipeline.RateLimitPerHour <= 0 {
		c.Pipeline.RateLimitPerHour = 10
	}
	if c.Pipeline.CacheTTL <= 0 {
		c.Pipeline.CacheTTL = time.Hour
	}
	if c.Pipeline.CacheSize <= 0 {
		c.Pipeline.CacheSize = 50
	}

	if c.Storage.Proofs.Driver == "" {
		c.Storage.Proofs.Driver = "memory"
	}
	if c.Storage.Cache.Driver == "" {
		c.Storage.Cache.Driver = "memory"
	}
	if c.Storage.Cache.Prefix == "" {
		c.Storage.Cache.Prefix = "trustproof"
	}

	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "trustproof.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "pool"
	}

	if c.Attestations.Source == "" {
		c.Attestations.Source = "static"
	}
	if c.Attestations.Source == "file" {
		c.Attestations.Path = resolve(baseDir, c.Attestations.Path, "data/attestations.json")
	}
	if c.Attestations.Timeout <= 0 {
		c.Attestations.Timeout = 10 * time.Second
	}
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		errs = append(errs, fmt.Errorf("pool.min_workers(%d) 不能大于 pool.max_workers(%d)", c.Pool.MinWorkers, c.Pool.MaxWorkers))
	}
	if c.Pool.ScaleDownThreshold >= c.Pool.ScaleUpThreshold {
		errs = append(errs, errors.New("pool.scale_down_threshold 必须小于 pool.scale_up_threshold"))
	}
	if c.Recovery.BaseDelay > c.Recovery.MaxDelay {
		errs = append(errs, errors.New("recovery.base_delay 不能大于 recovery.max_delay"))
	}
	switch c.Pool.Executor {
	case "simulated", "http":
	default:
		errs = append(errs, fmt.Errorf("未知的 pool.executor: %s", c.Pool.Executor))
	}
	switch c.Storage.Proofs.Driver {
	case "memory":
	case "mysql":
		if c.Storage.Proofs.DSN == "" {
			errs = append(errs, errors.New("storage.proofs.dsn 在 mysql 驱动下不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 storage.proofs.driver: %s", c.Storage.Proofs.Driver))
	}
	switch c.Storage.Cache.Driver {
	case "memory":
	case "redis":
		if c.Storage.Cache.Addr == "" {
			errs = append(errs, errors.New("storage.cache.addr 在 redis 驱动下不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 storage.cache.driver: %s", c.Storage.Cache.Driver))
	}
	switch c.Attestations.Source {
	case "static", "file":
	case "http":
		if c.Attestations.URL == "" {
			errs = append(errs, errors.New("attestations.source=http 时必须设置 attestations.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 attestations.source: %s", c.Attestations.Source))
	}
	for i, w := range c.Pool.Workers {
		if w.ID == "" || w.URL == "" {
			errs = append(errs, fmt.Errorf("pool.workers[%d] 缺少 id 或 url", i))
		}
	}
	return errors.Join(errs...)
}
