package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultMaxAttempts bounds redelivery of a job that keeps failing
	DefaultMaxAttempts = 5
)

// Backend names
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
	BackendS3       = "s3"
	BackendLocal    = "local"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	JobStore  JobStoreConfig  `yaml:"job_store"`
	WorkQueue WorkQueueConfig `yaml:"work_queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int           `yaml:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	// RetryQueue holds abandoned deliveries until work_queue.visibility passes.
	RetryQueue string           `yaml:"retry_queue"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names the exchange and queue receiving dead-lettered messages
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JobStoreConfig selects the job record backend
type JobStoreConfig struct {
	Backend     string `yaml:"backend"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// WorkQueueConfig selects the work queue backend. Stream settings apply to the
// redis backend; the rabbitmq backend uses the rabbitmq section.
type WorkQueueConfig struct {
	Backend          string        `yaml:"backend"`
	Stream           string        `yaml:"stream"`
	Group            string        `yaml:"group"`
	DeadLetterStream string        `yaml:"dead_letter_stream"`
	Visibility       time.Duration `yaml:"visibility"`
	ReceiveWait      time.Duration `yaml:"receive_wait"`
}

// StorageConfig selects the object store backend
type StorageConfig struct {
	Backend string             `yaml:"backend"`
	S3      S3Config           `yaml:"s3"`
	Local   LocalStorageConfig `yaml:"local"`
}

// S3Config holds S3 bucket settings. Credentials fall back to the AWS default
// chain when the keys are empty.
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LocalStorageConfig holds filesystem object store settings
type LocalStorageConfig struct {
	Root           string `yaml:"root"`
	BaseURL        string `yaml:"base_url"`
	SigningKey     string `yaml:"signing_key"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	Issuer     string `yaml:"issuer"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileAfter    time.Duration `yaml:"reconcile_after"`
	ReconcileBatch    int           `yaml:"reconcile_batch"`
	Modes             []string      `yaml:"modes"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// ApplyEnv overrides secrets and deployment-specific values from the
// environment
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("DATABASE_PASSWORD", &c.Database.Password)
	setString("RABBITMQ_PASSWORD", &c.RabbitMQ.Password)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	setString("STORAGE_LOCAL_SIGNING_KEY", &c.Storage.Local.SigningKey)
	setString("S3_BUCKET", &c.Storage.S3.Bucket)
	setString("AWS_REGION", &c.Storage.S3.Region)
	setString("WORKER_ID", &c.Worker.ID)

	if v, ok := os.LookupEnv("AUTH_SKIP_VERIFY"); ok && v != "" {
		skip, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTH_SKIP_VERIFY: %w", err)
		}
		c.Auth.SkipVerify = skip
	}

	return nil
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	if c.JobStore.Backend == "" {
		c.JobStore.Backend = BackendPostgres
	}
	if c.WorkQueue.Backend == "" {
		c.WorkQueue.Backend = BackendRabbitMQ
	}
	if c.WorkQueue.Stream == "" {
		c.WorkQueue.Stream = "mediajobs:dispatch"
	}
	if c.WorkQueue.Group == "" {
		c.WorkQueue.Group = "workers"
	}
	if c.WorkQueue.DeadLetterStream == "" {
		c.WorkQueue.DeadLetterStream = c.WorkQueue.Stream + ":dead"
	}
	if c.WorkQueue.Visibility <= 0 {
		c.WorkQueue.Visibility = 5 * time.Minute
	}
	if c.WorkQueue.ReceiveWait <= 0 {
		c.WorkQueue.ReceiveWait = 20 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendS3
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}
	if c.Storage.Local.MaxUploadBytes <= 0 {
		c.Storage.Local.MaxUploadBytes = 100 << 20
	}
	if c.Redis.Port == 0 && c.Redis.Host != "" {
		c.Redis.Port = 6379
	}
	if c.RabbitMQ.RetryQueue == "" && c.RabbitMQ.Queue.Name != "" {
		c.RabbitMQ.RetryQueue = c.RabbitMQ.Queue.Name + ".retry"
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = DefaultMaxAttempts
	}
	if c.Worker.ReconcileAfter <= 0 {
		c.Worker.ReconcileAfter = 10 * time.Minute
	}
	if c.Worker.ReconcileBatch <= 0 {
		c.Worker.ReconcileBatch = 100
	}
}

// ValidateAPIConfig checks the configuration used by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if !c.Auth.SkipVerify && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required unless skip_verify is set")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("worker max_attempts must not be negative")
	}

	if c.Worker.HeartbeatInterval < 0 {
		return fmt.Errorf("worker heartbeat_interval must not be negative")
	}

	if c.WorkQueue.Backend == BackendRedis && c.Worker.HeartbeatInterval >= c.WorkQueue.Visibility {
		return fmt.Errorf("worker heartbeat_interval must be shorter than work_queue visibility")
	}

	if c.Worker.ReconcileInterval < 0 {
		return fmt.Errorf("worker reconcile_interval must not be negative")
	}

	return nil
}

func (c *Config) validateBackends() error {
	if err := c.validateJobStore(); err != nil {
		return err
	}
	if err := c.validateWorkQueue(); err != nil {
		return err
	}
	return c.validateStorage()
}

func (c *Config) validateJobStore() error {
	switch c.JobStore.Backend {
	case BackendPostgres:
		return c.validateDatabase()
	case BackendRedis:
		return c.validateRedis()
	default:
		return fmt.Errorf("unsupported job_store backend: %q", c.JobStore.Backend)
	}
}

func (c *Config) validateWorkQueue() error {
	switch c.WorkQueue.Backend {
	case BackendRabbitMQ:
		return c.validateRabbitMQ()
	case BackendRedis:
		if c.WorkQueue.Stream == "" || c.WorkQueue.Group == "" {
			return fmt.Errorf("work_queue stream and group are required")
		}
		if c.WorkQueue.Visibility <= 0 {
			return fmt.Errorf("work_queue visibility must be greater than 0")
		}
		return c.validateRedis()
	default:
		return fmt.Errorf("unsupported work_queue backend: %q", c.WorkQueue.Backend)
	}
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
		return nil
	case BackendLocal:
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("storage local root is required")
		}
		if c.Storage.Local.BaseURL == "" {
			return fmt.Errorf("storage local base_url is required")
		}
		if c.Storage.Local.SigningKey == "" {
			return fmt.Errorf("storage local signing_key is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.DeadLetter.Exchange != "" && c.RabbitMQ.DeadLetter.Queue == "" {
		return fmt.Errorf("rabbitmq dead_letter queue is required when an exchange is set")
	}

	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	return nil
}
