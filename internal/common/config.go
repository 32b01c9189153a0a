package common

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Worker   WorkerConfig
	Dispatch DispatchConfig
	Progress ProgressConfig
	Storage  StorageConfig
	Inbox    InboxConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `envconfig:"DB_DRIVER" default:"sqlite"`
	DSN              string        `envconfig:"DB_URL" default:"file:docextract.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"`
	MaxConns         int32         `envconfig:"DB_MAX_CONNS" default:"20"`
	MinConns         int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime  time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime  time.Duration `envconfig:"DB_MAX_CONN_IDLE_TIME" default:"5m"`
	DialTimeout      time.Duration `envconfig:"DB_DIAL_TIMEOUT" default:"3s"`
	StatementTimeout time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"0"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":9090"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"104857600"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// WorkerConfig describes the external extraction process.
type WorkerConfig struct {
	Interpreter      string        `envconfig:"WORKER_INTERPRETER" default:"python3"`
	Dir              string        `envconfig:"WORKER_DIR" default:"./worker"`
	Script           string        `envconfig:"WORKER_SCRIPT" default:"integrated_processor.py"`
	MaxConcurrent    int           `envconfig:"WORKER_MAX_CONCURRENT" default:"3"`
	TaskTimeout      time.Duration `envconfig:"WORKER_TASK_TIMEOUT" default:"600s"`
	MaxRetries       int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	RetryInterval    time.Duration `envconfig:"WORKER_RETRY_INTERVAL" default:"5s"`
	Model            string        `envconfig:"WORKER_MODEL" default:"qwen-vl-max-latest"`
	MaxImages        int           `envconfig:"WORKER_MAX_IMAGES" default:"15"`
	MaxContextLength int           `envconfig:"WORKER_MAX_CONTEXT_LENGTH" default:"150000"`
}

// DispatchConfig sizes the batch dispatch pool and admission quota.
type DispatchConfig struct {
	Workers           int `envconfig:"DISPATCH_WORKERS" default:"5"`
	QueueSize         int `envconfig:"DISPATCH_QUEUE_SIZE" default:"100"`
	MaxActivePerOwner int `envconfig:"ADMISSION_MAX_ACTIVE" default:"10"`
}

// ProgressConfig controls snapshot retention and streaming cadence.
type ProgressConfig struct {
	TTL          time.Duration `envconfig:"PROGRESS_TTL" default:"24h"`
	PollInterval time.Duration `envconfig:"STREAM_POLL_INTERVAL" default:"2s"`
	IdleTimeout  time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"5m"`
}

// StorageConfig locates uploaded documents.
type StorageConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:"./data"`
}

// InboxConfig enables the drop directory. Empty Dir disables it.
type InboxConfig struct {
	Dir       string        `envconfig:"INBOX_DIR"`
	OwnerID   string        `envconfig:"INBOX_OWNER" default:"inbox"`
	Fields    string        `envconfig:"INBOX_FIELDS"`
	ModelMode string        `envconfig:"INBOX_MODE" default:"normal"`
	Debounce  time.Duration `envconfig:"INBOX_DEBOUNCE" default:"2s"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, NewAppError("CONFIG_ERROR", "failed to read env file", err)
	}
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "failed to parse environment", err)
	}
	return cfg, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be sqlite or postgres", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR or GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Worker.MaxConcurrent <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_MAX_CONCURRENT must be positive", ErrInvalidInput)
	}
	if c.Worker.MaxRetries <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_MAX_RETRIES must be positive", ErrInvalidInput)
	}
	if c.Worker.TaskTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_TASK_TIMEOUT must be positive", ErrInvalidInput)
	}
	if c.Dispatch.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "DISPATCH_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Inbox.Dir != "" && c.Inbox.Fields == "" {
		return NewAppError("CONFIG_ERROR", "INBOX_FIELDS is required when INBOX_DIR is set", ErrInvalidInput)
	}
	if c.Storage.DataDir == "" {
		return NewAppError("CONFIG_ERROR", "DATA_DIR is required", ErrInvalidInput)
	}
	return nil
}
