package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Storage backends understood by the backend selector
const (
	BackendRelational = "relational"
	BackendFlatFile   = "flatfile"
	BackendMemory     = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	FlatFile  FlatFileConfig  `mapstructure:"flatfile"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Gmail     GmailConfig     `mapstructure:"gmail"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the operational HTTP endpoint configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig selects the repository backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// FlatFileConfig holds the flat-file backend configuration
type FlatFileConfig struct {
	Dir string `mapstructure:"dir"`
}

// RedisConfig holds the connection used by the report queue and job store
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ReportsConfig holds report pipeline configuration
type ReportsConfig struct {
	Dir          string        `mapstructure:"dir"`
	Workers      int           `mapstructure:"workers"`
	Queue        string        `mapstructure:"queue"`
	QueueBuffer  int           `mapstructure:"queue_buffer"`
	JobStore     string        `mapstructure:"job_store"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// GmailConfig holds the settings collector configuration
type GmailConfig struct {
	CredentialsFile string   `mapstructure:"credentials_file"`
	Users           []string `mapstructure:"users"`
}

// SchedulerConfig holds periodic report configuration
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
	Kind    string `mapstructure:"kind"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("storage.backend", BackendMemory)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "forwarding_audit.db")

	v.SetDefault("flatfile.dir", "data")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "forwarding-audit")

	v.SetDefault("reports.dir", "reports")
	v.SetDefault("reports.workers", 2)
	v.SetDefault("reports.queue", "memory")
	v.SetDefault("reports.queue_buffer", 64)
	v.SetDefault("reports.job_store", "memory")
	v.SetDefault("reports.poll_interval", "500ms")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.cron", "0 6 * * 1")
	v.SetDefault("scheduler.kind", "full")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	v.BindEnv("storage.backend", "STORAGE_BACKEND")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	v.BindEnv("flatfile.dir", "FLATFILE_DIR")

	// Redis
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.key_prefix", "REDIS_KEY_PREFIX")

	// Reports
	v.BindEnv("reports.dir", "REPORTS_DIR")
	v.BindEnv("reports.workers", "REPORTS_WORKERS")
	v.BindEnv("reports.queue", "REPORTS_QUEUE")
	v.BindEnv("reports.queue_buffer", "REPORTS_QUEUE_BUFFER")
	v.BindEnv("reports.job_store", "REPORTS_JOB_STORE")
	v.BindEnv("reports.poll_interval", "REPORTS_POLL_INTERVAL")

	// Gmail
	v.BindEnv("gmail.credentials_file", "GMAIL_CREDENTIALS_FILE")
	v.BindEnv("gmail.users", "GMAIL_USERS")

	// Scheduler
	v.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	v.BindEnv("scheduler.cron", "SCHEDULER_CRON")
	v.BindEnv("scheduler.kind", "SCHEDULER_KIND")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Backend {
	case BackendRelational:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case BackendFlatFile:
		if c.FlatFile.Dir == "" {
			return fmt.Errorf("flatfile dir is required for the flatfile backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Reports.Dir == "" {
		return fmt.Errorf("reports dir is required")
	}
	if c.Reports.Workers <= 0 {
		return fmt.Errorf("reports workers must be greater than 0")
	}

	usesRedis := false
	switch c.Reports.Queue {
	case "memory":
	case "redis":
		usesRedis = true
	default:
		return fmt.Errorf("unknown report queue %q", c.Reports.Queue)
	}

	switch c.Reports.JobStore {
	case "memory":
	case "database":
		if c.Storage.Backend != BackendRelational {
			return fmt.Errorf("job store %q requires the relational storage backend", c.Reports.JobStore)
		}
	case "redis":
		usesRedis = true
	default:
		return fmt.Errorf("unknown job store %q", c.Reports.JobStore)
	}

	if usesRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when the queue or job store uses redis")
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("invalid scheduler cron %q: %w", c.Scheduler.Cron, err)
		}
		switch c.Scheduler.Kind {
		case "full", "statistics-only", "rules-only":
		default:
			return fmt.Errorf("unknown scheduler report kind %q", c.Scheduler.Kind)
		}
	}

	return nil
}

func (c *DatabaseConfig) validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mysql", "postgres":
		if c.Host == "" || c.User == "" || c.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	return nil
}
