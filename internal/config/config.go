package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Registry RegistryConfig `json:"registry"`
	Events   EventsConfig   `json:"events"`
	Worker   WorkerConfig   `json:"worker"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver         string `json:"driver"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	DBName         string `json:"db_name"`
	SSLMode        string `json:"ssl_mode"`
	MaxConnections int    `json:"max_connections"`
	MaxIdleConns   int    `json:"max_idle_conns"`
	AutoMigrate    bool   `json:"auto_migrate"`
}

// RegistryConfig configures the registry service
type RegistryConfig struct {
	// BootstrapAdmin receives every role when the registry has no Admin.
	BootstrapAdmin string   `json:"bootstrap_admin"`
	CacheTTL       Duration `json:"cache_ttl"`
}

// EventsConfig configures the audit log and event sinks. An empty topic
// disables SNS and an empty bucket disables the S3 archive.
type EventsConfig struct {
	SNSTopicARN string `json:"sns_topic_arn"`
	AWSRegion   string `json:"aws_region"`

	// Retention bounds the in-memory log of the memory driver.
	Retention int `json:"retention"`
	// AuditPage is the page size used when re-verifying the stored chain.
	AuditPage int `json:"audit_page"`

	ArchiveBucket string `json:"archive_bucket"`
	ArchivePrefix string `json:"archive_prefix"`
	S3Endpoint    string `json:"s3_endpoint"`
	S3PathStyle   bool   `json:"s3_path_style"`

	// Static S3 credentials, read from the environment only.
	S3AccessKeyID     string `json:"-"`
	S3SecretAccessKey string `json:"-"`
}

// WorkerConfig configures the aggregation worker
type WorkerConfig struct {
	Schedule string   `json:"schedule"`
	Timeout  Duration `json:"timeout"`
}

// SecurityConfig
type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Duration is a time.Duration read from JSON as a string such as "30s".
type Duration time.Duration

// UnmarshalJSON accepts "1m30s" style strings or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:         DriverMemory,
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "mrv_registry",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			AutoMigrate:    true,
		},
		Registry: RegistryConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			AWSRegion:     "us-east-1",
			Retention:     10000,
			AuditPage:     500,
			ArchivePrefix: "events/",
		},
		Worker: WorkerConfig{
			Schedule: "@every 1m",
			Timeout:  Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a .env file, the JSON file at
// configPath and environment variables, in increasing precedence. A missing
// file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT: %w", err)
		}
		config.Server.Port = p
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if admin := os.Getenv("REGISTRY_BOOTSTRAP_ADMIN"); admin != "" {
		config.Registry.BootstrapAdmin = admin
	}
	if ttl := os.Getenv("REGISTRY_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid REGISTRY_CACHE_TTL: %w", err)
		}
		config.Registry.CacheTTL = Duration(d)
	}
	if topic := os.Getenv("EVENTS_SNS_TOPIC_ARN"); topic != "" {
		config.Events.SNSTopicARN = topic
	}
	if bucket := os.Getenv("EVENTS_ARCHIVE_BUCKET"); bucket != "" {
		config.Events.ArchiveBucket = bucket
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		config.Events.S3Endpoint = endpoint
	}
	config.Events.S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	config.Events.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Events.AWSRegion = region
	}
	if schedule := os.Getenv("WORKER_SCHEDULE"); schedule != "" {
		config.Worker.Schedule = schedule
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.Security.AllowedOrigins = splitList(origins)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks settings that would otherwise fail at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Registry.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Events.Retention < 0 {
		return fmt.Errorf("event retention must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewLogger builds a zap logger at the configured level.
func (c *LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
