// Package config loads service configuration from the environment, optionally
// seeded from a YAML file named by CONFIG_FILE. Environment variables always
// win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Identity  ClientConfig    `yaml:"identity"`
	Patient   ClientConfig    `yaml:"patient"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the postgres pool settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

// NATSConfig holds the event-publisher settings. Empty URL disables publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ClientConfig points at a collaborator service.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowConfig carries the engine's tuning knobs.
type WorkflowConfig struct {
	// StoreDriver selects the backing store: postgres or memory.
	StoreDriver string `yaml:"store_driver"`
	// LockAcquireTimeout bounds the wait on the per-session mutex.
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
	// DefaultLockDuration is applied when a lock request carries no duration.
	DefaultLockDuration time.Duration `yaml:"default_lock_duration"`
	// ApprovalExpiry is the default lifetime of an approval request.
	ApprovalExpiry time.Duration `yaml:"approval_expiry"`
	// ActiveUserWindow is how long a user stays in active_users after acting.
	ActiveUserWindow time.Duration `yaml:"active_user_window"`
	// SweeperInterval enables the background expiry sweeper when > 0.
	SweeperInterval time.Duration `yaml:"sweeper_interval"`
}

// TelemetryConfig configures the optional OpenTelemetry tracer.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP gRPC endpoint; empty + Debug → stdout
	Debug    bool   `yaml:"debug"`
}

// Load reads the configuration. A YAML file named by CONFIG_FILE is applied
// first when present; environment variables override individual values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Workflow.StoreDriver != "postgres" && cfg.Workflow.StoreDriver != "memory" {
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be postgres or memory", cfg.Workflow.StoreDriver)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-screening-workflow",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8080,
			GRPCPort:        9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "screening",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Identity: ClientConfig{BaseURL: "http://localhost:8081", Timeout: 5 * time.Second},
		Patient:  ClientConfig{BaseURL: "http://localhost:8082", Timeout: 5 * time.Second},
		Workflow: WorkflowConfig{
			StoreDriver:         "postgres",
			LockAcquireTimeout:  10 * time.Second,
			DefaultLockDuration: 24 * time.Hour,
			ApprovalExpiry:      24 * time.Hour,
			ActiveUserWindow:    30 * time.Minute,
			SweeperInterval:     0,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Service.Name, "SERVICE_NAME")
	setString(&cfg.Service.Version, "SERVICE_VERSION")
	setString(&cfg.Service.Environment, "ENVIRONMENT")
	setString(&cfg.Service.LogLevel, "LOG_LEVEL")

	setInt(&cfg.Server.Port, "HTTP_PORT")
	setInt(&cfg.Server.GRPCPort, "GRPC_PORT")
	setDuration(&cfg.Server.RequestTimeout, "REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")

	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Identity.BaseURL, "IDENTITY_URL")
	setString(&cfg.Patient.BaseURL, "PATIENT_URL")

	setString(&cfg.Workflow.StoreDriver, "STORE_DRIVER")
	setDuration(&cfg.Workflow.LockAcquireTimeout, "LOCK_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Workflow.DefaultLockDuration, "DEFAULT_LOCK_DURATION")
	setDuration(&cfg.Workflow.ApprovalExpiry, "APPROVAL_EXPIRY")
	setDuration(&cfg.Workflow.ActiveUserWindow, "ACTIVE_USER_WINDOW")
	setDuration(&cfg.Workflow.SweeperInterval, "SWEEPER_INTERVAL")

	setBool(&cfg.Telemetry.Enabled, "OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Debug, "OTEL_DEBUG")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
