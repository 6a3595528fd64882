package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/softchor/jobdispatch/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environment variables applied on top of the YAML file
const (
	EnvAMQPURL     = "AMQP_URL"
	EnvAMQPQueue   = "AMQP_QUEUE"
	EnvDatabaseURL = "DATABASE_URL"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
// URL takes precedence over the individual fields when set.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
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
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RabbitMQConfig holds the broker endpoint and queue used for job messages
type RabbitMQConfig struct {
	URL            string           `yaml:"url"`
	ConnectionName string           `yaml:"connection_name"`
	Queue          QueueConfig      `yaml:"queue"`
	Connection     ConnectionConfig `yaml:"connection"`
	Consumer       ConsumerConfig   `yaml:"consumer"`
}

// QueueConfig holds RabbitMQ queue configuration. The queue is always declared durable.
type QueueConfig struct {
	Name string `yaml:"name"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// DispatchConfig holds settings for the dispatch path of the API service
type DispatchConfig struct {
	// PublishTimeout bounds one HTTP-triggered dispatch, including the wait for
	// backpressure to clear and for the broker confirmation.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// StorageConfig holds object key settings
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int                                  `yaml:"concurrency"`
	JobTimeout        time.Duration                        `yaml:"job_timeout"`
	HeartbeatInterval time.Duration                        `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration                        `yaml:"shutdown_timeout"`
	Tasks             map[domain.TaskType]TaskRunnerConfig `yaml:"tasks"`
}

// TaskRunnerConfig names the external processor for one task type
type TaskRunnerConfig struct {
	Command []string `yaml:"command"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.RabbitMQ.URL = v
	}
	if v := os.Getenv(EnvAMQPQueue); v != "" {
		c.RabbitMQ.Queue.Name = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
}

// ErrMissingBroker is returned by validation when the broker URL or queue name is absent.
var ErrMissingBroker = errors.New("broker configuration is incomplete")

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Dispatch.PublishTimeout <= 0 {
		return fmt.Errorf("dispatch publish_timeout must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		return fmt.Errorf("rabbitmq consumer prefetch_count must be greater than 0")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	for _, taskType := range domain.TaskTypes() {
		runner, ok := c.Worker.Tasks[taskType]
		if !ok || len(runner.Command) == 0 {
			return fmt.Errorf("worker tasks.%s.command is required", taskType)
		}
	}

	for taskType := range c.Worker.Tasks {
		if !taskType.Valid() {
			return fmt.Errorf("worker tasks: unknown task type %q", taskType)
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL != "" {
		return nil
	}

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

func (c *Config) validateBroker() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("%w: rabbitmq url is required", ErrMissingBroker)
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("%w: rabbitmq queue name is required", ErrMissingBroker)
	}

	return nil
}
