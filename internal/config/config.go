// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr           string  `yaml:"addr"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`

	RabbitMQ struct {
		URL      string `yaml:"url"`
		Queue    string `yaml:"queue"`
		Prefetch int    `yaml:"prefetch"`
		// ConsumerTimeout mirrors the broker's consumer_timeout: a delivery left
		// unacknowledged longer than this closes the consumer's channel.
		ConsumerTimeout time.Duration `yaml:"consumer_timeout"`
	} `yaml:"rabbitmq"`

	Workers int `yaml:"workers"`

	Registry struct {
		// Driver is dynamodb, postgres or memory.
		Driver      string `yaml:"driver"`
		TableName   string `yaml:"table_name"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"registry"`

	AWS struct {
		Region          string        `yaml:"region"`
		EndpointURL     string        `yaml:"endpoint_url"`
		Partition       string        `yaml:"partition"`
		HomeAccountID   string        `yaml:"home_account_id"`
		RoleName        string        `yaml:"cross_account_role_name"`
		ExternalID      string        `yaml:"external_id"`
		SessionDuration time.Duration `yaml:"session_duration"`
		MaxAttempts     int           `yaml:"max_attempts"`
	} `yaml:"aws"`

	Entity      string `yaml:"entity"`
	SharedTable string `yaml:"shared_table"`

	Workflow struct {
		PollInterval       time.Duration `yaml:"poll_interval"`
		PollMaxAttempts    int           `yaml:"poll_max_attempts"`
		BatchMaxRetries    int           `yaml:"batch_max_retries"`
		BatchBaseDelay     time.Duration `yaml:"batch_base_delay"`
		AssumeRoleAttempts int           `yaml:"assume_role_attempts"`
		StaleAfter         time.Duration `yaml:"stale_after"`
		SweepInterval      time.Duration `yaml:"sweep_interval"`
	} `yaml:"workflow"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Observability struct {
		LogLevel     string  `yaml:"log_level"`
		LogFormat    string  `yaml:"log_format"`
		OTelEnabled  bool    `yaml:"otel_enabled"`
		ServiceName  string  `yaml:"service_name"`
		SamplingRate float64 `yaml:"sampling_rate"`
	} `yaml:"observability"`
}

// LoadConfig reads path, applies environment overrides and defaults, and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Registry.PostgresURL = getEnv("DATABASE_URL", c.Registry.PostgresURL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.AWS.EndpointURL = getEnv("AWS_ENDPOINT_URL", c.AWS.EndpointURL)
	c.AWS.ExternalID = getEnv("PROVISIONING_EXTERNAL_ID", c.AWS.ExternalID)
	c.AWS.HomeAccountID = getEnv("AWS_ACCOUNT_ID", c.AWS.HomeAccountID)
	c.Workers = parseInt("WORKERS", c.Workers)
	c.Observability.LogLevel = getEnv("LOG_LEVEL", c.Observability.LogLevel)
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Addr, ":8080")
	setDefault(&c.RabbitMQ.Queue, "tenant_provisioning_queue")
	setDefault(&c.Registry.Driver, "dynamodb")
	setDefault(&c.Registry.TableName, "TENANT_REGISTRY")
	setDefault(&c.AWS.Region, "us-east-1")
	setDefault(&c.AWS.Partition, "aws")
	setDefault(&c.AWS.RoleName, "CrossAccountProvisioningRole")
	setDefault(&c.Entity, "tenant")
	setDefault(&c.SharedTable, "SHARED_PUBLIC")
	setDefault(&c.Observability.LogLevel, "info")
	setDefault(&c.Observability.LogFormat, "json")
	setDefault(&c.Observability.ServiceName, "tenant-provisioner")

	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.RabbitMQ.Prefetch <= 0 {
		c.RabbitMQ.Prefetch = 8
	}
	if c.RabbitMQ.ConsumerTimeout <= 0 {
		c.RabbitMQ.ConsumerTimeout = 30 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.AWS.SessionDuration <= 0 {
		c.AWS.SessionDuration = time.Hour
	}
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = 15 * time.Second
	}
	if c.Workflow.PollMaxAttempts <= 0 {
		c.Workflow.PollMaxAttempts = 100
	}
	if c.Workflow.BatchMaxRetries <= 0 {
		c.Workflow.BatchMaxRetries = 3
	}
	if c.Workflow.BatchBaseDelay <= 0 {
		c.Workflow.BatchBaseDelay = 100 * time.Millisecond
	}
	if c.Workflow.AssumeRoleAttempts <= 0 {
		c.Workflow.AssumeRoleAttempts = 3
	}
	if c.Workflow.StaleAfter <= 0 {
		c.Workflow.StaleAfter = 45 * time.Minute
	}
	if c.Workflow.SweepInterval <= 0 {
		c.Workflow.SweepInterval = 5 * time.Minute
	}
}

// Validate rejects configurations the workflow cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Registry.Driver {
	case "dynamodb", "memory":
	case "postgres":
		if c.Registry.PostgresURL == "" {
			errs = append(errs, errors.New("registry.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry driver %q", c.Registry.Driver))
	}
	if c.Entity != "tenant" && c.Entity != "account" {
		errs = append(errs, fmt.Errorf("entity must be tenant or account, got %q", c.Entity))
	}
	if c.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	}
	if c.AWS.SessionDuration < 15*time.Minute || c.AWS.SessionDuration > 12*time.Hour {
		errs = append(errs, fmt.Errorf("aws.session_duration %s outside 15m..12h", c.AWS.SessionDuration))
	}
	// Throttling is the only retried assume-role failure; a large budget hides trust policy errors.
	if c.Workflow.AssumeRoleAttempts > 5 {
		errs = append(errs, fmt.Errorf("workflow.assume_role_attempts %d exceeds 5", c.Workflow.AssumeRoleAttempts))
	}
	// A run is acked only when it ends, so its stack wait must finish before the
	// broker gives up on the delivery, and the sweep must not resume it meanwhile.
	if timeout := c.PollTimeout(); timeout >= c.RabbitMQ.ConsumerTimeout {
		errs = append(errs, fmt.Errorf("workflow poll timeout %s must be below rabbitmq.consumer_timeout %s",
			timeout, c.RabbitMQ.ConsumerTimeout))
	}
	if timeout := c.PollTimeout(); c.Workflow.StaleAfter <= timeout {
		errs = append(errs, fmt.Errorf("workflow.stale_after %s must exceed the poll timeout %s",
			c.Workflow.StaleAfter, timeout))
	}
	return errors.Join(errs...)
}

// PollTimeout is the longest a run waits on a stack before failing.
func (c *Config) PollTimeout() time.Duration {
	return c.Workflow.PollInterval * time.Duration(c.Workflow.PollMaxAttempts)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
