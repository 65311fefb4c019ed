package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"bookpay/internal/fees"
	"bookpay/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Fees       fees.Config      `yaml:"fees"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Worker     WorkerConfig     `yaml:"worker"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Events     EventsConfig     `yaml:"events"`
	API        APIConfig        `yaml:"api"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Reports    ReportsConfig    `yaml:"reports"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN renders a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type WebhookConfig struct {
	Secret            string        `yaml:"secret"`
	SignatureHeader   string        `yaml:"signature_header"`
	Verification      string        `yaml:"verification"` // hmac | processor
	MaxAttempts       int           `yaml:"max_attempts"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

type WorkerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        float64       `yaml:"jitter"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type PaymentsConfig struct {
	PublicKey          string `yaml:"public_key"`
	SecretKey          string `yaml:"secret_key"`
	Currency           string `yaml:"currency"`
	CommissionOverride string `yaml:"commission_overrides_path"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	// RateLimit overrides the API-wide limit for this key.
	RateLimit *APIRateLimitConfig `yaml:"rate_limit,omitempty"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ReportsConfig struct {
	ExportPath            string `yaml:"export_path"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
	SpreadsheetID         string `yaml:"spreadsheet_id"`
}

type AlertsConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional outside of local development
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Fees.CommissionRate < 0 || c.Fees.CommissionRate > 1 {
		return fmt.Errorf("fees.commission_rate %v outside [0,1]", c.Fees.CommissionRate)
	}
	if c.Fees.GuestSurchargeRate < 0 || c.Fees.GuestSurchargeRate > 1 {
		return fmt.Errorf("fees.guest_surcharge_rate %v outside [0,1]", c.Fees.GuestSurchargeRate)
	}
	if c.Fees.MinimumAmountCents <= 0 {
		return errors.New("fees.minimum_amount_cents must be positive")
	}

	switch c.Webhook.Verification {
	case "hmac":
		if c.Webhook.Secret == "" {
			return errors.New("webhook.secret is required for hmac verification")
		}
	case "processor":
		if c.Payments.SecretKey == "" {
			return errors.New("payments.secret_key is required for processor verification")
		}
	default:
		return fmt.Errorf("unsupported webhook verification %q", c.Webhook.Verification)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Fees.MinimumAmountCents == 0 {
		c.Fees.MinimumAmountCents = fees.DefaultMinimumAmountCents
	}
	if c.Fees.CommissionRate == 0 {
		c.Fees.CommissionRate = fees.DefaultCommissionRate
	}
	if c.Fees.GuestSurchargeRate == 0 {
		c.Fees.GuestSurchargeRate = fees.DefaultGuestSurchargeRate
	}

	if c.Webhook.Verification == "" {
		c.Webhook.Verification = "hmac"
	}
	if c.Webhook.SignatureHeader == "" {
		c.Webhook.SignatureHeader = "X-Signature"
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = models.DefaultMaxEventAttempts
	}
	if c.Webhook.ProcessingTimeout == 0 {
		c.Webhook.ProcessingTimeout = 10 * time.Second
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}

	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 8
	}
	if c.Worker.InitialDelay == 0 {
		c.Worker.InitialDelay = 2 * time.Second
	}
	if c.Worker.MaxDelay == 0 {
		c.Worker.MaxDelay = 5 * time.Minute
	}
	if c.Worker.BackoffFactor == 0 {
		c.Worker.BackoffFactor = 2
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = models.DefaultWorkerBatchSize
	}

	if c.Payments.Currency == "" {
		c.Payments.Currency = models.DefaultCurrency
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "bookpay.events"
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Reports.ExportPath == "" {
		c.Reports.ExportPath = "exports"
	}
}
