package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// OCRConfig holds Google Document AI configuration
type OCRConfig struct {
	ProjectID       string        `mapstructure:"project_id"`
	Location        string        `mapstructure:"location"`
	ProcessorID     string        `mapstructure:"processor_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// QueueConfig holds job dispatch configuration
type QueueConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	SigningKey string        `mapstructure:"signing_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// CryptoConfig holds the field encryption configuration
type CryptoConfig struct {
	// EncryptionKey is 64 hex characters, a 256-bit AES key.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/comptapilot.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Storage defaults
	viper.SetDefault("storage.base_dir", "data/blobs")

	// OCR defaults
	viper.SetDefault("ocr.location", "eu")
	viper.SetDefault("ocr.timeout", 120*time.Second)

	// OpenAI defaults
	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("openai.temperature", 0.1)
	viper.SetDefault("openai.max_tokens", 2000)
	viper.SetDefault("openai.timeout", 60*time.Second)

	// Queue defaults
	viper.SetDefault("queue.base_url", "http://127.0.0.1:8080")
	viper.SetDefault("queue.timeout", 30*time.Second)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("ocr.project_id", "DOCUMENT_AI_PROJECT_ID")
	viper.BindEnv("ocr.processor_id", "DOCUMENT_AI_PROCESSOR_ID")
	viper.BindEnv("ocr.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("queue.signing_key", "QUEUE_SIGNING_KEY")
	viper.BindEnv("crypto.encryption_key", "FIELD_ENCRYPTION_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate OCR credentials
	if c.OCR.ProjectID == "" {
		return fmt.Errorf("ocr.project_id is required")
	}
	if c.OCR.ProcessorID == "" {
		return fmt.Errorf("ocr.processor_id is required")
	}

	// Validate OpenAI credentials
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}

	// The encryption key is startup-fatal when malformed: a service that
	// cannot decrypt what it stored must not come up at all.
	key, err := hex.DecodeString(c.Crypto.EncryptionKey)
	if err != nil {
		return fmt.Errorf("crypto.encryption_key is not valid hex")
	}
	if len(key) != 32 {
		return fmt.Errorf("crypto.encryption_key must be 64 hex characters (256 bits)")
	}

	return nil
}
