package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultLLMBaseURL     = "https://openrouter.ai/api/v1"
	DefaultLLMModel       = "openrouter/horizon-beta"
	DefaultLLMTemperature = 0.7
	DefaultLLMMaxTokens   = 4000
	DefaultLLMAppTitle    = "Creative Monk AI Bot"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	LLM         LLMConfig                 `json:"llm"`
	Blob        BlobConfig                `json:"blob"`
}

type BasicConfig struct {
	ServerAddress       string `json:"server_address"`
	FileBaseDir         string `json:"file_base_dir"`
	UploadTTL           int    `json:"upload_ttl"`            // minutes
	UploadCleanInterval int    `json:"upload_clean_interval"` // minutes
	LogDir              string `json:"log_dir"`
	Debug               bool   `json:"debug"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password" env:"MONKCHAT_REDIS_PASSWORD"`
	DB       int    `json:"db"`
}

// LLMConfig holds the process-wide completion settings. None of it is settable by end users.
type LLMConfig struct {
	Provider    string  `json:"provider" env:"MONKCHAT_LLM_PROVIDER"`
	BaseURL     string  `json:"base_url" env:"MONKCHAT_LLM_BASE_URL"`
	Model       string  `json:"model" env:"MONKCHAT_LLM_MODEL"`
	APIKey      string  `json:"-" env:"MONKCHAT_LLM_API_KEY"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Referer     string  `json:"referer"`
	AppTitle    string  `json:"app_title"`
}

type BlobConfig struct {
	Driver string      `json:"driver"` // disk | minio
	MinIO  MinIOConfig `json:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
	AccessKey string `json:"-" env:"MONKCHAT_MINIO_ACCESS_KEY"`
	SecretKey string `json:"-" env:"MONKCHAT_MINIO_SECRET_KEY"`
}

// Load reads configuration from the provided path (defaults to config.json) and
// applies environment overrides on top of it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("MONKCHAT_LLM_API_KEY must be set")
	}
	if cfg.LLM.Model == "" {
		return nil, fmt.Errorf("llm model must be set for provider %s", cfg.LLM.Provider)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(&c.LLM); err != nil {
		return fmt.Errorf("parse llm env: %w", err)
	}
	if err := env.Parse(&c.Redis); err != nil {
		return fmt.Errorf("parse redis env: %w", err)
	}
	if err := env.Parse(&c.Blob.MinIO); err != nil {
		return fmt.Errorf("parse minio env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openrouter"
	}
	if c.LLM.BaseURL == "" && c.LLM.Provider == "openrouter" {
		c.LLM.BaseURL = DefaultLLMBaseURL
	}
	if c.LLM.Model == "" && c.LLM.Provider == "openrouter" {
		c.LLM.Model = DefaultLLMModel
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultLLMTemperature
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultLLMMaxTokens
	}
	if c.LLM.AppTitle == "" {
		c.LLM.AppTitle = DefaultLLMAppTitle
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "disk"
	}
	if c.BasicConfig.FileBaseDir == "" {
		c.BasicConfig.FileBaseDir = "./data/uploads"
	}
}
