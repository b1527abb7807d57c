// Package config loads pipeline configuration from a YAML file (if present)
// and environment variables, following the same override order as the
// original service-layer loader: defaults, then config file, then
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/document-pipeline-core/infrastructure/runtime"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
)

// ServerConfig controls the HTTP/WebSocket server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Type            string `json:"type" env:"DATABASE_TYPE"`
	URL             string `json:"url" env:"POSTGRES_URL"`
	SchemaPrefix    string `json:"schema_prefix" env:"PIPELINE_SCHEMA_PREFIX"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// SecurityConfig controls upload/request validation limits.
type SecurityConfig struct {
	MaxRequestBytes int64    `json:"max_request_bytes" env:"MAX_REQUEST_BYTES"`
	MaxUploadBytes  int64    `json:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	AllowedFileExts []string `json:"allowed_file_extensions"`
}

// SMTPConfig controls outbound alert email.
type SMTPConfig struct {
	Host      string `json:"host" env:"SMTP_HOST"`
	Port      int    `json:"port" env:"SMTP_PORT"`
	Username  string `json:"username" env:"SMTP_USERNAME"`
	Password  string `json:"password" env:"SMTP_PASSWORD"`
	FromEmail string `json:"from_email" env:"SMTP_FROM_EMAIL"`
	UseTLS    bool   `json:"use_tls" env:"SMTP_USE_TLS"`
}

// SlackConfig controls outbound alert Slack webhooks.
type SlackConfig struct {
	WebhookURL     string `json:"webhook_url" env:"SLACK_WEBHOOK_URL"`
	MaxRetries     int    `json:"max_retries" env:"SLACK_MAX_RETRIES"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SLACK_TIMEOUT_SECONDS"`
}

// AIServicesConfig holds opaque endpoint URLs for external content
// processors (OCR, embeddings, vector search). The core never parses or
// calls these itself; it passes them through to processor implementations.
type AIServicesConfig struct {
	OCREndpoint       string `json:"ocr_endpoint" env:"AI_OCR_ENDPOINT"`
	EmbeddingEndpoint string `json:"embedding_endpoint" env:"AI_EMBEDDING_ENDPOINT"`
	VectorEndpoint    string `json:"vector_endpoint" env:"AI_VECTOR_ENDPOINT"`
}

// PipelineConfig holds behavior that is specific to stage orchestration.
type PipelineConfig struct {
	// CriticalStages marks which stages abort the whole document on
	// failure versus allowing the sequencer to continue.
	CriticalStages map[stagetracker.Stage]bool `json:"-"`
	BroadcastTickSeconds int `json:"broadcast_tick_seconds" env:"BROADCAST_TICK_SECONDS"`
}

// DefaultCriticalStages returns the default critical/non-critical split:
// core pipeline stages are load-bearing, enrichment stages are best-effort.
func DefaultCriticalStages() map[stagetracker.Stage]bool {
	critical := map[stagetracker.Stage]bool{
		stagetracker.StageUpload:         true,
		stagetracker.StageTextExtraction: true,
		stagetracker.StageChunkPrep:      true,
		stagetracker.StageStorage:        true,
		stagetracker.StageEmbedding:      true,
		stagetracker.StageSearchIndexing: true,
	}
	for _, s := range stagetracker.AllStages() {
		if _, ok := critical[s]; !ok {
			critical[s] = false
		}
	}
	return critical
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Security   SecurityConfig   `json:"security"`
	SMTP       SMTPConfig       `json:"smtp"`
	Slack      SlackConfig      `json:"slack"`
	AIServices AIServicesConfig `json:"ai_services"`
	Pipeline   PipelineConfig   `json:"pipeline"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:            "postgresql",
			SchemaPrefix:    "krai",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Security: SecurityConfig{
			MaxRequestBytes: 10 * 1024 * 1024,
			MaxUploadBytes:  100 * 1024 * 1024,
			AllowedFileExts: []string{".pdf", ".docx", ".doc", ".txt"},
		},
		Slack: SlackConfig{
			MaxRetries:     3,
			TimeoutSeconds: 10,
		},
		Pipeline: PipelineConfig{
			CriticalStages:       DefaultCriticalStages(),
			BroadcastTickSeconds: 1,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Pipeline.CriticalStages == nil {
		c.Pipeline.CriticalStages = DefaultCriticalStages()
	}
	c.Pipeline.BroadcastTickSeconds = runtime.ResolveInt(c.Pipeline.BroadcastTickSeconds, "BROADCAST_TICK_SECONDS", 1)
	c.Database.SchemaPrefix = runtime.ResolveString(c.Database.SchemaPrefix, "PIPELINE_SCHEMA_PREFIX", "krai")
	c.Server.Host = runtime.ResolveString(c.Server.Host, "SERVER_HOST", "0.0.0.0")
	c.Server.Port = runtime.ResolveInt(c.Server.Port, "SERVER_PORT", 8080)
	c.Logging.Level = runtime.ResolveString(c.Logging.Level, "LOG_LEVEL", "info")
	c.Logging.Format = runtime.ResolveString(c.Logging.Format, "LOG_FORMAT", "text")
}
