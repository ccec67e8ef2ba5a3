package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Classifier backends selectable through CLASSIFIER_BACKEND.
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string        `validate:"required"`
	DataDir         string        `validate:"required"`
	UploadDir       string        `validate:"required"`
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	MaxUploadBytes  int64         `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	Classifier ClassifierConfig

	// RedisAddr enables the summary cache when set.
	RedisAddr string
	// DatabaseDSN enables the classification attempt audit when set.
	DatabaseDSN string
}

// ClassifierConfig selects and configures the external classification service.
type ClassifierConfig struct {
	Backend  string `validate:"oneof=http grpc"`
	BaseURL  string `validate:"required_if=Backend http"`
	Model    string `validate:"required_if=Backend http"`
	Version  string `validate:"required_if=Backend http"`
	APIKey   string
	GRPCAddr string        `validate:"required_if=Backend grpc"`
	Timeout  time.Duration `validate:"gte=0"`
}

// DetectionsFile is the path of the JSON detection log.
func (c *Config) DetectionsFile() string {
	return filepath.Join(c.DataDir, "detections.json")
}

// Load reads the configuration from the environment. Values found in envFile
// are applied first without overriding variables that are already set; a
// missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	maxUpload, err := getEnvInt64("MAX_UPLOAD_BYTES", 16<<20)
	if err != nil {
		return nil, err
	}
	shutdown, err := getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	classifierTimeout, err := getEnvDuration("CLASSIFIER_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DataDir:         getEnv("DATA_DIR", "data"),
		UploadDir:       getEnv("UPLOAD_DIR", "static/uploads"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MaxUploadBytes:  maxUpload,
		ShutdownTimeout: shutdown,
		Classifier: ClassifierConfig{
			Backend:  getEnv("CLASSIFIER_BACKEND", BackendHTTP),
			BaseURL:  getEnv("CLASSIFIER_URL", "https://detect.roboflow.com"),
			Model:    getEnv("CLASSIFIER_MODEL", "banana-ripeness-detection-lbydz"),
			Version:  getEnv("CLASSIFIER_VERSION", "2"),
			APIKey:   os.Getenv("CLASSIFIER_API_KEY"),
			GRPCAddr: os.Getenv("CLASSIFIER_GRPC_ADDR"),
			Timeout:  classifierTimeout,
		},
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
