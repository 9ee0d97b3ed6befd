package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultListenAddr matches the port the service has always listened on.
	DefaultListenAddr = ":5000"

	// DefaultMaxUploadBytes is the default upload size limit (64 MiB).
	DefaultMaxUploadBytes = 64 << 20

	DefaultEpochs    = 200
	DefaultMinEpochs = 1
	DefaultMaxEpochs = 1000

	DefaultRows    = 100
	DefaultMaxRows = 100000

	DefaultBootstrapRows = 2048
)

// Config holds all configuration for tabsynth.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
	Training   TrainingConfig   `mapstructure:"training"`
	Generation GenerationConfig `mapstructure:"generation"`
	Service    ServiceConfig    `mapstructure:"service"`
	Synth      SynthConfig      `mapstructure:"synth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// StorageConfig holds the data directory layout.
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	UploadExt  string `mapstructure:"upload_ext"`
	ModelFile  string `mapstructure:"model_file"`
	OutputFile string `mapstructure:"output_file"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

// TrainingConfig bounds training requests.
type TrainingConfig struct {
	DefaultEpochs int `mapstructure:"default_epochs"`
	MinEpochs     int `mapstructure:"min_epochs"`
	MaxEpochs     int `mapstructure:"max_epochs"`
}

// GenerationConfig bounds generation requests.
type GenerationConfig struct {
	DefaultRows int `mapstructure:"default_rows"`
	MaxRows     int `mapstructure:"max_rows"`
}

// ServiceConfig controls how concurrent jobs are handled.
type ServiceConfig struct {
	BusyPolicy   string        `mapstructure:"busy_policy"`
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

// SynthConfig tunes the generative backend.
type SynthConfig struct {
	Seed          int64 `mapstructure:"seed"`
	BootstrapRows int   `mapstructure:"bootstrap_rows"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.upload_ext", ".csv")
	v.SetDefault("storage.model_file", "synthesizer_model.json")
	v.SetDefault("storage.output_file", "synthetic_dataset.csv")

	v.SetDefault("api.listen_addr", DefaultListenAddr)
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.max_upload_bytes", DefaultMaxUploadBytes)

	v.SetDefault("training.default_epochs", DefaultEpochs)
	v.SetDefault("training.min_epochs", DefaultMinEpochs)
	v.SetDefault("training.max_epochs", DefaultMaxEpochs)

	v.SetDefault("generation.default_rows", DefaultRows)
	v.SetDefault("generation.max_rows", DefaultMaxRows)

	v.SetDefault("service.busy_policy", "reject")
	v.SetDefault("service.queue_timeout", 0)

	v.SetDefault("synth.seed", 0)
	v.SetDefault("synth.bootstrap_rows", DefaultBootstrapRows)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(homeDir(), ".tabsynth"))
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("TABSYNTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PORT is honoured for hosted deployments; the prefixed variable wins.
	_ = v.BindEnv("api.listen_addr", "TABSYNTH_API_LISTEN_ADDR", "PORT")
	_ = v.BindEnv("storage.data_dir", "TABSYNTH_STORAGE_DATA_DIR")
	_ = v.BindEnv("service.busy_policy", "TABSYNTH_SERVICE_BUSY_POLICY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is OK: use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.API.ListenAddr = normalizeListenAddr(cfg.API.ListenAddr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if !strings.HasPrefix(c.Storage.UploadExt, ".") {
		return fmt.Errorf("storage.upload_ext must start with a dot, got %q", c.Storage.UploadExt)
	}
	for key, name := range map[string]string{"storage.model_file": c.Storage.ModelFile, "storage.output_file": c.Storage.OutputFile} {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("%s must be a plain file name, got %q", key, name)
		}
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must not be empty")
	}
	if c.API.MaxUploadBytes <= 0 {
		return fmt.Errorf("api.max_upload_bytes must be greater than 0")
	}
	if c.Training.MinEpochs < 1 {
		return fmt.Errorf("training.min_epochs must be >= 1")
	}
	if c.Training.MaxEpochs < c.Training.MinEpochs {
		return fmt.Errorf("training.max_epochs (%d) must be >= training.min_epochs (%d)", c.Training.MaxEpochs, c.Training.MinEpochs)
	}
	if c.Training.DefaultEpochs < c.Training.MinEpochs || c.Training.DefaultEpochs > c.Training.MaxEpochs {
		return fmt.Errorf("training.default_epochs must be between training.min_epochs and training.max_epochs")
	}
	if c.Generation.MaxRows < 1 {
		return fmt.Errorf("generation.max_rows must be greater than 0")
	}
	if c.Generation.DefaultRows < 1 || c.Generation.DefaultRows > c.Generation.MaxRows {
		return fmt.Errorf("generation.default_rows must be between 1 and generation.max_rows")
	}
	switch c.Service.BusyPolicy {
	case "reject", "queue":
	default:
		return fmt.Errorf("service.busy_policy must be \"reject\" or \"queue\", got %q", c.Service.BusyPolicy)
	}
	if c.Service.QueueTimeout < 0 {
		return fmt.Errorf("service.queue_timeout must be >= 0")
	}
	if c.Synth.BootstrapRows <= 0 {
		return fmt.Errorf("synth.bootstrap_rows must be greater than 0")
	}
	return nil
}

// normalizeListenAddr turns a bare port such as "8080" into ":8080".
func normalizeListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
