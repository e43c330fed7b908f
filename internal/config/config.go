// Package config loads service settings from defaults, an optional YAML file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Storage modes.
const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageBadger     = "badger"
	StorageDisabled   = "disabled"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Model   ModelConfig   `mapstructure:"model"`
	Storage StorageConfig `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port" validate:"required"`
	Mode           string        `mapstructure:"mode" validate:"oneof=debug release"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
	MaxBatchSize   int           `mapstructure:"max_batch_size" validate:"gt=0"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
}

type ModelConfig struct {
	ID                string `mapstructure:"id" validate:"required"`
	Path              string `mapstructure:"path" validate:"required"`
	MetadataPath      string `mapstructure:"metadata_path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	DownloadURL       string `mapstructure:"download_url" validate:"omitempty,url"`
	WarmOnStart       bool   `mapstructure:"warm_on_start"`
}

type StorageConfig struct {
	Mode string        `mapstructure:"mode" validate:"oneof=memory filesystem badger disabled"`
	Dir  string        `mapstructure:"dir" validate:"required_if=Mode filesystem,required_if=Mode badger"`
	TTL  time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// PersistenceEnabled reports whether sessions are stored at all.
func (s StorageConfig) PersistenceEnabled() bool {
	return s.Mode != StorageDisabled
}

var validate = validator.New()

// Load reads configuration. An empty path skips the file and uses defaults
// plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is what most hosting platforms inject.
	_ = v.BindEnv("server.port", "SORTER_SERVER_PORT", "PORT")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.max_batch_size", 100)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("model.id", "cifar10_resnet20")
	v.SetDefault("model.path", "models/cifar10_resnet20.onnx")
	v.SetDefault("model.metadata_path", "models/model_metadata.json")
	v.SetDefault("model.shared_library_path", "")
	v.SetDefault("model.download_url", "")
	v.SetDefault("model.warm_on_start", false)

	v.SetDefault("storage.mode", StorageFilesystem)
	v.SetDefault("storage.dir", "classified_images")
	v.SetDefault("storage.ttl", time.Hour)
}
