// Package config loads the YAML configuration for a dunlin
// node and builds the pieces the rest of the system consumes
// from it: a kv store and a logger.
package config

import (
	"fmt"
	"io/ioutil"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/dunlinkv/dunlin/registry"
	"github.com/dunlinkv/dunlin/storage/kv"
	"github.com/dunlinkv/dunlin/storage/kv/bbolt"
	"github.com/dunlinkv/dunlin/storage/kv/drivers"
)

// Config is the root configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects and configures the kv driver
type StorageConfig struct {
	// Driver is a registered kv driver name
	Driver string `yaml:"driver"`
	// Path is the data file location for file-backed drivers
	Path string `yaml:"path"`
}

// ScalingConfig configures the scaling controller
type ScalingConfig struct {
	// CapacityThreshold is the occupancy at which a shard
	// splits
	CapacityThreshold int `yaml:"capacity_threshold"`
}

// RegistryConfig configures the name registry
type RegistryConfig struct {
	// MaxNameLength bounds accepted name length in bytes
	MaxNameLength int `yaml:"max_name_length"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file at path,
// applying defaults for anything left unset
func Load(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)

	if err != nil {
		return Config{}, fmt.Errorf("could not read config file %s: %s", path, err.Error())
	}

	return Parse(data)
}

// Parse parses YAML configuration, applying defaults for
// anything left unset
func Parse(data []byte) (Config, error) {
	var config Config

	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("could not parse config: %s", err.Error())
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// ApplyDefaults fills unset fields with their defaults
func (config *Config) ApplyDefaults() {
	if config.Storage.Driver == "" {
		config.Storage.Driver = bbolt.DriverName
	}

	if config.Scaling.CapacityThreshold == 0 {
		config.Scaling.CapacityThreshold = 128
	}

	if config.Registry.MaxNameLength == 0 {
		config.Registry.MaxNameLength = registry.DefaultMaxNameLength
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
}

// Validate checks the configuration for inconsistencies
func (config Config) Validate() error {
	if drivers.Plugin(config.Storage.Driver) == nil {
		return fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}

	if config.Storage.Driver == bbolt.DriverName && config.Storage.Path == "" {
		return fmt.Errorf("storage driver %q requires a path", config.Storage.Driver)
	}

	if config.Scaling.CapacityThreshold < 2 {
		return fmt.Errorf("capacity threshold must be at least 2, got %d", config.Scaling.CapacityThreshold)
	}

	if _, err := parseLevel(config.Logging.Level); err != nil {
		return err
	}

	return nil
}

// OpenKV builds the kv store the configuration describes
func (config Config) OpenKV() (kv.Store, error) {
	plugin := drivers.Plugin(config.Storage.Driver)

	if plugin == nil {
		return nil, fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}

	options := kv.PluginOptions{}

	if config.Storage.Path != "" {
		options["path"] = config.Storage.Path
	}

	return plugin.New(options)
}

// BuildLogger builds a production zap logger at the configured
// level
func (config Config) BuildLogger() (*zap.Logger, error) {
	level, err := parseLevel(config.Logging.Level)

	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level

	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return parsed, fmt.Errorf("unknown log level %q", level)
	}

	return parsed, nil
}
