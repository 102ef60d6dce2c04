package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Device kinds.
const (
	DeviceAuto     = "auto"
	DeviceWGPU     = "wgpu"
	DeviceSoftware = "software"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Format    string `yaml:"format"`
	} `yaml:"logger"`
	Device struct {
		Kind           string        `yaml:"kind"`
		WaitTimeout    time.Duration `yaml:"waitTimeout"`
		PreferDiscrete bool          `yaml:"preferDiscrete"`
	} `yaml:"device"`
	Kernels struct {
		Warm bool `yaml:"warm"`
	} `yaml:"kernels"`
	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Format = "json"
	c.Device.Kind = DeviceAuto
	c.Device.WaitTimeout = 5 * time.Second
	c.Device.PreferDiscrete = true
	c.Kernels.Warm = true
	c.Metrics.Enabled = true
	c.Metrics.ListenAddress = ":9464"
	return &c
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("logger.verbosity: %w", err))
	}
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logger.format: unknown format %q", c.Logger.Format))
	}
	switch c.Device.Kind {
	case DeviceAuto, DeviceWGPU, DeviceSoftware:
	default:
		errs = append(errs, fmt.Errorf("device.kind: unknown kind %q", c.Device.Kind))
	}
	if c.Device.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("device.waitTimeout: must be positive, got %s", c.Device.WaitTimeout))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics.listenAddress: required when metrics are enabled"))
	}
	return multierr.Combine(errs...)
}
