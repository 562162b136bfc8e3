// Package config loads server configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SerialPort string `yaml:"serialPort" envconfig:"RELIEFNET_SERIAL_PORT"`
	SerialBaud int    `yaml:"serialBaud" envconfig:"RELIEFNET_SERIAL_BAUD"`
	ListenAddr string `yaml:"listenAddr" envconfig:"RELIEFNET_LISTEN_ADDR"`
	AuditLog   string `yaml:"auditLog"   envconfig:"RELIEFNET_AUDIT_LOG"`
	StaticDir  string `yaml:"staticDir"  envconfig:"RELIEFNET_STATIC_DIR"`
	Debug      bool   `yaml:"debug"      envconfig:"RELIEFNET_DEBUG"`
}

func defaultConfig() *Config {
	return &Config{
		SerialPort: "/dev/ttyUSB0",
		SerialBaud: 115200,
		ListenAddr: ":5000",
		AuditLog:   "reliefnet_log.jsonl",
		StaticDir:  "static",
	}
}

// Load returns the defaults overlaid with the YAML file at path (when
// non-empty) and then with environment variables.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return cfg, nil
}
