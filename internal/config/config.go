package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Broker BrokerConfig `yaml:"broker"`
}

type BrokerConfig struct {
	Host  string `yaml:"host"`
	Port  string `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// Addr joins the configured host and port into a TCP listen address.
func (b BrokerConfig) Addr() string {
	return net.JoinHostPort(b.Host, b.Port)
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.Broker.Host == "" {
		config.Broker.Host = "localhost"
	}
	if config.Broker.Port == "" {
		config.Broker.Port = "5000"
	}

	// Validate configuration values
	port, err := strconv.Atoi(config.Broker.Port)
	if err != nil {
		return nil, fmt.Errorf("broker port must be numeric: %q", config.Broker.Port)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("broker port out of range: %d", port)
	}

	return &config, nil
}
