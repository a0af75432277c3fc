package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of ofdpd's YAML config file, loaded
// with gopkg.in/yaml.v3 the way the rest of this pack's daemons load
// their configuration.
type fileConfig struct {
	Manufacturer string `yaml:"manufacturer"`
	Hardware     string `yaml:"hardware"`
	Software     string `yaml:"software"`
	Serial       string `yaml:"serial"`

	MissSendLen            uint32 `yaml:"miss_send_len"`
	MaintenanceIntervalMS  int64  `yaml:"maintenance_interval_ms"`

	// ListenSocket is the path of the unix domain socket the control
	// channel transport accepts connections on.
	ListenSocket string `yaml:"listen_socket"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		Manufacturer:          "ofdpd",
		Hardware:              "generic",
		Software:              "ofdpd (reference build)",
		Serial:                "0",
		MissSendLen:           128,
		MaintenanceIntervalMS: 1000,
		ListenSocket:          "/var/run/ofdpd.sock",
	}
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) maintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMS) * time.Millisecond
}
