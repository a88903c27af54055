package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"go-elevator-dispatch/pkg/sim"
)

// AppConfig is the server configuration, loaded from config.yaml with a
// PORT environment override.
type AppConfig struct {
	Port       string     `yaml:"port"`
	Simulation sim.Config `yaml:"simulation"`
}

func loadConfig(path string) (*AppConfig, error) {
	cfg := &AppConfig{
		Port:       "8080",
		Simulation: sim.DefaultConfig(),
	}

	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("no config file, using defaults", "path", path)
	case err != nil:
		return nil, err
	default:
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if err := validateSimConfig(cfg.Simulation); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// validateSimConfig enforces the same bounds on a simulation
// configuration regardless of whether it arrives from the config file or
// the API.
func validateSimConfig(cfg sim.Config) error {
	if cfg.NumberOfFloors < 2 || cfg.NumberOfFloors > 50 {
		return errors.New("numberOfFloors must be between 2 and 50")
	}
	if cfg.NumberOfElevators < 1 || cfg.NumberOfElevators > 20 {
		return errors.New("numberOfElevators must be between 1 and 20")
	}
	if cfg.RequestFrequency < 1 || cfg.RequestFrequency > 60 {
		return errors.New("requestFrequency must be between 1 and 60")
	}
	return nil
}
