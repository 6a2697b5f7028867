// Package config handles application configuration: environment
// variables for the process, and a YAML file describing the feed
// configurations to seed.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the process configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	HTTPAddr     string
	ConfigFile   string
	ArchiveDir   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/gtfsrt.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &Config{
		DatabasePath: dbPath,
		LogLevel:     logLevel,
		HTTPAddr:     httpAddr,
		ConfigFile:   os.Getenv("CONFIG_FILE"),
		ArchiveDir:   os.Getenv("ARCHIVE_DIR"),
	}, nil
}

// FeedConfig describes one transit operator's feed triple to seed into
// the store. Existing configurations with the same name are left alone.
type FeedConfig struct {
	Name                 string `yaml:"name" validate:"required"`
	Handler              string `yaml:"handler"`
	TripUpdatesFeed      string `yaml:"trip_updates_feed"`
	VehiclePositionsFeed string `yaml:"vehicle_positions_feed"`
	ServiceAlertsFeed    string `yaml:"service_alerts_feed"`
	IntervalSeconds      int64  `yaml:"interval_seconds" validate:"required,min=1"`
}

type seedFile struct {
	Configurations []FeedConfig `yaml:"configurations"`
}

// LoadFeeds parses and validates the YAML seed file at path.
func LoadFeeds(path string) ([]FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	v := validator.New()
	for i, fc := range f.Configurations {
		if err := v.Struct(fc); err != nil {
			return nil, fmt.Errorf("configuration %d (%s): %w", i, fc.Name, err)
		}
	}
	return f.Configurations, nil
}
