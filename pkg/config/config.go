// Package config loads the collector configuration from YAML. Secrets stay
// out of the file: DATABASE_URL overrides database.url when set.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/vllry/berlin-transit/pkg/bvg"
)

// Config is the root collector configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Ingest   IngestConfig   `yaml:"ingest"`
	// Radar and stops lanes are optional; leaving the section out (or the
	// interval zero) disables the lane.
	Radar    *RadarConfig   `yaml:"radar"`
	Stops    StopsConfig    `yaml:"stops"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// ProviderConfig points at the BVG REST API.
type ProviderConfig struct {
	BaseURL        string `yaml:"baseURL" validate:"omitempty,url"`
	UserAgent      string `yaml:"userAgent"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" validate:"gte=0"`
	MaxRetries     int    `yaml:"maxRetries" validate:"gte=0"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// IngestConfig drives the boards lane: which stops to poll, which boards,
// how often, and how far ahead each fetch looks.
type IngestConfig struct {
	StopIDs         []string `yaml:"stopIDs" validate:"required,min=1"`
	Boards          []string `yaml:"boards" validate:"omitempty,dive,oneof=arrival departure"`
	IntervalSeconds int      `yaml:"intervalSeconds" validate:"gt=0"`
	WindowMinutes   int      `yaml:"windowMinutes" validate:"gt=0"`
}

func (i IngestConfig) Interval() time.Duration {
	return time.Duration(i.IntervalSeconds) * time.Second
}

func (i IngestConfig) Window() time.Duration {
	return time.Duration(i.WindowMinutes) * time.Minute
}

// RadarConfig drives the vehicle position lane.
type RadarConfig struct {
	IntervalSeconds int             `yaml:"intervalSeconds" validate:"gt=0"`
	MaxVehicles     int             `yaml:"maxVehicles" validate:"gte=0"`
	Box             bvg.BoundingBox `yaml:"box"`
}

func (r RadarConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// StopsConfig drives the stop directory sync. Zero disables it.
type StopsConfig struct {
	SyncIntervalHours int `yaml:"syncIntervalHours" validate:"gte=0"`
}

func (s StopsConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalHours) * time.Hour
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns" validate:"gte=0"`
	// Migrate runs pending schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return Parse(data)
}

// Parse unmarshals, fills in defaults, applies environment overrides and
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyDefaults()

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database url missing: set database.url or DATABASE_URL")
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = bvg.DefaultBaseURL
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 10
	}
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = 3
	}
	if len(c.Ingest.Boards) == 0 {
		c.Ingest.Boards = []string{"arrival"}
	}
	if c.Ingest.IntervalSeconds == 0 {
		c.Ingest.IntervalSeconds = 60
	}
	if c.Ingest.WindowMinutes == 0 {
		c.Ingest.WindowMinutes = 30
	}
	if c.Radar != nil && c.Radar.MaxVehicles == 0 {
		c.Radar.MaxVehicles = 256
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}
