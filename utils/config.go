package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"branchscope/annotation"
	"branchscope/preview"
)

// Config Holds the configuration of the service
type Config struct {
	Server struct {
		Port  string `yaml:"port"`
		Debug bool   `yaml:"debug"`
	} `yaml:"server"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Images struct {
		Root string `yaml:"root"`
	} `yaml:"images"`

	Annotation struct {
		MaxCustomTypes         int     `yaml:"max_custom_types"`
		MaxAnnotationsPerImage int     `yaml:"max_annotations_per_image"`
		MinRegionSize          float64 `yaml:"min_region_size"`
	} `yaml:"annotation"`

	Preview struct {
		BaseCropSize    float64       `yaml:"base_crop_size"`
		ViewportSize    int           `yaml:"viewport_size"`
		DefaultZoom     float64       `yaml:"default_zoom"`
		MinZoom         float64       `yaml:"min_zoom"`
		MaxZoom         float64       `yaml:"max_zoom"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"preview"`

	Sync struct {
		Enabled   bool   `yaml:"enabled"`
		RedisAddr string `yaml:"redis_addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		Channel   string `yaml:"channel"`
	} `yaml:"sync"`
}

// DefaultConfig Returns the configuration used for keys absent from the file
func DefaultConfig() *Config {
	config := &Config{}
	config.Server.Port = "5000"
	config.Database.Driver = "sqlite"
	config.Database.DSN = "branchscope.sqlite"
	config.Logging.Level = "info"

	limits := annotation.DefaultLimits()
	config.Annotation.MaxCustomTypes = limits.MaxCustomTypes
	config.Annotation.MaxAnnotationsPerImage = limits.MaxAnnotationsPerImage
	config.Annotation.MinRegionSize = limits.MinRegionSize

	p := preview.DefaultConfig()
	config.Preview.BaseCropSize = p.BaseCropSize
	config.Preview.ViewportSize = p.ViewportSize
	config.Preview.DefaultZoom = p.DefaultZoom
	config.Preview.MinZoom = p.MinZoom
	config.Preview.MaxZoom = p.MaxZoom
	config.Preview.CacheTTL = p.CacheTTL
	config.Preview.CleanupInterval = p.CleanupInterval

	config.Sync.RedisAddr = "localhost:6379"
	config.Sync.Channel = "branchscope:annotations"
	return config
}

// NewConfig Reads the YAML configuration at path on top of the defaults. An empty
// path gives the defaults.
func NewConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open config %s", path)
		}
		defer file.Close()

		d := yaml.NewDecoder(file)
		if err := d.Decode(config); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", path)
		}
		log.Info(fmt.Sprintf("Loaded configuration from %s", path))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate Checks the configuration for values the service cannot run with and
// lowercases the database driver name
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return errors.Errorf("server.port must be numeric, got %q", c.Server.Port)
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return errors.Errorf("database.driver must be sqlite, postgres or mysql, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	if c.Annotation.MaxCustomTypes < 1 || c.Annotation.MaxAnnotationsPerImage < 1 {
		return errors.New("annotation limits must be positive")
	}
	if c.Annotation.MinRegionSize < 0 {
		return errors.New("annotation.min_region_size cannot be negative")
	}
	if c.Preview.BaseCropSize <= 0 || c.Preview.ViewportSize <= 0 {
		return errors.New("preview sizes must be positive")
	}
	if c.Preview.MinZoom <= 0 || c.Preview.MaxZoom < c.Preview.MinZoom {
		return errors.Errorf("preview zoom range [%v, %v] is invalid", c.Preview.MinZoom, c.Preview.MaxZoom)
	}
	if c.Preview.DefaultZoom < c.Preview.MinZoom || c.Preview.DefaultZoom > c.Preview.MaxZoom {
		return errors.Errorf("preview.default_zoom %v is outside [%v, %v]", c.Preview.DefaultZoom, c.Preview.MinZoom, c.Preview.MaxZoom)
	}
	if c.Sync.Enabled && (c.Sync.RedisAddr == "" || c.Sync.Channel == "") {
		return errors.New("sync.redis_addr and sync.channel are required when sync is enabled")
	}
	return nil
}

// Limits Converts the annotation section for the manager
func (c *Config) Limits() annotation.Limits {
	return annotation.Limits{
		MaxCustomTypes:         c.Annotation.MaxCustomTypes,
		MaxAnnotationsPerImage: c.Annotation.MaxAnnotationsPerImage,
		MinRegionSize:          c.Annotation.MinRegionSize,
	}
}

// PreviewConfig Converts the preview section for the engine
func (c *Config) PreviewConfig() preview.Config {
	return preview.Config{
		BaseCropSize:    c.Preview.BaseCropSize,
		ViewportSize:    c.Preview.ViewportSize,
		DefaultZoom:     c.Preview.DefaultZoom,
		MinZoom:         c.Preview.MinZoom,
		MaxZoom:         c.Preview.MaxZoom,
		CacheTTL:        c.Preview.CacheTTL,
		CleanupInterval: c.Preview.CleanupInterval,
	}
}
