package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreDrive = "drive"
	StoreGCS   = "gcs"
	StoreS3    = "s3"
)

// MaxThreshold is the largest meaningful distance for a 64-bit fingerprint.
const MaxThreshold = 64

// Config holds all configuration loaded from config.yaml.
type Config struct {
	Store           Store  `yaml:"store"             json:"store"`
	Auth            Auth   `yaml:"auth"              json:"-"`
	Scan            Scan   `yaml:"scan"              json:"scan"`
	WorkDirParent   string `yaml:"work_dir_parent"   json:"-"`
	StaleAfterHours int    `yaml:"stale_after_hours" json:"stale_after_hours"`
	SweepSchedule   string `yaml:"sweep_schedule"    json:"sweep_schedule"`
	RescanSchedule  string `yaml:"rescan_schedule"   json:"rescan_schedule"`
	HTTPAddr        string `yaml:"http_addr"         json:"-"`
	LogLevel        string `yaml:"log_level"         json:"-"`
}

// Store selects and tunes the remote backend.
type Store struct {
	Kind       string `yaml:"kind"        json:"kind"`
	PageSize   int    `yaml:"page_size"   json:"page_size"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
	GCS        GCS    `yaml:"gcs"         json:"gcs"`
	S3         S3     `yaml:"s3"          json:"s3"`
}

// GCS locates PDFs in a Cloud Storage bucket.
type GCS struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// S3 locates PDFs in an S3 or S3-compatible bucket.
type S3 struct {
	Bucket    string `yaml:"bucket"     json:"bucket"`
	Prefix    string `yaml:"prefix"     json:"prefix"`
	Region    string `yaml:"region"     json:"region"`
	Endpoint  string `yaml:"endpoint"   json:"endpoint"`
	PathStyle bool   `yaml:"path_style" json:"path_style"`
}

// Auth points at the stored OAuth material.
type Auth struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

// Scan holds matching and rendering knobs.
type Scan struct {
	// Threshold is a pointer so an explicit 0 survives applyDefaults.
	Threshold       *int   `yaml:"threshold"        json:"threshold"`
	RenderDPI       int    `yaml:"render_dpi"       json:"render_dpi"`
	PdftoppmPath    string `yaml:"pdftoppm_path"    json:"-"`
	ThumbnailWidth  int    `yaml:"thumbnail_width"  json:"thumbnail_width"`
	ThumbnailHeight int    `yaml:"thumbnail_height" json:"thumbnail_height"`
}

// DefaultThreshold is used when scan.threshold is absent.
const DefaultThreshold = 5

// ThresholdValue returns the configured threshold.
func (s Scan) ThresholdValue() int {
	if s.Threshold == nil {
		return DefaultThreshold
	}
	return *s.Threshold
}

// StaleAfter is StaleAfterHours as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreDrive
	}
	if c.Store.PageSize <= 0 || c.Store.PageSize > 1000 {
		c.Store.PageSize = 1000
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = 3
	}
	if c.Auth.CredentialsFile == "" {
		c.Auth.CredentialsFile = "credentials.json"
	}
	if c.Auth.TokenFile == "" {
		c.Auth.TokenFile = "token.json"
	}
	if c.Scan.Threshold == nil {
		t := DefaultThreshold
		c.Scan.Threshold = &t
	}
	if c.Scan.RenderDPI == 0 {
		c.Scan.RenderDPI = 72
	}
	if c.Scan.PdftoppmPath == "" {
		c.Scan.PdftoppmPath = "pdftoppm"
	}
	if c.Scan.ThumbnailWidth == 0 {
		c.Scan.ThumbnailWidth = 200
	}
	if c.Scan.ThumbnailHeight == 0 {
		c.Scan.ThumbnailHeight = 250
	}
	if c.StaleAfterHours == 0 {
		c.StaleAfterHours = 24
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "0 * * * *"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if t := c.Scan.ThresholdValue(); t < 0 || t > MaxThreshold {
		return fmt.Errorf("scan.threshold %d out of range 0..%d", t, MaxThreshold)
	}
	switch c.Store.Kind {
	case StoreDrive:
	case StoreGCS:
		if c.Store.GCS.Bucket == "" {
			return fmt.Errorf("store.gcs.bucket is required for store kind %q", StoreGCS)
		}
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for store kind %q", StoreS3)
		}
	default:
		return fmt.Errorf("unknown store.kind %q (want drive, gcs or s3)", c.Store.Kind)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must not be negative")
	}
	if c.StaleAfterHours < 0 {
		return fmt.Errorf("stale_after_hours must not be negative")
	}
	return nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the program
// can start without a config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &cfg, nil
}
