// Package config provides configuration management for FaceGate
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Inference service settings
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`

	// Camera settings
	Camera CameraConfig `mapstructure:"camera" yaml:"camera"`

	// Frame cycle settings
	Cycle CycleConfig `mapstructure:"cycle" yaml:"cycle"`

	// Recognition settings
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition"`

	// Liveness settings
	Liveness LivenessConfig `mapstructure:"liveness" yaml:"liveness"`

	// Enrollment roster
	Enrollment EnrollmentConfig `mapstructure:"enrollment" yaml:"enrollment"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// HTTP server settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// InferenceConfig holds inference service configuration
type InferenceConfig struct {
	Address     string  `mapstructure:"address" yaml:"address"`           // gRPC service address (e.g., localhost:50051)
	Timeout     int     `mapstructure:"timeout" yaml:"timeout"`           // Request timeout in seconds
	MinScore    float32 `mapstructure:"min_score" yaml:"min_score"`       // Detection confidence threshold
	JPEGQuality int     `mapstructure:"jpeg_quality" yaml:"jpeg_quality"` // Quality of frames sent to the service (1-100)
}

// CameraConfig holds frame source configuration
type CameraConfig struct {
	Device      string `mapstructure:"device" yaml:"device"`             // V4L2 device path (e.g., /dev/video0)
	StillDir    string `mapstructure:"still_dir" yaml:"still_dir"`       // Directory of still images used instead of the device
	Width       int    `mapstructure:"width" yaml:"width"`               // Capture width
	Height      int    `mapstructure:"height" yaml:"height"`             // Capture height
	FPS         int    `mapstructure:"fps" yaml:"fps"`                   // Frames per second
	PixelFormat string `mapstructure:"pixel_format" yaml:"pixel_format"` // MJPEG, YUYV, RGB24 or GREY
}

// CycleConfig holds frame cycle controller configuration
type CycleConfig struct {
	TickIntervalMs int `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"` // Sampling period
	TimeoutMs      int `mapstructure:"timeout_ms" yaml:"timeout_ms"`             // Hard timeout per cycle
	Workers        int `mapstructure:"workers" yaml:"workers"`                   // Parallel per-face analyses
}

// RecognitionConfig holds identity matching configuration
type RecognitionConfig struct {
	MatchRejectionThreshold float64 `mapstructure:"match_rejection_threshold" yaml:"match_rejection_threshold"` // Max Euclidean distance for a match
	DescriptorSize          int     `mapstructure:"descriptor_size" yaml:"descriptor_size"`                     // Expected descriptor dimension
}

// LivenessConfig holds liveness analysis configuration
type LivenessConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`                       // Enable liveness analysis
	FocusThreshold    float64 `mapstructure:"focus_threshold" yaml:"focus_threshold"`       // Minimum Laplacian variance
	GradientThreshold float64 `mapstructure:"gradient_threshold" yaml:"gradient_threshold"` // Minimum mean Sobel magnitude
}

// RosterEntry lists the reference images of one identity
type RosterEntry struct {
	Label  string   `mapstructure:"label" yaml:"label"`
	Images []string `mapstructure:"images" yaml:"images"`
}

// EnrollmentConfig holds the enrolled identities. Entries from all three sources are merged
// in the order roster, manifest, roster_dir.
type EnrollmentConfig struct {
	Roster    []RosterEntry `mapstructure:"roster" yaml:"roster"`         // Inline roster
	Manifest  string        `mapstructure:"manifest" yaml:"manifest"`     // YAML file mapping label to images
	RosterDir string        `mapstructure:"roster_dir" yaml:"roster_dir"` // Directory laid out as <label>/<n>.<ext>
}

// StorageConfig holds data storage configuration
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // SQLite descriptor cache (empty = disabled)
}

// ServerConfig holds the HTTP surface configuration
type ServerConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Address          string `mapstructure:"address" yaml:"address"`                     // Listen address (e.g., :8080)
	MetricsNamespace string `mapstructure:"metrics_namespace" yaml:"metrics_namespace"` // Prefix of the Prometheus metric names
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // Log level: debug, info, warn, error
	File   string `mapstructure:"file" yaml:"file"`     // Log file path (empty = stderr)
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Inference: InferenceConfig{
			Address:     "localhost:50051",
			Timeout:     10,
			MinScore:    0.5,
			JPEGQuality: 90,
		},
		Camera: CameraConfig{
			Device:      "/dev/video0",
			Width:       640,
			Height:      480,
			FPS:         30,
			PixelFormat: "MJPEG",
		},
		Cycle: CycleConfig{
			TickIntervalMs: 100,
			TimeoutMs:      2000,
			Workers:        4,
		},
		Recognition: RecognitionConfig{
			MatchRejectionThreshold: 0.6,
			DescriptorSize:          128,
		},
		Liveness: LivenessConfig{
			Enabled:           true,
			FocusThreshold:    85,
			GradientThreshold: 20,
		},
		Enrollment: EnrollmentConfig{},
		Storage:    StorageConfig{},
		Server: ServerConfig{
			Enabled:          true,
			Address:          ":8080",
			MetricsNamespace: "facegate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every scalar key so environment overrides are picked up by Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("inference.address", cfg.Inference.Address)
	v.SetDefault("inference.timeout", cfg.Inference.Timeout)
	v.SetDefault("inference.min_score", cfg.Inference.MinScore)
	v.SetDefault("inference.jpeg_quality", cfg.Inference.JPEGQuality)

	v.SetDefault("camera.device", cfg.Camera.Device)
	v.SetDefault("camera.still_dir", cfg.Camera.StillDir)
	v.SetDefault("camera.width", cfg.Camera.Width)
	v.SetDefault("camera.height", cfg.Camera.Height)
	v.SetDefault("camera.fps", cfg.Camera.FPS)
	v.SetDefault("camera.pixel_format", cfg.Camera.PixelFormat)

	v.SetDefault("cycle.tick_interval_ms", cfg.Cycle.TickIntervalMs)
	v.SetDefault("cycle.timeout_ms", cfg.Cycle.TimeoutMs)
	v.SetDefault("cycle.workers", cfg.Cycle.Workers)

	v.SetDefault("recognition.match_rejection_threshold", cfg.Recognition.MatchRejectionThreshold)
	v.SetDefault("recognition.descriptor_size", cfg.Recognition.DescriptorSize)

	v.SetDefault("liveness.enabled", cfg.Liveness.Enabled)
	v.SetDefault("liveness.focus_threshold", cfg.Liveness.FocusThreshold)
	v.SetDefault("liveness.gradient_threshold", cfg.Liveness.GradientThreshold)

	v.SetDefault("enrollment.manifest", cfg.Enrollment.Manifest)
	v.SetDefault("enrollment.roster_dir", cfg.Enrollment.RosterDir)

	v.SetDefault("storage.database_path", cfg.Storage.DatabasePath)

	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.address", cfg.Server.Address)
	v.SetDefault("server.metrics_namespace", cfg.Server.MetricsNamespace)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	// Set config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("facegate")
		v.AddConfigPath("/etc/facegate/")
		v.AddConfigPath("$HOME/.facegate")
		v.AddConfigPath(".")
	}

	// Environment variable prefix, FACEGATE_CYCLE_TICK_INTERVAL_MS etc.
	v.SetEnvPrefix("FACEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate inference settings
	if c.Inference.Address == "" {
		return fmt.Errorf("inference address cannot be empty")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference timeout must be positive")
	}
	if c.Inference.JPEGQuality < 1 || c.Inference.JPEGQuality > 100 {
		return fmt.Errorf("inference jpeg_quality must be between 1 and 100, got %d", c.Inference.JPEGQuality)
	}

	// Validate frame source settings
	if c.Camera.Device == "" && c.Camera.StillDir == "" {
		return fmt.Errorf("either camera device or still_dir must be set")
	}
	if c.Camera.StillDir == "" && (c.Camera.Width <= 0 || c.Camera.Height <= 0) {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}

	// Validate cycle settings
	if c.Cycle.TickIntervalMs <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.Cycle.TimeoutMs <= 0 {
		return fmt.Errorf("cycle timeout must be positive")
	}
	if c.Cycle.Workers <= 0 {
		return fmt.Errorf("cycle workers must be positive")
	}

	// Validate recognition settings
	if c.Recognition.MatchRejectionThreshold <= 0 {
		return fmt.Errorf("match rejection threshold must be positive")
	}
	if c.Recognition.DescriptorSize <= 0 {
		return fmt.Errorf("descriptor size must be positive")
	}

	// Validate liveness settings
	if c.Liveness.FocusThreshold < 0 || c.Liveness.GradientThreshold < 0 {
		return fmt.Errorf("liveness thresholds cannot be negative")
	}

	if c.Server.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	// Validate roster entries
	for i, entry := range c.Enrollment.Roster {
		if entry.Label == "" {
			return fmt.Errorf("roster entry %d has an empty label", i)
		}
		if len(entry.Images) == 0 {
			return fmt.Errorf("roster entry %q has no images", entry.Label)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// TickInterval returns the sampling period of the frame cycle
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Cycle.TickIntervalMs) * time.Millisecond
}

// CycleTimeout returns the hard timeout of a single frame cycle
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Cycle.TimeoutMs) * time.Millisecond
}

// InferenceTimeout returns the per-request timeout of the inference client
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.Timeout) * time.Second
}
