// Package config resolves runtime settings: built-in defaults, then an
// optional YAML file, then environment variables. Command-line flags are
// applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Worker   WorkerConfig   `yaml:"worker"`
	Match    MatchConfig    `yaml:"match"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Log      LogConfig      `yaml:"log"`
	Enroll   EnrollConfig   `yaml:"enroll"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type CameraConfig struct {
	Device   string `yaml:"device"`
	Format   string `yaml:"format"` // v4l2, avfoundation, dshow, or empty for files and URLs
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
	Mirror   bool   `yaml:"mirror"`
	Realtime bool   `yaml:"realtime"`
}

type WorkerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Model   string        `yaml:"model"` // hog or cnn
	Timeout time.Duration `yaml:"timeout"`
	Dim     int           `yaml:"dim"`
}

type MatchConfig struct {
	Threshold    float64       `yaml:"threshold"`
	CacheTimeout time.Duration `yaml:"cache_timeout"`
	Policy       string        `yaml:"policy"` // first or nearest
}

type PipelineConfig struct {
	Scale         float64 `yaml:"scale"`
	DegradedAfter int     `yaml:"degraded_after"`
	Quality       int     `yaml:"quality"`

	// StallTimeout is how long the camera may stay silent before it is
	// restarted and reported degraded.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

type LogConfig struct {
	Retention int `yaml:"retention"` // 0 keeps everything
	Recent    int `yaml:"recent"`
}

type EnrollConfig struct {
	Dir    string `yaml:"dir"`
	Source string `yaml:"source"` // dir or db
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PushInterval time.Duration `yaml:"push_interval"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ArchiveConfig struct {
	Backend string `yaml:"backend"` // none, sqlite or postgres
	Path    string `yaml:"path"`
}

// Default returns the settings of a stock webcam deployment.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Device: "/dev/video0",
			Format: "v4l2",
			Width:  640,
			Height: 480,
			FPS:    30,
			Mirror: true,
		},
		Worker: WorkerConfig{
			Command: "python3",
			Args:    []string{"python/worker.py"},
			Model:   "hog",
			Timeout: 30 * time.Second,
			Dim:     128,
		},
		Match: MatchConfig{
			Threshold:    0.45,
			CacheTimeout: 10 * time.Second,
			Policy:       "first",
		},
		Pipeline: PipelineConfig{
			Scale:         0.25,
			DegradedAfter: 30,
			Quality:       80,
			StallTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Retention: 10000,
			Recent:    20,
		},
		Enroll: EnrollConfig{
			Dir:    "known_faces",
			Source: "dir",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			PushInterval: time.Second,
		},
		Archive: ArchiveConfig{
			Backend: "none",
			Path:    "watchlist.db",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("WATCHLIST_CAMERA_DEVICE", &c.Camera.Device)
	str("WATCHLIST_CAMERA_FORMAT", &c.Camera.Format)
	num("WATCHLIST_CAMERA_WIDTH", &c.Camera.Width)
	num("WATCHLIST_CAMERA_HEIGHT", &c.Camera.Height)
	num("WATCHLIST_CAMERA_FPS", &c.Camera.FPS)
	flag("WATCHLIST_CAMERA_MIRROR", &c.Camera.Mirror)

	str("WATCHLIST_WORKER_COMMAND", &c.Worker.Command)
	if v := os.Getenv("WATCHLIST_WORKER_ARGS"); v != "" {
		c.Worker.Args = strings.Fields(v)
	}
	str("WATCHLIST_WORKER_MODEL", &c.Worker.Model)
	dur("WATCHLIST_WORKER_TIMEOUT", &c.Worker.Timeout)
	num("WATCHLIST_EMBEDDING_DIM", &c.Worker.Dim)

	float("WATCHLIST_THRESHOLD", &c.Match.Threshold)
	dur("WATCHLIST_CACHE_TIMEOUT", &c.Match.CacheTimeout)
	str("WATCHLIST_POLICY", &c.Match.Policy)

	float("WATCHLIST_SCALE", &c.Pipeline.Scale)
	num("WATCHLIST_DEGRADED_AFTER", &c.Pipeline.DegradedAfter)
	dur("WATCHLIST_STALL_TIMEOUT", &c.Pipeline.StallTimeout)
	num("WATCHLIST_LOG_RETENTION", &c.Log.Retention)

	str("WATCHLIST_KNOWN_FACES", &c.Enroll.Dir)
	str("WATCHLIST_ENROLL_SOURCE", &c.Enroll.Source)

	str("WATCHLIST_HOST", &c.Server.Host)
	num("WATCHLIST_PORT", &c.Server.Port)

	str("WATCHLIST_ARCHIVE", &c.Archive.Backend)
	str("WATCHLIST_ARCHIVE_PATH", &c.Archive.Path)

	str("DATABASE_URL", &c.Database.URL)
	if c.Database.URL == "" {
		c.Database.URL = postgresFromEnv()
	}

	return errors.Join(errs...)
}

// postgresFromEnv builds a connection string from POSTGRES_* variables,
// falling back to a local default.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/watchlist"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks the settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Match.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("match threshold must be positive, got %v", c.Match.Threshold))
	}
	if c.Match.CacheTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cache timeout must be positive, got %v", c.Match.CacheTimeout))
	}
	if c.Match.Policy != "first" && c.Match.Policy != "nearest" {
		errs = append(errs, fmt.Errorf("unknown match policy %q (want first or nearest)", c.Match.Policy))
	}
	if c.Pipeline.Scale <= 0 || c.Pipeline.Scale > 1 {
		errs = append(errs, fmt.Errorf("scale must be in (0, 1], got %v", c.Pipeline.Scale))
	}
	if c.Pipeline.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stall_timeout must be positive, got %v", c.Pipeline.StallTimeout))
	}
	if c.Pipeline.DegradedAfter < 1 {
		errs = append(errs, fmt.Errorf("degraded_after must be at least 1, got %d", c.Pipeline.DegradedAfter))
	}
	if c.Worker.Dim < 1 {
		errs = append(errs, fmt.Errorf("embedding dimension must be at least 1, got %d", c.Worker.Dim))
	}
	if c.Worker.Command == "" {
		errs = append(errs, errors.New("worker command is required"))
	}
	if c.Log.Retention < 0 {
		errs = append(errs, fmt.Errorf("log retention cannot be negative, got %d", c.Log.Retention))
	}
	if c.Camera.Device == "" {
		errs = append(errs, errors.New("camera device is required"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}
	switch c.Enroll.Source {
	case "dir", "db":
	default:
		errs = append(errs, fmt.Errorf("unknown enrollment source %q (want dir or db)", c.Enroll.Source))
	}
	switch c.Archive.Backend {
	case "none", "postgres":
	case "sqlite":
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive backend %q (want none, sqlite or postgres)", c.Archive.Backend))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the web host.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
