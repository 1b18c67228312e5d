// Package config loads runtime configuration from the environment, with
// optional .env overrides for development.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rohanthewiz/serr"
)

// Config holds everything the runtime consumes but does not own:
// directories, timeouts, and caps supplied by the surrounding CLI.
type Config struct {
	// DataDir holds task metadata, logs, the vault, and permission rules.
	DataDir string `envconfig:"DATA_DIR"`
	// ArtifactsDir is the only directory tools may write files under.
	ArtifactsDir string `envconfig:"ARTIFACTS_DIR"`

	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	HTTPMaxTimeout time.Duration `envconfig:"HTTP_MAX_TIMEOUT" default:"120s"`
	HTTPMaxBody    int64         `envconfig:"HTTP_MAX_BODY" default:"10485760"`

	BrowserIdle     time.Duration `envconfig:"BROWSER_IDLE" default:"5m"`
	BrowserBinary   string        `envconfig:"BROWSER_BINARY"`
	ExtractMaxBytes int           `envconfig:"EXTRACT_MAX_BYTES" default:"51200"`

	LockSweep      time.Duration `envconfig:"LOCK_SWEEP" default:"5m"`
	LockMaxEntries int           `envconfig:"LOCK_MAX_ENTRIES" default:"1024"`

	// TaskGrace is how long a stopped task gets to exit before SIGKILL.
	TaskGrace time.Duration `envconfig:"TASK_GRACE" default:"5s"`
}

// Load reads configuration from the environment under the TOOLHOST
// prefix. A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	var cfg Config
	if err := envconfig.Process("TOOLHOST", &cfg); err != nil {
		return nil, serr.Wrap(err, "failed to process environment config")
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, serr.Wrap(err, "failed to get home directory")
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "toolhost")
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = filepath.Join(cfg.DataDir, "artifacts")
	}

	for _, dir := range []string{cfg.DataDir, cfg.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, serr.Wrap(err, "failed to create directory: "+dir)
		}
	}
	return &cfg, nil
}
