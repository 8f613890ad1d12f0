package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// DataAccessURL is where the root path redirects.
const DataAccessURL = "https://woudc.org/about/data-access.php#web-services"

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Collections Collections
	// Processes maps a process id to its runner.
	Processes map[string]Runner
	// Ready reports whether the document store answers. Nil means always
	// ready.
	Ready func(ctx context.Context) error

	// ProcessRate and ProcessBurst limit process executions per client IP.
	ProcessRate  rate.Limit
	ProcessBurst int
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Collections == nil {
		return errors.New("collections are required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ProcessRate == 0 {
		cfg.ProcessRate = rate.Every(time.Minute / 60)
	}
	if cfg.ProcessBurst <= 0 {
		cfg.ProcessBurst = 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
