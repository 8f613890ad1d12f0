package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	DefaultBindHost = "0.0.0.0"
	DefaultBindPort = 5000
	DefaultLimit    = 100
	MaxLimit        = 1000
)

// Server holds the HTTP host settings.
type Server struct {
	BindHost     string
	BindPort     int
	MetricsAddr  string
	DefaultLimit int
	MaxLimit     int
}

func (cfg *Server) Validate() error {
	if cfg.BindHost == "" {
		cfg.BindHost = DefaultBindHost
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = DefaultBindPort
	}
	if cfg.BindPort < 0 || cfg.BindPort > 65535 {
		return fmt.Errorf("bind port %d out of range", cfg.BindPort)
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = min(DefaultLimit, cfg.MaxLimit)
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		return errors.New("default limit must not exceed max limit")
	}
	return nil
}

// ListenAddr returns host:port for the API listener.
func (cfg Server) ListenAddr() string {
	return net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.BindPort))
}

// LoadServer reads WOUDC_API_BIND_HOST, WOUDC_API_BIND_PORT,
// WOUDC_API_MAX_LIMIT and WOUDC_API_METRICS_ADDR.
func LoadServer() (Server, error) {
	cfg := Server{
		BindHost:    os.Getenv("WOUDC_API_BIND_HOST"),
		MetricsAddr: os.Getenv("WOUDC_API_METRICS_ADDR"),
	}
	if v := os.Getenv("WOUDC_API_BIND_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("invalid WOUDC_API_BIND_PORT %q: %w", v, err)
		}
		cfg.BindPort = port
	}
	if v := os.Getenv("WOUDC_API_MAX_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return Server{}, fmt.Errorf("invalid WOUDC_API_MAX_LIMIT %q: %w", v, err)
		}
		cfg.MaxLimit = limit
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}
