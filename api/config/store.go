package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultIndexPrefix    = "woudc_data_registry"
	DefaultRequestTimeout = 30 * time.Second
)

// Store holds the document store connection settings. It is built once at
// startup and handed to the search gateway; nothing mutates it afterwards.
type Store struct {
	URL            string
	Username       string
	Password       string
	VerifyCerts    bool
	IndexPrefix    string
	RequestTimeout time.Duration
}

// Validate fills defaults and checks that required settings are present.
func (cfg *Store) Validate() error {
	if cfg.URL == "" {
		return errors.New("store url is required")
	}
	if (cfg.Username == "") != (cfg.Password == "") {
		return errors.New("store username and password must be set together")
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = DefaultIndexPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// Redacted returns the URL with credentials removed, suitable for logs.
func (cfg Store) Redacted() string {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return cfg.URL
	}
	u.User = nil
	return u.String()
}

// LoadStore reads the store configuration from the environment.
//
//   - WOUDC_API_ES_URL (required), may embed basic auth credentials
//   - WOUDC_API_ES_USERNAME, WOUDC_API_ES_PASSWORD override embedded credentials
//   - WOUDC_API_VERIFY_CERTS, defaults to true
//   - WOUDC_API_ES_INDEX_PREFIX, defaults to woudc_data_registry
//   - WOUDC_API_ES_TIMEOUT, a Go duration, defaults to 30s
func LoadStore() (Store, error) {
	raw := os.Getenv("WOUDC_API_ES_URL")
	if raw == "" {
		return Store{}, fmt.Errorf("WOUDC_API_ES_URL is required")
	}

	cfg := Store{
		VerifyCerts: true,
		IndexPrefix: os.Getenv("WOUDC_API_ES_INDEX_PREFIX"),
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Store{}, fmt.Errorf("invalid WOUDC_API_ES_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Store{}, fmt.Errorf("invalid WOUDC_API_ES_URL: scheme and host are required")
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
		u.User = nil
	}
	cfg.URL = strings.TrimRight(u.String(), "/")

	if v := os.Getenv("WOUDC_API_ES_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("WOUDC_API_ES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("WOUDC_API_VERIFY_CERTS"); v != "" {
		cfg.VerifyCerts = parseBool(v)
	}
	if v := os.Getenv("WOUDC_API_ES_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Store{}, fmt.Errorf("invalid WOUDC_API_ES_TIMEOUT %q: %w", v, err)
		}
		cfg.RequestTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Store{}, err
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "on":
		return true
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return false
}
