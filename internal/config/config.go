// ABOUTME: Environment-driven configuration for the discovery daemon
// ABOUTME: Loads WSD_ variables, optionally from a .env file, and validates them
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
)

// Prefix is the environment variable prefix
const Prefix = "WSD"

// Config holds daemon configuration
type Config struct {
	// Port is the local UDP port replies are received on (0 picks one)
	Port int `envconfig:"PORT" default:"0"`

	// Types and Scopes restrict probes; Types use {namespace}local notation
	Types  []string `envconfig:"TYPES"`
	Scopes []string `envconfig:"SCOPES"`

	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`

	// ServiceTTL expires services not seen for this long (0 disables expiry)
	ServiceTTL time.Duration `envconfig:"SERVICE_TTL" default:"5m"`

	MulticastTTL int `envconfig:"MULTICAST_TTL" default:"1"`

	// HTTPAddr serves /metrics and /feed; empty disables the HTTP server
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":9370"`

	// MDNSService additionally browses this DNS-SD service type (e.g. _ipp._tcp)
	MDNSService string `envconfig:"MDNS_SERVICE"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads configuration from the environment. A non-empty envFile is
// loaded first; a missing file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and that types and scopes parse
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ServiceTTL < 0 {
		return fmt.Errorf("service TTL must not be negative, got %s", c.ServiceTTL)
	}
	if c.MulticastTTL < 1 || c.MulticastTTL > 255 {
		return fmt.Errorf("invalid multicast TTL %d", c.MulticastTTL)
	}
	if _, err := c.TypeNames(); err != nil {
		return err
	}
	if _, err := c.ScopeURLs(); err != nil {
		return err
	}
	return nil
}

// TypeNames parses the configured probe types
func (c Config) TypeNames() ([]protocol.QName, error) {
	names := make([]protocol.QName, 0, len(c.Types))
	for _, t := range c.Types {
		q, err := protocol.ParseQName(t)
		if err != nil {
			return nil, fmt.Errorf("invalid type: %w", err)
		}
		names = append(names, q)
	}
	return names, nil
}

// ScopeURLs parses the configured probe scopes
func (c Config) ScopeURLs() ([]*url.URL, error) {
	scopes := make([]*url.URL, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid scope %q: %w", s, err)
		}
		scopes = append(scopes, u)
	}
	return scopes, nil
}
