// Package config loads the twin client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provisioning modes.
const (
	ProvisioningAuto             = "auto"
	ProvisioningConnectionString = "connection-string"
	ProvisioningIdentityService  = "identity-service"
	ProvisioningEdge             = "edge"
)

// Twin kinds.
const (
	TwinDevice = "device"
	TwinModule = "module"
)

type Config struct {
	// Hub
	ConnectionString string
	Provisioning     string
	TwinKind         string
	IdentitySocket   string
	KeySocket        string
	SasTokenTTL      time.Duration

	// Orchestrator
	LivenessTick      time.Duration
	QueueCapacity     int
	MethodMaxLifetime time.Duration

	// Application
	NetworkNameFilter []string

	// Optional surfaces
	APIAddr     string // empty disables the local API
	DatabaseDSN string // empty selects the in-memory journal

	// Logging
	LogLevel  string
	LogFormat string
}

func (c *Config) String() string {
	cs := "<unset>"
	if c.ConnectionString != "" {
		cs = "<set>"
	}
	dsn := "<unset>"
	if c.DatabaseDSN != "" {
		dsn = "<set>"
	}
	return fmt.Sprintf(`
Hub:
  Provisioning:      %s
  ConnectionString:  %s
  TwinKind:          %s
  IdentitySocket:    %s
  KeySocket:         %s
  SasTokenTTL:       %s

Orchestrator:
  LivenessTick:      %s
  QueueCapacity:     %d
  MethodMaxLifetime: %s

Application:
  NetworkNameFilter: %v

Surfaces:
  APIAddr:           %s
  DatabaseDSN:       %s

Logging:
  Level:             %s
  Format:            %s
`, c.Provisioning, cs, c.TwinKind, c.IdentitySocket, c.KeySocket, c.SasTokenTTL,
		c.LivenessTick, c.QueueCapacity, c.MethodMaxLifetime,
		c.NetworkNameFilter,
		c.APIAddr, dsn,
		c.LogLevel, c.LogFormat)
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) has() bool { return len(*e) > 0 }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *errList) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		errs.addf("%s invalid (expected positive int): %q", key, v)
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration, errs *errList) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		errs.addf("%s invalid (expected positive duration): %q", key, v)
		return fallback
	}
	return d
}

func oneOf(key, value string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	errs.addf("%s must be one of %v, got %q", key, allowed, value)
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var errs errList

	cfg := &Config{
		ConnectionString: os.Getenv("CONNECTION_STRING"),
		Provisioning:     getenv("PROVISIONING", ProvisioningAuto),
		TwinKind:         getenv("TWIN_KIND", TwinDevice),
		IdentitySocket:   getenv("IDENTITY_SOCKET", "/run/aziot/identityd.sock"),
		KeySocket:        getenv("KEY_SOCKET", "/run/aziot/keyd.sock"),
		SasTokenTTL:      getenvDuration("SAS_TOKEN_TTL", time.Hour, &errs),

		LivenessTick:      getenvDuration("LIVENESS_TICK", 100*time.Millisecond, &errs),
		QueueCapacity:     getenvInt("QUEUE_CAPACITY", 64, &errs),
		MethodMaxLifetime: getenvDuration("METHOD_MAX_LIFETIME", 60*time.Second, &errs),

		NetworkNameFilter: strings.Fields(getenv("NETWORK_NAME_FILTER", "eth wlan")),

		APIAddr:     os.Getenv("API_ADDR"),
		DatabaseDSN: os.Getenv("DATABASE_DSN"),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "text")),
	}

	oneOf("PROVISIONING", cfg.Provisioning,
		[]string{ProvisioningAuto, ProvisioningConnectionString, ProvisioningIdentityService, ProvisioningEdge}, &errs)
	oneOf("TWIN_KIND", cfg.TwinKind, []string{TwinDevice, TwinModule}, &errs)
	oneOf("LOG_FORMAT", cfg.LogFormat, []string{"text", "json"}, &errs)
	oneOf("LOG_LEVEL", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "warning", "error"}, &errs)

	if cfg.Provisioning == ProvisioningConnectionString && cfg.ConnectionString == "" {
		errs.addf("PROVISIONING=%s requires CONNECTION_STRING", ProvisioningConnectionString)
	}

	if errs.has() {
		return nil, errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return cfg, nil
}
