// Package apmconfig implements the configuration side of component H:
// reading layer configuration from the environment (with programmatic
// override) and reporting the Go runtime name/version for Metadata. The
// Metadata itself is assembled by the caller (see apm.BuildProcessMetadata).
package apmconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/krojew/tracing-elastic-apm/pkg/apm/transport"
)

// Config is the fully-resolved, programmatic configuration for a layer
// instance. FromEnv populates it from the environment; callers may
// further override any field before using it to build the transport
// client, the ignore-URL filter and the Metadata handed to apm.NewLayer.
type Config struct {
	ServerURL string
	Auth      transport.Authorization

	Environment     string
	ServiceName     string
	ServiceVersion  string
	ServiceNodeName string

	IgnoreURLs string

	AllowInvalidCerts bool
	RootCertPath      string
}

// FromEnv reads the table of ELASTIC_APM_* variables documented in the
// external-interfaces section: SERVER_URL, ENVIRONMENT and SECRET_TOKEN
// are required; SERVICE_NAME defaults to the executable's base name.
// FromEnv reads no api-key variable; WithAPIKey replaces the
// authorization of a Config with an api-key pair.
func FromEnv() (Config, error) {
	cfg := Config{}

	cfg.ServerURL = os.Getenv("ELASTIC_APM_SERVER_URL")
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("apmconfig: ELASTIC_APM_SERVER_URL is required")
	}

	cfg.Environment = os.Getenv("ELASTIC_APM_ENVIRONMENT")
	if cfg.Environment == "" {
		return cfg, fmt.Errorf("apmconfig: ELASTIC_APM_ENVIRONMENT is required")
	}

	secretToken := os.Getenv("ELASTIC_APM_SECRET_TOKEN")
	if secretToken == "" {
		return cfg, fmt.Errorf("apmconfig: ELASTIC_APM_SECRET_TOKEN is required (or set an api key programmatically)")
	}
	cfg.Auth = transport.Authorization{SecretToken: secretToken}

	cfg.ServiceName = os.Getenv("ELASTIC_APM_SERVICE_NAME")
	if cfg.ServiceName == "" {
		cfg.ServiceName = execName()
	}
	cfg.ServiceVersion = os.Getenv("ELASTIC_APM_SERVICE_VERSION")
	cfg.ServiceNodeName = os.Getenv("ELASTIC_APM_SERVICE_NODE_NAME")
	cfg.IgnoreURLs = os.Getenv("ELASTIC_APM_IGNORE_URLS")

	return cfg, nil
}

// WithAPIKey switches authorization to an api-key pair, overriding any
// secret token from the environment.
func (c Config) WithAPIKey(id, key string) Config {
	c.Auth = transport.Authorization{APIKeyId: id, APIKeyKey: key}
	return c
}

func execName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown-service"
	}
	return filepath.Base(exe)
}

// Runtime reports the Go runtime name/version for Service.Runtime.
func Runtime() (name, version string) {
	return "gc", runtime.Version()
}
