// Package config loads the lineage backend configuration.
// It is decoupled from CLI concerns so a host can embed the backend and load
// the same settings the CLI does.
package config

import "time"

// Auth provider types understood by the metadata client.
const (
	AuthNoAuth       = "no-auth"
	AuthOpenMetadata = "openmetadata"
)

// MetadataConfig holds the metadata catalog connection settings.
type MetadataConfig struct {
	HostPort     string        `koanf:"host_port"`     // e.g. http://localhost:8585/api
	AuthProvider string        `koanf:"auth_provider"` // no-auth, openmetadata
	JWTToken     string        `koanf:"jwt_token"`     // required for openmetadata auth
	VerifySSL    bool          `koanf:"verify_ssl"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxRetries   int           `koanf:"max_retries"`
	RateLimit    float64       `koanf:"rate_limit"` // requests per second
	RateBurst    int           `koanf:"rate_burst"`
}

// LineageConfig holds everything the backend needs for one lineage report.
type LineageConfig struct {
	// ServiceName is the pipeline service the workflows are registered under.
	// It must match a pipeline service configured in the catalog.
	ServiceName string `koanf:"service_name"`

	// OnlyKeepDagLineage removes lineage edges previously reported for this
	// workflow that are no longer declared by its tasks.
	OnlyKeepDagLineage bool `koanf:"only_keep_dag_lineage"`

	// MaxStatus caps how many recent workflow runs get their status reported.
	MaxStatus int `koanf:"max_status"`

	Metadata MetadataConfig `koanf:"metadata"`
}

// Masked returns a copy with secrets replaced, safe for printing.
func (c LineageConfig) Masked() LineageConfig {
	if c.Metadata.JWTToken != "" {
		c.Metadata.JWTToken = "********"
	}
	return c
}
