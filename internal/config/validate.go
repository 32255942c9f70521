package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingEndpoint is returned when no metadata catalog endpoint is configured.
var ErrMissingEndpoint = errors.New("metadata host_port is required")

// Validate checks if the configuration is usable by the backend.
func (c *LineageConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.MaxStatus < 0 {
		return fmt.Errorf("max_status must be >= 0, got %d", c.MaxStatus)
	}
	return c.Metadata.Validate()
}

// Validate checks the catalog connection settings.
func (m *MetadataConfig) Validate() error {
	if strings.TrimSpace(m.HostPort) == "" {
		return fmt.Errorf("%w\nHint: set lineage.metadata.host_port in lineage.yaml or LEAPLINEAGE_METADATA__HOST_PORT", ErrMissingEndpoint)
	}

	u, err := url.Parse(m.HostPort)
	if err != nil {
		return fmt.Errorf("invalid host_port %q: %w", m.HostPort, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid host_port %q: expected an absolute http(s) URL", m.HostPort)
	}

	switch m.AuthProvider {
	case AuthNoAuth, "":
	case AuthOpenMetadata:
		if m.JWTToken == "" {
			return fmt.Errorf("auth provider %q requires jwt_token", AuthOpenMetadata)
		}
	default:
		return fmt.Errorf("unknown auth provider %q (available: %s, %s)", m.AuthProvider, AuthNoAuth, AuthOpenMetadata)
	}
	return nil
}
