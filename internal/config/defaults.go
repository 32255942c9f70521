package config

import "time"

// Default configuration values.
const (
	DefaultServiceName  = "airflow"
	DefaultMaxStatus    = 10
	DefaultAuthProvider = AuthNoAuth
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRateLimit    = 10.0
	DefaultRateBurst    = 5
)

// Root is the key all lineage settings live under in the config file.
const Root = "lineage"

// defaultValues returns the defaults as a flat koanf map.
func defaultValues() map[string]interface{} {
	return map[string]interface{}{
		Root + ".service_name":           DefaultServiceName,
		Root + ".only_keep_dag_lineage":  false,
		Root + ".max_status":             DefaultMaxStatus,
		Root + ".metadata.auth_provider": DefaultAuthProvider,
		Root + ".metadata.verify_ssl":    true,
		Root + ".metadata.timeout":       DefaultTimeout.String(),
		Root + ".metadata.max_retries":   DefaultMaxRetries,
		Root + ".metadata.rate_limit":    DefaultRateLimit,
		Root + ".metadata.rate_burst":    DefaultRateBurst,
	}
}

// ApplyDefaults fills zero values of client tuning fields.
func (m *MetadataConfig) ApplyDefaults() {
	if m == nil {
		return
	}
	if m.AuthProvider == "" {
		m.AuthProvider = DefaultAuthProvider
	}
	if m.Timeout <= 0 {
		m.Timeout = DefaultTimeout
	}
	if m.MaxRetries < 0 {
		m.MaxRetries = 0
	}
	if m.RateLimit <= 0 {
		m.RateLimit = DefaultRateLimit
	}
	if m.RateBurst <= 0 {
		m.RateBurst = DefaultRateBurst
	}
}
