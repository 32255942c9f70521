package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "lineage.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "lineage.yml"

// EnvPrefix is the prefix of environment variable overrides.
// LEAPLINEAGE_METADATA__HOST_PORT maps to lineage.metadata.host_port.
const EnvPrefix = "LEAPLINEAGE_"

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"service-name":          Root + ".service_name",
	"max-status":            Root + ".max_status",
	"only-keep-dag-lineage": Root + ".only_keep_dag_lineage",
	"host-port":             Root + ".metadata.host_port",
	"auth-provider":         Root + ".metadata.auth_provider",
	"jwt-token":             Root + ".metadata.jwt_token",
	"timeout":               Root + ".metadata.timeout",
}

// Loader produces the lineage configuration.
type Loader interface {
	Load() (*LineageConfig, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func() (*LineageConfig, error)

// Load calls f.
func (f LoaderFunc) Load() (*LineageConfig, error) {
	return f()
}

// FileLoader loads configuration on every call.
// Precedence (highest to lowest): flags > env vars > config file > defaults
type FileLoader struct {
	// Path is an explicit config file. When empty, Dir is searched for
	// lineage.yaml or lineage.yml.
	Path string
	// Dir is the directory searched when Path is empty (default: CWD).
	Dir string
	// Flags holds CLI overrides; only flags that were changed are applied.
	Flags *pflag.FlagSet

	mu       sync.Mutex
	fileUsed string
}

// FileUsed returns the config file read by the last Load, if any.
func (l *FileLoader) FileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fileUsed
}

// Load reads, merges and validates the configuration.
func (l *FileLoader) Load() (*LineageConfig, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	path, err := l.resolvePath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// 3. Environment variables
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if l.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(l.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(l.Flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Decode
	var cfg LineageConfig
	if err := k.UnmarshalWithConf(Root, &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Metadata.HostPort = expandEnvVars(cfg.Metadata.HostPort)
	cfg.Metadata.JWTToken = expandEnvVars(cfg.Metadata.JWTToken)
	cfg.Metadata.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lineage configuration: %w", err)
	}

	l.mu.Lock()
	l.fileUsed = path
	l.mu.Unlock()

	return &cfg, nil
}

// resolvePath returns the config file to read, or "" when none exists.
// An explicit Path that does not exist is an error.
func (l *FileLoader) resolvePath() (string, error) {
	if l.Path != "" {
		if _, err := os.Stat(l.Path); err != nil {
			return "", fmt.Errorf("config file %s: %w", l.Path, err)
		}
		return l.Path, nil
	}

	dir := l.Dir
	if dir == "" {
		dir = "."
	}
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// envKey transforms LEAPLINEAGE_METADATA__HOST_PORT -> lineage.metadata.host_port.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return Root + "." + strings.ReplaceAll(key, "__", ".")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns; unknown variables are left as-is.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// CachedLoader loads configuration once per process and serves the cached
// copy afterwards. Failed loads are not cached, so a fixed config file is
// picked up by the next call. Safe for concurrent use.
type CachedLoader struct {
	next Loader

	mu  sync.Mutex
	cfg *LineageConfig
}

// NewCachedLoader wraps next with load-once caching.
func NewCachedLoader(next Loader) *CachedLoader {
	return &CachedLoader{next: next}
}

// Load returns a copy of the cached configuration, loading it on first use.
func (c *CachedLoader) Load() (*LineageConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		cfg, err := c.next.Load()
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}

	cp := *c.cfg
	return &cp, nil
}

// Reset drops the cached configuration.
func (c *CachedLoader) Reset() {
	c.mu.Lock()
	c.cfg = nil
	c.mu.Unlock()
}
