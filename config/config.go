package config

import (
	"errors"
	"net/url"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	slogkit "github.com/italypaleale/tunequeue/slog"
)

const (
	// EnvConfigPath is the env var that contains the path to the config file
	EnvConfigPath = "TUNEQUEUE_CONFIG"
	// EnvProviderAPIKey is the env var that can contain the API key for the provider, when not set in the config file
	EnvProviderAPIKey = "TUNEQUEUE_PROVIDER_API_KEY"

	configDirName = "tunequeue"
)

// Base includes the list of methods that config objects are expected to implement
type Base interface {
	Defaulter
	Validator

	// GetLoadedConfigPath returns the path to the config file that was loaded
	GetLoadedConfigPath() string
	// SetLoadedConfigPath sets the path to the config file that was loaded.
	SetLoadedConfigPath(path string)
	// GetInstanceID returns the instance ID
	GetInstanceID() string
	// GetOtelResource returns the OpenTelemetry Resource object
	GetOtelResource(name string) (*resource.Resource, error)
}

// Config is the configuration for the app
type Config struct {
	// Log level: "debug", "info", "warn", or "error"
	// +default "info"
	LogLevel string `yaml:"logLevel"`
	// If true, emits logs formatted as JSON, otherwise uses a text-based structured log format
	LogAsJSON bool `yaml:"logAsJSON"`

	// Address to bind the HTTP server to
	// +default "0.0.0.0"
	Bind string `yaml:"bind"`
	// Port for the HTTP server
	// +default 7070
	Port int `yaml:"port"`

	// Identifier for this instance, added to telemetry and to the X-Host-Id response header.
	// If empty, it's derived from the environment or generated randomly.
	InstanceID string `yaml:"instanceID"`

	Provider ProviderConfig `yaml:"provider"`
	Queue    QueueConfig    `yaml:"queue"`
	Cache    CacheConfig    `yaml:"cache"`
	TSNet    TSNetConfig    `yaml:"tsnet"`

	// Internal keys
	loadedPath     string `yaml:"-"`
	instanceID     string
	instanceIDOnce sync.Once
}

// ProviderConfig contains the options for the music generation provider
type ProviderConfig struct {
	// Base URL of the provider's API
	// +required
	Endpoint string `yaml:"endpoint"`
	// API key; can also be set with the TUNEQUEUE_PROVIDER_API_KEY env var
	APIKey string `yaml:"apiKey"`
	// Model to request; optional
	Model string `yaml:"model"`
	// Timeout for each call to the provider
	// +default 2m
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// QueueConfig contains the options for the generation queue
type QueueConfig struct {
	// Maximum number of requests waiting in the queue; 0 means unlimited
	// +default 50
	MaxPending *int `yaml:"maxPending"`
}

// CacheConfig contains the options for the cache of generated tracks
type CacheConfig struct {
	// If true, generated tracks are not cached
	Disabled bool `yaml:"disabled"`
	// TTL for cached tracks
	// +default 1h
	TTL time.Duration `yaml:"ttl"`
	// Maximum TTL; 0 means no limit
	MaxTTL time.Duration `yaml:"maxTTL"`
	// Interval for purging expired tracks
	// +default 2m30s
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// TSNetConfig contains the options for exposing the server on a Tailscale network
type TSNetConfig struct {
	// If true, the server listens on the tailnet instead of a local port
	Enabled bool `yaml:"enabled"`
	// Hostname of the node
	// +default "tunequeue"
	Hostname string `yaml:"hostname"`
	// Auth key, used on first startup; can also be set with the TS_AUTH_KEY env var
	AuthKey string `yaml:"authKey"`
	// Directory where tsnet stores its state
	StateDir string `yaml:"stateDir"`
	// If true, the node is ephemeral
	Ephemeral bool `yaml:"ephemeral"`
	// If true, the server is exposed to the public internet with Tailscale Funnel
	Funnel bool `yaml:"funnel"`
	// Tags to advertise
	Tags []string `yaml:"tags"`
	// Enables tsnet's debug logs
	DebugLogging bool `yaml:"debugLogging"`
}

// Load loads the configuration from the config file.
// LoadConfig applies the defaults and validates the result, because Config implements Defaulter and Validator.
func Load() (*Config, error) {
	cfg := &Config{}
	err := LoadConfig(cfg, LoadConfigOpts{
		EnvVar:  EnvConfigPath,
		DirName: configDirName,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults sets the default values for options that are not set.
func (c *Config) SetDefaults() {
	if c.Bind == "" {
		c.Bind = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 7070
	}
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = os.Getenv(EnvProviderAPIKey)
	}
	if c.Provider.RequestTimeout == 0 {
		c.Provider.RequestTimeout = 2 * time.Minute
	}
	if c.Queue.MaxPending == nil {
		v := 50
		c.Queue.MaxPending = &v
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Hour
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = 2*time.Minute + 30*time.Second
	}
	if c.TSNet.Hostname == "" {
		c.TSNet.Hostname = "tunequeue"
	}
}

// Validate the configuration.
// It returns a *ConfigError if any option is invalid.
func (c *Config) Validate() error {
	_, err := slogkit.ParseLevel(c.LogLevel)
	if err != nil {
		return invalidPropertyError("logLevel", "must be one of debug, info, warn, error")
	}

	if c.Port < 1 || c.Port > 65535 {
		return invalidPropertyError("port", "must be between 1 and 65535")
	}

	if c.Provider.Endpoint == "" {
		return invalidPropertyError("provider.endpoint", "is required")
	}
	u, err := url.Parse(c.Provider.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidPropertyError("provider.endpoint", "must be a valid http or https URL")
	}
	if c.Provider.RequestTimeout < 0 {
		return invalidPropertyError("provider.requestTimeout", "must not be negative")
	}

	if c.Queue.MaxPending != nil && *c.Queue.MaxPending < 0 {
		return invalidPropertyError("queue.maxPending", "must not be negative")
	}

	if c.Cache.TTL < 0 || c.Cache.MaxTTL < 0 || c.Cache.CleanupInterval < 0 {
		return invalidPropertyError("cache", "must not contain negative durations")
	}
	if c.Cache.MaxTTL > 0 && c.Cache.TTL > c.Cache.MaxTTL {
		return invalidPropertyError("cache.ttl", "must not be greater than 'cache.maxTTL'")
	}

	if c.TSNet.Enabled && c.TSNet.Hostname == "" {
		return invalidPropertyError("tsnet.hostname", "is required when tsnet is enabled")
	}

	return nil
}

// GetMaxPending returns the maximum number of pending requests in the queue.
func (c *Config) GetMaxPending() int {
	if c.Queue.MaxPending == nil {
		return 0
	}
	return *c.Queue.MaxPending
}

// GetLoadedConfigPath returns the path to the config file that was loaded
func (c *Config) GetLoadedConfigPath() string {
	return c.loadedPath
}

// SetLoadedConfigPath sets the path to the config file that was loaded
func (c *Config) SetLoadedConfigPath(filePath string) {
	c.loadedPath = filePath
}

// GetInstanceID returns the instance ID.
// If none is set in the configuration, it's computed once with the GetInstanceID function.
func (c *Config) GetInstanceID() string {
	c.instanceIDOnce.Do(func() {
		if c.InstanceID != "" {
			c.instanceID = c.InstanceID
			return
		}

		id, err := GetInstanceID()
		if err != nil {
			// Should never happen
			panic(err)
		}
		c.instanceID = id
	})
	return c.instanceID
}

// GetOtelResource returns the OpenTelemetry Resource object
func (c *Config) GetOtelResource(name string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", name),
			attribute.String("service.instance.id", c.GetInstanceID()),
		),
	)
}

// ReadLogLevel re-reads the config file at path and returns the log level it contains.
// Only the log level can be changed without restarting the app.
func ReadLogLevel(path string) (string, error) {
	if path == "" {
		return "", errors.New("config file path is empty")
	}

	cfg := &Config{}
	err := loadConfigFile(cfg, path)
	if err != nil {
		return "", err
	}

	_, err = slogkit.ParseLevel(cfg.LogLevel)
	if err != nil {
		return "", invalidPropertyError("logLevel", "must be one of debug, info, warn, error")
	}

	return cfg.LogLevel, nil
}
