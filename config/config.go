// Package config loads an agent's YAML configuration.
//
// Values of the form ${VAR} are replaced from the environment before parsing;
// unset variables become empty strings. Durations use Go syntax ("250ms",
// "30s").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"peerlink/agent"
	"peerlink/client"
	"peerlink/codec"
	"peerlink/coordinator"
	"peerlink/registry"
	"peerlink/server"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	RegistryStatic = "static"
	RegistryEtcd   = "etcd"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	Agent       AgentConfig             `yaml:"agent"`
	Client      ClientConfig            `yaml:"client"`
	Server      ServerConfig            `yaml:"server"`
	Coordinator CoordinatorConfig       `yaml:"coordinator"`
	Peers       []registry.PeerInstance `yaml:"peers"`
	Registry    RegistryConfig          `yaml:"registry"`
	Store       StoreConfig             `yaml:"store"`
	Logging     Logging                 `yaml:"logging"`
	Rules       []agent.Rule            `yaml:"rules"`
}

type AgentConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ClientConfig struct {
	Codec          string        `yaml:"codec"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxConnAge     time.Duration `yaml:"max_conn_age"`
}

type ServerConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst      int           `yaml:"rate_burst"`
}

type CoordinatorConfig struct {
	Enabled        bool                `yaml:"enabled"`
	TopK           int                 `yaml:"top_k"`
	Method         string              `yaml:"method"`
	HealthInterval time.Duration       `yaml:"health_interval"`
	RoleWeights    map[string]float64  `yaml:"role_weights"`
	Keywords       map[string][]string `yaml:"keywords"`
}

type RegistryConfig struct {
	Type        string        `yaml:"type"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // lease seconds
	Advertise   bool          `yaml:"advertise"`
	Watch       bool          `yaml:"watch"`
}

type StoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVar.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVar.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Agent.Host == "" {
		c.Agent.Host = "127.0.0.1"
	}
	if c.Agent.Role == "" && c.Coordinator.Enabled {
		c.Agent.Role = registry.RoleCoordinator
	}

	if c.Client.Codec == "" {
		c.Client.Codec = "json"
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = client.DefaultConnectTimeout
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = client.DefaultRequestTimeout
	}
	if c.Client.MaxRetries == 0 {
		c.Client.MaxRetries = client.DefaultMaxRetries
	}
	if c.Client.RetryDelay == 0 {
		c.Client.RetryDelay = client.DefaultRetryBackoff
	}

	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = server.DefaultIdleTimeout
	}
	if c.Server.HandlerTimeout == 0 {
		c.Server.HandlerTimeout = server.DefaultHandlerTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = server.DefaultWriteTimeout
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = max(1, int(c.Server.RateLimit))
	}

	if c.Coordinator.TopK == 0 {
		c.Coordinator.TopK = coordinator.DefaultTopK
	}
	if c.Coordinator.Method == "" {
		c.Coordinator.Method = coordinator.DefaultAnalysisMethod
	}
	if c.Coordinator.HealthInterval == 0 {
		c.Coordinator.HealthInterval = 30 * time.Second
	}

	if c.Registry.Type == "" {
		c.Registry.Type = RegistryStatic
	}
	if c.Registry.DialTimeout == 0 {
		c.Registry.DialTimeout = 5 * time.Second
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = server.DefaultRegistryTTL
	}

	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent.port %d out of range", c.Agent.Port)
	}
	if _, ok := codec.ParseCodecType(c.Client.Codec); !ok {
		return fmt.Errorf("client.codec %q: want json or cbor", c.Client.Codec)
	}

	durations := map[string]time.Duration{
		"client.connect_timeout":      c.Client.ConnectTimeout,
		"client.request_timeout":      c.Client.RequestTimeout,
		"client.retry_delay":          c.Client.RetryDelay,
		"client.max_conn_age":         c.Client.MaxConnAge,
		"server.idle_timeout":         c.Server.IdleTimeout,
		"server.handler_timeout":      c.Server.HandlerTimeout,
		"server.write_timeout":        c.Server.WriteTimeout,
		"coordinator.health_interval": c.Coordinator.HealthInterval,
		"registry.dial_timeout":       c.Registry.DialTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Client.MaxRetries < 0 {
		return errors.New("client.max_retries must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Coordinator.TopK < 1 {
		return fmt.Errorf("coordinator.top_k must be at least 1, got %d", c.Coordinator.TopK)
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" || p.Addr == "" {
			return fmt.Errorf("peers[%d]: name and addr are required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("peers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	switch c.Registry.Type {
	case RegistryStatic:
	case RegistryEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("registry.endpoints is required for etcd")
		}
	default:
		return fmt.Errorf("registry.type %q: want static or etcd", c.Registry.Type)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("store.type %q: want memory or sqlite", c.Store.Type)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", c.Logging.Format)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if _, err := agent.NewRuleAnalyzer(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// Build returns the process logger.
func (l Logging) Build() (*zap.Logger, error) {
	var zc zap.Config
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if l.Level != "" {
		level, err := zapcore.ParseLevel(l.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func (c *Config) Codec() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Client.Codec)
	return t
}

func (c *Config) ClientOptions() client.Options {
	return client.Options{
		ConnectTimeout: c.Client.ConnectTimeout,
		RequestTimeout: c.Client.RequestTimeout,
		MaxRetries:     c.Client.MaxRetries,
		RetryBackoff:   c.Client.RetryDelay,
		MaxConnAge:     c.Client.MaxConnAge,
		Codec:          c.Codec(),
	}
}

func (c *Config) ServerOptions() server.Options {
	return server.Options{
		IdleTimeout:    c.Server.IdleTimeout,
		HandlerTimeout: c.Server.HandlerTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		RateLimit:      c.Server.RateLimit,
		RateBurst:      c.Server.RateBurst,
		RegistryTTL:    c.Registry.TTL,
	}
}

// Scorer starts from the default tables and overlays configured entries.
func (c *Config) Scorer() *coordinator.Scorer {
	s := coordinator.DefaultScorer()
	weights := make(map[string]float64, len(s.RoleWeights)+len(c.Coordinator.RoleWeights))
	for k, v := range s.RoleWeights {
		weights[k] = v
	}
	for k, v := range c.Coordinator.RoleWeights {
		weights[k] = v
	}
	keywords := make(map[string][]string, len(s.Keywords)+len(c.Coordinator.Keywords))
	for k, v := range s.Keywords {
		keywords[k] = v
	}
	for k, v := range c.Coordinator.Keywords {
		keywords[k] = v
	}
	return &coordinator.Scorer{RoleWeights: weights, Keywords: keywords}
}

// CoordinatorOptions leaves Store and Logger for the caller.
func (c *Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		TopK:           c.Coordinator.TopK,
		AnalysisMethod: c.Coordinator.Method,
		Scorer:         c.Scorer(),
	}
}
