package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// validName matches alphanumeric, hyphens, and single underscores.
// Double underscores are reserved as the namespace separator.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Config is the top-level service configuration.
type Config struct {
	Server          ServerConfig              `mapstructure:"server"`
	MCP             MCPConfig                 `mapstructure:"mcp"`
	ScannersFile    string                    `mapstructure:"scanners_file"`
	Pipeline        PipelineConfig            `mapstructure:"pipeline"`
	Vault           VaultConfig               `mapstructure:"vault"`
	Redis           RedisConfig               `mapstructure:"redis"`
	Detectors       map[string]DetectorConfig `mapstructure:"detectors"`
	DetectorServers []DetectorServerConfig    `mapstructure:"detector_servers"`
	Observability   ObservabilityConfig       `mapstructure:"observability"`
	Audit           AuditConfig               `mapstructure:"audit"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	BodyLimitMB     int           `mapstructure:"body_limit_mb"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MCPConfig controls how MCP clients reach the guard tools.
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"` // "stdio" or "http"
	Addr      string `mapstructure:"addr"`
	Path      string `mapstructure:"path"`
}

type PipelineConfig struct {
	ScannerTimeout time.Duration `mapstructure:"scanner_timeout"`
	Speculative    bool          `mapstructure:"speculative"`
	// MaxParallel bounds concurrently running advisory scanners; 0 is
	// unbounded, 1 is sequential.
	MaxParallel int `mapstructure:"max_parallel"`
}

type VaultConfig struct {
	Backend string        `mapstructure:"backend"` // "memory" or "redis"
	TTL     time.Duration `mapstructure:"ttl"`
	// PersistAcrossTurns keeps an exchange's vault after its output has
	// been evaluated so later turns of the same conversation can reuse it.
	PersistAcrossTurns bool `mapstructure:"persist_across_turns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DetectorConfig declares a named detector backend that scanners refer to
// with their "detector" parameter.
type DetectorConfig struct {
	Kind string `mapstructure:"kind"` // http, mcp, openai or lexicon

	// http
	URL        string        `mapstructure:"url"`
	AuthHeader string        `mapstructure:"auth_header"`
	AuthValue  string        `mapstructure:"auth_value"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// mcp
	Server string `mapstructure:"server"`
	Tool   string `mapstructure:"tool"`

	// openai
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// lexicon: extra phrases per label on top of the built-in terms.
	Terms map[string][]string `mapstructure:"terms"`
}

// DetectorServerConfig defines a downstream MCP server hosting detector
// tools.
type DetectorServerConfig struct {
	Name      string   `mapstructure:"name"`
	Transport string   `mapstructure:"transport"` // "stdio" or "http"
	Command   []string `mapstructure:"command"`
	URL       string   `mapstructure:"url"`
}

type ObservabilityConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	ServiceName   string `mapstructure:"service_name"`
}

type AuditConfig struct {
	Backend       string `mapstructure:"backend"` // log, postgres or none
	DatabaseURL   string `mapstructure:"database_url"`
	RunMigrations bool   `mapstructure:"run_migrations"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	VaultMemory = "memory"
	VaultRedis  = "redis"

	DetectorHTTP    = "http"
	DetectorMCP     = "mcp"
	DetectorOpenAI  = "openai"
	DetectorLexicon = "lexicon"

	AuditLog      = "log"
	AuditPostgres = "postgres"
	AuditNone     = "none"

	DefaultListenAddr = ":8080"
	DefaultMCPAddr    = ":8081"
	DefaultMCPPath    = "/mcp"
	DefaultVaultTTL   = time.Hour
)

// Options controls the config loader.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load merges defaults, the optional config file and GUARD_* environment
// variables, then validates the result.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return Config{}, fmt.Errorf("reading env file %s: %w", opts.EnvFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicit := opts.ConfigFile
	if explicit == "" {
		explicit = os.Getenv("GUARD_CONFIG_FILE")
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("easyguard")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationHook(), mapstructure.StringToSliceHookFunc(","))
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", DefaultListenAddr)
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", TransportStdio)
	v.SetDefault("mcp.addr", DefaultMCPAddr)
	v.SetDefault("mcp.path", DefaultMCPPath)

	v.SetDefault("scanners_file", "")

	v.SetDefault("pipeline.scanner_timeout", "5s")
	v.SetDefault("pipeline.speculative", false)
	v.SetDefault("pipeline.max_parallel", 0)

	v.SetDefault("vault.backend", VaultMemory)
	v.SetDefault("vault.ttl", DefaultVaultTTL.String())
	v.SetDefault("vault.persist_across_turns", false)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.service_name", "easyguard")

	v.SetDefault("audit.backend", AuditLog)
	v.SetDefault("audit.database_url", "")
	v.SetDefault("audit.run_migrations", true)
	v.SetDefault("audit.max_conns", 4)
}

// applyDefaults fills values a config file may have blanked explicitly.
func applyDefaults(cfg *Config) {
	if cfg.MCP.Transport == "" {
		cfg.MCP.Transport = TransportStdio
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.Vault.Backend == "" {
		cfg.Vault.Backend = VaultMemory
	}
	if cfg.Vault.TTL <= 0 {
		cfg.Vault.TTL = DefaultVaultTTL
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = AuditLog
	}
	for name, d := range cfg.Detectors {
		d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
		if d.Kind == "" {
			d.Kind = DetectorLexicon
		}
		cfg.Detectors[name] = d
	}
}

func validate(cfg Config) error {
	if cfg.MCP.Transport != TransportStdio && cfg.MCP.Transport != TransportHTTP {
		return fmt.Errorf("mcp transport must be %q or %q, got %q",
			TransportStdio, TransportHTTP, cfg.MCP.Transport)
	}
	if cfg.Server.Enabled && cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required when the HTTP API is enabled")
	}
	if cfg.Pipeline.ScannerTimeout < 0 {
		return fmt.Errorf("pipeline.scanner_timeout must not be negative")
	}
	if cfg.Pipeline.MaxParallel < 0 {
		return fmt.Errorf("pipeline.max_parallel must not be negative")
	}

	switch cfg.Vault.Backend {
	case VaultMemory:
	case VaultRedis:
		if cfg.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis vault backend")
		}
	default:
		return fmt.Errorf("vault backend must be %q or %q, got %q", VaultMemory, VaultRedis, cfg.Vault.Backend)
	}

	servers := make(map[string]struct{}, len(cfg.DetectorServers))
	for i, ds := range cfg.DetectorServers {
		if ds.Name == "" {
			return fmt.Errorf("detector_servers[%d]: name is required", i)
		}
		if !validName.MatchString(ds.Name) {
			return fmt.Errorf("detector_servers[%d]: name %q must match %s", i, ds.Name, validName.String())
		}
		if strings.Contains(ds.Name, "__") {
			return fmt.Errorf("detector_servers[%d]: name %q must not contain \"__\" (reserved separator)", i, ds.Name)
		}
		if _, exists := servers[ds.Name]; exists {
			return fmt.Errorf("detector_servers[%d]: duplicate name %q", i, ds.Name)
		}
		servers[ds.Name] = struct{}{}

		if ds.Transport != TransportStdio && ds.Transport != TransportHTTP {
			return fmt.Errorf("detector_servers[%d] (%s): transport must be %q or %q, got %q",
				i, ds.Name, TransportStdio, TransportHTTP, ds.Transport)
		}
		if ds.Transport == TransportStdio && len(ds.Command) == 0 {
			return fmt.Errorf("detector_servers[%d] (%s): command is required for stdio transport", i, ds.Name)
		}
		if ds.Transport == TransportHTTP && ds.URL == "" {
			return fmt.Errorf("detector_servers[%d] (%s): url is required for http transport", i, ds.Name)
		}
	}

	for name, d := range cfg.Detectors {
		switch d.Kind {
		case DetectorLexicon, DetectorOpenAI:
		case DetectorHTTP:
			if d.URL == "" {
				return fmt.Errorf("detectors.%s: url is required for http detectors", name)
			}
		case DetectorMCP:
			if d.Server == "" || d.Tool == "" {
				return fmt.Errorf("detectors.%s: server and tool are required for mcp detectors", name)
			}
			if _, ok := servers[d.Server]; !ok {
				return fmt.Errorf("detectors.%s: unknown detector server %q", name, d.Server)
			}
		default:
			return fmt.Errorf("detectors.%s: unknown kind %q", name, d.Kind)
		}
	}

	switch cfg.Audit.Backend {
	case AuditLog, AuditNone:
	case AuditPostgres:
		if cfg.Audit.DatabaseURL == "" {
			return fmt.Errorf("audit.database_url is required for the postgres audit backend")
		}
	default:
		return fmt.Errorf("audit backend must be one of %q, %q or %q, got %q",
			AuditLog, AuditPostgres, AuditNone, cfg.Audit.Backend)
	}
	return nil
}

func durationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
