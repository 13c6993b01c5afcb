// Package config provides configuration management for the ACP bridge.
// It supports loading configuration from flags, environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig controls how the agent process is chosen and spawned.
type AgentConfig struct {
	// ID selects a catalogue entry (registry) when no command is given.
	ID      string            `mapstructure:"id"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Cwd     string            `mapstructure:"cwd"`
	Env     map[string]string `mapstructure:"env"`

	// PreferLocal runs node_modules/.bin/<bin> instead of the package runner when present.
	PreferLocal bool `mapstructure:"preferLocal"`
	// AllowCustomCommand lets a connect request name its own command.
	AllowCustomCommand bool `mapstructure:"allowCustomCommand"`

	HTTPProxy  string `mapstructure:"httpProxy"`
	HTTPSProxy string `mapstructure:"httpsProxy"`
	NoProxy    string `mapstructure:"noProxy"`

	// RegistryPath points at a YAML file replacing the embedded catalogue.
	RegistryPath string `mapstructure:"registryPath"`
	// Framing and ParamCasing override the catalogue entry when set.
	Framing     string `mapstructure:"framing"`
	ParamCasing string `mapstructure:"paramCasing"`

	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
	InitTimeout    int `mapstructure:"initTimeout"`    // in seconds
	PromptTimeout  int `mapstructure:"promptTimeout"`  // in seconds, 0 waits indefinitely
	StopTimeout    int `mapstructure:"stopTimeout"`    // in seconds
	MaxPending     int `mapstructure:"maxPending"`
}

// TerminalConfig bounds command terminals.
type TerminalConfig struct {
	OutputByteLimit int `mapstructure:"outputByteLimit"`
	MaxTerminals    int `mapstructure:"maxTerminals"`
	KillGracePeriod int `mapstructure:"killGracePeriod"` // in milliseconds
	ReapAfter       int `mapstructure:"reapAfter"`       // in seconds
}

// GatewayConfig holds WebSocket heartbeat and buffer settings.
type GatewayConfig struct {
	PingInterval    int `mapstructure:"pingInterval"` // in seconds
	PongWait        int `mapstructure:"pongWait"`     // in seconds
	WriteWait       int `mapstructure:"writeWait"`    // in seconds
	SendBuffer      int `mapstructure:"sendBuffer"`
	MaxMessageBytes int `mapstructure:"maxMessageBytes"`
}

// DatabaseConfig selects the session history store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, memory
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// RequestTimeoutDuration is the default per-call timeout.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration { return seconds(a.RequestTimeout) }

// InitTimeoutDuration bounds the initialize handshake.
func (a *AgentConfig) InitTimeoutDuration() time.Duration { return seconds(a.InitTimeout) }

// PromptTimeoutDuration bounds a prompt turn. Zero means no limit.
func (a *AgentConfig) PromptTimeoutDuration() time.Duration { return seconds(a.PromptTimeout) }

// StopTimeoutDuration bounds a graceful agent shutdown.
func (a *AgentConfig) StopTimeoutDuration() time.Duration { return seconds(a.StopTimeout) }

// ProxyEnv returns the proxy variables to inject into the agent environment,
// in both the upper and lower case spellings tools look for.
func (a *AgentConfig) ProxyEnv() map[string]string {
	env := make(map[string]string)
	set := func(name, value string) {
		if value == "" {
			return
		}
		env[name] = value
		env[strings.ToLower(name)] = value
	}
	set("HTTP_PROXY", a.HTTPProxy)
	set("HTTPS_PROXY", a.HTTPSProxy)
	set("NO_PROXY", a.NoProxy)
	return env
}

// KillGraceDuration is the SIGTERM to SIGKILL delay.
func (t *TerminalConfig) KillGraceDuration() time.Duration {
	return time.Duration(t.KillGracePeriod) * time.Millisecond
}

// ReapAfterDuration is how long a killed terminal stays readable after exit.
func (t *TerminalConfig) ReapAfterDuration() time.Duration { return seconds(t.ReapAfter) }

// PingIntervalDuration returns the WebSocket ping period.
func (g *GatewayConfig) PingIntervalDuration() time.Duration { return seconds(g.PingInterval) }

// PongWaitDuration returns the read deadline extension.
func (g *GatewayConfig) PongWaitDuration() time.Duration { return seconds(g.PongWait) }

// WriteWaitDuration returns the per-frame write deadline.
func (g *GatewayConfig) WriteWaitDuration() time.Duration { return seconds(g.WriteWait) }

// detectDefaultLogFormat returns "json" in Kubernetes or production, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ACPBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.id", "claude-code")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.cwd", "")
	v.SetDefault("agent.env", map[string]string{})
	v.SetDefault("agent.preferLocal", false)
	v.SetDefault("agent.allowCustomCommand", false)
	v.SetDefault("agent.registryPath", "")
	v.SetDefault("agent.requestTimeout", 60)
	v.SetDefault("agent.initTimeout", 30)
	v.SetDefault("agent.promptTimeout", 0)
	v.SetDefault("agent.stopTimeout", 5)
	v.SetDefault("agent.maxPending", 1024)

	// Terminal defaults
	v.SetDefault("terminal.outputByteLimit", 1<<20)
	v.SetDefault("terminal.maxTerminals", 64)
	v.SetDefault("terminal.killGracePeriod", 2000)
	v.SetDefault("terminal.reapAfter", 60)

	// Gateway defaults
	v.SetDefault("gateway.pingInterval", 30)
	v.SetDefault("gateway.pongWait", 60)
	v.SetDefault("gateway.writeWait", 10)
	v.SetDefault("gateway.sendBuffer", 256)
	v.SetDefault("gateway.maxMessageBytes", 4<<20)

	// Database defaults - sqlite file next to the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./acpbridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 1)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "acpbridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 3)
	v.SetDefault("logging.maxAgeDays", 28)
}

// RegisterFlags declares the command-line flags LoadWithPath understands.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "directory containing config.yaml")
	fs.Int("port", 0, "HTTP port")
	fs.String("agent", "", "agent id from the catalogue")
	fs.String("agent-command", "", "agent executable (overrides the catalogue command)")
	fs.String("cwd", "", "working directory for agent sessions")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

var flagKeys = map[string]string{
	"port":          "server.port",
	"agent":         "agent.id",
	"agent-command": "agent.command",
	"cwd":           "agent.cwd",
	"log-level":     "logging.level",
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACPBRIDGE_ with "." replaced by "_".
func Load() (*Config, error) {
	return LoadWithPath("", nil)
}

// LoadWithPath reads configuration from the specified path or default
// locations. Flags that were set on fs take precedence over everything else.
func LoadWithPath(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE names.
	_ = v.BindEnv("agent.preferLocal", "ACPBRIDGE_PREFER_LOCAL_AGENT", "ACPBRIDGE_AGENT_PREFER_LOCAL")
	_ = v.BindEnv("agent.allowCustomCommand", "ACPBRIDGE_ALLOW_CUSTOM_AGENT_COMMAND", "ACPBRIDGE_AGENT_ALLOW_CUSTOM_COMMAND")
	_ = v.BindEnv("agent.httpProxy", "ACPBRIDGE_HTTP_PROXY", "ACPBRIDGE_AGENT_HTTP_PROXY")
	_ = v.BindEnv("agent.httpsProxy", "ACPBRIDGE_HTTPS_PROXY", "ACPBRIDGE_AGENT_HTTPS_PROXY")
	_ = v.BindEnv("agent.noProxy", "ACPBRIDGE_NO_PROXY", "ACPBRIDGE_AGENT_NO_PROXY")
	_ = v.BindEnv("agent.registryPath", "ACPBRIDGE_AGENT_REGISTRY_PATH")
	_ = v.BindEnv("agent.requestTimeout", "ACPBRIDGE_AGENT_REQUEST_TIMEOUT")
	_ = v.BindEnv("agent.promptTimeout", "ACPBRIDGE_AGENT_PROMPT_TIMEOUT")
	_ = v.BindEnv("terminal.outputByteLimit", "ACPBRIDGE_TERMINAL_OUTPUT_BYTE_LIMIT")
	_ = v.BindEnv("database.path", "ACPBRIDGE_DB_PATH")
	_ = v.BindEnv("database.driver", "ACPBRIDGE_DB_DRIVER")
	_ = v.BindEnv("database.dsn", "ACPBRIDGE_DB_DSN", "DATABASE_URL")

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acpbridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks the configuration and reports every problem at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.ID == "" && cfg.Agent.Command == "" {
		errs = append(errs, "agent.id or agent.command is required")
	}
	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.requestTimeout must be positive")
	}
	if cfg.Agent.InitTimeout <= 0 {
		errs = append(errs, "agent.initTimeout must be positive")
	}
	if cfg.Agent.PromptTimeout < 0 {
		errs = append(errs, "agent.promptTimeout must not be negative")
	}
	if cfg.Agent.MaxPending <= 0 {
		errs = append(errs, "agent.maxPending must be positive")
	}
	switch strings.ToLower(cfg.Agent.Framing) {
	case "", "ndjson", "newline", "content-length", "lsp":
	default:
		errs = append(errs, "agent.framing must be one of: ndjson, content-length")
	}
	switch strings.ToLower(cfg.Agent.ParamCasing) {
	case "", "camel", "snake":
	default:
		errs = append(errs, "agent.paramCasing must be one of: camel, snake")
	}

	if cfg.Terminal.OutputByteLimit <= 0 {
		errs = append(errs, "terminal.outputByteLimit must be positive")
	}
	if cfg.Terminal.MaxTerminals <= 0 {
		errs = append(errs, "terminal.maxTerminals must be positive")
	}

	if cfg.Gateway.PingInterval <= 0 || cfg.Gateway.PongWait <= cfg.Gateway.PingInterval {
		errs = append(errs, "gateway.pongWait must be greater than gateway.pingInterval (both positive)")
	}
	if cfg.Gateway.SendBuffer <= 0 {
		errs = append(errs, "gateway.sendBuffer must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
