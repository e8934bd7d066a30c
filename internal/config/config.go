// ABOUTME: Configuration loading and parsing for reciprocity-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing, ssm: secret references and validation

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SecretPrefix marks a value to be read from AWS SSM Parameter Store.
const SecretPrefix = "ssm:"

// Config represents the complete reciprocity-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Matrix       MatrixConfig       `yaml:"matrix" toml:"matrix"`
	Automation   AutomationConfig   `yaml:"automation" toml:"automation"`
	Exchange     ExchangeConfig     `yaml:"exchange" toml:"exchange"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Supervisor   SupervisorConfig   `yaml:"supervisor" toml:"supervisor"`
	Kafka        KafkaConfig        `yaml:"kafka" toml:"kafka"`
	Shutdown     ShutdownConfig     `yaml:"shutdown" toml:"shutdown"`
	AWS          AWSConfig          `yaml:"aws" toml:"aws"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// Duration is a time.Duration written as a string such as "90s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// Database backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// DatabaseConfig selects and configures the storage gateway
type DatabaseConfig struct {
	Backend  string         `yaml:"backend" toml:"backend"`
	Driver   string         `yaml:"driver" toml:"driver"` // sqlite (modernc) or sqlite3 (mattn)
	Path     string         `yaml:"path" toml:"path"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" toml:"dynamodb"`
}

// DynamoDBConfig holds DynamoDB table settings
type DynamoDBConfig struct {
	Table    string `yaml:"table" toml:"table"`
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// AuthConfig holds operational API authentication
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// MatrixConfig holds the Matrix chat transport settings
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AutoJoin     bool     `yaml:"auto_join" toml:"auto_join"`
}

// Automation backends.
const (
	AutomationHTTP      = "http"
	AutomationSimulated = "simulated"
)

// AutomationConfig holds backend selection and executor tuning
type AutomationConfig struct {
	Backend     string          `yaml:"backend" toml:"backend"`
	BaseURL     string          `yaml:"base_url" toml:"base_url"`
	Token       string          `yaml:"token" toml:"token"`
	Workers     int             `yaml:"workers" toml:"workers"`
	MaxAttempts int             `yaml:"max_attempts" toml:"max_attempts"`
	CallTimeout Duration        `yaml:"call_timeout" toml:"call_timeout"`
	MinInterval Duration        `yaml:"min_interval" toml:"min_interval"`
	BackoffBase Duration        `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax  Duration        `yaml:"backoff_max" toml:"backoff_max"`
	Simulated   SimulatedConfig `yaml:"simulated" toml:"simulated"`
}

// SimulatedConfig tunes the simulated automation backend
type SimulatedConfig struct {
	FailPercent     int      `yaml:"fail_percent" toml:"fail_percent"`
	TerminalPercent int      `yaml:"terminal_percent" toml:"terminal_percent"`
	Latency         Duration `yaml:"latency" toml:"latency"`
}

// ExchangeConfig holds exchange lifetimes
type ExchangeConfig struct {
	TTL           Duration `yaml:"ttl" toml:"ttl"`
	PendingTTL    Duration `yaml:"pending_ttl" toml:"pending_ttl"`
	ActionType    string   `yaml:"action_type" toml:"action_type"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// ConversationConfig tunes the conversation engine
type ConversationConfig struct {
	ReconcileInterval Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
	OfferListLimit    int      `yaml:"offer_list_limit" toml:"offer_list_limit"`
}

// SupervisorConfig tunes health checks
type SupervisorConfig struct {
	Interval      Duration `yaml:"interval" toml:"interval"`
	CheckTimeout  Duration `yaml:"check_timeout" toml:"check_timeout"`
	AlertCooldown Duration `yaml:"alert_cooldown" toml:"alert_cooldown"`
}

// KafkaConfig enables mirroring exchange events to Kafka
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// ShutdownConfig bounds graceful shutdown
type ShutdownConfig struct {
	Grace Duration `yaml:"grace" toml:"grace"`
}

// AWSConfig holds settings shared by AWS clients
type AWSConfig struct {
	Region string `yaml:"region" toml:"region"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Getter resolves a secret reference. *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// DefaultPath returns the config file location.
// Priority: RECIPROCITY_CONFIG > XDG_CONFIG_HOME/reciprocity/gateway.yaml > ~/.config/reciprocity/gateway.yaml
func DefaultPath() string {
	if p := os.Getenv("RECIPROCITY_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "reciprocity", "gateway.yaml")
}

// LoadDotEnv loads .env from the working directory and from the config
// file's directory. Variables already set are not overridden.
func LoadDotEnv(configPath string) error {
	for _, p := range []string{".env", filepath.Join(filepath.Dir(configPath), ".env")} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .toml for TOML, anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration data, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080", GRPCAddr: "127.0.0.1:50051"},
		Database: DatabaseConfig{
			Backend: BackendSQLite,
			Driver:  "sqlite",
		},
		Automation: AutomationConfig{
			Backend:     AutomationSimulated,
			Workers:     4,
			MaxAttempts: 5,
			CallTimeout: Duration(2 * time.Minute),
			MinInterval: Duration(30 * time.Second),
			BackoffBase: Duration(30 * time.Second),
			BackoffMax:  Duration(15 * time.Minute),
		},
		Exchange: ExchangeConfig{
			TTL:           Duration(24 * time.Hour),
			PendingTTL:    Duration(24 * time.Hour),
			ActionType:    "like",
			SweepInterval: Duration(time.Minute),
		},
		Conversation: ConversationConfig{
			ReconcileInterval: Duration(time.Minute),
			OfferListLimit:    5,
		},
		Supervisor: SupervisorConfig{
			Interval:      Duration(5 * time.Minute),
			CheckTimeout:  Duration(5 * time.Second),
			AlertCooldown: Duration(time.Hour),
		},
		Kafka:    KafkaConfig{Topic: "reciprocity.exchanges"},
		Shutdown: ShutdownConfig{Grace: Duration(30 * time.Second)},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

// secrets returns the fields that may hold an ssm: reference.
func (c *Config) secrets() map[string]*string {
	return map[string]*string{
		"auth.jwt_secret":     &c.Auth.JWTSecret,
		"matrix.access_token": &c.Matrix.AccessToken,
		"automation.token":    &c.Automation.Token,
		"tailscale.auth_key":  &c.Tailscale.AuthKey,
	}
}

// HasSecretRefs reports whether any value still needs resolving.
func (c *Config) HasSecretRefs() bool {
	for _, p := range c.secrets() {
		if strings.HasPrefix(*p, SecretPrefix) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every ssm:/path value with the parameter's value
// and validates the result.
func (c *Config) ResolveSecrets(ctx context.Context, g Getter) error {
	for field, p := range c.secrets() {
		name, ok := strings.CutPrefix(*p, SecretPrefix)
		if !ok {
			continue
		}
		v, err := g.GetParameter(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", field, err)
		}
		*p = v
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Backend {
	case BackendSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required")
		}
		if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
			return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
		}
	case BackendDynamoDB:
		if c.Database.DynamoDB.Table == "" {
			return errors.New("database.dynamodb.table is required")
		}
	default:
		return fmt.Errorf("database.backend must be %s or %s, got %q", BackendSQLite, BackendDynamoDB, c.Database.Backend)
	}

	if s := c.Auth.JWTSecret; s != "" && !strings.HasPrefix(s, SecretPrefix) && len(s) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return errors.New("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
	}

	switch c.Automation.Backend {
	case AutomationHTTP:
		if c.Automation.BaseURL == "" {
			return errors.New("automation.base_url is required for the http backend")
		}
	case AutomationSimulated:
		sim := c.Automation.Simulated
		if sim.FailPercent < 0 || sim.FailPercent > 100 || sim.TerminalPercent < 0 || sim.TerminalPercent > 100 {
			return errors.New("automation.simulated percentages must be between 0 and 100")
		}
	default:
		return fmt.Errorf("automation.backend must be %s or %s, got %q", AutomationHTTP, AutomationSimulated, c.Automation.Backend)
	}
	if c.Automation.MaxAttempts < 1 {
		return errors.New("automation.max_attempts must be at least 1")
	}
	if c.Exchange.TTL <= 0 {
		return errors.New("exchange.ttl must be positive")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
