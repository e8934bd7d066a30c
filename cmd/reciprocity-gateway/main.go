// ABOUTME: Entry point for reciprocity-gateway
// ABOUTME: Subcommands serve, init, health and token

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/reciprocity-gateway/internal/auth"
	"github.com/2389/reciprocity-gateway/internal/config"
	"github.com/2389/reciprocity-gateway/internal/gateway"
	"github.com/2389/reciprocity-gateway/internal/paramstore"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                        _ _
  _ __ ___| |_ _ __ ___  _ __ ___  ___(_) |_ _   _
 | '__/ _ \ __| '__/ _ \| '__/ _ \/ __| | __| | | |
 | | |  __/ |_| | | (_) | | |  __/ (__| | |_| |_| |
 |_|  \___|\__|_|  \___/|_|  \___|\___|_|\__|\__, |
                                             |___/
`

// getDataPath returns the reciprocity data directory.
// Priority: XDG_DATA_HOME/reciprocity > ~/.local/share/reciprocity
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "reciprocity")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: reciprocity-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the gateway")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  health                      Check gateway readiness")
		fmt.Println("  token --sub NAME [--ttl D]  Mint an operator token for the /api routes")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads .env files, the config file, and any ssm: secret references.
func loadConfig(ctx context.Context, configPath string) (*config.Config, error) {
	if err := config.LoadDotEnv(configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.HasSecretRefs() {
		params, err := paramstore.NewFromConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("creating parameter store client: %w", err)
		}
		if err := cfg.ResolveSecrets(ctx, params); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Storage:    %s\n", describeStorage(cfg.Database))
	green.Print("    ▶ ")
	fmt.Printf("Automation: %s", cfg.Automation.Backend)
	if cfg.Automation.Backend == config.AutomationSimulated {
		yellow.Print(" [simulated]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Chat:       ")
	if cfg.Matrix.Enabled {
		cyan.Println(cfg.Matrix.UserID)
	} else {
		yellow.Println("loopback only")
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting reciprocity-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func describeStorage(db config.DatabaseConfig) string {
	if db.Backend == config.BackendDynamoDB {
		return "dynamodb table " + db.DynamoDB.Table
	}
	return fmt.Sprintf("sqlite (%s) %s", db.Driver, db.Path)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(ctx, config.DefaultPath())
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("ready")
	return nil
}

// tokenArgs are the parsed flags of the token subcommand.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

// parseTokenArgs accepts "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: 30 * 24 * time.Hour}
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub" || strings.HasPrefix(arg, "--sub="):
			v, err := value(&i, "--sub")
			if err != nil {
				return out, err
			}
			out.subject = strings.TrimSpace(v)
		case arg == "--ttl" || strings.HasPrefix(arg, "--ttl="):
			v, err := value(&i, "--ttl")
			if err != nil {
				return out, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return out, fmt.Errorf("invalid --ttl: %w", err)
			}
			if d <= 0 {
				return out, errors.New("--ttl must be positive")
			}
			out.ttl = d
		case strings.HasPrefix(arg, "-"):
			return out, fmt.Errorf("unknown flag: %s", arg)
		default:
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if out.subject == "" {
		return out, errors.New("--sub flag is required")
	}
	return out, nil
}

func runToken(ctx context.Context, args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, config.DefaultPath())
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(parsed.subject, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// starterConfig is the YAML written by init.
type starterConfig struct {
	HTTPAddr   string
	DBPath     string
	JWTSecret  string
	Matrix     bool
	Homeserver string
	UserID     string
	LogLevel   string
	LogFormat  string
}

func (s starterConfig) render() string {
	var b strings.Builder
	b.WriteString("# reciprocity-gateway configuration\n")
	b.WriteString("# Generated by reciprocity-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", s.HTTPAddr)
	b.WriteString("\n")

	b.WriteString("database:\n")
	b.WriteString("  backend: \"sqlite\"\n")
	fmt.Fprintf(&b, "  path: %q\n", s.DBPath)
	b.WriteString("\n")

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", s.JWTSecret)
	b.WriteString("\n")

	b.WriteString("matrix:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", s.Matrix)
	if s.Matrix {
		fmt.Fprintf(&b, "  homeserver: %q\n", s.Homeserver)
		fmt.Fprintf(&b, "  user_id: %q\n", s.UserID)
		b.WriteString("  access_token: \"${MATRIX_ACCESS_TOKEN}\"\n")
		b.WriteString("  auto_join: true\n")
	}
	b.WriteString("\n")

	b.WriteString("automation:\n")
	b.WriteString("  backend: \"simulated\"\n")
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", s.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", s.LogFormat)
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("reciprocity-gateway configuration setup")
	fmt.Println("=======================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	s := starterConfig{JWTSecret: secret}

	fmt.Println("\n--- Server Configuration ---")
	s.HTTPAddr = prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Database Configuration ---")
	s.DBPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Matrix Configuration ---")
	s.Matrix = isYes(prompt(reader, "Enable Matrix?", "no"))
	if s.Matrix {
		s.Homeserver = prompt(reader, "Homeserver URL", "https://matrix.org")
		s.UserID = prompt(reader, "Bot user ID", "")
	}

	fmt.Println("\n--- Logging Configuration ---")
	s.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	s.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(s.render()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(s.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Data directory: %s\n", dataDir)
	if s.Matrix {
		color.New(color.FgYellow).Println("  Set MATRIX_ACCESS_TOKEN (or put it in .env) before serving.")
	}
	fmt.Println("\nTo start the gateway:")
	fmt.Println("  reciprocity-gateway serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
