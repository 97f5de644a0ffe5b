// ABOUTME: Entry point for the huddle-gateway conversation server
// ABOUTME: Subcommands to serve, write a starter config, mint tokens and probe a running gateway

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _               _     _ _
 | |__  _   _  __| | __| | | ___
 | '_ \| | | |/ _' |/ _' | |/ _ \
 | | | | |_| | (_| | (_| | |  __/
 |_| |_|\__,_|\__,_|\__,_|_|\___|
`

// getConfigPath returns the path to the gateway config file.
// Priority: HUDDLE_CONFIG env var > XDG_CONFIG_HOME/huddle/gateway.yaml > ~/.config/huddle/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HUDDLE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "huddle", "gateway.yaml")
}

// getDataPath returns the path to the huddle data directory.
// Priority: XDG_DATA_HOME/huddle > ~/.local/share/huddle
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "huddle")
}

// loadConfig reads the config file. A missing file at the default location
// yields the built-in defaults; an explicit HUDDLE_CONFIG must exist.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && os.Getenv("HUDDLE_CONFIG") == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: huddle-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the gateway server")
		fmt.Println("  init                           Create a new config file interactively")
		fmt.Println("  token --id ID [--name NAME]    Mint a participant JWT")
		fmt.Println("  health                         Check gateway health")
		fmt.Println("  metrics                        Print gateway metrics")
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "metrics":
		err = runMetrics(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Printf("Config:    %s\n", gray.Sprint("(built-in defaults)"))
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s", cfg.Storage.Backend)
	if cfg.Storage.Path != "" {
		gray.Printf(" (%s)", cfg.Storage.Path)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("jwt")
	} else {
		yellow.Println("trusted headers")
	}
	for _, a := range cfg.Assistants {
		green.Print("    ▶ ")
		fmt.Printf("Assistant: %s ", a.DisplayName)
		gray.Printf("(%s)\n", a.Responder.Type)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting huddle-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a JWT for a participant using the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	id := fs.String("id", "", "participant id (required)")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	participantID := strings.TrimSpace(*id)
	if participantID == "" {
		return fmt.Errorf("--id flag is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; run 'huddle-gateway init' first")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(auth.Identity{
		ParticipantID: participantID,
		DisplayName:   strings.TrimSpace(*name),
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// baseURL returns the HTTP root of the locally configured gateway.
func baseURL(cfg *config.Config) string {
	if u := os.Getenv("HUDDLE_GATEWAY_URL"); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

func runMetrics(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/metrics", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := os.Getenv("HUDDLE_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("metrics request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decoding metrics: %w", err)
	}
	fmt.Println(out.String())
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("huddle-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Storage Configuration ---")
	backend := prompt(reader, "Backend (memory/sqlite/bolt)", "sqlite")
	var storagePath string
	switch backend {
	case "sqlite":
		storagePath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "huddle.db"))
	case "bolt":
		storagePath = prompt(reader, "Bolt database path", filepath.Join(getDataPath(), "huddle.bolt"))
	}

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require JWT tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Assistant Configuration ---")
	withEcho := isYes(prompt(reader, "Add an echo assistant?", "yes"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# huddle-gateway configuration\n")
	cfg.WriteString("# Generated by huddle-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", backend))
	if storagePath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", storagePath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("conversation:\n")
	cfg.WriteString("  queue_size_limit: 1000\n")
	cfg.WriteString("  single_mode_delay: \"100ms\"\n")
	cfg.WriteString("  multi_mode_delay: \"2s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("connection:\n")
	cfg.WriteString("  max_participants: 10\n")
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  pong_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	if withEcho {
		cfg.WriteString("assistants:\n")
		cfg.WriteString("  - id: \"echo\"\n")
		cfg.WriteString("    display_name: \"Echo\"\n")
		cfg.WriteString("    responder:\n")
		cfg.WriteString("      type: \"echo\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if storagePath != "" {
		if err := os.MkdirAll(filepath.Dir(storagePath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  huddle-gateway serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a participant token:")
		fmt.Println("  huddle-gateway token --id alice --name Alice")
	}

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
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
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
