// ABOUTME: Entry point for topic-relay, the Telegram support relay
// ABOUTME: Subcommands: serve, init, health, token

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
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

	"github.com/2389/topic-relay/internal/auth"
	"github.com/2389/topic-relay/internal/config"
	"github.com/2389/topic-relay/internal/service"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _              _                      _
| |_ ___  _ __ (_) ___      _ __ ___  | | __ _ _   _
| __/ _ \| '_ \| |/ __|____| '__/ _ \ | |/ _' | | | |
| || (_) | |_) | | (_|_____| | |  __/ | | (_| | |_| |
 \__\___/| .__/|_|\___|    |_|  \___| |_|\__,_|\__, |
         |_|                                   |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the topic-relay data directory.
// Priority: XDG_DATA_HOME/topic-relay > ~/.local/share/topic-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "topic-relay")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: topic-relay <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the relay")
	fmt.Fprintln(w, "  init                        Create a new config file interactively")
	fmt.Fprintln(w, "  health                      Check admin API readiness")
	fmt.Fprintln(w, "  token --subject NAME [--ttl DURATION]")
	fmt.Fprintln(w, "                              Issue an admin API token")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(bufio.NewReader(os.Stdin), os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
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

	cfg, configPath, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath == "" {
		configPath = "(environment only)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Operators: %d\n", cfg.Telegram.OperatorGroupID)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
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
	if cfg.Relay.RedisURL != "" {
		green.Print("    ▶ ")
		fmt.Println("Dedupe:    redis")
	}
	if cfg.AdminEnabled() && cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API has no jwt_secret; /api is unauthenticated")
	}
	fmt.Println()

	logger.Info("starting topic-relay",
		"config", configPath,
		"operator_group_id", cfg.Telegram.OperatorGroupID,
		"http_addr", cfg.Server.HTTPAddr,
		"log_messages", cfg.Relay.LogMessages,
	)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	return svc.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// tokenArgs holds the parsed flags of the token command.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--subject", "-s", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return out, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}

		if name == "--ttl" {
			ttl, err := time.ParseDuration(value)
			if err != nil || ttl <= 0 {
				return out, fmt.Errorf("--ttl must be a positive duration, got %q", value)
			}
			out.ttl = ttl
			continue
		}
		out.subject = strings.TrimSpace(value)
	}

	if out.subject == "" {
		return out, fmt.Errorf("--subject flag is required")
	}
	return out, nil
}

func runToken(args []string, w io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return issueToken(cfg.Auth.JWTSecret, parsed, w)
}

func issueToken(secret string, args tokenArgs, w io.Writer) error {
	if secret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(args.subject, args.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(w, token)
	return nil
}

func runInit(reader *bufio.Reader, w io.Writer) error {
	fmt.Fprintln(w, "topic-relay configuration setup")
	fmt.Fprintln(w, "===============================")
	fmt.Fprintln(w)

	defaultConfigPath, _, err := config.ResolvePath()
	if err != nil {
		defaultConfigPath = "config.yaml"
	}
	defaultDBPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, w, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, w, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(w, "\n--- Telegram ---")
	botToken := prompt(reader, w, "Bot token (leave empty to use BOT_TOKEN)", "${BOT_TOKEN}")
	groupID := prompt(reader, w, "Operator supergroup id", "")

	fmt.Fprintln(w, "\n--- Storage ---")
	dbPath := prompt(reader, w, "SQLite database path", defaultDBPath)
	logMessages := isYes(prompt(reader, w, "Keep an audit log of messages?", "yes"))

	fmt.Fprintln(w, "\n--- Admin API ---")
	httpAddr := prompt(reader, w, "HTTP address (empty to disable)", "127.0.0.1:8080")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	fmt.Fprintln(w, "\n--- Logging ---")
	logLevel := prompt(reader, w, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, w, "Log format (text/json)", "text")

	content := renderConfig(initAnswers{
		botToken:    botToken,
		groupID:     groupID,
		dbPath:      dbPath,
		logMessages: logMessages,
		httpAddr:    httpAddr,
		jwtSecret:   jwtSecret,
		logLevel:    logLevel,
		logFormat:   logFormat,
	})

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(w, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(w, "\nTo start the relay:")
	fmt.Fprintln(w, "  topic-relay serve")
	return nil
}

type initAnswers struct {
	botToken    string
	groupID     string
	dbPath      string
	logMessages bool
	httpAddr    string
	jwtSecret   string
	logLevel    string
	logFormat   string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# topic-relay configuration\n")
	cfg.WriteString("# Generated by topic-relay init\n\n")

	cfg.WriteString("telegram:\n")
	fmt.Fprintf(&cfg, "  bot_token: %q\n", a.botToken)
	if a.groupID != "" {
		fmt.Fprintf(&cfg, "  operator_group_id: %s\n", a.groupID)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.dbPath)
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	fmt.Fprintf(&cfg, "  log_messages: %t\n", a.logMessages)
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.jwtSecret)
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)
	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, w io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(w, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(w)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
