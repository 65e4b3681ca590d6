// ABOUTME: Entry point for autofilter-gateway
// ABOUTME: Runs the Matrix file-search bot and its admin API, plus setup and token commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
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
	"github.com/joho/godotenv"

	"github.com/2389/autofilter-gateway/internal/auth"
	"github.com/2389/autofilter-gateway/internal/config"
	"github.com/2389/autofilter-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _         __ _ _ _
   __ _ _   _| |_ ___  / _(_) | |_ ___ _ __
  / _' | | | | __/ _ \| |_| | | __/ _ \ '__|
 | (_| | |_| | || (_) |  _| | | ||  __/ |
  \__,_|\__,_|\__\___/|_| |_|_|\__\___|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: AUTOFILTER_CONFIG env var > XDG_CONFIG_HOME/autofilter/gateway.yaml > ~/.config/autofilter/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AUTOFILTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "autofilter", "gateway.yaml")
}

// getDataPath returns the path to the autofilter data directory.
// Priority: XDG_DATA_HOME/autofilter > ~/.local/share/autofilter
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "autofilter")
}

func usage() {
	fmt.Println("Usage: autofilter-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the gateway")
	fmt.Println("  init                                 Create a new config file interactively")
	fmt.Println("  health                               Check gateway liveness")
	fmt.Println("  ready                                Check whether the Matrix sync is running")
	fmt.Println("  token --sub NAME [--role R] [--ttl D]  Issue an admin API token")
}

func main() {
	// A .env file next to the binary may carry secrets referenced as ${VAR} in the config
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	if len(os.Args) < 2 {
		usage()
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
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Matrix:    %s on %s\n", cfg.Matrix.UserID, cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	green.Print("    ▶ ")
	fmt.Printf("Gates:     ")
	if cfg.Verification.Enabled {
		fmt.Print("verification")
	} else {
		gray.Print("verification off")
	}
	if cfg.Verification.MembershipChannel != "" {
		fmt.Printf(", membership (%s)", cfg.Verification.MembershipChannel)
	}
	fmt.Println()
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API is open: set auth.jwt_secret")
	}

	fmt.Println()

	logger.Info("starting autofilter-gateway",
		"config", configPath,
		"version", version,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe requests a health endpoint and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
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

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runToken issues a signed token for the admin API.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject, e.g. your name")
	role := fs.String("role", auth.RoleAdmin, "admin or viewer")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*sub) == "" {
		return fmt.Errorf("--sub is required")
	}
	if *role != auth.RoleAdmin && *role != auth.RoleViewer {
		return fmt.Errorf("--role must be %q or %q", auth.RoleAdmin, auth.RoleViewer)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*sub, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "  %s token for %s, expires %s\n",
		*role, *sub, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("autofilter-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Matrix Account ---")
	homeserver := prompt(reader, "Homeserver URL", "https://matrix.org")
	userID := prompt(reader, "Bot user ID", "@autofilter:matrix.org")
	fmt.Println("  The access token is read from ${AUTOFILTER_MATRIX_TOKEN}; put it in .env")
	admins := prompt(reader, "Admin user IDs (comma separated)", "")
	indexRoom := prompt(reader, "Index room ID (leave empty for none)", "")

	fmt.Println("\n--- Gates ---")
	verification := yes(prompt(reader, "Require shortlink verification?", "yes"))
	var shortlinkHost string
	if verification {
		shortlinkHost = prompt(reader, "Shortener host", "")
	}
	channel := prompt(reader, "Membership channel room ID (leave empty to disable)", "")

	fmt.Println("\n--- Server ---")
	grpcAddr := prompt(reader, "gRPC address", "127.0.0.1:50051")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	publicURL := prompt(reader, "Public URL of the HTTP server (leave empty for none)", "")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	if verification && publicURL == "" {
		color.New(color.FgYellow).Println("  ! verification needs server.public_url or verification.bot_link; add one before serving")
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# autofilter-gateway configuration\n")
	cfg.WriteString("# Generated by autofilter-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if publicURL != "" {
		fmt.Fprintf(&cfg, "  public_url: %q\n", publicURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", base64.StdEncoding.EncodeToString(secretBytes))

	cfg.WriteString("matrix:\n")
	fmt.Fprintf(&cfg, "  homeserver: %q\n", homeserver)
	fmt.Fprintf(&cfg, "  user_id: %q\n", userID)
	cfg.WriteString("  access_token: \"${AUTOFILTER_MATRIX_TOKEN}\"\n")
	if list := splitList(admins); len(list) > 0 {
		cfg.WriteString("  admins:\n")
		for _, a := range list {
			fmt.Fprintf(&cfg, "    - %q\n", a)
		}
	}
	if indexRoom != "" {
		fmt.Fprintf(&cfg, "  index_rooms:\n    - %q\n", indexRoom)
	}
	cfg.WriteString("\n")

	cfg.WriteString("verification:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", verification)
	if shortlinkHost != "" {
		fmt.Fprintf(&cfg, "  shortlink_host: %q\n", shortlinkHost)
		cfg.WriteString("  shortlink_api_key: \"${AUTOFILTER_SHORTLINK_KEY}\"\n")
	}
	if channel != "" {
		fmt.Fprintf(&cfg, "  membership_channel: %q\n", channel)
	}
	cfg.WriteString("  duration: \"24h\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  echo AUTOFILTER_MATRIX_TOKEN=... >> .env")
	fmt.Println("  autofilter-gateway serve")
	fmt.Println("  autofilter-gateway token --sub $USER")

	return nil
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

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
