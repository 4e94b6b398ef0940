// ABOUTME: Entry point for relay-router, the cloud-side Edge Router
// ABOUTME: Loads config, builds the Server, and runs it until a signal arrives

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/relaykeep/relaykeep/internal/logging"
	"github.com/relaykeep/relaykeep/internal/router"
	"github.com/relaykeep/relaykeep/internal/router/config"
)

var version = "dev"

const banner = `
             _              _             _
 _ __ ___| | __ _ _   _| |_ ___  _   _| |_ ___ _ __
| '__/ _ \ |/ _' | | | | __/ _ \| | | | __/ _ \ '__|
| | |  __/ | (_| | |_| | || (_) | |_| | ||  __/ |
|_|  \___|_|\__,_|\__, |\__\___/ \__,_|\__\___|_|
                   |___/
`

func getConfigPath() string {
	if p := os.Getenv("RELAYKEEP_ROUTER_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "relaykeep", "router.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the Edge Router")
		fmt.Println("  health   Check the Edge Router's health endpoint")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
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
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:   %s\n\n", cfg.Server.HTTPAddr)

	logger.Info("starting relay-router", "config", configPath, "http_addr", cfg.Server.HTTPAddr)

	srv, err := router.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}
	fmt.Println("healthy")
	return nil
}
