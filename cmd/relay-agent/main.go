// ABOUTME: Entry point for relay-agent, the per-workstation Machine Agent daemon
// ABOUTME: Loads config, builds the Daemon, and runs it until a signal arrives

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
	"github.com/relaykeep/relaykeep/internal/machineagent"
	"github.com/relaykeep/relaykeep/internal/machineagent/config"
)

var version = "dev"

const banner = `
           _              _                    _
 _ __ ___| | __ _ _   _| | _____  __ _  __ _ ___ _ __ | |_
| '__/ _ \ |/ _' | | | | |/ / _ \/ _' |/ _' / _ \ '_ \| __|
| | |  __/ | (_| | |_| |   <  __/ (_| | (_| |  __/ | | | |_
|_|  \___|_|\__,_|\__, |_|\_\___|\__,_|\__, \___|_| |_|\__|
                   |___/               |___/
`

func getConfigPath() string {
	if p := os.Getenv("RELAYKEEP_AGENT_CONFIG"); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "relaykeep", "agent.toml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the Machine Agent")
		fmt.Println("  health   Check the Agent's local health endpoint")
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
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Local:   %s\n", cfg.Local.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.RouterMediated() {
		fmt.Printf("Router:  %s\n", cfg.Router.URL)
	} else {
		yellow.Print("Router:  none")
		fmt.Println(" (direct mode)")
	}
	fmt.Println()

	logger.Info("starting relay-agent", "config", configPath, "machine_id", cfg.MachineID, "router_mediated", cfg.RouterMediated())

	d, err := machineagent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return d.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", cfg.Local.HTTPAddr), nil)
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
