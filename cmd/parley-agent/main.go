// ABOUTME: Demo agent that joins a parley hub with echo, reverse, and status executors
// ABOUTME: Usage: parley-agent [-hub http://localhost:8420] [-name "Echo Agent"]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/2389/parley/internal/node"
	"github.com/2389/parley/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	// Best effort: a missing .env file is fine
	_ = godotenv.Load()

	configPath := flag.String("config", "", "TOML config file path")
	hubURL := flag.String("hub", "", "hub base URL (overrides config)")
	agentID := flag.String("id", "", "agent id (overrides config)")
	name := flag.String("name", "", "agent display name (overrides config)")
	capabilities := flag.String("capabilities", "", "extra comma-separated capabilities (overrides config)")
	token := flag.String("token", "", "bearer token (overrides config and PARLEY_TOKEN)")
	logLevel := flag.String("log-level", "", "debug, info, warn, or error (overrides config)")
	flag.Parse()

	if err := run(*configPath, *hubURL, *agentID, *name, *capabilities, *token, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, hubURL, agentID, name, capabilities, token, logLevel string) error {
	cfg := &Config{}
	if configPath != "" {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags win over the config file
	if hubURL != "" {
		cfg.Hub.URL = hubURL
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if name != "" {
		cfg.Agent.Name = name
	}
	if capabilities != "" {
		cfg.Agent.Capabilities = splitCapabilities(capabilities)
	}
	if token != "" {
		cfg.Hub.Token = token
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if cfg.Hub.URL == "" {
		cfg.Hub.URL = "http://localhost:8420"
	}
	if cfg.Hub.Token == "" {
		cfg.Hub.Token = os.Getenv("PARLEY_TOKEN")
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "agent-" + uuid.New().String()[:8]
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = version
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level)

	n, err := node.New(node.Config{
		ID:           cfg.Agent.ID,
		Name:         cfg.Agent.Name,
		HubURL:       cfg.Hub.URL,
		Token:        cfg.Hub.Token,
		Capabilities: cfg.Agent.Capabilities,
		Version:      cfg.Agent.Version,
	}, logger)
	if err != nil {
		return err
	}
	registerDemoExecutors(n)

	card := n.Card()
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Printf("parley-agent %s\n", version)
	green.Print("  ▶ ")
	fmt.Printf("Hub:          %s\n", cfg.Hub.URL)
	green.Print("  ▶ ")
	fmt.Printf("Agent:        %s (%s)\n", card.ID, card.Name)
	green.Print("  ▶ ")
	fmt.Printf("Capabilities: %s\n", strings.Join(card.Capabilities, ", "))
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return n.Run(ctx)
}

// registerDemoExecutors installs the stock capability set.
func registerDemoExecutors(n *node.Node) {
	n.RegisterExecutor("echo", func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		text, _ := task.Params["text"].(string)
		return map[string]any{"echo": text}, nil
	})

	n.RegisterExecutor("reverse", func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		text, _ := task.Params["text"].(string)
		return map[string]any{"reversed": reverseString(text)}, nil
	})

	n.RegisterExecutor("status", func(context.Context, *protocol.Task) (map[string]any, error) {
		card := n.Card()
		return map[string]any{
			"status":       string(card.Status),
			"capabilities": card.Capabilities,
		}, nil
	})
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, p)
		}
	}
	return caps
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
