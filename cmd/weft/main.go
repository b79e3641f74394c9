// ABOUTME: Entry point for the weft agent platform
// ABOUTME: Runs the scheduler and propagation engine, plus operator commands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/platform"
	"github.com/weftlabs/weft/internal/propagate"
	"github.com/weftlabs/weft/internal/runtime"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 __ _
 __      _____  / _| |_
 \ \ /\ / / _ \| |_| __|
  \ V  V /  __/|  _| |_
   \_/\_/ \___||_|  \__|
`

// getConfigPath returns the path to the weft config file.
// Priority: WEFT_CONFIG env var > XDG_CONFIG_HOME/weft/weft.yaml > ~/.config/weft/weft.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WEFT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "weft.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "weft", "weft.yaml")
}

// getDataPath returns the path to the weft data directory.
// Priority: XDG_DATA_HOME/weft > ~/.local/share/weft
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "weft")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
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
	case "seed":
		err = runSeed(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx)
	case "check":
		err = runCheck(ctx, os.Args[2:])
	case "propagate":
		err = runPropagate(ctx, os.Args[2:])
	case "purge":
		err = runPurge(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: weft <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                Run the scheduler and propagation engine")
	fmt.Println("  init                 Create a default config file")
	fmt.Println("  seed <file.toml>     Create agents from a seed file")
	fmt.Println("  agents               List agents with health status")
	fmt.Println("  check <agent-id>     Trigger one check run for an agent")
	fmt.Println("  propagate <agent-id> Deliver pending events to a receiver")
	fmt.Println("  purge                Delete events past their retention window")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  WEFT_CONFIG          Config file path (default: ~/.config/weft/weft.yaml)")
	fmt.Println()
}

// openPlatform loads config and assembles a platform over the configured store.
func openPlatform() (*platform.Platform, *config.Config, func(), error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	p := platform.New(st, logger, platform.Config{
		Scheduler: schedule.Config{
			Tick:    cfg.Scheduler.Tick,
			Workers: cfg.Scheduler.Workers,
		},
		Propagation: propagate.Config{
			Interval:   cfg.Propagation.Interval,
			BatchLimit: cfg.Propagation.BatchLimit,
			Workers:    cfg.Propagation.Workers,
		},
		Supervisor: runtime.Config{
			RunTimeout:       cfg.Supervisor.RunTimeout,
			FailureThreshold: cfg.Supervisor.FailureThreshold,
		},
		RetentionInterval: cfg.Retention.SweepInterval,
		Providers:         cfg.Providers,
	})

	cleanup := func() { _ = st.Close() }
	return p, cfg, cleanup, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	p, cfg, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	return p.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# weft configuration
# Generated by weft init

database:
  path: "%s"

scheduler:
  tick: "1s"

propagation:
  interval: "10s"

supervisor:
  run_timeout: "5m"
  failure_threshold: 3

retention:
  sweep_interval: "1h"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "weft.db"))

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Created %s\n", configPath)
	return nil
}

func runSeed(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: weft seed <file.toml>")
	}

	p, _, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	created, err := p.Seed(ctx, args[0])
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	for _, a := range created {
		green.Print("  + ")
		fmt.Printf("%s  %s (%s)\n", a.ID, a.Name, a.Type)
	}
	return nil
}

func runAgents(ctx context.Context) error {
	p, _, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	agents, err := p.ListAgents(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSCHEDULE\tSTATUS")
	for _, a := range agents {
		status := "working"
		if a.Disabled {
			status = "disabled"
		} else if working, err := p.Working(ctx, a.ID); err == nil && !working {
			status = "failing"
			if msg, at, ok := p.LastFailure(a.ID); ok {
				status = fmt.Sprintf("failing (%s, %s ago)",
					truncate(msg, 40), time.Since(at).Round(time.Second))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, a.Schedule, status)
	}
	return w.Flush()
}

func runCheck(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: weft check <agent-id>")
	}

	p, _, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := p.RunCheck(ctx, args[0]); err != nil {
		return err
	}

	color.Green("check complete")
	return nil
}

func runPropagate(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: weft propagate <agent-id>")
	}

	p, _, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := p.RunPropagation(ctx, args[0]); err != nil {
		return err
	}

	color.Green("propagation complete")
	return nil
}

func runPurge(ctx context.Context) error {
	p, _, cleanup, err := openPlatform()
	if err != nil {
		return err
	}
	defer cleanup()

	purged, err := p.PurgeExpiredEvents(ctx)
	if err != nil {
		return err
	}

	color.Green("purged %d events", purged)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
