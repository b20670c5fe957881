package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/config"
	"github.com/mattjoyce/tasklease/internal/lock"
	"github.com/mattjoyce/tasklease/internal/log"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "inspect":
		os.Exit(runInspect(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("tasklease version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`tasklease - partitioned task leasing service

Usage:
  tasklease <command> [flags]

Commands:
  start             Run a partition in the foreground
  inspect           Rebuild partition state offline and print it
  watch             Follow a running partition in a terminal UI
  config lock       Record the config file hash in .checksums
  config check      Validate configuration and integrity
  version           Show version information
  help              Show this help message

Flags:
  --config PATH     Config file or directory (default: discovered)
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tasklease config <lock|check> [--config PATH]")
		return 1
	}
	if isHelpToken(args[0]) {
		fmt.Println("Usage: tasklease config <lock|check> [--config PATH]")
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: tasklease config lock [--config PATH]")
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: tasklease config check [--config PATH] [--json]")
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// resolveConfigPath returns the --config flag value, or the discovered config.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("tasklease starting",
		"version", version,
		"config", cfg.SourcePath,
		"partition", cfg.Service.PartitionID,
		"term", cfg.Service.Term,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg, clock.System{})
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("partition already running", "error", err)
		} else {
			logger.Error("failed to open partition", "error", err)
		}
		return 1
	}
	defer n.close()

	logger.Info("tasklease running (press Ctrl+C to stop)")
	if err := n.run(ctx); err != nil {
		logger.Error("tasklease stopped with error", "error", err)
		return 1
	}
	logger.Info("tasklease stopped")
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for name, hash := range manifest.Hashes {
		fmt.Printf("locked %s blake3:%s\n", name, hash)
	}
	return 0
}

// CheckResult is the JSON output of config check.
type CheckResult struct {
	Valid  bool   `json:"valid"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
	Locked bool   `json:"locked"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	result := CheckResult{Valid: true}
	cfg, err := config.Load(path)
	if err != nil {
		result.Valid = false
		result.Error = err.Error()
	} else {
		result.Path = cfg.SourcePath
		_, lockErr := config.LoadChecksums(filepath.Dir(cfg.SourcePath))
		result.Locked = lockErr == nil
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if result.Valid {
		fmt.Printf("Configuration valid: %s (locked: %t)\n", result.Path, result.Locked)
	} else {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", result.Error)
	}
	if !result.Valid {
		return 1
	}
	return 0
}
