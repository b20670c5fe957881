package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/tasklease/internal/tui/watch"
)

func runWatch(args []string) int {
	if hasHelpFlag(args) {
		printWatchHelp()
		return 0
	}

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Partition API URL")
	apiKey := fs.String("api-key", os.Getenv("TASKLEASE_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printWatchHelp() {
	fmt.Println("Usage: tasklease watch [flags]")
	fmt.Println()
	fmt.Println("Live view of a running partition: task states, subscriptions and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Partition API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    Bearer token with tasks:ro and subscriptions:ro (or TASKLEASE_API_KEY)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Scroll tasks")
}
