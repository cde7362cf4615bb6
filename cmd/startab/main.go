// Command startab is the start-page sync daemon and its CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/config"
	"github.com/startab/startab/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "startab",
	Short: "Local-first start page with remote sync",
	Long: `startab keeps a personal start page (shortcuts, grid layout,
background) on local storage and synchronizes it with a remote account.

The daemon serves attached surfaces over WebSocket, caches icon and
background assets, and reconciles local edits with the sync service
using last-write-wins.`,
}

func main() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(shortcutCmd)
	rootCmd.AddCommand(backgroundCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// mustConfig loads configuration or exits.
func mustConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// notifyDaemon tells a running daemon which field this process just
// mutated. The daemon's change feed cannot see writes from other
// processes, so without this a CLI edit would sit unpushed until some
// unrelated in-daemon mutation. Best-effort; the daemon may not be
// running.
func notifyDaemon(port int, field state.Field) {
	client := &http.Client{Timeout: 2 * time.Second}
	body, _ := json.Marshal(map[string]string{"field": string(field)})
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/changed", port), "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// mustStore opens the state database with defaults seeded, or exits.
func mustStore(cmd *cobra.Command, cfg *config.Config) *state.Store {
	store, err := state.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
		os.Exit(1)
	}
	if err := store.EnsureDefaults(cmd.Context()); err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Error seeding defaults: %v\n", err)
		os.Exit(1)
	}
	return store
}
