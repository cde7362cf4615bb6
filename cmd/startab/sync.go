package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/reconciler"
	"github.com/startab/startab/internal/syncclient"
	"github.com/startab/startab/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local state to the remote account now",
	Long: `Push the whole local state immediately, bypassing the debounce
window. Pulls keep happening on the daemon's own schedule; this command
exists to flush an edit without waiting for it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		client := syncclient.New(cfg.ServerURL, store, nil)
		authed, err := client.IsAuthenticated(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking session: %v\n", err)
			os.Exit(1)
		}
		if !authed {
			fmt.Printf("%s Not logged in, try: startab auth login\n", ui.RenderWarn("!"))
			os.Exit(1)
		}

		engine, err := reconciler.New(store, client, nil, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Pushing to %s...\n", ui.RenderAccent("🔄"), cfg.ServerURL)
		start := time.Now()

		if err := engine.SyncNow(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Push complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}
