package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local state and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()
		ctx := cmd.Context()

		_, email, err := store.Session(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading session: %v\n", err)
			os.Exit(1)
		}
		if email != "" {
			fmt.Printf("%s %s\n", ui.RenderAccent("Account:"), email)
		} else {
			fmt.Printf("%s %s\n", ui.RenderAccent("Account:"), ui.RenderFaint("not logged in"))
		}

		shortcuts, err := store.Shortcuts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading shortcuts: %v\n", err)
			os.Exit(1)
		}
		grid, err := store.GridConfig(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading grid config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d shortcuts on a %dx%d grid\n", ui.RenderAccent("Page:"), len(shortcuts), grid.Cols, grid.Rows)

		if updated, ok, err := store.LastLocalUpdate(ctx); err == nil && ok {
			fmt.Printf("%s %s\n", ui.RenderAccent("Last edit:"), updated.Local().Format(time.RFC822))
		}
		if synced, ok, err := store.LastSync(ctx); err == nil && ok {
			fmt.Printf("%s %s\n", ui.RenderAccent("Last sync:"), synced.Local().Format(time.RFC822))
		} else if email != "" {
			fmt.Printf("%s %s\n", ui.RenderAccent("Last sync:"), ui.RenderWarn("never"))
		}
		fmt.Printf("%s %s\n", ui.RenderAccent("Data dir:"), cfg.DataDir)
	},
}
