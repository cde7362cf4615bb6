package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/assetcache"
	"github.com/startab/startab/internal/state"
	"github.com/startab/startab/internal/ui"
)

var (
	backgroundBlur    int
	backgroundOverlay int
)

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Manage the background image",
}

var backgroundSetCmd = &cobra.Command{
	Use:   "set <url>",
	Short: "Set the background image URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		url := args[0]
		if err := store.SetBackgroundURL(cmd.Context(), url); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting background: %v\n", err)
			os.Exit(1)
		}
		notifyDaemon(cfg.SurfacePort, state.FieldBackgroundURL)

		// Warm the cache right away so the next mount works offline.
		// The daemon would do this on its own, but only once running.
		cache := assetcache.New(store.RawDB(), nil)
		if err := cache.Ensure(cmd.Context(), assetcache.NamespaceBackground, url); err != nil {
			fmt.Printf("%s Background set but not cached yet: %v\n", ui.RenderWarn("!"), err)
			return
		}
		fmt.Printf("%s Background set and cached\n", ui.RenderPass("✓"))
	},
}

var backgroundShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the background settings",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		url, err := store.BackgroundURL(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading background: %v\n", err)
			os.Exit(1)
		}
		bgConfig, err := store.BackgroundConfig(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading background config: %v\n", err)
			os.Exit(1)
		}

		cache := assetcache.New(store.RawDB(), nil)
		cached, _ := cache.Contains(cmd.Context(), assetcache.NamespaceBackground, url)
		cachedLabel := ui.RenderWarn("not cached")
		if cached {
			cachedLabel = ui.RenderPass("cached")
		}

		fmt.Printf("%s %s (%s)\n", ui.RenderAccent("URL:"), url, cachedLabel)
		fmt.Printf("%s blur %dpx, overlay %d%%\n", ui.RenderAccent("Effects:"), bgConfig.BlurPx, bgConfig.OverlayPercent)
	},
}

var backgroundEffectsCmd = &cobra.Command{
	Use:   "effects",
	Short: "Set background blur and overlay",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		bgConfig, err := store.BackgroundConfig(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading background config: %v\n", err)
			os.Exit(1)
		}
		if cmd.Flags().Changed("blur") {
			bgConfig.BlurPx = backgroundBlur
		}
		if cmd.Flags().Changed("overlay") {
			bgConfig.OverlayPercent = backgroundOverlay
		}

		if err := store.SetBackgroundConfig(cmd.Context(), bgConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting effects: %v\n", err)
			os.Exit(1)
		}
		notifyDaemon(cfg.SurfacePort, state.FieldBackgroundConfig)
		fmt.Printf("%s Effects set: blur %dpx, overlay %d%%\n", ui.RenderPass("✓"), bgConfig.BlurPx, bgConfig.OverlayPercent)
	},
}

func init() {
	backgroundEffectsCmd.Flags().IntVar(&backgroundBlur, "blur", 0, "Blur radius in pixels (0-20)")
	backgroundEffectsCmd.Flags().IntVar(&backgroundOverlay, "overlay", 0, "Dark overlay percentage (0-90)")

	backgroundCmd.AddCommand(backgroundSetCmd)
	backgroundCmd.AddCommand(backgroundShowCmd)
	backgroundCmd.AddCommand(backgroundEffectsCmd)
}
