package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/assetcache"
	"github.com/startab/startab/internal/background"
	"github.com/startab/startab/internal/logging"
	"github.com/startab/startab/internal/reconciler"
	"github.com/startab/startab/internal/surface"
	"github.com/startab/startab/internal/syncclient"
	"github.com/startab/startab/internal/ui"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the start page daemon",
	Long: `Run the daemon that serves surfaces and keeps state in sync.

The daemon:
  1. Serves attached surfaces on the local WebSocket port
  2. Pulls the remote snapshot on start, on a timer, and on attach
  3. Pushes debounced local edits while logged in
  4. Caches icon and background assets for offline rendering`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		logOpts := logging.Options{Path: cfg.LogPath(), Console: daemonForeground}
		cacheLogger := logging.New("[assetcache] ", logOpts)
		swapLogger := logging.New("[background] ", logOpts)
		clientLogger := logging.New("[syncclient] ", logOpts)
		engineLogger := logging.New("[reconciler] ", logOpts)
		surfaceLogger := logging.New("[surface] ", logOpts)

		cacheConfig := assetcache.DefaultConfig()
		cacheConfig.Logger = cacheLogger
		cache := assetcache.New(store.RawDB(), cacheConfig)

		clientConfig := syncclient.DefaultConfig()
		clientConfig.Logger = clientLogger
		client := syncclient.New(cfg.ServerURL, store, clientConfig)

		engineConfig := reconciler.DefaultConfig()
		engineConfig.PullInterval = cfg.PullInterval
		engineConfig.PushDebounce = cfg.PushDebounce
		engineConfig.Logger = engineLogger
		if cfg.WatchShortcuts {
			engineConfig.WatchPath = cfg.ShortcutsPath()
		}

		surfaceConfig := surface.DefaultConfig()
		surfaceConfig.Port = cfg.SurfacePort
		surfaceConfig.Logger = surfaceLogger

		swapConfig := background.DefaultConfig()
		swapConfig.Logger = swapLogger
		var srv *surface.Server
		swapConfig.OnSwap = func(slot background.Slot) {
			if srv != nil {
				srv.NotifyBackground(slot.URL, slot.DecodeFailed)
			}
		}
		swapper := background.New(cache, swapConfig)

		engineConfig.OnPull = func(applied bool) {
			if srv != nil {
				srv.NotifyPull(applied)
			}
		}
		engineConfig.OnPush = func(updatedAt int64) {
			if srv != nil {
				srv.NotifyPush(updatedAt)
			}
		}

		engine, err := reconciler.New(store, client, cache, swapper, engineConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		srv = surface.NewServer(store, engine, surfaceConfig)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting surface server: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Mount the configured background before surfaces ask for it.
		if bgURL, err := store.BackgroundURL(ctx); err == nil && bgURL != "" {
			if err := swapper.Mount(ctx, bgURL); err != nil {
				swapLogger.Printf("Initial mount failed: %v", err)
			}
		}

		fmt.Printf("%s Daemon running on %s\n", ui.RenderAccent("●"), srv.Addr())

		if err := engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Engine error: %v\n", err)
			os.Exit(1)
		}
		swapper.Wait()
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Also log to stderr")
}
