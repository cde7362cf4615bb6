package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/state"
	"github.com/startab/startab/internal/ui"
)

var (
	shortcutTitle    string
	shortcutURL      string
	shortcutIconFile string
	shortcutPadding  bool
)

var shortcutCmd = &cobra.Command{
	Use:   "shortcut",
	Short: "Manage start page shortcuts",
}

var shortcutListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shortcuts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		shortcuts, err := store.Shortcuts(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing shortcuts: %v\n", err)
			os.Exit(1)
		}

		for _, sc := range shortcuts {
			icon := "favicon"
			if sc.Icon != nil {
				switch sc.Icon.Kind {
				case state.IconCustom:
					icon = "custom"
				case state.IconSource:
					icon = sc.Icon.SourceID
				}
			}
			fmt.Printf("%s %s  %s %s\n",
				ui.RenderAccent(strconv.FormatInt(sc.ID, 10)),
				sc.Title,
				ui.RenderFaint(sc.URL),
				ui.RenderFaint("("+icon+")"))
		}
	},
}

var shortcutAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a shortcut",
	Run: func(cmd *cobra.Command, args []string) {
		if shortcutTitle == "" || shortcutURL == "" {
			fmt.Fprintf(os.Stderr, "Error: --title and --url are required\n")
			os.Exit(1)
		}

		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		sc := state.Shortcut{
			ID:          state.NewShortcutID(),
			Title:       shortcutTitle,
			URL:         shortcutURL,
			IconPadding: shortcutPadding,
		}
		if shortcutIconFile != "" {
			icon, err := customIcon(shortcutIconFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading icon: %v\n", err)
				os.Exit(1)
			}
			sc.Icon = icon
		}

		if err := store.AddShortcut(cmd.Context(), sc); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding shortcut: %v\n", err)
			os.Exit(1)
		}
		notifyDaemon(cfg.SurfacePort, state.FieldShortcuts)
		fmt.Printf("%s Added %s (%s)\n", ui.RenderPass("✓"), sc.Title, strconv.FormatInt(sc.ID, 10))
	},
}

var shortcutRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a shortcut",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid shortcut id %q\n", args[0])
			os.Exit(1)
		}

		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		if err := store.RemoveShortcut(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing shortcut: %v\n", err)
			os.Exit(1)
		}
		notifyDaemon(cfg.SurfacePort, state.FieldShortcuts)
		fmt.Printf("%s Removed shortcut %d\n", ui.RenderPass("✓"), id)
	},
}

// customIcon loads an image file as an inline data URI icon.
func customIcon(path string) (*state.IconRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, contentType)
	}

	icon := &state.IconRef{
		Kind:    state.IconCustom,
		DataURI: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}
	if err := icon.Validate(); err != nil {
		return nil, err
	}
	return icon, nil
}

func init() {
	shortcutAddCmd.Flags().StringVar(&shortcutTitle, "title", "", "Shortcut title")
	shortcutAddCmd.Flags().StringVar(&shortcutURL, "url", "", "Shortcut URL")
	shortcutAddCmd.Flags().StringVar(&shortcutIconFile, "icon-file", "", "Image file for a custom icon")
	shortcutAddCmd.Flags().BoolVar(&shortcutPadding, "icon-padding", false, "Render the icon with padding")

	shortcutCmd.AddCommand(shortcutListCmd)
	shortcutCmd.AddCommand(shortcutAddCmd)
	shortcutCmd.AddCommand(shortcutRemoveCmd)
}
