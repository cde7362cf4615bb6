package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/startab/startab/internal/syncclient"
	"github.com/startab/startab/internal/ui"
)

var (
	authEmail    string
	authPassword string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the sync account session",
}

var authRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a sync account and log in",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		email, password, err := credentials("Create your sync account")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading credentials: %v\n", err)
			os.Exit(1)
		}

		client := syncclient.New(cfg.ServerURL, store, nil)
		err = client.Register(cmd.Context(), email, password)
		switch {
		case errors.Is(err, syncclient.ErrAlreadyExists):
			fmt.Printf("%s Email already registered, try: startab auth login\n", ui.RenderWarn("!"))
			os.Exit(1)
		case errors.Is(err, syncclient.ErrInvalidInput):
			fmt.Printf("%s %v\n", ui.RenderErr("✗"), err)
			os.Exit(1)
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error registering: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Registered and logged in as %s\n", ui.RenderPass("✓"), email)
		wakeDaemon(cfg.SurfacePort)
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the sync account",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		email, password, err := credentials("Log in to sync")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading credentials: %v\n", err)
			os.Exit(1)
		}

		client := syncclient.New(cfg.ServerURL, store, nil)
		err = client.Login(cmd.Context(), email, password)
		switch {
		case errors.Is(err, syncclient.ErrInvalidCredentials):
			fmt.Printf("%s Invalid email or password\n", ui.RenderErr("✗"))
			os.Exit(1)
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error logging in: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged in as %s\n", ui.RenderPass("✓"), email)
		wakeDaemon(cfg.SurfacePort)
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out locally",
	Long: `Discard the local session. The server is not contacted; the token
expires there on its own. Local state is kept as-is.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig()
		store := mustStore(cmd, cfg)
		defer store.Close()

		client := syncclient.New(cfg.ServerURL, store, nil)
		if err := client.Logout(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error logging out: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
	},
}

// wakeDaemon asks a running daemon to pull immediately so the new
// session takes effect without waiting for the next cycle. Best-effort;
// the daemon may not be running.
func wakeDaemon(port int) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/wake", port), "", nil)
	if err != nil {
		fmt.Printf("%s Daemon not running, it will sync on next start\n", ui.RenderFaint("·"))
		return
	}
	_ = resp.Body.Close()
	fmt.Printf("%s Daemon is pulling your account state\n", ui.RenderFaint("·"))
}

// credentials returns the email and password from flags, prompting for
// whichever is missing.
func credentials(title string) (string, string, error) {
	email, password := authEmail, authPassword
	if email != "" && password != "" {
		return email, password, nil
	}

	var fields []huh.Field
	if email == "" {
		fields = append(fields, huh.NewInput().
			Title("Email").
			Value(&email))
	}
	if password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password))
	}

	form := huh.NewForm(huh.NewGroup(fields...).Title(title))
	if err := form.Run(); err != nil {
		return "", "", err
	}
	return email, password, nil
}

func init() {
	for _, cmd := range []*cobra.Command{authRegisterCmd, authLoginCmd} {
		cmd.Flags().StringVar(&authEmail, "email", "", "Account email")
		cmd.Flags().StringVar(&authPassword, "password", "", "Account password")
	}
	authCmd.AddCommand(authRegisterCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
}
