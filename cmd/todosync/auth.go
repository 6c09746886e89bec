package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/todosync/todosync/internal/config"
	"github.com/todosync/todosync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Store an access token for the HTTP backend",
	Long: `Store an access token for the HTTP backend. The token is checked
against the remote before it is saved in the local cache database.

The token is read from --token, or prompted for without echo when stdin
is a terminal, or read from the first line of stdin otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Backend != config.BackendHTTP {
			fmt.Printf("%s the %s backend uses its own credentials; nothing to do\n", ui.RenderMuted("•"), cfg.Backend)
			return nil
		}
		if cfg.HTTP.Token != "" {
			fmt.Printf("%s http.token is set in the config; it takes precedence over a login\n", ui.RenderWarn("⚠"))
		}

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			var err error
			if token, err = readToken(); err != nil {
				return err
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.Login(ctx, token); err != nil {
				return err
			}
			fmt.Printf("%s logged in\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Access token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Forget the token and clear the local cache",
	Long: `Forget the stored token and clear the local cache. Local changes that
were never pushed are lost; backups in the history are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			st := a.engine.Status()
			if !yes {
				msg := "Clear the local cache and log out?"
				if st.Pending {
					msg = "Local changes were never pushed and will be lost. Log out anyway?"
				}
				confirmed := false
				err := huh.NewConfirm().
					Title(msg).
					Affirmative("Log out").
					Negative("Cancel").
					Value(&confirmed).
					Run()
				if err != nil {
					return fmt.Errorf("confirmation failed (use --yes to skip): %w", err)
				}
				if !confirmed {
					fmt.Println("Canceled")
					return nil
				}
			}

			if err := a.engine.Logout(ctx); err != nil {
				return err
			}
			fmt.Printf("%s logged out, cache cleared\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().String("token", "", "Access token (default: prompt)")
	logoutCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
