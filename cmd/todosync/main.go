// Command todosync keeps a todo.txt file in sync between a remote store
// and a local offline cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/todosync/todosync/internal/config"
	"github.com/todosync/todosync/internal/ui"
)

var (
	configPath string
	verbose    bool
	noColor    bool

	// cfg is loaded before every command except config init.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Sync a todo.txt file with a remote store, online or offline",
	Long: `todosync keeps one todo.txt file consistent between a remote store
(a Dropbox-style HTTP API, an S3 bucket or a local directory) and a local
cache. Edits made offline are kept and pushed on the next connection.
Concurrent edits never overwrite each other: the remote stores the losing
write as a conflicted copy and todosync switches to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.SetColor(false)
		}
		if cmd.Annotations["skipConfig"] == "true" {
			return nil
		}
		loaded, err := config.Load(configPath, bindFlags(cmd))
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// bindFlags lets --file, --offline and --backend override the config file
// and the environment.
func bindFlags(cmd *cobra.Command) func(v *viper.Viper) error {
	return func(v *viper.Viper) error {
		flags := cmd.Flags()
		for key, name := range map[string]string{
			"file":                 "file",
			"backend":              "backend",
			"connectivity.offline": "offline",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return err
				}
			}
		}
		if verbose {
			v.Set("log.level", "debug")
		}
		return nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./todosync.yaml or "+config.DefaultDir()+"/todosync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringP("file", "f", "", "Remote todo file path")
	rootCmd.PersistentFlags().String("backend", "", "Remote backend: http, s3 or fs")
	rootCmd.PersistentFlags().Bool("offline", false, "Work from the local cache only")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		cancel()
		os.Exit(1)
	}
}
