package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/todosync/todosync/internal/backup"
	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "List, show and restore local backups",
	Long: `Every save is preceded by a local backup of the contents being
written. Backups are kept for sync.backup_retention (default 48h).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			p := currentFile(a)
			if all {
				p = ""
			}
			entries, err := a.history.List(ctx, p, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(ui.RenderMuted("no backups"))
				return nil
			}
			for _, e := range entries {
				n := len(todotxt.Parse(e.Contents))
				fmt.Printf("%s  %s  %s  %d tasks\n",
					ui.RenderAccent(fmt.Sprintf("#%-4d", e.ID)),
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Path, n)
			}
			return nil
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := getBackup(ctx, a, id)
			if err != nil {
				return err
			}
			fmt.Print(e.Contents)
			return nil
		})
	},
}

var historyRestoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Restore a backup",
	Long: `Restore a backup into the todo file. The restore is an ordinary save:
offline it is kept locally and a concurrent remote edit turns it into a
conflicted copy.

With --to PATH the backup is written to another remote file instead,
overwriting it unconditionally and leaving the cache alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := getBackup(ctx, a, id)
			if err != nil {
				return err
			}

			if to != "" {
				if err := a.engine.WriteFile(ctx, to, e.Contents); err != nil {
					return err
				}
				fmt.Printf("%s backup #%d written to %s\n", ui.RenderPass("✓"), e.ID, to)
				return nil
			}

			p := currentFile(a)
			if !strings.EqualFold(e.Path, p) {
				fmt.Printf("%s backup #%d was taken from %s\n", ui.RenderWarn("⚠"), e.ID, e.Path)
			}
			// Load first so the save carries the current revision.
			if _, err := a.engine.Load(ctx, p); err != nil && !errors.Is(err, engine.ErrAuthRequired) {
				return err
			}
			return saveTasks(ctx, a, p, todotxt.Parse(e.Contents))
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid backup id %q", s)
	}
	return id, nil
}

func getBackup(ctx context.Context, a *app, id int64) (backup.Entry, error) {
	e, err := a.history.Get(ctx, id)
	if errors.Is(err, backup.ErrNotFound) {
		return backup.Entry{}, fmt.Errorf("no backup #%d (it may have expired)", id)
	}
	return e, err
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Show at most this many backups")
	historyCmd.Flags().Bool("all", false, "Include backups of other files")
	historyRestoreCmd.Flags().String("to", "", "Write the backup to this remote path instead")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyRestoreCmd)
	rootCmd.AddCommand(historyCmd)
}
