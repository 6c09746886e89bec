package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/dashboard"
	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/lock"
	"github.com/todosync/todosync/internal/ui"
	"github.com/todosync/todosync/internal/watcher"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push local changes and refresh the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if !a.monitor.IsOnline() {
				return fmt.Errorf("%w: nothing was synced", engine.ErrOffline)
			}
			start := time.Now()
			res, err := loadTasks(ctx, a)
			if err != nil {
				return err
			}
			if res.FromCache {
				return fmt.Errorf("sync did not complete")
			}
			fmt.Printf("%s %s is up to date (%d tasks, revision %s) in %v\n",
				ui.RenderPass("✓"), res.Path, len(res.Tasks), res.Revision,
				time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Stay connected and follow remote changes (foreground)",
	Long: `Keep the cache in sync until interrupted.

The watcher long-polls the remote for changes to the todo file and reloads
it when another device edits it. Connectivity is probed continuously:
going offline stops the watcher, coming back online pushes pending local
changes and reloads after a short debounce.

Only one watch runs per data directory. Send SIGHUP to force a reload.
With dashboard.addr set, events are streamed on ws://ADDR/ws, status is
served on /health and Prometheus metrics on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("dashboard"); addr != "" {
			cfg.Dashboard.Addr = addr
		}

		held, err := lock.Acquire(cfg.LockPath())
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return fmt.Errorf("another watch is running: %w", err)
			}
			return err
		}
		defer held.Unlock()

		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runWatch(ctx, a)
		})
	},
}

// watchSession keeps a watch run on whatever file the engine works on,
// which moves to the conflict copy after a rename.
type watchSession struct {
	a   *app
	out io.Writer
}

// target is the watched file: the engine's current file once it has one.
func (w *watchSession) target() string {
	if f := w.a.engine.Status().File; f != "" {
		return f
	}
	return currentFile(w.a)
}

// show prints what the engine just stored. The engine has already reloaded
// by the time the listener hears of a change, so only a rename the cache
// could not follow needs another Load.
func (w *watchSession) show(ctx context.Context, newPath string) {
	res := w.a.engine.Cached()
	if newPath != "" && !watcher.SamePath(res.Path, newPath) {
		loaded, err := w.a.engine.Load(ctx, newPath)
		if err != nil {
			w.failed(ctx, err)
			return
		}
		res = loaded
	}
	fmt.Fprintf(w.out, "%s %s reloaded: %d tasks\n", ui.RenderAccent("↻"), res.Path, len(res.Tasks))
}

func (w *watchSession) failed(ctx context.Context, err error) {
	if errors.Is(err, engine.ErrClosed) || ctx.Err() != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s reload failed: %v\n", ui.RenderFail("✗"), err)
}

func runWatch(ctx context.Context, a *app) error {
	w := &watchSession{a: a, out: os.Stdout}
	a.printer.follow(func(newPath string) { w.show(ctx, newPath) })

	if addr := a.cfg.Dashboard.Addr; addr != "" {
		server := dashboard.NewServer(dashboard.Config{
			Addr:   addr,
			Status: a.engine.Status,
			Logger: a.log.Logger,
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				a.log.Warn("dashboard shutdown failed", zap.Error(err))
			}
		}()
		a.engine.SetListener(dashboard.NewHandler(server, a.printer, a.log.Logger))
		fmt.Printf("   Dashboard: http://%s (events on ws://%s/ws)\n", server.Addr(), server.Addr())
	}

	if a.prober != nil {
		a.prober.Start(ctx)
	}

	fmt.Printf("%s Watching %s (backend %s)\n", ui.RenderAccent("👀"), w.target(), a.cfg.Backend)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	res, err := loadTasks(ctx, a)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s loaded: %d tasks\n", ui.RenderPass("✓"), res.Path, len(res.Tasks))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping...")
			return nil
		case <-hup:
			if err := a.engine.Sync(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "%s sync: %v\n", ui.RenderWarn("⚠"), err)
			}
		}
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st := a.engine.Status()

			fmt.Printf("\n%s todosync status\n\n", ui.RenderAccent("📊"))
			fmt.Printf("Backend:   %s\n", a.cfg.Backend)
			fmt.Printf("File:      %s\n", currentFile(a))
			fmt.Printf("Cache:     %s\n", a.cfg.DatabasePath())
			fmt.Printf("Online:    %s\n", yesNo(st.Online))
			fmt.Printf("Logged in: %s\n", yesNo(st.Authenticated))
			if st.Path != "" {
				fmt.Printf("Cached:    %s @ %s\n", st.Path, st.Revision)
			} else {
				fmt.Printf("Cached:    %s\n", ui.RenderMuted("nothing yet"))
			}
			if st.Pending {
				fmt.Printf("Pending:   %s\n", ui.RenderWarn("local changes not yet pushed"))
			} else {
				fmt.Printf("Pending:   none\n")
			}

			pid, err := lock.Holder(a.cfg.LockPath())
			switch {
			case err != nil:
				fmt.Printf("Watch:     %s\n", ui.RenderWarn(err.Error()))
			case pid != 0:
				fmt.Printf("Watch:     running (pid %d)\n", pid)
			default:
				fmt.Printf("Watch:     not running\n")
			}

			if entries, err := a.history.List(ctx, "", 1); err == nil && len(entries) > 0 {
				fmt.Printf("Backup:    #%d at %s\n", entries[0].ID, entries[0].CreatedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
			return nil
		})
	},
}

func yesNo(b bool) string {
	if b {
		return ui.RenderPass("yes")
	}
	return ui.RenderWarn("no")
}

func init() {
	watchCmd.Flags().String("dashboard", "", "Serve the dashboard on this address (overrides dashboard.addr)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}
