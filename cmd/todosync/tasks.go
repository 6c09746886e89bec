package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/ui"
	"github.com/todosync/todosync/internal/watcher"
)

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// currentFile is the configured file, or the conflicted copy of it the
// cache switched to after a rename.
func currentFile(a *app) string {
	cached := a.engine.Status().Path
	if cached == "" || watcher.SamePath(cached, a.cfg.File) {
		return a.cfg.File
	}
	for n := 1; n <= remote.MaxConflictCopies; n++ {
		if watcher.SamePath(cached, remote.ConflictPath(a.cfg.File, n)) {
			return cached
		}
	}
	return a.cfg.File
}

// loadTasks loads the current file and prints why the result may be stale.
func loadTasks(ctx context.Context, a *app) (*engine.Result, error) {
	res, err := a.engine.Load(ctx, currentFile(a))
	if err != nil {
		if errors.Is(err, engine.ErrAuthRequired) {
			return nil, fmt.Errorf("%w: run 'todosync login' first", err)
		}
		return nil, err
	}
	printNotices(res)
	return res, nil
}

func printNotices(res *engine.Result) {
	if ce, ok := engine.IsConflict(res.Notice); ok {
		fmt.Printf("%s conflicting edit: your version was saved as %s\n", ui.RenderWarn("⚠"), ce.NewPath)
	} else if res.Notice != nil {
		fmt.Printf("%s remote unavailable (%v), showing the cached copy\n", ui.RenderWarn("⚠"), res.Notice)
	}
	if res.Offline {
		fmt.Printf("%s offline, showing the cached copy\n", ui.RenderWarn("⚠"))
	}
	if res.Pending {
		fmt.Printf("%s local changes not yet pushed\n", ui.RenderWarn("●"))
	}
}

// saveTasks writes tasks and waits for the outcome.
func saveTasks(ctx context.Context, a *app, p string, tasks []todotxt.Task) error {
	err := a.engine.Save(ctx, p, tasks)
	switch {
	case err == nil:
		if err := a.finish(ctx); err != nil {
			return err
		}
		fmt.Printf("%s saved %s\n", ui.RenderPass("✓"), p)
		return nil
	case engine.IsDeferred(err):
		fmt.Printf("%s saved locally, will sync when online\n", ui.RenderWarn("●"))
		return nil
	case errors.Is(err, engine.ErrAuthRequired):
		fmt.Printf("%s saved locally; run 'todosync login' to sync\n", ui.RenderWarn("●"))
		return nil
	}
	return err
}

func renderTask(n int, t todotxt.Task) string {
	num := ui.RenderMuted(fmt.Sprintf("%3d", n))
	line := t.Text()
	switch {
	case t.Completed:
		line = ui.RenderDone(line)
	case t.Priority != 0:
		line = ui.RenderPriority(t.Priority, line)
	}
	if due, ok := t.DueTime(); ok && !t.Completed && due.Before(today()) {
		line += " " + ui.RenderFail("overdue")
	}
	return num + " " + line
}

func matches(t todotxt.Task, terms []string) bool {
	text := strings.ToLower(t.Text())
	for _, term := range terms {
		if !strings.Contains(text, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

var listCmd = &cobra.Command{
	Use:     "list [TERM...]",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List the tasks of the todo file, numbered by line. Every TERM must
appear in a task for it to be shown. Completed and hidden (h:1) tasks are
left out unless --all is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := loadTasks(ctx, a)
			if err != nil {
				return err
			}
			shown := 0
			for i, t := range res.Tasks {
				if !all && (t.Completed || t.Hidden) {
					continue
				}
				if !matches(t, args) {
					continue
				}
				fmt.Println(renderTask(i+1, t))
				shown++
			}
			fmt.Println(ui.RenderMuted(fmt.Sprintf("--- %d of %d tasks in %s", shown, len(res.Tasks), res.Path)))
			return nil
		})
	},
}

var doneCmd = &cobra.Command{
	Use:     "done N...",
	GroupID: "tasks",
	Short:   "Mark tasks complete by number",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		nums, err := parseNumbers(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := loadTasks(ctx, a)
			if err != nil {
				return err
			}
			for _, n := range nums {
				if n > len(res.Tasks) {
					return fmt.Errorf("no task %d (the file has %d)", n, len(res.Tasks))
				}
				t := &res.Tasks[n-1]
				if undo {
					t.Uncomplete()
				} else {
					t.Complete(today())
				}
				fmt.Println(renderTask(n, *t))
			}
			return saveTasks(ctx, a, res.Path, res.Tasks)
		})
	},
}

var catCmd = &cobra.Command{
	Use:     "cat [PATH]",
	GroupID: "tasks",
	Short:   "Print a remote file as stored, without caching it",
	Long: `Print a remote file exactly as stored. Useful for looking at a
conflicted copy such as "/todo (1).txt" before switching to it. Defaults
to the configured file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p := currentFile(a)
			if len(args) == 1 {
				p = args[0]
			}
			contents, err := a.engine.ReadFile(ctx, p)
			if err != nil {
				return err
			}
			fmt.Print(contents)
			return nil
		})
	},
}

func parseNumbers(args []string) ([]int, error) {
	nums := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid task number %q", arg)
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func init() {
	listCmd.Flags().BoolP("all", "a", false, "Include completed and hidden tasks")
	doneCmd.Flags().Bool("undo", false, "Mark tasks not done instead")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(catCmd)
}
