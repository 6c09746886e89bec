package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/ui"
)

// now is replaced in tests.
var now = time.Now

func today() time.Time {
	y, m, d := now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts an ISO date or natural language such as "tomorrow" or
// "next friday".
func parseDue(s string) (string, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(todotxt.DateLayout, s); err == nil {
		return s, nil
	}
	r, err := dueParser.Parse(s, now())
	if err != nil {
		return "", fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("could not understand due date %q", s)
	}
	return r.Time.Format(todotxt.DateLayout), nil
}

// buildTask assembles a todo.txt line from the add flags.
func buildTask(text, priority, due string, dated bool) (todotxt.Task, error) {
	var parts []string
	if priority != "" {
		p := strings.ToUpper(priority)
		if len(p) != 1 || p[0] < 'A' || p[0] > 'Z' {
			return todotxt.Task{}, fmt.Errorf("priority must be a letter A-Z, got %q", priority)
		}
		parts = append(parts, "("+p+")")
	}
	if dated {
		parts = append(parts, today().Format(todotxt.DateLayout))
	}
	parts = append(parts, strings.TrimSpace(text))
	if due != "" {
		d, err := parseDue(due)
		if err != nil {
			return todotxt.Task{}, err
		}
		parts = append(parts, "due:"+d)
	}

	t := todotxt.NewTask(strings.Join(parts, " "))
	if err := t.Validate(); err != nil {
		return todotxt.Task{}, err
	}
	return t, nil
}

var addCmd = &cobra.Command{
	Use:     "add TEXT...",
	GroupID: "tasks",
	Short:   "Append a task",
	Long: `Append a task to the end of the todo file.

Online the line is appended to the remote copy directly. Offline it is
added to the cached copy and pushed on the next connection.

Examples:
  todosync add call mom @phone
  todosync add -p A --due "next friday" file taxes +home`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		due, _ := cmd.Flags().GetString("due")
		noDate, _ := cmd.Flags().GetBool("no-date")

		task, err := buildTask(strings.Join(args, " "), priority, due, !noDate)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			p := currentFile(a)
			err := a.engine.Append(ctx, p, []todotxt.Task{task})
			if err == nil {
				if err := a.finish(ctx); err != nil {
					return err
				}
				fmt.Printf("%s added to %s: %s\n", ui.RenderPass("✓"), p, task.Text())
				return nil
			}
			if !engine.IsDeferred(err) {
				return err
			}

			// Offline: edit the cached copy instead.
			res, err := loadTasks(ctx, a)
			if err != nil {
				return err
			}
			return saveTasks(ctx, a, res.Path, append(res.Tasks, task))
		})
	},
}

func init() {
	addCmd.Flags().StringP("priority", "p", "", "Priority letter (A-Z)")
	addCmd.Flags().StringP("due", "d", "", `Due date: YYYY-MM-DD or e.g. "tomorrow", "next monday"`)
	addCmd.Flags().Bool("no-date", false, "Do not prefix the creation date")
	rootCmd.AddCommand(addCmd)
}
