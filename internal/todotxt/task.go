// Package todotxt parses and serializes todo.txt task lists.
//
// A task is one line of text. The line is kept verbatim so that a
// Parse/Serialize round trip never rewrites tokens it does not understand;
// the structured fields are derived from it.
//
// Format summary (http://todotxt.org):
//
//	x 2026-01-12 2026-01-10 (A) call mom @phone +family due:2026-01-14
//	^ ^          ^          ^   ^         ^      ^       ^
//	| completion created    pri text      ctx    project key:value
package todotxt

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the date format used by todo.txt.
const DateLayout = "2006-01-02"

var (
	matchDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	matchPriority = regexp.MustCompile(`^\(([A-Z])\)$`)
	matchContext  = regexp.MustCompile(`^@(\S+)$`)
	matchProject  = regexp.MustCompile(`^\+(\S+)$`)
	matchDue      = regexp.MustCompile(`(?i)^due:(\d{4}-\d{2}-\d{2})$`)
	matchThresh   = regexp.MustCompile(`(?i)^t:(\d{4}-\d{2}-\d{2})$`)
	matchHidden   = regexp.MustCompile(`(?i)^h:([01])$`)
	lineBreak     = regexp.MustCompile(`\r\n|\r|\n`)
)

// Task is a single todo.txt line.
type Task struct {
	raw string

	Completed      bool
	CompletionDate string
	CreationDate   string
	Priority       byte // 'A'..'Z', 0 when unset
	Contexts       []string
	Projects       []string
	Due            string
	Threshold      string
	Hidden         bool
}

// NewTask parses a single line into a Task.
func NewTask(line string) Task {
	t := Task{raw: line}
	t.parse()
	return t
}

// Text returns the task line exactly as it will be written.
func (t Task) Text() string {
	return t.raw
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return t.raw
}

// Validate checks that the task can be stored as a single line.
func (t Task) Validate() error {
	if strings.TrimSpace(t.raw) == "" {
		return fmt.Errorf("task text is required")
	}
	if lineBreak.MatchString(t.raw) {
		return fmt.Errorf("task text must be a single line")
	}
	return nil
}

// Complete marks the task done on the given day. Completing a completed
// task is a no-op. A priority is dropped as todo.txt requires.
func (t *Task) Complete(on time.Time) {
	if t.Completed {
		return
	}
	fields := strings.Fields(t.raw)
	if len(fields) > 0 && matchPriority.MatchString(fields[0]) {
		fields = fields[1:]
	}
	t.raw = "x " + on.Format(DateLayout) + " " + strings.Join(fields, " ")
	t.parse()
}

// Uncomplete reverts Complete.
func (t *Task) Uncomplete() {
	if !t.Completed {
		return
	}
	fields := strings.Fields(t.raw)[1:]
	if len(fields) > 0 && matchDate.MatchString(fields[0]) && t.CompletionDate != "" {
		fields = fields[1:]
	}
	t.raw = strings.Join(fields, " ")
	t.parse()
}

// DueTime returns the due date, if any.
func (t Task) DueTime() (time.Time, bool) {
	if t.Due == "" {
		return time.Time{}, false
	}
	d, err := time.Parse(DateLayout, t.Due)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func (t *Task) parse() {
	fields := strings.Fields(t.raw)
	*t = Task{raw: t.raw}

	if len(fields) > 0 && fields[0] == "x" {
		t.Completed = true
		fields = fields[1:]
		if len(fields) > 0 && matchDate.MatchString(fields[0]) {
			t.CompletionDate = fields[0]
			fields = fields[1:]
			if len(fields) > 0 && matchDate.MatchString(fields[0]) {
				t.CreationDate = fields[0]
				fields = fields[1:]
			}
		}
	}

	if len(fields) > 0 {
		if m := matchPriority.FindStringSubmatch(fields[0]); m != nil {
			t.Priority = m[1][0]
			fields = fields[1:]
		}
	}

	if !t.Completed && len(fields) > 0 && matchDate.MatchString(fields[0]) {
		t.CreationDate = fields[0]
		fields = fields[1:]
	}

	for _, f := range fields {
		switch {
		case matchContext.MatchString(f):
			t.Contexts = append(t.Contexts, f[1:])
		case matchProject.MatchString(f):
			t.Projects = append(t.Projects, f[1:])
		case matchDue.MatchString(f):
			t.Due = matchDue.FindStringSubmatch(f)[1]
		case matchThresh.MatchString(f):
			t.Threshold = matchThresh.FindStringSubmatch(f)[1]
		case matchHidden.MatchString(f):
			t.Hidden = matchHidden.FindStringSubmatch(f)[1] == "1"
		}
	}
}

// Parse splits text into tasks. Any of \r\n, \r or \n ends a line and
// blank lines are dropped.
func Parse(text string) []Task {
	lines := lineBreak.Split(text, -1)
	tasks := make([]Task, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		tasks = append(tasks, NewTask(line))
	}
	return tasks
}

// Serialize joins tasks with eol. Every line, the last included, is
// terminated by eol. An empty list serializes to the empty string.
func Serialize(tasks []Task, eol string) string {
	if len(tasks) == 0 {
		return ""
	}
	if eol == "" {
		eol = "\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		b.WriteString(t.raw)
		b.WriteString(eol)
	}
	return b.String()
}

// Lines is a convenience for building tasks from raw lines.
func Lines(lines ...string) []Task {
	tasks := make([]Task, 0, len(lines))
	for _, l := range lines {
		tasks = append(tasks, NewTask(l))
	}
	return tasks
}

// EOL maps a configured line ending name to its byte sequence.
func EOL(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", "lf", "unix", "\n":
		return "\n", nil
	case "crlf", "windows", "dos", "\r\n":
		return "\r\n", nil
	default:
		return "", fmt.Errorf("unknown line ending %q (want lf or crlf)", name)
	}
}
