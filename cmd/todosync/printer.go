package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/ui"
)

// printer reports engine events on the terminal. One-shot commands also use
// it to collect the outcome of background saves.
type printer struct {
	out io.Writer

	mu     sync.Mutex
	err    error
	reload func(newPath string)
	// live enables state-change lines; one-shot commands print their own.
	live bool
}

func newPrinter() *printer {
	return &printer{out: os.Stdout}
}

// follow switches to live output and sets what happens when the remote
// copy changes.
func (p *printer) follow(reload func(newPath string)) {
	p.mu.Lock()
	p.reload = reload
	p.live = true
	p.mu.Unlock()
}

func (p *printer) isLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// takeError returns and clears the first recorded failure.
func (p *printer) takeError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

func (p *printer) OnFileChanged(newPath string) {
	p.mu.Lock()
	reload := p.reload
	p.mu.Unlock()

	if newPath != "" {
		fmt.Fprintf(p.out, "%s now using %s\n", ui.RenderWarn("→"), newPath)
	}
	if reload != nil {
		reload(newPath)
	}
}

func (p *printer) OnPendingChanges(pending bool) {
	if pending && p.isLive() {
		fmt.Fprintf(p.out, "%s local changes waiting to be pushed\n", ui.RenderWarn("●"))
	}
}

func (p *printer) OnConnectivity(online bool) {
	if !p.isLive() {
		return
	}
	if online {
		fmt.Fprintf(p.out, "%s online\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(p.out, "%s offline, changes stay local\n", ui.RenderWarn("⚠"))
	}
}

func (p *printer) OnSyncError(op string, err error) {
	if ce, ok := engine.IsConflict(err); ok {
		fmt.Fprintf(p.out, "%s conflicting edit: your version was saved as %s\n",
			ui.RenderWarn("⚠"), ce.NewPath)
		return
	}

	p.mu.Lock()
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", op, err)
	}
	p.mu.Unlock()

	hint := ""
	switch {
	case errors.Is(err, engine.ErrUnlinked):
		hint = " (run 'todosync login')"
	case engine.IsTransient(err):
		hint = " (kept locally, will retry)"
	}
	fmt.Fprintf(os.Stderr, "%s %s failed: %v%s\n", ui.RenderFail("✗"), op, err, hint)
}

var (
	_ engine.PendingListener      = (*printer)(nil)
	_ engine.ConnectivityListener = (*printer)(nil)
	_ engine.ErrorListener        = (*printer)(nil)
)
