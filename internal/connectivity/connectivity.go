// Package connectivity reports whether the remote store is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
)

// Monitor answers the online question at a decision point.
type Monitor interface {
	IsOnline() bool
}

// Listener receives Online (true) and Offline (false) edges.
type Listener func(online bool)

// broadcaster tracks state and fans edges out to listeners.
type broadcaster struct {
	mu        sync.Mutex
	online    bool
	listeners []Listener
}

func (b *broadcaster) IsOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// set stores the state and reports whether it flipped. Listeners run
// outside the lock, in subscription order.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	metrics.SetOnline(online)
	for _, l := range listeners {
		l(online)
	}
	return true
}

// Manual is a Monitor driven by explicit Set calls, for the --offline
// flag and for tests.
type Manual struct {
	broadcaster
}

// NewManual returns a Manual monitor in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// Set changes the state, notifying listeners on an edge.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// Subscribe registers l for future edges.
func (m *Manual) Subscribe(l Listener) {
	m.broadcaster.Subscribe(l)
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Target is either host:port (TCP dial) or an http(s) URL (HEAD request).
	Target string

	// Interval between probes (default: 15s).
	Interval time.Duration

	// Timeout of a single probe (default: 5s).
	Timeout time.Duration

	// Logger for state changes (default: no-op).
	Logger *zap.Logger
}

// Prober checks reachability of Target on an interval.
type Prober struct {
	broadcaster
	config ProberConfig
	probe  func(ctx context.Context) error
	logger *zap.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber validates cfg and returns a stopped prober, initially offline.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("probe target is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Prober{config: cfg, logger: cfg.Logger.Named("connectivity")}
	if strings.HasPrefix(cfg.Target, "http://") || strings.HasPrefix(cfg.Target, "https://") {
		client := &http.Client{Timeout: cfg.Timeout}
		p.probe = func(ctx context.Context) error { return probeHTTP(ctx, client, cfg.Target) }
	} else {
		dialer := &net.Dialer{Timeout: cfg.Timeout}
		p.probe = func(ctx context.Context) error { return probeTCP(ctx, dialer, cfg.Target) }
	}
	return p, nil
}

// Subscribe registers l for future edges.
func (p *Prober) Subscribe(l Listener) {
	p.broadcaster.Subscribe(l)
}

// Check probes once and updates the state. It returns the new state.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.probe(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("remote is reachable", zap.String("target", p.config.Target))
		} else {
			p.logger.Warn("remote is unreachable", zap.String("target", p.config.Target), zap.Error(err))
		}
	}
	return online
}

// Start probes once synchronously, then keeps probing in the background
// until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}

	p.Check(ctx)

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
}

// Stop ends background probing and waits for it to exit.
func (p *Prober) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

func probeTCP(ctx context.Context, dialer *net.Dialer, target string) error {
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeHTTP treats any response below 500 as reachable: an auth failure
// still proves the network path works.
func probeHTTP(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
