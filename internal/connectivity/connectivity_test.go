package connectivity

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestManualEdges(t *testing.T) {
	m := NewManual(false)

	var mu sync.Mutex
	var edges []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		edges = append(edges, online)
		mu.Unlock()
	})

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	if !slices.Equal(edges, []bool{true, false}) {
		t.Errorf("edges = %v, want [true false]", edges)
	}
	if m.IsOnline() {
		t.Error("IsOnline() = true after going offline")
	}
}

func TestNewProber(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProberConfig
		wantErr bool
	}{
		{"tcp target", ProberConfig{Target: "127.0.0.1:1"}, false},
		{"http target", ProberConfig{Target: "http://127.0.0.1:1/health"}, false},
		{"missing target", ProberConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProber(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProber() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProberTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	addr := ln.Addr().String()

	p, err := NewProber(ProberConfig{Target: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}

	edges := make(chan bool, 4)
	p.Subscribe(func(online bool) { edges <- online })

	if !p.Check(context.Background()) {
		t.Fatal("Check() = offline for a listening port")
	}
	ln.Close()
	if p.Check(context.Background()) {
		t.Fatal("Check() = online for a closed port")
	}

	if got := []bool{<-edges, <-edges}; !slices.Equal(got, []bool{true, false}) {
		t.Errorf("edges = %v", got)
	}
}

func TestProberHTTP(t *testing.T) {
	status := http.StatusUnauthorized
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p, err := NewProber(ProberConfig{Target: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	if !p.Check(context.Background()) {
		t.Error("401 should count as reachable")
	}

	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	if p.Check(context.Background()) {
		t.Error("502 should count as unreachable")
	}
}

func TestProberStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p, err := NewProber(ProberConfig{Target: srv.URL, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewProber() error = %v", err)
	}
	p.Start(context.Background())
	if !p.IsOnline() {
		t.Error("Start() did not probe synchronously")
	}
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
