package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/auth"
	"github.com/todosync/todosync/internal/backup"
	"github.com/todosync/todosync/internal/cache"
	"github.com/todosync/todosync/internal/config"
	"github.com/todosync/todosync/internal/connectivity"
	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/fsstore"
	"github.com/todosync/todosync/internal/httpstore"
	"github.com/todosync/todosync/internal/logging"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/s3store"
	"github.com/todosync/todosync/internal/todotxt"
	"github.com/todosync/todosync/internal/watcher"
)

// monitor is a connectivity source the engine can subscribe to.
type monitor interface {
	connectivity.Monitor
	Subscribe(l connectivity.Listener)
}

// app is everything a command needs, wired from cfg.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	db      *cache.DB
	history *backup.History
	auth    engine.AuthProvider
	monitor monitor
	prober  *connectivity.Prober // nil unless probing
	engine  *engine.Engine
	printer *printer
}

// openApp opens the cache database and builds the engine. The initial
// connectivity state is probed once; watch keeps probing.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	logger, err := logging.New(logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: c, log: logger, printer: newPrinter()}
	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	a.db, err = cache.Open(c.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.history, err = backup.New(a.db, c.Sync.BackupRetention, logger.Logger)
	if err != nil {
		return nil, err
	}

	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.newMonitor(ctx); err != nil {
		return nil, err
	}

	eol, err := todotxt.EOL(c.EOL)
	if err != nil {
		return nil, err
	}
	wcfg := watcher.DefaultConfig()
	wcfg.PollTimeout = c.Sync.PollTimeout
	wcfg.Logger = logger.Logger

	a.engine, err = engine.New(engine.Deps{
		Store:    store,
		Cache:    cache.NewLocalCache(a.db, logger.Logger),
		Monitor:  a.monitor,
		Auth:     a.auth,
		Backup:   a.history,
		Listener: a.printer,
	}, &engine.Config{
		EOL:      eol,
		Debounce: c.Sync.Debounce,
		Watcher:  wcfg,
		Logger:   logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.monitor.Subscribe(a.engine.OnConnectivityChanged)

	ok = true
	return a, nil
}

// newStore picks the backend and the matching auth provider.
func (a *app) newStore(ctx context.Context) (remote.Store, error) {
	c := a.cfg
	switch c.Backend {
	case config.BackendHTTP:
		httpCfg := httpstore.Config{
			APIURL:     c.HTTP.APIURL,
			ContentURL: c.HTTP.ContentURL,
			NotifyURL:  c.HTTP.NotifyURL,
			Folder:     c.HTTP.Folder,
			Logger:     a.log.Logger,
		}
		if c.HTTP.Token != "" {
			token := c.HTTP.Token
			a.auth = auth.Static{}
			httpCfg.Token = func() string { return token }
			return httpstore.New(httpCfg)
		}

		tokens, err := auth.NewTokenStore(ctx, a.db, verifyToken(httpCfg), a.log.Logger)
		if err != nil {
			return nil, err
		}
		a.auth = tokens
		httpCfg.Token = tokens.Token
		return httpstore.New(httpCfg)

	case config.BackendS3:
		a.auth = auth.Static{}
		return s3store.New(ctx, s3store.Config{
			Bucket:       c.S3.Bucket,
			Prefix:       c.S3.Prefix,
			Region:       c.S3.Region,
			Endpoint:     c.S3.Endpoint,
			AccessKey:    c.S3.AccessKey,
			SecretKey:    c.S3.SecretKey,
			PathStyle:    c.S3.PathStyle,
			PollInterval: c.S3.PollInterval,
			Logger:       a.log.Logger,
		})

	case config.BackendFS:
		a.auth = auth.Static{}
		return fsstore.New(c.FS.Dir, a.log.Logger)
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

// verifyToken checks a new token by asking the remote for a cursor with it.
func verifyToken(base httpstore.Config) auth.Verifier {
	return func(ctx context.Context, token string) error {
		cfg := base
		cfg.Token = func() string { return token }
		store, err := httpstore.New(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := store.LatestCursor(ctx); err != nil {
			if remote.IsAuth(err) {
				return fmt.Errorf("token rejected by the remote: %w", err)
			}
			return err
		}
		return nil
	}
}

// newMonitor chooses how connectivity is decided: forced offline, always
// online for a local directory, otherwise a reachability probe.
func (a *app) newMonitor(ctx context.Context) error {
	c := a.cfg
	switch {
	case c.Connectivity.Offline:
		a.monitor = connectivity.NewManual(false)
		return nil
	case c.Backend == config.BackendFS:
		a.monitor = connectivity.NewManual(true)
		return nil
	}

	target := c.Connectivity.Probe
	if target == "" {
		target = defaultProbeTarget(c)
	}
	p, err := connectivity.NewProber(connectivity.ProberConfig{
		Target:   target,
		Interval: c.Connectivity.Interval,
		Timeout:  c.Connectivity.Timeout,
		Logger:   a.log.Logger,
	})
	if err != nil {
		return err
	}
	p.Check(ctx)
	a.prober = p
	a.monitor = p
	return nil
}

func defaultProbeTarget(c *config.Config) string {
	if c.Backend == config.BackendS3 {
		switch {
		case c.S3.Endpoint != "":
			return hostPort(c.S3.Endpoint)
		case c.S3.Region != "":
			return "s3." + c.S3.Region + ".amazonaws.com:443"
		default:
			return "s3.amazonaws.com:443"
		}
	}
	return hostPort(c.HTTP.APIURL)
}

// hostPort turns a URL into a host:port dial target.
func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}

// finish waits for queued work and reports the first background failure.
// A conflict rename is reported as a notice, not a failure.
func (a *app) finish(ctx context.Context) error {
	if err := a.engine.Flush(ctx); err != nil {
		return err
	}
	return a.printer.takeError()
}

// Close drains the engine and releases everything.
func (a *app) Close() {
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.engine.Close(ctx); err != nil && !errors.Is(err, engine.ErrClosed) {
			a.log.Warn("engine did not drain", zap.Error(err))
		}
		cancel()
	}
	a.release()
}

func (a *app) release() {
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close database", zap.Error(err))
		}
	}
	_ = a.log.Close()
}
