package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Namespace holding the cached remote file.
const Namespace = "remote_cache"

// Keys of the cached record.
const (
	KeyName     = "local_name"
	KeyContents = "local_contents"
	KeyRevision = "local_revision"
	KeyPending  = "local_changes_pending"
)

const persistTimeout = 5 * time.Second

// Record is a copy of the cached file state.
type Record struct {
	Path           string
	Revision       string
	Contents       string
	PendingChanges bool
}

// Empty reports whether the record was never populated.
func (r Record) Empty() bool {
	return r.Path == "" && r.Revision == "" && r.Contents == ""
}

// LocalCache is the last known state of the remote file plus the
// pending-changes flag.
//
// Reads are served from memory. Writes update memory first and then the
// database; a failed write is logged and otherwise ignored, so the
// in-memory state always advances.
type LocalCache struct {
	db     *DB
	logger *zap.Logger

	mu  sync.RWMutex
	rec Record
}

// NewLocalCache loads the cached record from db. db may be nil, in which
// case the cache is memory-only.
func NewLocalCache(db *DB, logger *zap.Logger) *LocalCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &LocalCache{db: db, logger: logger.Named("cache")}
	c.restore()
	return c
}

func (c *LocalCache) restore() {
	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	values, err := c.db.GetAll(ctx, Namespace)
	if err != nil {
		c.logger.Warn("failed to restore cached file, starting empty", zap.Error(err))
		return
	}
	pending, _ := strconv.ParseBool(values[KeyPending])
	c.rec = Record{
		Path:           values[KeyName],
		Revision:       values[KeyRevision],
		Contents:       values[KeyContents],
		PendingChanges: pending,
	}
}

// Load returns a copy of the cached record, or the zero Record if nothing
// was ever cached. It never fails.
func (c *LocalCache) Load() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec
}

// Save replaces path, revision and contents together.
func (c *LocalCache) Save(path, revision, contents string) {
	c.mu.Lock()
	c.rec.Path = path
	c.rec.Revision = revision
	c.rec.Contents = contents
	c.mu.Unlock()

	c.persist(map[string]string{
		KeyName:     path,
		KeyRevision: revision,
		KeyContents: contents,
	})
}

// SetPendingChanges sets the flag marking contents as not yet pushed.
func (c *LocalCache) SetPendingChanges(pending bool) {
	c.mu.Lock()
	c.rec.PendingChanges = pending
	c.mu.Unlock()

	c.persist(map[string]string{KeyPending: strconv.FormatBool(pending)})
}

// HasPendingChanges reports the pending-changes flag.
func (c *LocalCache) HasPendingChanges() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.PendingChanges
}

// Revision returns the cached revision.
func (c *LocalCache) Revision() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.Revision
}

// Clear drops the cached record. Only logout calls this.
func (c *LocalCache) Clear() {
	c.mu.Lock()
	c.rec = Record{}
	c.mu.Unlock()

	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.db.DeleteNamespace(ctx, Namespace); err != nil {
		c.logger.Error("failed to clear cached file", zap.Error(err))
	}
}

func (c *LocalCache) persist(pairs map[string]string) {
	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.db.Put(ctx, Namespace, pairs); err != nil {
		c.logger.Error("failed to persist cache, keeping in-memory state", zap.Error(err))
	}
}
