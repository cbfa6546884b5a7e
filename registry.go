// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type hostContextKey struct{}

// WithHost returns a copy of ctx carrying the request host. Operations on a
// context carrying a host are routed to that tenant's database file; the port
// part of the host, if any, is ignored.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, hostContextKey{}, host)
}

// defaultTenant is the tenant key used when the context carries no host.
const defaultTenant = "default"

// tenantKey derives a tenant key from ctx, stripping any port suffix from the
// host.
func tenantKey(ctx context.Context) string {
	host, ok := ctx.Value(hostContextKey{}).(string)
	if !ok || host == "" {
		return defaultTenant
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// handle is an open database bound to one tenant's file.
type handle struct {
	key string  // The tenant key
	db  *sql.DB // The database connection

	lock         sync.Mutex // The mutex to guard accesses to checkpointed
	checkpointed bool       // Whether a WAL checkpoint has been forced since the last reset
}

// tryCheckpoint marks the handle checkpointed and reports whether the caller
// should force a WAL checkpoint. At most one caller wins per reset window.
func (h *handle) tryCheckpoint() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.checkpointed {
		return false
	}
	h.checkpointed = true
	return true
}

// resetCheckpoint re-enables the next write on the handle to force a WAL
// checkpoint.
func (h *handle) resetCheckpoint() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.checkpointed = false
}

// registry owns every open handle. Handles are created lazily, exactly once
// per tenant key, and live until the store is closed. No other component may
// open or close them.
type registry struct {
	table      string
	db         string
	dir        string
	concurrent bool
	tenantPath func(host string) string

	lock    sync.RWMutex       // The mutex to guard accesses to the handle map
	handles map[string]*handle // The open handles, keyed by tenant
}

// newRegistry returns a new registry based on given configuration.
func newRegistry(cfg Config) *registry {
	return &registry{
		table:      cfg.Table,
		db:         cfg.DB,
		dir:        cfg.Dir,
		concurrent: cfg.Concurrent,
		tenantPath: cfg.TenantPath,
		handles:    make(map[string]*handle),
	}
}

// path returns the database file path for the given tenant key. A database
// name containing the in-memory marker is used verbatim.
func (r *registry) path(key string) string {
	if strings.Contains(r.db, ":memory:") {
		return r.db
	}
	if key == defaultTenant {
		return filepath.Join(r.dir, r.db+".sqlite")
	}
	return r.tenantPath(key)
}

// resolve returns the handle for the tenant identified by ctx, opening it on
// first use. Repeated calls for the same tenant return the identical handle.
func (r *registry) resolve(ctx context.Context) (*handle, error) {
	key := tenantKey(ctx)

	r.lock.RLock()
	h, ok := r.handles[key]
	r.lock.RUnlock()
	if ok {
		return h, nil
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if h, ok := r.handles[key]; ok {
		return h, nil
	}

	h, err := r.open(ctx, key)
	if err != nil {
		return nil, err
	}
	r.handles[key] = h
	return h, nil
}

// open opens the tenant's database file, creating it and its schema if
// needed.
func (r *registry) open(ctx context.Context, key string) (*handle, error) {
	path := r.path(key)
	if !strings.Contains(path, ":memory:") {
		err := os.MkdirAll(filepath.Dir(path), 0700)
		if err != nil {
			return nil, errors.Wrap(err, "create parent directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if strings.Contains(path, ":memory:") {
		// Every pooled connection to an in-memory DSN gets its own private
		// database, so the schema would exist on the first connection only.
		db.SetMaxOpenConns(1)
	}

	if r.concurrent {
		_, err = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
		if err != nil {
			return nil, errors.Wrap(err, "enable WAL")
		}
	}

	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %q (
	sid     TEXT PRIMARY KEY,
	expired INTEGER,
	sess    TEXT
)`, r.table)
	_, err = db.ExecContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "create table")
	}

	return &handle{key: key, db: db}, nil
}

// snapshot returns the currently open handles. Sweeps iterate the returned
// slice rather than the live map, so a tenant added mid-sweep is picked up on
// the next run.
func (r *registry) snapshot() []*handle {
	r.lock.RLock()
	defer r.lock.RUnlock()

	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// close closes every open handle and empties the registry.
func (r *registry) close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var firstErr error
	for _, h := range r.handles {
		err := h.db.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.handles = make(map[string]*handle)
	return firstErr
}
