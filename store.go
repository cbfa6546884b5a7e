// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Store is an expiring key-value store for session records, with capabilities
// of reading, writing, refreshing, destroying and counting sessions. It is
// the surface consumed by the owning session-management middleware layer.
type Store interface {
	// Get returns the session data with given ID. A session that does not
	// exist or has expired yields (nil, nil); not-found is not an error.
	Get(ctx context.Context, sid string) (Data, error)
	// Set persists the session data under given ID with insert-or-replace
	// semantics. The expiry is now plus the payload's cookie.maxAge, or now
	// plus one day when the payload declares none.
	Set(ctx context.Context, sid string, data Data) error
	// Destroy deletes the session with given ID regardless of its expiry
	// state. It succeeds even if no such session exists.
	Destroy(ctx context.Context, sid string) error
	// Touch updates the expiry of the session with given ID to the payload's
	// cookie.expires. It does nothing when the payload declares no
	// cookie.expires or when the session has already expired.
	Touch(ctx context.Context, sid string, data Data) error
	// Len returns the total number of stored sessions, including expired ones
	// that have not been swept yet.
	Len(ctx context.Context) (int64, error)
	// Clear deletes all sessions regardless of their expiry state.
	Clear(ctx context.Context) error
	// Close stops the background sweeper and closes every open database
	// handle.
	Close() error
}

var _ Store = (*sqliteStore)(nil)

// sqliteStore is the SQLite implementation of the session store. Every
// operation resolves its database handle through the registry, so sessions
// for different tenants live in different database files.
type sqliteStore struct {
	nowFunc  func() time.Time // The function to return the current time
	table    string           // The database table for storing session data
	registry *registry        // The owner of the per-tenant database handles
	encoder  Encoder          // The encoder to encode the session data before saving
	decoder  Decoder          // The decoder to decode the stored text to session data

	stopPurge chan<- struct{} // The channel to stop the purge task
	stopReset chan<- struct{} // The channel to stop the checkpoint-reset task
	closeOnce sync.Once      // Guards Close against repeated calls
	closeErr  error          // The result of the first Close
}

// newSQLiteStore returns a new SQLite session store based on given
// configuration.
func newSQLiteStore(cfg Config) *sqliteStore {
	return &sqliteStore{
		nowFunc:  cfg.nowFunc,
		table:    cfg.Table,
		registry: newRegistry(cfg),
		encoder:  cfg.Encoder,
		decoder:  cfg.Decoder,
	}
}

// New returns a SQLite session store based on given configuration and starts
// its background sweeper. The caller should call Close once the store is no
// longer needed.
func New(cfg Config) Store {
	cfg = parseConfig(cfg)
	s := newSQLiteStore(cfg)
	s.stopPurge = s.startPurge(purgeInterval, cfg.ErrorFunc)
	s.stopReset = s.startCheckpointReset(checkpointResetInterval)
	return s
}

func (s *sqliteStore) Get(ctx context.Context, sid string) (Data, error) {
	h, err := s.registry.resolve(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve tenant")
	}

	var text string
	q := fmt.Sprintf(`SELECT sess FROM %q WHERE sid = $1 AND expired >= $2`, s.table)
	err = h.db.QueryRowContext(ctx, q, sid, s.nowFunc().UnixMilli()).Scan(&text)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "select")
	}

	data, err := s.decoder([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return data, nil
}

func (s *sqliteStore) Set(ctx context.Context, sid string, data Data) error {
	h, err := s.registry.resolve(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve tenant")
	}

	text, err := s.encoder(data)
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	q := fmt.Sprintf(`
INSERT INTO %q (sid, expired, sess)
VALUES ($1, $2, $3)
ON CONFLICT (sid)
DO UPDATE SET
	expired = excluded.expired,
	sess    = excluded.sess
`, s.table)
	_, err = h.db.ExecContext(ctx, q, sid, expiresAt(s.nowFunc(), data), string(text))
	if err != nil {
		return errors.Wrap(err, "upsert")
	}

	return s.checkpoint(ctx, h)
}

// checkpoint forces a WAL checkpoint on the handle unless one has already
// been forced since the last reset. A failed checkpoint re-arms the flag so
// the next write retries instead of losing the whole reset window.
func (s *sqliteStore) checkpoint(ctx context.Context, h *handle) error {
	// Amortize checkpoint cost: at most one forced checkpoint per handle
	// between resets, regardless of write volume.
	if !h.tryCheckpoint() {
		return nil
	}

	_, err := h.db.ExecContext(ctx, `PRAGMA wal_checkpoint(FULL)`)
	if err != nil {
		h.resetCheckpoint()
		return errors.Wrap(err, "checkpoint")
	}
	return nil
}

func (s *sqliteStore) Destroy(ctx context.Context, sid string) error {
	h, err := s.registry.resolve(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve tenant")
	}

	q := fmt.Sprintf(`DELETE FROM %q WHERE sid = $1`, s.table)
	_, err = h.db.ExecContext(ctx, q, sid)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (s *sqliteStore) Touch(ctx context.Context, sid string, data Data) error {
	expires, ok := cookieExpires(data)
	if !ok {
		return nil
	}

	h, err := s.registry.resolve(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve tenant")
	}

	// An already-expired session is not resurrected.
	q := fmt.Sprintf(`UPDATE %q SET expired = $1 WHERE sid = $2 AND expired >= $3`, s.table)
	_, err = h.db.ExecContext(ctx, q, expires.UnixMilli(), sid, s.nowFunc().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "update expiry")
	}
	return nil
}

func (s *sqliteStore) Len(ctx context.Context) (int64, error) {
	h, err := s.registry.resolve(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "resolve tenant")
	}

	var n int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, s.table)
	err = h.db.QueryRowContext(ctx, q).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	h, err := s.registry.resolve(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve tenant")
	}

	q := fmt.Sprintf(`DELETE FROM %q`, s.table)
	_, err = h.db.ExecContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "delete all")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	s.closeOnce.Do(func() {
		if s.stopPurge != nil {
			s.stopPurge <- struct{}{}
		}
		if s.stopReset != nil {
			s.stopReset <- struct{}{}
		}
		s.closeErr = s.registry.close()
	})
	return s.closeErr
}
