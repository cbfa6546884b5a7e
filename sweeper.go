// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	// purgeInterval is how often expired sessions are physically removed.
	purgeInterval = 24 * time.Hour
	// checkpointResetInterval is how often handles are re-enabled to force a
	// WAL checkpoint on their next write.
	checkpointResetInterval = 5 * time.Minute
)

// startPurge starts a background goroutine to remove expired sessions from
// every open handle in given time interval. The first purge runs immediately.
// Errors are printed using the `errFunc`. It returns a send-only channel for
// stopping the background goroutine.
func (s *sqliteStore) startPurge(interval time.Duration, errFunc func(error)) chan<- struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		for {
			s.purge(context.Background(), errFunc)

			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}

// purge deletes sessions whose expiry is strictly in the past from every open
// handle. One handle's failure does not stop the purge of the remaining
// handles.
func (s *sqliteStore) purge(ctx context.Context, errFunc func(error)) {
	q := fmt.Sprintf(`DELETE FROM %q WHERE expired < $1`, s.table)
	for _, h := range s.registry.snapshot() {
		_, err := h.db.ExecContext(ctx, q, s.nowFunc().UnixMilli())
		if err != nil {
			errFunc(errors.Wrapf(err, "purge tenant %q", h.key))
		}
	}
}

// startCheckpointReset starts a background goroutine to clear every open
// handle's checkpoint flag in given time interval. It returns a send-only
// channel for stopping the background goroutine.
func (s *sqliteStore) startCheckpointReset(interval time.Duration) chan<- struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
			}

			s.resetCheckpoints()
		}
	}()
	return stop
}

// resetCheckpoints re-enables the next write on every open handle to force a
// WAL checkpoint.
func (s *sqliteStore) resetCheckpoints() {
	for _, h := range s.registry.snapshot() {
		h.resetCheckpoint()
	}
}
