// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a store over a temporary directory with a frozen clock.
// The background sweeper is not started; tests drive sweeps directly.
func newTestStore(t *testing.T, now *time.Time) *sqliteStore {
	s := newSQLiteStore(
		parseConfig(
			Config{
				nowFunc:    func() time.Time { return *now },
				Dir:        t.TempDir(),
				Concurrent: true,
			},
		),
	)
	t.Cleanup(func() {
		assert.Nil(t, s.Close())
	})
	return s
}

// storedExpiry reads the raw expiry column for given session ID, bypassing the
// store's expiry filter.
func storedExpiry(t *testing.T, ctx context.Context, s *sqliteStore, sid string) (int64, bool) {
	h, err := s.registry.resolve(ctx)
	require.Nil(t, err)

	var expired int64
	q := fmt.Sprintf(`SELECT expired FROM %q WHERE sid = $1`, s.table)
	err = h.db.QueryRowContext(ctx, q, sid).Scan(&expired)
	if err == sql.ErrNoRows {
		return 0, false
	}
	require.Nil(t, err)
	return expired, true
}

func TestStore_SetAndGet(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	sid := uuid.NewString()
	err := s.Set(ctx, sid, Data{"username": "alice"})
	require.Nil(t, err)

	data, err := s.Get(ctx, sid)
	require.Nil(t, err)
	assert.Equal(t, Data{"username": "alice"}, data)

	// No cookie.maxAge declared, so the session lives for one day.
	expired, ok := storedExpiry(t, ctx, s, sid)
	require.True(t, ok)
	assert.Equal(t, now.Add(oneDay).UnixMilli(), expired)
}

func TestStore_SetWithMaxAge(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	err := s.Set(ctx, "abc", Data{"cookie": map[string]interface{}{"maxAge": 1000}, "data": "x"})
	require.Nil(t, err)

	expired, ok := storedExpiry(t, ctx, s, "abc")
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli()+1000, expired)

	now = now.Add(500 * time.Millisecond)
	data, err := s.Get(ctx, "abc")
	require.Nil(t, err)
	assert.Equal(t, Data{"cookie": map[string]interface{}{"maxAge": float64(1000)}, "data": "x"}, data)

	now = now.Add(time.Second)
	data, err = s.Get(ctx, "abc")
	require.Nil(t, err)
	assert.Nil(t, data)
}

func TestStore_GetNotFound(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	data, err := s.Get(ctx, "never-written")
	assert.Nil(t, err)
	assert.Nil(t, data)
}

func TestStore_Destroy(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	// Destroying a nonexistent session is not an error.
	err := s.Destroy(ctx, "nonexistent")
	require.Nil(t, err)

	sid := uuid.NewString()
	err = s.Set(ctx, sid, Data{"username": "alice"})
	require.Nil(t, err)

	err = s.Destroy(ctx, sid)
	require.Nil(t, err)

	data, err := s.Get(ctx, sid)
	require.Nil(t, err)
	assert.Nil(t, data)
}

func TestStore_Touch(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	err := s.Set(ctx, "1", Data{"username": "alice"})
	require.Nil(t, err)
	before, ok := storedExpiry(t, ctx, s, "1")
	require.True(t, ok)

	// No cookie.expires makes Touch a no-op.
	err = s.Touch(ctx, "1", Data{"username": "alice"})
	require.Nil(t, err)
	after, ok := storedExpiry(t, ctx, s, "1")
	require.True(t, ok)
	assert.Equal(t, before, after)

	expires := now.Add(2 * time.Hour)
	err = s.Touch(ctx, "1", Data{"cookie": map[string]interface{}{"expires": expires}})
	require.Nil(t, err)
	after, ok = storedExpiry(t, ctx, s, "1")
	require.True(t, ok)
	assert.Equal(t, expires.UnixMilli(), after)

	// The payload is only read for its expiry; the stored data is untouched.
	data, err := s.Get(ctx, "1")
	require.Nil(t, err)
	assert.Equal(t, Data{"username": "alice"}, data)
}

func TestStore_Touch_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	err := s.Set(ctx, "1", Data{"cookie": map[string]interface{}{"maxAge": 1000}})
	require.Nil(t, err)
	before, ok := storedExpiry(t, ctx, s, "1")
	require.True(t, ok)

	// Touching an expired session must not resurrect it.
	now = now.Add(2 * time.Second)
	err = s.Touch(ctx, "1", Data{"cookie": map[string]interface{}{"expires": now.Add(time.Hour)}})
	require.Nil(t, err)

	after, ok := storedExpiry(t, ctx, s, "1")
	require.True(t, ok)
	assert.Equal(t, before, after)

	data, err := s.Get(ctx, "1")
	require.Nil(t, err)
	assert.Nil(t, data)
}

func TestStore_Len(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	err := s.Set(ctx, "1", Data{"cookie": map[string]interface{}{"maxAge": 1000}})
	require.Nil(t, err)
	err = s.Set(ctx, "2", Data{})
	require.Nil(t, err)

	// Expired but unswept sessions still count.
	now = now.Add(2 * time.Second)
	n, err := s.Len(ctx)
	require.Nil(t, err)
	assert.Equal(t, int64(2), n)

	s.purge(ctx, func(error) { panic("unreachable") })

	n, err = s.Len(ctx)
	require.Nil(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	err := s.Set(ctx, "1", Data{"cookie": map[string]interface{}{"maxAge": 1000}})
	require.Nil(t, err)
	err = s.Set(ctx, "2", Data{})
	require.Nil(t, err)

	// Expired and live sessions are removed alike.
	now = now.Add(2 * time.Second)
	err = s.Clear(ctx)
	require.Nil(t, err)

	n, err := s.Len(ctx)
	require.Nil(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_Checkpoint(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	h, err := s.registry.resolve(ctx)
	require.Nil(t, err)
	assert.False(t, h.checkpointed)

	err = s.Set(ctx, "1", Data{})
	require.Nil(t, err)
	assert.True(t, h.checkpointed)

	// A second write on the same handle must not force another checkpoint
	// before the reset task runs.
	err = s.Set(ctx, "1", Data{})
	require.Nil(t, err)
	assert.False(t, h.tryCheckpoint())

	s.resetCheckpoints()
	assert.False(t, h.checkpointed)

	err = s.Set(ctx, "2", Data{})
	require.Nil(t, err)
	assert.True(t, h.checkpointed)
}

func TestStore_InMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newSQLiteStore(
		parseConfig(
			Config{
				nowFunc: func() time.Time { return now },
				DB:      ":memory:",
			},
		),
	)
	t.Cleanup(func() {
		assert.Nil(t, s.Close())
	})

	// An in-memory database is private to its connection, so the pool must
	// never grow beyond the connection the schema was created on.
	h, err := s.registry.resolve(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, h.db.Stats().MaxOpenConnections)

	err = s.Set(ctx, "abc", Data{"username": "alice"})
	require.Nil(t, err)

	data, err := s.Get(ctx, "abc")
	require.Nil(t, err)
	assert.Equal(t, Data{"username": "alice"}, data)

	// Interleaved writers still land on the same database.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.Nil(t, s.Set(ctx, fmt.Sprintf("sid-%d", i), Data{}))
		}(i)
	}
	wg.Wait()

	n, err := s.Len(ctx)
	require.Nil(t, err)
	assert.Equal(t, int64(11), n)
}

func TestStore_Checkpoint_Failure(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newTestStore(t, &now)

	h, err := s.registry.resolve(ctx)
	require.Nil(t, err)
	require.Nil(t, h.db.Close())

	// A failed checkpoint must re-arm the flag so the next write retries.
	err = s.checkpoint(ctx, h)
	assert.NotNil(t, err)
	assert.False(t, h.checkpointed)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Dir: t.TempDir()})

	err := s.Set(ctx, "1", Data{})
	require.Nil(t, err)

	assert.Nil(t, s.Close())
	// Close is idempotent.
	assert.Nil(t, s.Close())
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Dir: t.TempDir()})
	t.Cleanup(func() {
		assert.Nil(t, s.Close())
	})

	sid := uuid.NewString()
	err := s.Set(ctx, sid, Data{"username": "alice"})
	require.Nil(t, err)

	data, err := s.Get(ctx, sid)
	require.Nil(t, err)
	assert.Equal(t, Data{"username": "alice"}, data)
}
