// Package storetest holds the behavioural tests every store.SessionStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.SessionStore

// RunSessionStoreTests runs the full conformance suite against the stores
// produced by newStore.
func RunSessionStoreTests(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st store.SessionStore)
	}{
		{"create and get", testCreateAndGet},
		{"get missing", testGetMissing},
		{"find with no sessions", testFindNone},
		{"find excludes boundary", testFindBoundary},
		{"find picks most recent", testFindMostRecent},
		{"find breaks ties on id", testFindTieBreak},
		{"find scoped to project", testFindScopedToProject},
		{"touch advances last heartbeat", testTouch},
		{"touch never moves backwards", testTouchBackwards},
		{"touch missing session", testTouchMissing},
		{"close open sessions", testCloseOpenSessions},
		{"create replaces same start time", testCreateReplaces},
		{"failed transaction persists nothing", testRollback},
		{"close stale", testCloseStale},
		{"find returns stale-closed session", testFindAfterCloseStale},
		{"concurrent first heartbeats", testConcurrentFirstHeartbeats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			defer func() { _ = st.Close() }()
			tt.fn(t, st)
		})
	}
}

func create(t *testing.T, st store.SessionStore, project string, start, last int64) int64 {
	t.Helper()
	var id int64
	err := st.InTx(context.Background(), project, func(tx store.SessionTx) error {
		var err error
		id, err = tx.Create(context.Background(), project, start, last)
		return err
	})
	require.NoError(t, err)
	return id
}

func find(t *testing.T, st store.SessionStore, project string, notBefore int64) (*models.Session, error) {
	t.Helper()
	var found *models.Session
	err := st.InTx(context.Background(), project, func(tx store.SessionTx) error {
		var err error
		found, err = tx.FindRecentOpenSession(context.Background(), project, notBefore)
		return err
	})
	return found, err
}

func testCreateAndGet(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	id := create(t, st, "acme", 1000, 1000)
	require.NotZero(t, id)

	session, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, session.ID)
	require.Equal(t, "acme", session.ProjectHandle)
	require.Equal(t, int64(1000), session.StartTime)
	require.Equal(t, int64(1000), session.LastHeartbeat)
	require.True(t, session.IsOpen())

	other := create(t, st, "acme", 2000, 2000)
	require.NotEqual(t, id, other)
}

func testGetMissing(t *testing.T, st store.SessionStore) {
	_, err := st.Get(context.Background(), 4242)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func testFindNone(t *testing.T, st store.SessionStore) {
	_, err := find(t, st, "acme", 0)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func testFindBoundary(t *testing.T, st store.SessionStore) {
	id := create(t, st, "acme", 1000, 1000)

	_, err := find(t, st, "acme", 1000)
	require.ErrorIs(t, err, store.ErrSessionNotFound, "last_heartbeat equal to notBefore must not match")

	found, err := find(t, st, "acme", 999)
	require.NoError(t, err)
	require.Equal(t, id, found.ID)
}

func testFindMostRecent(t *testing.T, st store.SessionStore) {
	create(t, st, "acme", 1000, 1200)
	newest := create(t, st, "acme", 1100, 1300)
	create(t, st, "acme", 900, 1250)

	found, err := find(t, st, "acme", 0)
	require.NoError(t, err)
	require.Equal(t, newest, found.ID)
	require.Equal(t, int64(1300), found.LastHeartbeat)
	require.Equal(t, int64(1100), found.StartTime)
}

func testFindTieBreak(t *testing.T, st store.SessionStore) {
	first := create(t, st, "acme", 1000, 1500)
	second := create(t, st, "acme", 1100, 1500)
	require.Greater(t, second, first)

	found, err := find(t, st, "acme", 0)
	require.NoError(t, err)
	require.Equal(t, second, found.ID)
}

func testFindScopedToProject(t *testing.T, st store.SessionStore) {
	create(t, st, "other", 1000, 5000)
	id := create(t, st, "acme", 1000, 1000)

	found, err := find(t, st, "acme", 0)
	require.NoError(t, err)
	require.Equal(t, id, found.ID)
	require.Equal(t, "acme", found.ProjectHandle)
}

func testTouch(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	id := create(t, st, "acme", 1000, 1000)

	err := st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		return tx.Touch(ctx, id, 1100)
	})
	require.NoError(t, err)

	session, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1100), session.LastHeartbeat)
	require.Equal(t, int64(1000), session.StartTime)
	require.True(t, session.IsOpen())
}

func testTouchBackwards(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	id := create(t, st, "acme", 1000, 1200)

	err := st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		return tx.Touch(ctx, id, 1100)
	})
	require.NoError(t, err)

	session, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1200), session.LastHeartbeat)
}

func testTouchMissing(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	err := st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		return tx.Touch(ctx, 4242, 1100)
	})
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func testCloseOpenSessions(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	a := create(t, st, "acme", 1000, 1100)
	b := create(t, st, "acme", 2000, 2050)
	other := create(t, st, "other", 1000, 1300)

	var closed int
	err := st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		var err error
		closed, err = tx.CloseOpenSessions(ctx, "acme")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, closed)

	sa, err := st.Get(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, sa.EndTime)
	require.Equal(t, int64(1100), *sa.EndTime)

	sb, err := st.Get(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, sb.EndTime)
	require.Equal(t, int64(2050), *sb.EndTime)

	so, err := st.Get(ctx, other)
	require.NoError(t, err)
	require.True(t, so.IsOpen())

	// Already closed sessions are left alone
	err = st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		var err error
		closed, err = tx.CloseOpenSessions(ctx, "acme")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 0, closed)
}

func testCreateReplaces(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	first := create(t, st, "acme", 1000, 1000)
	second := create(t, st, "acme", 1000, 1050)
	require.NotEqual(t, first, second)

	_, err := st.Get(ctx, first)
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	session, err := st.Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, int64(1050), session.LastHeartbeat)
}

func testRollback(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	id := create(t, st, "acme", 1000, 1000)
	errBoom := errors.New("boom")

	var created int64
	err := st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		if err := tx.Touch(ctx, id, 1100); err != nil {
			return err
		}
		if _, err := tx.CloseOpenSessions(ctx, "acme"); err != nil {
			return err
		}
		var err error
		created, err = tx.Create(ctx, "acme", 1500, 1500)
		if err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	session, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1000), session.LastHeartbeat)
	require.True(t, session.IsOpen())

	_, err = st.Get(ctx, created)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func testCloseStale(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	stale := create(t, st, "acme", 1000, 1100)
	fresh := create(t, st, "other", 1000, 1900)

	count, err := st.CloseStale(ctx, 1100)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	s, err := st.Get(ctx, stale)
	require.NoError(t, err)
	require.NotNil(t, s.EndTime)
	require.Equal(t, int64(1100), *s.EndTime)

	f, err := st.Get(ctx, fresh)
	require.NoError(t, err)
	require.True(t, f.IsOpen())

	count, err = st.CloseStale(ctx, 1100)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

// testFindAfterCloseStale checks that a session closed by CloseStale is still
// found, with its end time set, so callers can tell it must not be extended.
func testFindAfterCloseStale(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	id := create(t, st, "acme", 1000, 1000)

	count, err := st.CloseStale(ctx, 1300)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := find(t, st, "acme", 800)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.False(t, got.IsOpen())
	require.Equal(t, got.LastHeartbeat, *got.EndTime)

	// Nothing is left open for the project
	err = st.InTx(ctx, "acme", func(tx store.SessionTx) error {
		n, err := tx.CloseOpenSessions(ctx, "acme")
		require.Equal(t, 0, n)
		return err
	})
	require.NoError(t, err)
}

// testConcurrentFirstHeartbeats runs the find-or-create sequence from many
// goroutines for a brand new project. Exactly one session must result.
func testConcurrentFirstHeartbeats(t *testing.T, st store.SessionStore) {
	ctx := context.Background()
	const workers = 8

	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = st.InTx(ctx, "race", func(tx store.SessionTx) error {
				found, err := tx.FindRecentOpenSession(ctx, "race", 1000-300)
				if err == nil {
					ids[i] = found.ID
					return tx.Touch(ctx, found.ID, 1000)
				}
				if !errors.Is(err, store.ErrSessionNotFound) {
					return err
				}
				if _, err := tx.CloseOpenSessions(ctx, "race"); err != nil {
					return err
				}
				ids[i], err = tx.Create(ctx, "race", 1000, 1000)
				return err
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i], "every heartbeat must land on the same session")
	}

	session, err := st.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, session.IsOpen())
}
