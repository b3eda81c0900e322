package store_test

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvnlabs/chanvisor/internal/model"
	"github.com/tvnlabs/chanvisor/internal/store"
)

func TestMemory(t *testing.T) {
	t.Parallel()
	testStore(t, store.NewMemory())
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := store.NewSQLite(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testStore(t, s)

	t.Run("reopen", func(t *testing.T) {
		require.NoError(t, s.Close())
		s2, err := store.NewSQLite(t.Context(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s2.Close() })
		st, err := s2.Get(t.Context(), "b")
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, st.Status)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	s, err := store.Open(ctx, model.Store{Driver: model.StoreMemory})
	require.NoError(t, err)
	require.IsType(t, &store.Memory{}, s)

	s, err = store.Open(ctx, model.Store{Driver: model.StoreSQLite, DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &store.SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = store.Open(ctx, model.Store{Driver: model.StorePostgres})
	require.EqualError(t, err, "postgres store requires service.store.dsn")
	_, err = store.Open(ctx, model.Store{Driver: model.StoreRedis})
	require.EqualError(t, err, "redis store requires service.store.dsn")
	_, err = store.Open(ctx, model.Store{Driver: "mongo"})
	require.EqualError(t, err, `unsupported store driver "mongo"`)
}

// testStore runs the behavior every backend shares. It leaves job "b"
// in status running.
func testStore(t *testing.T, s store.Store) {
	t.Helper()
	ctx := t.Context()

	t.Run("create", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, model.JobState{ID: "a", Status: model.StatusStopped}))
		require.NoError(t, s.Create(ctx, model.JobState{ID: "b", Status: model.StatusStopped}))
		err := s.Create(ctx, model.JobState{ID: "a", Status: model.StatusPending})
		require.ErrorIs(t, err, store.ErrExists)

		st, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "a", st.ID)
		require.Equal(t, model.StatusStopped, st.Status)
		require.Zero(t, st.PID)
		require.False(t, st.UpdatedAt.IsZero())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Update(ctx, "nope", func(*model.JobState) error { return nil })
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, "nope"), store.ErrNotFound)
	})

	t.Run("update", func(t *testing.T) {
		st, err := s.Update(ctx, "b", func(st *model.JobState) error {
			st.ID = "renamed"
			st.Status = model.StatusRunning
			st.PID = 4242
			st.Error = ""
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, "b", st.ID)
		require.Equal(t, 4242, st.PID)

		got, err := s.Get(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, got.Status)
		require.Equal(t, 4242, got.PID)
	})

	t.Run("skip", func(t *testing.T) {
		st, err := s.Update(ctx, "b", func(st *model.JobState) error {
			st.Status = model.StatusError
			return store.ErrSkip
		})
		require.ErrorIs(t, err, store.ErrSkip)
		require.Equal(t, model.StatusRunning, st.Status)

		got, err := s.Get(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, got.Status)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := s.Update(ctx, "a", func(st *model.JobState) error {
			st.Status = "zombie"
			return nil
		})
		require.Error(t, err)
		require.False(t, errors.Is(err, store.ErrSkip))
	})

	t.Run("concurrent", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Go(func() {
				_, err := s.Update(ctx, "a", func(st *model.JobState) error {
					cur, _ := strconv.Atoi(st.Error)
					st.Error = strconv.Itoa(cur + 1)
					return nil
				})
				errs <- err
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		st, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(n), st.Error)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, model.JobState{ID: "c", Status: model.StatusPending}))
		states, err := s.List(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(states))
		for _, st := range states {
			ids = append(ids, st.ID)
		}
		require.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "c"))
		_, err := s.Get(ctx, "c")
		require.ErrorIs(t, err, store.ErrNotFound)
		states, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, states, 2)
	})
}
