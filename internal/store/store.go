// Package store persists job state. Every backend applies Update as an
// atomic read-modify-write of a single job, so concurrent writers of one
// job are serialized while different jobs do not wait on each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tvnlabs/chanvisor/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
	// ErrSkip is returned by an UpdateFunc to leave the state untouched.
	// Update passes it through together with the current state.
	ErrSkip = errors.New("update skipped")
)

// UpdateFunc mutates a copy of the stored state.
type UpdateFunc func(*model.JobState) error

type Store interface {
	// Create inserts a new job, ErrExists if the id is taken.
	Create(ctx context.Context, st model.JobState) error
	Get(ctx context.Context, id string) (model.JobState, error)
	// Update runs fn on the current state and stores the result atomically.
	Update(ctx context.Context, id string, fn UpdateFunc) (model.JobState, error)
	List(ctx context.Context) ([]model.JobState, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg model.Store) (Store, error) {
	switch cfg.Driver {
	case model.StoreMemory:
		return NewMemory(), nil
	case model.StoreSQLite, "":
		path := cfg.DSN
		if path == "" {
			path = "chanvisor.db"
		}
		return NewSQLite(ctx, path)
	case model.StorePostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires service.store.dsn")
		}
		return NewPostgres(ctx, cfg.DSN)
	case model.StoreRedis:
		if cfg.DSN == "" {
			return nil, errors.New("redis store requires service.store.dsn")
		}
		return NewRedis(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// apply runs fn on a copy of cur and returns the new state. The id can not
// be changed by fn.
func apply(cur model.JobState, fn UpdateFunc) (model.JobState, error) {
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID = cur.ID
	next.UpdatedAt = now()
	if !next.Status.Valid() {
		return cur, fmt.Errorf("job %s: invalid status %q", cur.ID, next.Status)
	}
	return next, nil
}

var now = func() time.Time {
	return time.Now().UTC()
}

func sortStates(states []model.JobState) {
	slices.SortFunc(states, func(a, b model.JobState) int { return strings.Compare(a.ID, b.ID) })
}
