package store

import (
	"context"
	"errors"
	"sync"

	"github.com/tvnlabs/chanvisor/internal/model"
)

// Memory keeps state in process memory with a mutex per job. It does not
// survive a restart and exists for tests and one-off runs.
type Memory struct {
	mx   sync.Mutex
	jobs map[string]*entry
}

type entry struct {
	mx      sync.Mutex
	st      model.JobState
	deleted bool
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*entry)}
}

func (m *Memory) entry(id string) (*entry, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Create(_ context.Context, st model.JobState) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[st.ID]; ok {
		return ErrExists
	}
	st.UpdatedAt = now()
	m.jobs[st.ID] = &entry{st: st}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.JobState, error) {
	e, err := m.entry(id)
	if err != nil {
		return model.JobState{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.deleted {
		return model.JobState{}, ErrNotFound
	}
	return e.st, nil
}

func (m *Memory) Update(_ context.Context, id string, fn UpdateFunc) (model.JobState, error) {
	e, err := m.entry(id)
	if err != nil {
		return model.JobState{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.deleted {
		return model.JobState{}, ErrNotFound
	}
	next, err := apply(e.st, fn)
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return e.st, err
		}
		return model.JobState{}, err
	}
	e.st = next
	return next, nil
}

func (m *Memory) List(_ context.Context) ([]model.JobState, error) {
	m.mx.Lock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mx.Unlock()

	out := make([]model.JobState, 0, len(entries))
	for _, e := range entries {
		e.mx.Lock()
		if !e.deleted {
			out = append(out, e.st)
		}
		e.mx.Unlock()
	}
	sortStates(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mx.Lock()
	e, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mx.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.mx.Lock()
	e.deleted = true
	e.mx.Unlock()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
