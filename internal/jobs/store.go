package jobs

import (
	"errors"
	"sort"
	"sync"
)

var ErrRunExists = errors.New("run already exists")

type Store interface {
	Create(run *Run) error
	Update(run *Run) error
	Get(id string) (*Run, bool)
	List() []*Run
}

// InMemoryStore keeps copies of runs so callers never share a record with
// the worker that owns it.
type InMemoryStore struct {
	data sync.Map
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Create(run *Run) error {
	if _, loaded := s.data.LoadOrStore(run.ID, clone(run)); loaded {
		return ErrRunExists
	}
	return nil
}

func (s *InMemoryStore) Update(run *Run) error {
	s.data.Store(run.ID, clone(run))
	return nil
}

func (s *InMemoryStore) Get(id string) (*Run, bool) {
	if v, ok := s.data.Load(id); ok {
		return clone(v.(*Run)), true
	}
	return nil, false
}

// List returns all runs, newest first.
func (s *InMemoryStore) List() []*Run {
	var out []*Run
	s.data.Range(func(_, v any) bool {
		out = append(out, clone(v.(*Run)))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func clone(run *Run) *Run {
	c := *run
	if run.Metadata != nil {
		c.Metadata = make(map[string]string, len(run.Metadata))
		for k, v := range run.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
