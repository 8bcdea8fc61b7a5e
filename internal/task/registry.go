package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Journal receives a copy of every record after it changes.
type Journal interface {
	Save(ctx context.Context, rec Record) error
}

// Registry is the in-memory store of task records. Records are kept by value,
// so readers always get a consistent copy.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]Record
	journal Journal
	now     func() time.Time
}

func NewRegistry(journal Journal) *Registry {
	return &Registry{
		tasks:   make(map[string]Record),
		journal: journal,
		now:     time.Now,
	}
}

// Create inserts a new record. Callers generate unique ids, so ErrDuplicate
// indicates a bug rather than a runtime condition.
func (r *Registry) Create(rec Record) error {
	r.mu.Lock()
	if _, exists := r.tasks[rec.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	rec.Version = 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}
	r.tasks[rec.ID] = rec
	r.mu.Unlock()

	r.persist(rec)
	return nil
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	return rec, ok
}

// Update applies fn to the record atomically and returns the result.
func (r *Registry) Update(id string, fn func(*Record)) (Record, error) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	before := rec
	fn(&rec)
	rec.ID = id
	if rec == before {
		r.mu.Unlock()
		return rec, nil
	}
	rec.Version++
	rec.UpdatedAt = r.now()
	r.tasks[id] = rec
	r.mu.Unlock()

	r.persist(rec)
	return rec, nil
}

// List returns a snapshot of every record, oldest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	list := make([]Record, 0, len(r.tasks))
	for _, rec := range r.tasks {
		list = append(list, rec)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
	return list
}

func (r *Registry) persist(rec Record) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Save(context.Background(), rec); err != nil {
		log.WithFields(log.Fields{"task": rec.ID, "version": rec.Version}).
			Warnf("failed to journal task: %v", err)
	}
}
