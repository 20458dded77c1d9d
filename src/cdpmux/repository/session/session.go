package session

import (
	"context"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/mapper"
	"github.com/uber/cdpmux/src/cdpmux/model"
)

const _activeCallersGauge = "active_callers"

// Repository is an entity-scoped repository.
type Repository interface {
	Get(ctx context.Context, id entity.CallerID) (*entity.Session, error)
	Upsert(ctx context.Context, id entity.CallerID, init func() *entity.Session, fn func(*entity.Session)) (s *entity.Session, created bool, err error)
	Update(ctx context.Context, id entity.CallerID, fn func(*entity.Session)) (*entity.Session, error)
	Delete(ctx context.Context, id entity.CallerID) (*entity.Session, error)
	DeleteIdle(ctx context.Context, cutoff time.Time) ([]*entity.Session, error)
	List(ctx context.Context) ([]*entity.Session, error)
	SessionCount(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[entity.CallerID]*model.Session
	stats    tally.Scope
}

// New returns a repository to a key-value Session data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[entity.CallerID]*model.Session),
		stats:    stats,
	}
}

// Get returns the Session associated with the given id.
func (r *repository) Get(ctx context.Context, id entity.CallerID) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memstore[id]
	if !ok {
		return nil, &errors.CallerNotFoundError{CallerID: string(id)}
	}
	return mapper.ModelToSession(m)
}

// Upsert applies fn to the Session for id under the repository lock, creating it with init first if none exists.
// A nil fn leaves an existing Session untouched.
func (r *repository) Upsert(ctx context.Context, id entity.CallerID, init func() *entity.Session, fn func(*entity.Session)) (*entity.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		s       *entity.Session
		created bool
	)
	if m, ok := r.memstore[id]; ok {
		var err error
		if s, err = mapper.ModelToSession(m); err != nil {
			return nil, false, err
		}
	} else {
		if s = init(); s == nil {
			return nil, false, errors.New("can't save nil session")
		}
		created = true
	}

	if fn == nil && !created {
		return s, false, nil
	}
	if fn != nil {
		fn(s)
	}
	s.ID = id
	r.memstore[id] = mapper.SessionToModel(s)
	if created {
		r.updateGauge()
	}
	return s, created, nil
}

// Update applies fn to the stored Session under the repository lock and returns the result.
func (r *repository) Update(ctx context.Context, id entity.CallerID, fn func(*entity.Session)) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memstore[id]
	if !ok {
		return nil, &errors.CallerNotFoundError{CallerID: string(id)}
	}
	s, err := mapper.ModelToSession(m)
	if err != nil {
		return nil, err
	}
	fn(s)
	s.ID = id
	r.memstore[id] = mapper.SessionToModel(s)
	return s, nil
}

// Delete removes the Session associated with the given id and returns it.
func (r *repository) Delete(ctx context.Context, id entity.CallerID) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memstore[id]
	if !ok {
		return nil, &errors.CallerNotFoundError{CallerID: string(id)}
	}
	delete(r.memstore, id)
	r.updateGauge()
	return mapper.ModelToSession(m)
}

// DeleteIdle removes every implicit Session whose last activity is before cutoff.
// Explicitly opened sessions are kept until they are closed.
func (r *repository) DeleteIdle(ctx context.Context, cutoff time.Time) ([]*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]*entity.Session, 0)
	for id, m := range r.memstore {
		if m.Explicit || !m.LastActivity.Before(cutoff) {
			continue
		}
		s, err := mapper.ModelToSession(m)
		if err != nil {
			return removed, err
		}
		delete(r.memstore, id)
		removed = append(removed, s)
	}
	if len(removed) > 0 {
		r.updateGauge()
	}
	return removed, nil
}

// List returns every stored Session.
func (r *repository) List(ctx context.Context) ([]*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := make([]*entity.Session, 0, len(r.memstore))
	for _, m := range r.memstore {
		s, err := mapper.ModelToSession(m)
		if err == nil {
			found = append(found, s)
		}
	}
	return found, nil
}

// SessionCount returns the total count of active sessions.
func (r *repository) SessionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}

func (r *repository) updateGauge() {
	r.stats.Gauge(_activeCallersGauge).Update(float64(len(r.memstore)))
}
