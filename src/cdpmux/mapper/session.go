// Package mapper converts between entity, model, and wire representations.
package mapper

import (
	"context"

	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/model"
)

// SessionToModel converts a Session entity to its repository model.
func SessionToModel(s *entity.Session) *model.Session {
	return &model.Session{
		ID:           string(s.ID),
		Created:      s.Created,
		LastActivity: s.LastActivity,
		Requests:     s.Requests,
		Successes:    s.Successes,
		Failures:     s.Failures,
		Explicit:     s.Explicit,
		Filter:       s.Filter,
		Events:       s.Events,
	}
}

// ModelToSession converts a repository model to a Session entity.
func ModelToSession(m *model.Session) (*entity.Session, error) {
	if m == nil {
		return nil, errors.New("nil session model")
	}
	return &entity.Session{
		ID:           entity.CallerID(m.ID),
		Created:      m.Created,
		LastActivity: m.LastActivity,
		Requests:     m.Requests,
		Successes:    m.Successes,
		Failures:     m.Failures,
		Explicit:     m.Explicit,
		Filter:       m.Filter,
		Events:       m.Events,
	}, nil
}

// SessionToStats builds the read-only statistics view of a session.
func SessionToStats(s *entity.Session) entity.SessionStats {
	stats := entity.SessionStats{
		ID:            s.ID,
		Created:       s.Created,
		LastActivity:  s.LastActivity,
		Requests:      s.Requests,
		Successes:     s.Successes,
		Failures:      s.Failures,
		SuccessRate:   entity.SuccessRate(s.Successes, s.Requests),
		Subscriptions: s.Filter.Patterns(),
	}
	if s.Events != nil {
		stats.DroppedEvents = s.Events.Dropped()
		stats.QueuedEvents = s.Events.Len()
	}
	return stats
}

// ContextToCallerID returns the caller id stored in the context.
func ContextToCallerID(ctx context.Context) (entity.CallerID, error) {
	id, ok := ctx.Value(entity.CallerContextKey).(entity.CallerID)
	if !ok || id == "" {
		return "", errors.NoCallerError
	}
	return id, nil
}
