package model

import (
	"time"

	"github.com/uber/cdpmux/src/cdpmux/entity"
)

// Session is the repository layer model for an individual caller session.
type Session struct {
	ID           string
	Created      time.Time
	LastActivity time.Time
	Requests     uint64
	Successes    uint64
	Failures     uint64
	Explicit     bool
	Filter       entity.EventFilter
	Events       *entity.EventQueue
}
