// Package entity contains the domain logic for the cdpmux service.
package entity

import (
	"encoding/json"
	"time"
)

type keyType string

// CallerContextKey indicates the key to be used to identify the caller id in the context.
const CallerContextKey keyType = "CallerID"

// CallerID identifies one logical caller sharing the browser connection.
type CallerID string

// ConnectionState is the state of the physical browser connection.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being established.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a dial and capability probe are in progress.
	StateConnecting
	// StateReady means a live connection is serving calls.
	StateReady
	// StateDegraded means the live connection failed and is being torn down before a reconnect.
	StateDegraded
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// MarshalText lets states render by name in status payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionInfo describes the physical connection for status reporting.
type ConnectionInfo struct {
	Endpoint          string          `json:"endpoint"`
	State             ConnectionState `json:"state"`
	LastReady         time.Time       `json:"lastReady,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	Generation        uint64          `json:"generation"`
	Browser           string          `json:"browser,omitempty"`
}

// Event is an unsolicited message from the browser.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Received  time.Time       `json:"received"`
}

// Request is one logical call submitted by a caller.
type Request struct {
	CallerID CallerID
	// LocalID is the caller's own identifier for the call. It is opaque to the multiplexer.
	LocalID string
	Method  string
	Params  json.RawMessage
	// Timeout bounds the call. Zero selects the configured default.
	Timeout time.Duration
}

// Response is the outcome of a Request, tagged with the caller's own identifier.
type Response struct {
	LocalID string
	Result  json.RawMessage
}

// Session entity representing a single caller.
type Session struct {
	ID           CallerID    `json:"id" zap:"id"`
	Created      time.Time   `json:"created" zap:"created"`
	LastActivity time.Time   `json:"lastActivity" zap:"lastActivity"`
	Requests     uint64      `json:"requests" zap:"requests"`
	Successes    uint64      `json:"successes" zap:"successes"`
	Failures     uint64      `json:"failures" zap:"failures"`
	Explicit     bool        `json:"explicit" zap:"explicit"`
	Filter       EventFilter `json:"-" zap:"-"`
	Events       *EventQueue `json:"-" zap:"-"`
}

// SessionStats is a read-only view of a session's counters.
type SessionStats struct {
	ID            CallerID  `json:"id"`
	Created       time.Time `json:"created"`
	LastActivity  time.Time `json:"lastActivity"`
	Requests      uint64    `json:"requests"`
	Successes     uint64    `json:"successes"`
	Failures      uint64    `json:"failures"`
	SuccessRate   float64   `json:"successRate"`
	DroppedEvents uint64    `json:"droppedEvents"`
	QueuedEvents  int       `json:"queuedEvents"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
}

// Status is the aggregate, read-only view exposed to health and monitoring collaborators.
type Status struct {
	Connection        ConnectionInfo    `json:"connection"`
	TotalCallers      uint64            `json:"totalCallers"`
	ActiveCallers     int               `json:"activeCallers"`
	TotalRequests     uint64            `json:"totalRequests"`
	SucceededRequests uint64            `json:"succeededRequests"`
	FailedRequests    uint64            `json:"failedRequests"`
	FailuresByKind    map[string]uint64 `json:"failuresByKind"`
	InFlight          int               `json:"inFlight"`
	DroppedEvents     uint64            `json:"droppedEvents"`
	EvictedSessions   uint64            `json:"evictedSessions"`
	SuccessRate       float64           `json:"successRate"`
}

// SuccessRate computes successes / total. With no requests the rate is 1.
func SuccessRate(successes, total uint64) float64 {
	if total == 0 {
		return 1
	}
	return float64(successes) / float64(total)
}

// CallParams are the parameters of an explicit call from a stream or HTTP caller.
type CallParams struct {
	// ID is the caller's own identifier. Stream callers use the envelope id instead.
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// SubscribeParams replace a caller's event filter.
type SubscribeParams struct {
	Patterns []string `json:"patterns"`
}
