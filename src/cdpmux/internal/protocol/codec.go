// Package protocol encodes and decodes Chrome DevTools Protocol wire frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a decoded frame.
type Kind int

const (
	// KindMalformed is a frame that could not be interpreted. It is never correlated to a call.
	KindMalformed Kind = iota
	// KindResponse is a reply to a request, identified by its numeric id.
	KindResponse
	// KindEvent is an unsolicited notification with no id.
	KindEvent
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "malformed"
	}
}

// Request is an outbound CDP command.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the error object carried by a failed CDP response.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	// Data is whatever the browser attached to the error, kept verbatim.
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the result of decoding one inbound frame.
type Message struct {
	Kind Kind

	// Set for KindResponse.
	ID     int64
	Result json.RawMessage
	Error  *Error

	// Set for KindEvent.
	Method    string
	Params    json.RawMessage
	SessionID string

	// Set for KindMalformed.
	Reason error
}

// inbound covers every field that can appear in a frame sent by the browser.
type inbound struct {
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
	Result    json.RawMessage `json:"result"`
	Error     *Error          `json:"error"`
}

var (
	errMissingOutcome = errors.New("response has neither result nor error")
	errUnknownShape   = errors.New("frame has neither id nor method")
)

// Encode produces the wire form of a CDP command.
func Encode(method string, params json.RawMessage, id int64) ([]byte, error) {
	if method == "" {
		return nil, errors.New("method is required")
	}
	if len(params) > 0 && !json.Valid(params) {
		return nil, fmt.Errorf("params for %q are not valid JSON", method)
	}
	return json.Marshal(Request{ID: id, Method: method, Params: params})
}

// Decode interprets one inbound frame. It never fails: frames that cannot be interpreted come back as KindMalformed.
func Decode(data []byte) Message {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{Kind: KindMalformed, Reason: fmt.Errorf("decoding frame: %w", err)}
	}

	if in.ID != nil {
		if in.Result == nil && in.Error == nil {
			return Message{Kind: KindMalformed, ID: *in.ID, Reason: errMissingOutcome}
		}
		return Message{
			Kind:   KindResponse,
			ID:     *in.ID,
			Result: in.Result,
			Error:  in.Error,
		}
	}

	if in.Method != "" {
		return Message{
			Kind:      KindEvent,
			Method:    in.Method,
			Params:    in.Params,
			SessionID: in.SessionID,
		}
	}

	return Message{Kind: KindMalformed, Reason: errUnknownShape}
}
