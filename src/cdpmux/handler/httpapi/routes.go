package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/mapper"
	"go.uber.org/zap"
)

const _maxBodyBytes = 16 << 20

// callResult is the body of a completed call.
type callResult struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *callError      `json:"error,omitempty"`
}

type callError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Code is the browser's error code, set for remote failures.
	Code int64           `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	info := s.ctrl.Status(r.Context()).Connection
	code := http.StatusOK
	if info.State != entity.StateReady {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, info)
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status(r.Context()))
}

func (s *server) listCallers(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ctrl.Sessions(r.Context())
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *server) getCaller(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctrl.SessionStats(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *server) deleteCaller(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Close(r.Context(), callerID(r)); err != nil {
		s.writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// call submits one call on behalf of a stateless caller and waits for its outcome.
func (s *server) call(w http.ResponseWriter, r *http.Request) {
	var params entity.CallParams
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, _maxBodyBytes))
	if err := dec.Decode(&params); err != nil {
		s.writeError(w, "", fmt.Errorf("%w: %v", errors.InvalidParamsError, err))
		return
	}
	if params.Method == "" {
		s.writeError(w, params.ID, errors.NoMethodError)
		return
	}

	resp, err := s.ctrl.Submit(r.Context(), mapper.CallParamsToRequest(callerID(r), params.ID, params))
	if err != nil {
		s.writeError(w, params.ID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, callResult{ID: resp.LocalID, Result: resp.Result})
}

func (s *server) writeError(w http.ResponseWriter, id string, err error) {
	body := callResult{
		ID: id,
		Error: &callError{
			Kind:    errors.Kind(err),
			Message: err.Error(),
		},
	}
	if re, ok := errors.AsRemote(err); ok {
		body.Error.Code = re.Code
		body.Error.Data = re.Data
	}
	s.writeJSON(w, mapper.ToHTTPStatus(err), body)
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("writing response", zap.Error(err))
	}
}

func callerID(r *http.Request) entity.CallerID {
	return entity.CallerID(chi.URLParam(r, "callerID"))
}
