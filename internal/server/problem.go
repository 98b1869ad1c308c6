package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hupe1980/ece"
)

// statusClientClosed is the nginx convention for a request abandoned by the
// client.
const statusClientClosed = 499

// ProblemDetail implements RFC 7807. All API error responses use this
// format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Field names the rejected request field of a validation error.
	Field string `json:"field,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://ece.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// problemFor maps an engine error onto an HTTP problem. Internal errors are
// logged and never exposed.
func problemFor(logger *slog.Logger, err error) *ProblemDetail {
	var p *ProblemDetail
	switch {
	case errors.As(err, &p):
		return p
	case errors.Is(err, ece.ErrValidation):
		p = newProblem(http.StatusBadRequest, err.Error())
		var ve *ece.ValidationError
		if errors.As(err, &ve) {
			p.Field = ve.Field
		}
		return p
	case errors.Is(err, ece.ErrIngestSkipped):
		return newProblem(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ece.ErrNotEmpty):
		return newProblem(http.StatusConflict, err.Error())
	case errors.Is(err, ece.ErrNotReady), errors.Is(err, ece.ErrIndexCorrupt),
		errors.Is(err, ece.ErrResourcePressure), errors.Is(err, ece.ErrClosed):
		return newProblem(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return newProblem(http.StatusGatewayTimeout, "the request deadline was exceeded")
	case errors.Is(err, context.Canceled):
		p = newProblem(statusClientClosed, "the request was canceled")
		p.Title = "Client Closed Request"
		return p
	}
	logger.Error("internal server error", "error", err)
	return newProblem(http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Instance = r.URL.Path
	if p.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, r, problemFor(s.logger, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
