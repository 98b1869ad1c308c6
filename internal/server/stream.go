package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/ece"
)

const writeWait = 10 * time.Second

// StreamEvent is a message sent on the ingest stream. Each compound sent by
// the client is answered by zero or more progress events followed by one
// receipt or error event.
type StreamEvent struct {
	Type     string         `json:"type"`
	Progress *ece.Progress  `json:"progress,omitempty"`
	Receipt  *ece.Receipt   `json:"receipt,omitempty"`
	Error    *ProblemDetail `json:"error,omitempty"`
}

const (
	EventProgress = "progress"
	EventReceipt  = "receipt"
	EventError    = "error"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBody)

	var mu sync.Mutex
	send := func(ev StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	fail := func(err error) error {
		p := problemFor(s.logger, err)
		p.Instance = r.URL.Path
		return send(StreamEvent{Type: EventError, Error: p})
	}

	for {
		var req CompoundRequest
		if err := conn.ReadJSON(&req); err != nil {
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typ) {
				if fail(newProblem(http.StatusBadRequest, "malformed JSON: "+err.Error())) != nil {
					return
				}
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ingest stream closed", "error", err)
			}
			return
		}

		c, err := req.compound()
		if err != nil {
			if fail(err) != nil {
				return
			}
			continue
		}
		c.OnProgress = func(p ece.Progress) {
			_ = send(StreamEvent{Type: EventProgress, Progress: &p})
		}

		rcpt, err := s.engine.Ingest(r.Context(), c)
		if err != nil {
			err = fail(err)
		} else {
			err = send(StreamEvent{Type: EventReceipt, Receipt: &rcpt})
		}
		if err != nil {
			s.logger.Debug("ingest stream write failed", "error", err)
			return
		}
	}
}
