// Package server exposes an engine over HTTP.
//
// Routes:
//
//	POST /v1/ingest                  ingest one compound
//	POST /v1/ingest/batch            ingest several compounds
//	GET  /v1/ingest/stream           websocket: progress events, then the receipt
//	POST /v1/search                  run a query
//	POST /v1/maintenance/rebuild     rebuild the index from the mirror
//	POST /v1/maintenance/compact     collapse near-duplicates
//	GET  /v1/status                  engine status
//	GET  /healthz                    200 when the index is ready
//
// Errors are RFC 7807 problem documents. Validation failures are 400, an
// unavailable index is 503.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/ece"
)

// Engine is the engine surface served over HTTP. *ece.Engine satisfies it.
type Engine interface {
	Ingest(ctx context.Context, c ece.Compound) (ece.Receipt, error)
	IngestAll(ctx context.Context, cs []ece.Compound) (ece.BatchReceipt, error)
	Search(ctx context.Context, q ece.Query) (ece.Result, error)
	Rebuild(ctx context.Context) (ece.RebuildReport, error)
	Compact(ctx context.Context) (ece.CompactReport, error)
	Status(ctx context.Context) (ece.StatusReport, error)
}

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// MaxBodyBytes bounds request bodies and websocket messages. Default
	// 64 MiB.
	MaxBodyBytes int64
	// CheckOrigin validates websocket origins. Nil accepts same-origin
	// requests only.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	engine   Engine
	logger   *slog.Logger
	maxBody  int64
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func New(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 20
	}
	s := &Server{
		engine:  engine,
		logger:  opts.Logger,
		maxBody: opts.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     opts.CheckOrigin,
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	s.mux.HandleFunc("POST /v1/ingest/batch", s.handleIngestBatch)
	s.mux.HandleFunc("GET /v1/ingest/stream", s.handleStream)
	s.mux.HandleFunc("POST /v1/search", s.handleSearch)
	s.mux.HandleFunc("POST /v1/maintenance/rebuild", s.handleRebuild)
	s.mux.HandleFunc("POST /v1/maintenance/compact", s.handleCompact)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped", "addr", addr)
	return nil
}

// CompoundRequest is the wire form of a compound. Content is required; the
// server never reads Path from its own filesystem.
type CompoundRequest struct {
	ID          string    `json:"id,omitempty"`
	Bucket      string    `json:"bucket,omitempty"`
	Path        string    `json:"path,omitempty"`
	Provenance  string    `json:"provenance,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Content     string    `json:"content"`
	IngestedAt  time.Time `json:"ingested_at,omitzero"`
}

func (c CompoundRequest) compound() (ece.Compound, error) {
	ct, ok := ece.ParseContentType(c.ContentType)
	if !ok {
		return ece.Compound{}, &ece.ValidationError{Field: "content_type", Reason: fmt.Sprintf("%q is not code, prose or log", c.ContentType)}
	}
	if c.Content == "" {
		return ece.Compound{}, &ece.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return ece.Compound{
		ID:          c.ID,
		Bucket:      c.Bucket,
		Path:        c.Path,
		Provenance:  c.Provenance,
		ContentType: ct,
		Content:     []byte(c.Content),
		IngestedAt:  c.IngestedAt,
	}, nil
}

// BatchRequest is the body of POST /v1/ingest/batch.
type BatchRequest struct {
	Compounds []CompoundRequest `json:"compounds"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newProblem(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
		}
		return newProblem(http.StatusBadRequest, "malformed JSON: "+err.Error())
	}
	if dec.More() {
		return newProblem(http.StatusBadRequest, "body holds more than one JSON value")
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req CompoundRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := req.compound()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rcpt, err := s.engine.Ingest(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Compounds) == 0 {
		s.writeError(w, r, &ece.ValidationError{Field: "compounds", Reason: "must not be empty"})
		return
	}
	cs := make([]ece.Compound, len(req.Compounds))
	for i, cr := range req.Compounds {
		c, err := cr.compound()
		if err != nil {
			var ve *ece.ValidationError
			if errors.As(err, &ve) {
				err = &ece.ValidationError{Field: fmt.Sprintf("compounds[%d].%s", i, ve.Field), Reason: ve.Reason}
			}
			s.writeError(w, r, err)
			return
		}
		cs[i] = c
	}
	out, err := s.engine.IngestAll(r.Context(), cs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q ece.Query
	if err := s.decode(w, r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Rebuild(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Compact(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if st.State != "ready" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"state": st.State, "rebuilding": st.Rebuilding})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
			"request_id", id,
		)
	})
}
