package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/orchestrator"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// maxUploadSize caps attachment uploads at 64 MiB
const maxUploadSize = 64 << 20

// Server is the HTTP gateway over the orchestrator
type Server struct {
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
}

// NewServer creates the gateway
func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{
		orch:   orch,
		logger: log.WithComponent("api"),
	}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/swarm", s.handleSwarmGet)
		r.Put("/swarm", s.handleSwarmPut)

		r.Get("/nodes", s.handleNodeList)
		r.Post("/nodes", s.handleNodeAdd)
		r.Route("/nodes/{id}", func(r chi.Router) {
			r.Delete("/", s.handleNodeRemove)
			r.Post("/start", s.handleNodeStart)
			r.Post("/stop", s.handleNodeStop)
			r.Get("/status", s.handleNodeStatus)
			r.Get("/hierarchy", s.handleNodeHierarchy)
			r.Get("/transcript", s.handleNodeTranscript)
			r.Get("/inbox", s.handleNodeBox(maildir.BoxInbox))
			r.Get("/outbox", s.handleNodeBox(maildir.BoxOutbox))
		})

		r.Post("/mailboxes", s.handleMailboxAdd)

		r.Post("/connections", s.handleConnAdd)
		r.Delete("/connections", s.handleConnRemove)
		r.Put("/connections/bidirectional", s.handleConnSetBidir)

		r.Post("/mail", s.handleMailSend)
		r.Get("/mail/counts", s.handleMailCounts)
		r.Get("/mail/history", s.handleMailHistory)
		r.Get("/human/inbox", s.handleHumanBox(maildir.BoxInbox))
		r.Get("/human/outbox", s.handleHumanBox(maildir.BoxOutbox))

		r.Get("/events", s.handleEvents)

		r.Post("/files", s.handleFileUpload)
		r.Get("/files/{id}", s.handleFileFetch)
		r.Get("/files/{id}/meta", s.handleFileMeta)

		r.Get("/canvas", s.handleCanvasGet)
		r.Put("/canvas", s.handleCanvasPut)
	})

	return r
}

// observe counts requests per route and status
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSwarmGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Swarm())
}

func (s *Server) handleSwarmPut(w http.ResponseWriter, r *http.Request) {
	var cfg types.SwarmConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	if err := s.orch.PutSwarm(&cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Swarm())
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	states, err := s.orch.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleNodeAdd(w http.ResponseWriter, r *http.Request) {
	var bee types.Bee
	if err := json.NewDecoder(r.Body).Decode(&bee); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	if err := s.orch.AddBee(&bee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &bee)
}

func (s *Server) handleNodeRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RemoveBee(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.StartAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.StopAgent(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	s.respondStatus(w, r, chi.URLParam(r, "id"))
}

func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	state, err := s.orch.AgentStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleNodeHierarchy(w http.ResponseWriter, r *http.Request) {
	h, err := s.orch.Hierarchy(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleNodeTranscript(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: lines must be a non-negative integer", errdefs.ErrValidation))
			return
		}
		lines = n
	}
	tail, err := s.orch.Transcript(chi.URLParam(r, "id"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": tail})
}

func (s *Server) handleNodeBox(box maildir.Box) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mails, err := s.orch.NodeBox(chi.URLParam(r, "id"), box)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mails)
	}
}

func (s *Server) handleMailboxAdd(w http.ResponseWriter, r *http.Request) {
	var mb types.Mailbox
	if err := json.NewDecoder(r.Body).Decode(&mb); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	if err := s.orch.AddMailbox(&mb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &mb)
}

// connRequest is the body of every connection mutation
type connRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Bidirectional bool   `json:"bidirectional"`
}

func decodeConn(r *http.Request) (*connRequest, error) {
	var req connRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}
	if req.From == "" || req.To == "" {
		return nil, fmt.Errorf("%w: from and to are required", errdefs.ErrValidation)
	}
	return &req, nil
}

func (s *Server) handleConnAdd(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConn(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.AddConnection(req.From, req.To, req.Bidirectional); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.orch.Swarm().Connections)
}

func (s *Server) handleConnRemove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConn(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.RemoveConnection(req.From, req.To, req.Bidirectional); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnSetBidir(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConn(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.SetBidirectional(req.From, req.To, req.Bidirectional); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Swarm().Connections)
}

// mailRequest is the body of POST /v1/mail
type mailRequest struct {
	To          string             `json:"to"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

func (s *Server) handleMailSend(w http.ResponseWriter, r *http.Request) {
	var req mailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	if req.To == "" {
		writeError(w, fmt.Errorf("%w: to is required", errdefs.ErrValidation))
		return
	}
	m, err := s.orch.SendMail(req.To, req.Subject, req.Body, req.Attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMailCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Counts())
}

func (s *Server) handleMailHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", errdefs.ErrValidation))
			return
		}
		limit = n
	}
	records, err := s.orch.History(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHumanBox(box maildir.Box) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mails, err := s.orch.HumanBox(box)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mails)
	}
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrValidation, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file part", errdefs.ErrValidation))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	meta, err := s.orch.Files().Save(header.Filename, mimeType, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleFileFetch(w http.ResponseWriter, r *http.Request) {
	meta, rc, err := s.orch.Files().Open(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("file_id", meta.ID).Msg("file stream interrupted")
	}
}

func (s *Server) handleFileMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.orch.Files().Stat(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleCanvasGet(w http.ResponseWriter, _ *http.Request) {
	data, err := s.orch.Canvas()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if data == nil {
		data = []byte("null")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleCanvasPut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrIO, err))
		return
	}
	if !json.Valid(data) {
		writeError(w, fmt.Errorf("%w: canvas payload must be JSON", errdefs.ErrValidation))
		return
	}
	if err := s.orch.PutCanvas(data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("response encode failed")
	}
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrValidation), errors.Is(err, errdefs.ErrMailCorrupt):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound), errors.Is(err, errdefs.ErrUnknownNode):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrNoRoute):
		status = http.StatusForbidden
	case errors.Is(err, errdefs.ErrAlreadyExists), errors.Is(err, errdefs.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrCancelled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
