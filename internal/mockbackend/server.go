// Package mockbackend is a deterministic stand-in for the remote engagement
// API. It serves canned persona replies from a YAML script, extracts
// intelligence with regular expressions and keeps transcripts in memory, so
// the dashboard and its tests run offline.
package mockbackend

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"scamwatch/internal/api"
	"scamwatch/internal/intel"
)

// defaultMaxRequestBodySize is the maximum accepted request body (1MB).
const defaultMaxRequestBodySize = 1 << 20

var errSessionNotFound = errors.New("session not found")

type fakeSession struct {
	id         string
	persona    string
	status     string
	scamType   string
	confidence float64
	turn       int
	extracted  intel.Extracted
	messages   []api.TranscriptEntry
	createdAt  time.Time
	updatedAt  time.Time
}

// Server is the fake engagement backend.
type Server struct {
	mu       sync.Mutex
	script   Script
	sessions map[string]*fakeSession
	apiKey   string
	latency  time.Duration
	failNext int
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = strings.TrimSpace(key) }
}

// WithLatency delays every engage/continue reply by d.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer returns a server driven by script.
func NewServer(script Script, opts ...Option) *Server {
	s := &Server{
		script:   script,
		sessions: make(map[string]*fakeSession),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next n engage/continue calls answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Complete marks a session completed, as the backend does when the
// engagement ends.
func (s *Server) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errSessionNotFound
	}
	sess.status = "completed"
	sess.updatedAt = s.now()
	return nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(s.requestLogger)
	r.Use(s.requireAPIKey)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/engage", s.handleEngage)
		r.Get("/personas", s.handlePersonas)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleDetail)
			r.Get("/messages", s.handleMessages)
			r.Post("/continue", s.handleContinue)
			r.Post("/complete", s.handleComplete)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	var req api.EngageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ScammerMessage) == "" {
		writeError(w, http.StatusBadRequest, "scammerMessage is required")
		return
	}
	if !s.waitOrFail(w, r) {
		return
	}

	s.mu.Lock()
	now := s.now()
	sess := &fakeSession{
		id:        "sess_" + uuid.NewString()[:8],
		persona:   s.script.persona(req.Persona),
		status:    "active",
		createdAt: now,
	}
	s.sessions[sess.id] = sess
	resp := s.turnLocked(sess, req.ScammerMessage)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req api.ContinueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ScammerMessage) == "" {
		writeError(w, http.StatusBadRequest, "scammerMessage is required")
		return
	}
	if !s.waitOrFail(w, r) {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, errSessionNotFound.Error())
		return
	}
	if sess.status != "active" {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "session is "+sess.status)
		return
	}
	resp := s.turnLocked(sess, req.ScammerMessage)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	var resp api.TranscriptResponse
	if ok {
		resp = api.TranscriptResponse{SessionID: sess.id, Messages: append([]api.TranscriptEntry(nil), sess.messages...)}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	var resp api.SessionDetail
	if ok {
		resp = s.detailLocked(sess)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Complete(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.mu.Lock()
	resp := s.detailLocked(s.sessions[id])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  s.script.DefaultPersona,
		"personas": s.script.PersonaNames(),
	})
}

// waitOrFail applies the configured latency and injected failures. It
// reports whether the handler should continue.
func (s *Server) waitOrFail(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	fail := s.failNext > 0
	if fail {
		s.failNext--
	}
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return false
		}
	}
	if fail {
		writeError(w, http.StatusServiceUnavailable, "engagement backend unavailable")
		return false
	}
	return true
}

func (s *Server) turnLocked(sess *fakeSession, message string) api.EngageResponse {
	now := s.now()
	sess.turn++
	sess.updatedAt = now

	scamType, hits := s.script.classify(message)
	if scamType != "" {
		sess.scamType = scamType
	}
	found := extract(message)
	sess.confidence = math.Max(sess.confidence, confidence(hits, found))
	sess.extracted = mergeExtracted(sess.extracted, found)

	reply := s.script.reply(sess.persona, sess.turn)
	sess.messages = append(sess.messages,
		api.TranscriptEntry{
			ID:         "msg_" + uuid.NewString(),
			Role:       "scammer",
			Content:    message,
			CreatedAt:  now,
			TurnNumber: sess.turn,
		},
		api.TranscriptEntry{
			ID:         "msg_" + uuid.NewString(),
			Role:       "agent",
			Content:    reply,
			CreatedAt:  now.Add(time.Millisecond),
			TurnNumber: sess.turn,
			Metadata:   map[string]any{"persona": sess.persona},
		},
	)
	if s.script.CompleteAfterTurns > 0 && sess.turn >= s.script.CompleteAfterTurns {
		sess.status = "completed"
	}

	return api.EngageResponse{
		SessionID:             sess.id,
		AgentReply:            reply,
		PersonaUsed:           sess.persona,
		ScamType:              scamType,
		Confidence:            sess.confidence,
		ExtractedIntelligence: found,
		SessionStatus:         sess.status,
		TurnNumber:            sess.turn,
	}
}

func (s *Server) detailLocked(sess *fakeSession) api.SessionDetail {
	return api.SessionDetail{
		ID:          sess.id,
		Status:      sess.status,
		PersonaUsed: sess.persona,
		ScamType:    sess.scamType,
		TurnCount:   sess.turn,
		Confidence:  sess.confidence,
		Extracted:   sess.extracted,
		CreatedAt:   sess.createdAt,
		UpdatedAt:   sess.updatedAt,
	}
}

func confidence(keywordHits int, x intel.Extracted) float64 {
	if keywordHits == 0 && x.Empty() {
		return 0.1
	}
	c := 0.3 + 0.2*float64(keywordHits)
	if len(x.PhishingLinks) > 0 {
		c += 0.15
	}
	if len(x.UPIIDs) > 0 || len(x.BankAccounts) > 0 {
		c += 0.1
	}
	return math.Min(c, 0.98)
}

func mergeExtracted(a, b intel.Extracted) intel.Extracted {
	return intel.Extracted{
		PhoneNumbers:  uniq(append(append([]string(nil), a.PhoneNumbers...), b.PhoneNumbers...)),
		UPIIDs:        uniq(append(append([]string(nil), a.UPIIDs...), b.UPIIDs...)),
		BankAccounts:  uniq(append(append([]string(nil), a.BankAccounts...), b.BankAccounts...)),
		PhishingLinks: uniq(append(append([]string(nil), a.PhishingLinks...), b.PhishingLinks...)),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
