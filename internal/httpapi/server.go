package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/config"
	"github.com/ent0n29/billrelay/internal/extract"
	"github.com/ent0n29/billrelay/internal/filestore"
	"github.com/ent0n29/billrelay/internal/observability"
	"github.com/ent0n29/billrelay/internal/qr"
	"github.com/ent0n29/billrelay/internal/session"
)

// Server exposes the bill REST service and mounts the relay hub.
type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	relay     http.Handler
	store     *filestore.Store
	extractor extract.Extractor
	qr        *qr.Encoder
	metrics   *observability.Metrics
	log       zerolog.Logger
}

type Deps struct {
	Sessions  *session.Manager
	Relay     http.Handler
	Store     *filestore.Store
	Extractor extract.Extractor
	QR        *qr.Encoder
	Metrics   *observability.Metrics
	Log       zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		relay:     deps.Relay,
		store:     deps.Store,
		extractor: deps.Extractor,
		qr:        deps.QR,
		metrics:   deps.Metrics,
		log:       deps.Log,
	}
}

// CheckOrigin only admits browser websocket connections from the same origin
// unless allowAny is set.
func CheckOrigin(allowAny bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			// Non-browser clients often omit Origin. Allow them.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/bill", func(r chi.Router) {
		r.Get("/generate-qr/{session_id}", s.handleGenerateQR)
		r.Get("/generate-qr/{session_id}/", s.handleGenerateQR)
		r.Get("/session/status/{session_id}", s.handleSessionStatus)
		r.Get("/session/status/{session_id}/", s.handleSessionStatus)
		r.Post("/upload/{session_id}", s.handleUpload)
		r.Post("/upload/{session_id}/", s.handleUpload)
		r.Delete("/delete/{session_id}", s.handleDelete)
		r.Delete("/delete/{session_id}/", s.handleDelete)
		r.Post("/extract", s.handleExtract)
		r.Post("/extract/", s.handleExtract)
		if s.relay != nil {
			r.Handle("/ws", s.relay)
		}
	})
	r.Get("/files/{session_id}/{file_name}", s.handleFile)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"store_mode":      s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
		return "postgres"
	}
	return "in-memory"
}
