package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/config"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/observability"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/taskruntime"
)

const (
	ownerHeader  = "X-User-ID"
	defaultOwner = "anonymous"
)

type Server struct {
	cfg      config.Config
	service  *taskruntime.Service
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, service *taskruntime.Service, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		service: service,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/sessions/{id}/window", s.handleUpdateWindow)
		r.Post("/sessions/{id}/cancel", s.handleCancelSession)
		r.Get("/sessions/{id}/ws", s.handleSessionWS)
		r.Get("/documents/{documentId}/session", s.handleActiveSession)
		r.Get("/debug/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"store_mode":     s.storeMode(),
		"registry_mode":  s.registryMode(),
		"generator_mode": s.cfg.GeneratorMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.service == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "scheduler not configured")
		return
	}
	st := s.service.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": st.ActiveSessions,
		"queued":          st.Queued,
		"in_flight":       st.InFlight,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Stats())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL == "" {
		return "in-memory"
	}
	return "postgres"
}

func (s *Server) registryMode() string {
	if s.cfg.RedisAddr == "" {
		return "in-memory"
	}
	return "redis"
}

func ownerOf(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get(ownerHeader)); owner != "" {
		return owner
	}
	return defaultOwner
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps session errors onto HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict, "SESSION_EXISTS"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, "SESSION_NOT_ACTIVE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("session request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	respondError(w, status, code, err.Error())
}
