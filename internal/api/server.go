// Package api exposes the admin HTTP surface of the account engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/ban"
	"github.com/sells-group/account-engine/internal/credential"
	"github.com/sells-group/account-engine/internal/failover"
	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

// Deps are the components the API serves.
type Deps struct {
	Store        store.Store
	Orchestrator *failover.Orchestrator
	Recovery     *ban.Recovery
	Credentials  *credential.Manager
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router  chi.Router
	deps    Deps
	nowFunc func() time.Time
}

// NewServer constructs a Server with middleware and routes. An empty
// origins list allows every origin.
func NewServer(deps Deps, corsOrigins []string) *Server {
	s := &Server{deps: deps, nowFunc: time.Now}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/accounts", func(r chi.Router) {
		r.Get("/", s.listAccounts)
		r.Get("/ranking", s.rankAccounts)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Put("/", s.putAccount)
			r.Delete("/", s.deleteAccount)
			r.Get("/health", s.getHealth)
			r.Get("/strategy", s.getStrategy)
			r.Post("/recover", s.recoverAccount)
			r.Post("/refresh", s.refreshAccount)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Status: model.AccountStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid status")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("ids"); v != "" {
		filter.IDs = splitList(v)
	}

	recs, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.AccountRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": recs, "count": len(recs)})
}

func (s *Server) rankAccounts(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.deps.Orchestrator.RankAccounts(r.Context(), splitList(r.URL.Query().Get("candidates")))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if ranked == nil {
		ranked = []failover.RankedAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": ranked})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Orchestrator.GetAccountStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// putAccountRequest registers an account or replaces its credential.
type putAccountRequest struct {
	Credential model.Credential    `json:"credential"`
	Status     model.AccountStatus `json:"status,omitempty"`
}

func (s *Server) putAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req putAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status != "" && req.Status != model.AccountStatusActive && req.Status != model.AccountStatusUnavailable {
		// Bans only come from detection; lifting them goes through recover.
		writeError(w, r, http.StatusBadRequest, "status must be active or unavailable")
		return
	}

	now := s.nowFunc()
	rec, err := s.deps.Store.Update(r.Context(), id, func(cur *model.AccountRecord) error {
		cur.Credential = req.Credential
		if req.Status != "" && !cur.Status.IsBanned() {
			store.ApplyStatus(cur, req.Status, nil, now)
		}
		return nil
	})
	if err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if !errors.Is(err, model.ErrAccountNotFound) {
		writeFailure(w, r, err)
		return
	}

	created := model.NewAccountRecord(id, req.Credential, now)
	if req.Status != "" {
		created.Status = req.Status
	}
	if err := s.deps.Store.Upsert(r.Context(), created); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.RemoveAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Orchestrator.GetAccountHealthMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getStrategy(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Orchestrator.AnalyzeAndAdjustStrategy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recoverAccount(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recovery.Recover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) refreshAccount(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Credentials.RefreshCookies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var tb *model.TemporaryBanError
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.As(err, &tb),
		errors.Is(err, model.ErrAccountBanned),
		errors.Is(err, model.ErrAccountUnavailable):
		return http.StatusConflict
	case errors.Is(err, ban.ErrRecoveryFailed),
		errors.Is(err, model.ErrCredentialRefreshFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNoAvailableAccounts):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("admin request failed",
			zap.String("component", "api"),
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, r, status, err.Error())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		zap.L().Debug("request completed",
			zap.String("component", "api"),
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("panic serving request",
					zap.String("component", "api"),
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "request_id": requestID(r.Context())})
}
