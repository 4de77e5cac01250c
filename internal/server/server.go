package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/auth"
	"github.com/mithileshchellappan/shiftpush/internal/service"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

const maxBodyBytes = 1 << 20

type Server struct {
	log        *zap.Logger
	service    *service.PushService
	auth       *auth.Authenticator
	validate   *validator.Validate
	httpServer *http.Server
	router     chi.Router
}

func New(log *zap.Logger, svc *service.PushService, authenticator *auth.Authenticator) *Server {
	s := &Server{
		log:      log,
		service:  svc,
		auth:     authenticator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.router = s.setupRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.log.Info("starting server", zap.String("addr", addr), zap.String("provider", s.service.Provider()))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/push-notifications", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/register", s.handleRegister)
		r.Post("/send", s.handleSend)
		r.Post("/send-bulk", s.handleSendBulk)
		r.Post("/receipts", s.handleReceipts)

		r.Get("/tokens/{userID}", s.handleListTokens)
		r.Delete("/tokens/{tokenID}", s.handleDeleteToken)

		r.Get("/attempts/{attemptID}", s.handleGetAttempt)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, map[string]string{"status": "ok", "provider": s.service.Provider()}, http.StatusOK)
}

// MARK: Helpers

// decode reads a JSON body into dst and runs its validation tags. It writes
// the 400 response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return false
	}
	if err := s.validate.StructCtx(r.Context(), dst); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
	return err.Error()
}

// caller returns the authenticated identity, which the auth middleware
// always sets on API routes.
func caller(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) forbidden(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, r, http.StatusForbidden, "forbidden", "not allowed to act for this user")
}

// fail maps a service error to its HTTP status and reason.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTokenFormat):
		s.respondError(w, r, http.StatusBadRequest, "invalid_token_format", err.Error())
	case errors.Is(err, service.ErrInvalidPlatform):
		s.respondError(w, r, http.StatusBadRequest, "invalid_platform", err.Error())
	case errors.Is(err, service.ErrValidation):
		s.respondError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, storage.Errors.NotFound):
		s.respondError(w, r, http.StatusNotFound, "not_found", "resource not found")
	default:
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	s.respond(w, r, map[string]string{"error": reason, "message": message}, status)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encoding response failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
}
