package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

type contextKey string

const (
	ctxApp         contextKey = "app"
	ctxSessionUser contextKey = "sessionUser"
	ctxPathUser    contextKey = "pathUser"
)

func appFrom(ctx context.Context) *domain.AppRegistration {
	app, _ := ctx.Value(ctxApp).(*domain.AppRegistration)
	return app
}

func pathUser(ctx context.Context) string {
	userID, _ := ctx.Value(ctxPathUser).(string)
	return userID
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Msg("handler panic")

				writeError(w, perrors.ErrStorageTransient)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer credential to an app registration and,
// for session tokens, the bound user.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w)
			return
		}

		app, sessionUser, err := s.auth.resolve(r.Context(), bearer)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxApp, app)
		if sessionUser != "" {
			ctx = context.WithValue(ctx, ctxSessionUser, sessionUser)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bindUser validates the {userID} path segment and pins session-token
// requests to their own user.
func (s *Server) bindUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			writeError(w, perrors.ErrValidation)
			return
		}

		if sessionUser, _ := r.Context().Value(ctxSessionUser).(string); sessionUser != "" && sessionUser != userID {
			writeError(w, perrors.ErrUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPathUser, userID)))
	})
}

// rateLimit enforces the app's hourly quota with a Redis fixed window.
// Counter failures fail open.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := appFrom(r.Context())
		if app == nil {
			writeUnauthorized(w)
			return
		}

		limit := app.RateLimit
		if limit <= 0 {
			limit = s.cfg.DefaultRateLimit
		}

		count, err := s.deps.Rate.IncrementRate(r.Context(), app.AppID, pathUser(r.Context()), time.Now().UTC())
		if err != nil {
			s.logger.Warn().Err(err).Str("app_id", app.AppID).Msg("rate counter unavailable")
		} else if count > int64(limit) {
			writeError(w, perrors.ErrQuotaExceeded)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireCap gates a handler on an app capability. Denials are audited.
func (s *Server) requireCap(capability domain.Capability, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app := appFrom(r.Context())
		if app == nil {
			writeUnauthorized(w)
			return
		}

		if !app.HasCapability(capability) {
			s.audit(r, domain.AuditDataObservation, "", domain.AuditAccessRead, domain.AuditResultDenied)
			writeError(w, perrors.ErrCapabilityMissing)

			return
		}

		next.ServeHTTP(w, r)
	}
}

// audit appends one access record; failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, dataKind, dataID, accessKind, result string) {
	app := appFrom(r.Context())

	record := &domain.AuditRecord{
		UserID:       pathUser(r.Context()),
		AccessorKind: domain.AccessorApp,
		DataKind:     dataKind,
		DataID:       dataID,
		AccessKind:   accessKind,
		IP:           r.RemoteAddr,
		Result:       result,
	}
	if app != nil {
		record.AccessorID = app.AppID
	}

	if err := s.deps.Audit.InsertAuditRecord(r.Context(), record); err != nil {
		s.logger.Error().Err(err).Str("data_kind", dataKind).Msg("audit write failed")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}
