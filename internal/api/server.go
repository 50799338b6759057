// Package api exposes the HTTP surface: app registration and auth,
// observation ingest and query, profile reads, chat, usage, and the
// privacy endpoints. Every observation or profile access leaves exactly
// one audit row.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/gateway"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/pipeline"
	db "github.com/perceptlab/percept/internal/storage"
)

// Pipeline accepts observation batches.
type Pipeline interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Summary, error)
}

// Retriever serves observation queries.
type Retriever interface {
	Query(ctx context.Context, userID, qText string, qEmbedding []float32, filters domain.QueryFilters, limit int) ([]domain.RankedObservation, error)
}

// Embedder embeds query text for retrieval.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Chatter is the external-model gateway.
type Chatter interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (*gateway.ChatResponse, error)
}

// Composer builds the profile prompt preview.
type Composer interface {
	Compose(ctx context.Context, req compose.Request) (*compose.Result, error)
}

// ProfileRepo reads profile state.
type ProfileRepo interface {
	GetUserProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	GetProfileComponents(ctx context.Context, userID string) ([]*domain.ProfileComponent, error)
}

// UsageReader serves the usage aggregations.
type UsageReader interface {
	GetDailyUsage(ctx context.Context, userID string) (*db.UsageSummary, error)
	GetMonthlyUsage(ctx context.Context, userID string) (*db.UsageSummary, error)
	GetUsageDetails(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error)
}

// Auditor appends access records.
type Auditor interface {
	InsertAuditRecord(ctx context.Context, r *domain.AuditRecord) error
}

// RateStore is the Redis fixed-window rate counter.
type RateStore interface {
	IncrementRate(ctx context.Context, appID, userID string, now time.Time) (int64, error)
}

// PrivacyService manages user preferences.
type PrivacyService interface {
	Preferences(ctx context.Context, userID string) (*domain.PrivacyPreferences, error)
	UpdatePreferences(ctx context.Context, prefs *domain.PrivacyPreferences) error
}

// Deps bundles everything the server serves from.
type Deps struct {
	Pipeline  Pipeline
	Retriever Retriever
	Embedder  Embedder
	Chatter   Chatter
	Composer  Composer
	Profiles  ProfileRepo
	Usage     UsageReader
	Audit     Auditor
	Rate      RateStore
	Privacy   PrivacyService
	Apps      AppRepo
	AppCache  AppCache
}

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	auth   *authenticator
	router chi.Router
	http   *http.Server
	logger *zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		auth: &authenticator{
			repo:      deps.Apps,
			cache:     deps.AppCache,
			jwtSecret: cfg.JWTSecret,
		},
		logger: logger,
	}

	s.router = s.routes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      s.router,
		ReadTimeout:  cfg.APIReadTimeout,
		WriteTimeout: cfg.APIWriteTimeout,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains. The listener is capped at
// cfg.APIMaxConns concurrent connections.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	if s.cfg.APIMaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.APIMaxConns)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")

		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/apps/register", s.handleRegisterApp)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.With(s.rateLimit).Post("/tokens", s.handleIssueToken)
			r.With(s.rateLimit).Get("/usage", s.requireCap(domain.CapAnalyticsRead, s.handleGetUsage))

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Use(s.bindUser)
				r.Use(s.rateLimit)

				r.Post("/observations", s.requireCap(domain.CapObservationWrite, s.handleSubmitObservations))
				r.Get("/observations", s.requireCap(domain.CapObservationRead, s.handleQueryObservations))
				r.Get("/profile", s.requireCap(domain.CapProfileRead, s.handleGetProfile))
				r.Post("/chat", s.requireCap(domain.CapChatInvoke, s.handleChat))
				r.Get("/privacy", s.handleGetPrivacy)
				r.Put("/privacy", s.handlePutPrivacy)
			})
		})
	})

	return r
}
