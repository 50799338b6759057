package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/gateway"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/pipeline"
	db "github.com/perceptlab/percept/internal/storage"
)

type fakePipeline struct {
	lastReq pipeline.Request
}

func (f *fakePipeline) Submit(_ context.Context, req pipeline.Request) (*pipeline.Summary, error) {
	f.lastReq = req

	items := make([]pipeline.ItemResult, len(req.Batch))
	for i := range req.Batch {
		items[i] = pipeline.ItemResult{ID: fmt.Sprintf("obs-%d", i), Accepted: true}
	}

	return &pipeline.Summary{JobID: "job-1", ProcessedCount: len(items), Items: items}, nil
}

type fakeRetriever struct {
	results []domain.RankedObservation
}

func (f *fakeRetriever) Query(_ context.Context, _, _ string, _ []float32, _ domain.QueryFilters, _ int) ([]domain.RankedObservation, error) {
	return f.results, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) GetEmbedding(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1}, nil
}

type fakeChatter struct {
	resp *gateway.ChatResponse
	err  error
}

func (f *fakeChatter) Chat(_ context.Context, _ gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.resp, nil
}

type fakeComposer struct{ calls int }

func (f *fakeComposer) Compose(_ context.Context, _ compose.Request) (*compose.Result, error) {
	f.calls++
	return &compose.Result{Prompt: "## CorePersonalRules\n- preview"}, nil
}

type fakeProfiles struct{}

func (fakeProfiles) GetUserProfile(_ context.Context, userID string) (*domain.UserProfile, error) {
	return &domain.UserProfile{UserID: userID, TotalComponents: 1}, nil
}

func (fakeProfiles) GetProfileComponents(_ context.Context, userID string) ([]*domain.ProfileComponent, error) {
	return []*domain.ProfileComponent{{ID: "comp-1", UserID: userID}}, nil
}

type fakeUsageReader struct{}

func (fakeUsageReader) GetDailyUsage(_ context.Context, _ string) (*db.UsageSummary, error) {
	return &db.UsageSummary{}, nil
}

func (fakeUsageReader) GetMonthlyUsage(_ context.Context, _ string) (*db.UsageSummary, error) {
	return &db.UsageSummary{}, nil
}

func (fakeUsageReader) GetUsageDetails(_ context.Context, _ string, _ time.Time) ([]domain.UsageRecord, error) {
	return nil, nil
}

type fakeAuditor struct {
	records []*domain.AuditRecord
}

func (f *fakeAuditor) InsertAuditRecord(_ context.Context, r *domain.AuditRecord) error {
	f.records = append(f.records, r)
	return nil
}

type fakeRate struct {
	count int64
	err   error
}

func (f *fakeRate) IncrementRate(_ context.Context, _, _ string, _ time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}

	f.count++

	return f.count, nil
}

type fakePrivacy struct {
	prefs domain.PrivacyPreferences
}

func (f *fakePrivacy) Preferences(_ context.Context, userID string) (*domain.PrivacyPreferences, error) {
	p := f.prefs
	p.UserID = userID

	return &p, nil
}

func (f *fakePrivacy) UpdatePreferences(_ context.Context, prefs *domain.PrivacyPreferences) error {
	f.prefs = *prefs
	return nil
}

type fakeApps struct {
	byHash map[string]*domain.AppRegistration
	byID   map[string]*domain.AppRegistration
}

func newFakeApps() *fakeApps {
	return &fakeApps{
		byHash: make(map[string]*domain.AppRegistration),
		byID:   make(map[string]*domain.AppRegistration),
	}
}

func (f *fakeApps) CreateAppRegistration(_ context.Context, app *domain.AppRegistration) error {
	f.byHash[app.APIKeyHash] = app
	f.byID[app.AppID] = app

	return nil
}

func (f *fakeApps) GetAppByKeyHash(_ context.Context, keyHash string) (*domain.AppRegistration, error) {
	app, ok := f.byHash[keyHash]
	if !ok {
		return nil, perrors.ErrNotFound
	}

	return app, nil
}

func (f *fakeApps) GetApp(_ context.Context, appID string) (*domain.AppRegistration, error) {
	app, ok := f.byID[appID]
	if !ok {
		return nil, perrors.ErrNotFound
	}

	return app, nil
}

func (f *fakeApps) TouchAppLastActive(_ context.Context, _ string) error { return nil }

func (f *fakeApps) RotateAppKey(_ context.Context, appID, newKeyHash string) error {
	app := f.byID[appID]
	delete(f.byHash, app.APIKeyHash)
	app.APIKeyHash = newKeyHash
	f.byHash[newKeyHash] = app

	return nil
}

func (f *fakeApps) SetAppActive(_ context.Context, appID string, active bool) error {
	f.byID[appID].IsActive = active
	return nil
}

type fakeAppCache struct {
	apps map[string]*domain.AppRegistration
}

func newFakeAppCache() *fakeAppCache {
	return &fakeAppCache{apps: make(map[string]*domain.AppRegistration)}
}

func (f *fakeAppCache) GetCachedApp(_ context.Context, keyHash string) (*domain.AppRegistration, error) {
	app, ok := f.apps[keyHash]
	if !ok {
		return nil, perrors.ErrNotFound
	}

	return app, nil
}

func (f *fakeAppCache) CacheApp(_ context.Context, keyHash string, app *domain.AppRegistration) error {
	f.apps[keyHash] = app
	return nil
}

func (f *fakeAppCache) InvalidateApp(_ context.Context, keyHash string) error {
	delete(f.apps, keyHash)
	return nil
}

type apiFixture struct {
	server   *Server
	pipeline *fakePipeline
	chatter  *fakeChatter
	composer *fakeComposer
	audit    *fakeAuditor
	rate     *fakeRate
	privacy  *fakePrivacy
	apps     *fakeApps
	cache    *fakeAppCache

	apiKey string
	app    *domain.AppRegistration
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := zerolog.Nop()

	f := &apiFixture{
		pipeline: &fakePipeline{},
		chatter:  &fakeChatter{resp: &gateway.ChatResponse{Answer: "hi", ObservationID: "obs-chat"}},
		composer: &fakeComposer{},
		audit:    &fakeAuditor{},
		rate:     &fakeRate{},
		privacy:  &fakePrivacy{prefs: domain.DefaultPrivacyPreferences("")},
		apps:     newFakeApps(),
		cache:    newFakeAppCache(),
	}

	cfg := &config.Config{
		APIPort:          0,
		DefaultRateLimit: 1000,
		JWTSecret:        "test-secret",
	}

	f.server = NewServer(cfg, Deps{
		Pipeline:  f.pipeline,
		Retriever: &fakeRetriever{},
		Embedder:  fakeEmbedder{},
		Chatter:   f.chatter,
		Composer:  f.composer,
		Profiles:  fakeProfiles{},
		Usage:     fakeUsageReader{},
		Audit:     f.audit,
		Rate:      f.rate,
		Privacy:   f.privacy,
		Apps:      f.apps,
		AppCache:  f.cache,
	}, &logger)

	f.apiKey = NewAPIKey()
	f.app = &domain.AppRegistration{
		AppID:      "app-1",
		Name:       "test app",
		APIKeyHash: HashAPIKey(f.apiKey),
		Caps: []domain.Capability{
			domain.CapObservationRead, domain.CapObservationWrite,
			domain.CapProfileRead, domain.CapChatInvoke, domain.CapAnalyticsRead,
		},
		RateLimit: 1000,
		IsActive:  true,
	}
	require.NoError(t, f.apps.CreateAppRegistration(context.Background(), f.app))

	return f
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

func TestRegisterApp(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/apps/register", "", registerAppRequest{
		Name:         "notes app",
		Developer:    "acme",
		Capabilities: []string{"observation:write", "hinata:write", "admin:*"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp registerAppResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Len(t, resp.AppID, 16)
	assert.True(t, len(resp.APIKey) > len(apiKeyPrefix))
	assert.Contains(t, resp.APIKey, apiKeyPrefix)

	// The legacy alias normalizes and admin:* is never auto-granted.
	assert.Equal(t, []domain.Capability{domain.CapObservationWrite, domain.CapObservationWrite}, resp.Permissions[:2])
	assert.NotContains(t, resp.Permissions, domain.CapAdminAll)
}

func TestRegisterAppRequiresName(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/apps/register", "", registerAppRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/users/user-1/profile", "pk_bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthCachesApp(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/profile", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := f.cache.apps[HashAPIKey(f.apiKey)]
	assert.True(t, ok)
}

func TestAuthInactiveApp(t *testing.T) {
	f := newAPIFixture(t)
	f.app.IsActive = false

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/profile", f.apiKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCapabilityDeniedIsAudited(t *testing.T) {
	f := newAPIFixture(t)
	f.app.Caps = []domain.Capability{domain.CapObservationRead}

	rec := f.do(t, http.MethodPost, "/v1/users/user-1/chat", f.apiKey, gateway.ChatRequest{Question: "q"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.NotEmpty(t, f.audit.records)
	assert.Equal(t, domain.AuditResultDenied, f.audit.records[len(f.audit.records)-1].Result)
}

func TestRateLimitExceeded(t *testing.T) {
	f := newAPIFixture(t)
	f.app.RateLimit = 1

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/profile", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/users/user-1/profile", f.apiKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSubmitObservations(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/users/user-1/observations", f.apiKey, submitRequest{
		Batch: []pipeline.RawObservation{{
			Source: "notes", Highlight: "h", Address: "n://1", Timestamp: "2026-08-01T00:00:00Z",
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "user-1", f.pipeline.lastReq.UserID)
	assert.Equal(t, "app-1", f.pipeline.lastReq.AppID)

	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.ProcessedCount)

	require.NotEmpty(t, f.audit.records)
	last := f.audit.records[len(f.audit.records)-1]
	assert.Equal(t, domain.AuditAccessWrite, last.AccessKind)
	assert.Equal(t, domain.AuditResultSuccess, last.Result)
}

func TestQueryObservationsMinimizesStrictPolicy(t *testing.T) {
	f := newAPIFixture(t)
	f.privacy.prefs.PolicyLevel = domain.PolicyStrict

	retriever := &fakeRetriever{results: []domain.RankedObservation{{
		Observation: &domain.Observation{
			ID: "obs-1", UserID: "user-1", Highlight: "h", Note: "secret note", Address: "n://1",
		},
		Score: 0.5,
	}}}
	f.server.deps.Retriever = retriever

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/observations?q=test", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret note")
}

func TestQueryObservationsBadTier(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/observations?tiers=lava", f.apiKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProfileWithPreview(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/users/user-1/profile?preview=true", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, f.composer.calls)
	assert.Contains(t, rec.Body.String(), "composed_prompt_preview")
}

func TestChatFailureCarriesRetryToken(t *testing.T) {
	f := newAPIFixture(t)
	f.chatter.err = &gateway.ChatError{
		Err:        perrors.ErrExternalModel,
		Message:    "all providers failed",
		Prompt:     "## CorePersonalRules",
		RetryToken: "tok-1",
	}

	rec := f.do(t, http.MethodPost, "/v1/users/user-1/chat", f.apiKey, gateway.ChatRequest{Question: "q"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "ExternalModelError", envelope.Error.Code)
	assert.Equal(t, "tok-1", envelope.Error.RetryToken)
	assert.NotEmpty(t, envelope.Error.Prompt)
}

func TestSessionTokenFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/tokens", f.apiKey, issueTokenRequest{UserID: "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	// The session token reaches its own user.
	rec = f.do(t, http.MethodGet, "/v1/users/user-1/profile", resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// And nobody else's.
	rec = f.do(t, http.MethodGet, "/v1/users/user-2/profile", resp.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetUsagePeriods(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/usage?user_id=user-1", f.apiKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/usage?user_id=user-1&period=monthly", f.apiKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/usage?user_id=user-1&period=century", f.apiKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/usage", f.apiKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrivacyRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	prefs := domain.DefaultPrivacyPreferences("user-1")
	prefs.PolicyLevel = domain.PolicyStrict

	rec := f.do(t, http.MethodPut, "/v1/users/user-1/privacy", f.apiKey, prefs)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/users/user-1/privacy", f.apiKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.PolicyStrict))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
