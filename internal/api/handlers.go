package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/gateway"
	"github.com/perceptlab/percept/internal/privacy"
	"github.com/perceptlab/percept/internal/process/compose"
	"github.com/perceptlab/percept/internal/process/pipeline"
)

const (
	maxBodyBytes      = 20 << 20
	defaultQueryLimit = 20
	usageDetailDays   = 31
)

// registerAppRequest is the registration payload.
type registerAppRequest struct {
	Name         string   `json:"name"`
	Developer    string   `json:"developer"`
	Capabilities []string `json:"capabilities,omitempty"`
	RateLimit    int      `json:"rate_limit,omitempty"`
}

type registerAppResponse struct {
	AppID       string              `json:"app_id"`
	APIKey      string              `json:"api_key"`
	Permissions []domain.Capability `json:"permissions"`
	RateLimit   int                 `json:"rate_limit"`
}

func (s *Server) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	var req registerAppRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", perrors.ErrValidation))
		return
	}

	// Requested capabilities are filtered to the auto-grantable base set;
	// anything broader needs manual review.
	requested := req.Capabilities
	if len(requested) == 0 {
		requested = []string{
			string(domain.CapObservationRead),
			string(domain.CapObservationWrite),
			string(domain.CapProfileRead),
			string(domain.CapChatInvoke),
		}
	}

	var granted []domain.Capability

	for _, c := range requested {
		capability := domain.NormalizeCapability(domain.Capability(c))
		if domain.GrantableOnRegistration(capability) {
			granted = append(granted, capability)
		}
	}

	rateLimit := req.RateLimit
	if rateLimit <= 0 || rateLimit > s.cfg.DefaultRateLimit {
		rateLimit = s.cfg.DefaultRateLimit
	}

	apiKey := NewAPIKey()

	app := &domain.AppRegistration{
		AppID:      NewAppID(req.Name),
		Name:       req.Name,
		Developer:  req.Developer,
		APIKeyHash: HashAPIKey(apiKey),
		Caps:       granted,
		RateLimit:  rateLimit,
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
	}

	if err := s.deps.Apps.CreateAppRegistration(r.Context(), app); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerAppResponse{
		AppID:       app.AppID,
		APIKey:      apiKey,
		Permissions: granted,
		RateLimit:   rateLimit,
	})
}

type issueTokenRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.UserID == "" {
		writeError(w, fmt.Errorf("%w: user_id is required", perrors.ErrValidation))
		return
	}

	app := appFrom(r.Context())

	token, err := IssueSessionToken(s.cfg.JWTSecret, req.UserID, app.AppID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(sessionTokenTTL.Seconds()),
	})
}

type submitRequest struct {
	Batch   []pipeline.RawObservation `json:"batch"`
	Options pipeline.Options          `json:"options"`
}

func (s *Server) handleSubmitObservations(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	app := appFrom(r.Context())
	userID := pathUser(r.Context())

	summary, err := s.deps.Pipeline.Submit(r.Context(), pipeline.Request{
		AppID:   app.AppID,
		UserID:  userID,
		Batch:   req.Batch,
		Options: req.Options,
	})
	if err != nil {
		s.audit(r, domain.AuditDataObservation, "", domain.AuditAccessWrite, domain.AuditResultError)
		writeError(w, err)

		return
	}

	s.audit(r, domain.AuditDataObservation, summary.JobID, domain.AuditAccessWrite, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleQueryObservations(w http.ResponseWriter, r *http.Request) {
	userID := pathUser(r.Context())
	q := r.URL.Query()

	filters, err := parseFilters(q)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := defaultQueryLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, fmt.Errorf("%w: bad limit %q", perrors.ErrValidation, raw))
			return
		}
	}

	qText := q.Get("q")

	var qEmbedding []float32

	if qText != "" {
		if qEmbedding, err = s.deps.Embedder.GetEmbedding(r.Context(), qText); err != nil {
			s.logger.Warn().Err(err).Msg("query embedding unavailable")
		}
	}

	results, err := s.deps.Retriever.Query(r.Context(), userID, qText, qEmbedding, filters, limit)
	if err != nil {
		s.audit(r, domain.AuditDataObservation, "", domain.AuditAccessRead, domain.AuditResultError)
		writeError(w, err)

		return
	}

	prefs, err := s.deps.Privacy.Preferences(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	observations := make([]*domain.Observation, 0, len(results))
	for _, ranked := range results {
		observations = append(observations, privacy.MinimizeForApp(ranked.Observation, prefs))
	}

	s.audit(r, domain.AuditDataObservation, "", domain.AuditAccessRead, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, map[string]interface{}{"observations": observations})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := pathUser(r.Context())

	profile, err := s.deps.Profiles.GetUserProfile(r.Context(), userID)
	if err != nil && !perrors.Is(err, perrors.ErrNotFound) {
		s.audit(r, domain.AuditDataProfile, "", domain.AuditAccessRead, domain.AuditResultError)
		writeError(w, err)

		return
	}

	components, err := s.deps.Profiles.GetProfileComponents(r.Context(), userID)
	if err != nil {
		s.audit(r, domain.AuditDataProfile, "", domain.AuditAccessRead, domain.AuditResultError)
		writeError(w, err)

		return
	}

	resp := map[string]interface{}{
		"profile":    profile,
		"components": components,
	}

	if r.URL.Query().Get("preview") == "true" {
		preview, err := s.deps.Composer.Compose(r.Context(), compose.Request{
			UserID: userID,
			Query:  r.URL.Query().Get("q"),
		})
		if err == nil {
			resp["composed_prompt_preview"] = preview.Prompt
		} else {
			s.logger.Warn().Err(err).Msg("prompt preview failed")
		}
	}

	s.audit(r, domain.AuditDataProfile, "", domain.AuditAccessRead, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	app := appFrom(r.Context())
	req.UserID = pathUser(r.Context())
	req.AppID = app.AppID

	resp, err := s.deps.Chatter.Chat(r.Context(), req)
	if err != nil {
		s.audit(r, domain.AuditDataProfile, "", domain.AuditAccessRead, domain.AuditResultError)
		writeError(w, err)

		return
	}

	s.audit(r, domain.AuditDataProfile, resp.ObservationID, domain.AuditAccessRead, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, fmt.Errorf("%w: user_id is required", perrors.ErrValidation))
		return
	}

	period := r.URL.Query().Get("period")

	switch period {
	case "", "daily":
		summary, err := s.deps.Usage.GetDailyUsage(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, summary)
	case "monthly":
		summary, err := s.deps.Usage.GetMonthlyUsage(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, summary)
	case "detail":
		records, err := s.deps.Usage.GetUsageDetails(r.Context(), userID, time.Now().UTC().AddDate(0, 0, -usageDetailDays))
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	default:
		writeError(w, fmt.Errorf("%w: unknown period %q", perrors.ErrValidation, period))
	}
}

func (s *Server) handleGetPrivacy(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Privacy.Preferences(r.Context(), pathUser(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	s.audit(r, domain.AuditDataPrivacy, "", domain.AuditAccessRead, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPrivacy(w http.ResponseWriter, r *http.Request) {
	var prefs domain.PrivacyPreferences
	if err := decodeBody(r, &prefs); err != nil {
		writeError(w, err)
		return
	}

	prefs.UserID = pathUser(r.Context())

	if err := s.deps.Privacy.UpdatePreferences(r.Context(), &prefs); err != nil {
		writeError(w, err)
		return
	}

	s.audit(r, domain.AuditDataPrivacy, "", domain.AuditAccessWrite, domain.AuditResultSuccess)
	writeJSON(w, http.StatusOK, prefs)
}

func parseFilters(q map[string][]string) (domain.QueryFilters, error) {
	var filters domain.QueryFilters

	get := func(key string) string {
		if vals := q[key]; len(vals) > 0 {
			return vals[0]
		}

		return ""
	}

	if raw := get("min_influence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return filters, fmt.Errorf("%w: bad min_influence %q", perrors.ErrValidation, raw)
		}

		filters.MinInfluenceWeight = float32(v)
	}

	if raw := get("min_quality"); raw != "" {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return filters, fmt.Errorf("%w: bad min_quality %q", perrors.ErrValidation, raw)
		}

		filters.MinQualityScore = float32(v)
	}

	if raw := get("tiers"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			tier := domain.Tier(t)
			if !tier.Valid() {
				return filters, fmt.Errorf("%w: unknown tier %q", perrors.ErrValidation, t)
			}

			filters.Tiers = append(filters.Tiers, tier)
		}
	}

	if raw := get("required_tags"); raw != "" {
		filters.RequiredTags = strings.Split(raw, ",")
	}

	if raw := get("excluded_tags"); raw != "" {
		filters.ExcludedTags = strings.Split(raw, ",")
	}

	if raw := get("sources"); raw != "" {
		filters.Sources = strings.Split(raw, ",")
	}

	return filters, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body", perrors.ErrValidation)
	}

	return nil
}
