package api

import (
	"encoding/json"
	"net/http"

	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/gateway"
)

// errorEnvelope is the wire shape of every error response. Code is the
// stable taxonomy kind; store-level detail never crosses the boundary.
type errorEnvelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Prompt     string `json:"prompt,omitempty"`
		RetryToken string `json:"retry_token,omitempty"`
	} `json:"error"`
}

func statusFor(kind perrors.Kind) int {
	switch kind {
	case perrors.KindValidation:
		return http.StatusBadRequest
	case perrors.KindAuthz:
		return http.StatusForbidden
	case perrors.KindQuota:
		return http.StatusTooManyRequests
	case perrors.KindNotFound:
		return http.StatusNotFound
	case perrors.KindCancelled:
		return 499
	case perrors.KindExternalModel:
		return http.StatusBadGateway
	case perrors.KindStorageTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-safe message for a kind. Internal error
// text stays in the logs.
func messageFor(kind perrors.Kind, err error) string {
	switch kind {
	case perrors.KindValidation, perrors.KindAuthz, perrors.KindQuota,
		perrors.KindNotFound, perrors.KindExternalModel:
		return err.Error()
	case perrors.KindStorageTransient:
		return "temporarily unavailable, retry with backoff"
	case perrors.KindCancelled:
		return "request cancelled"
	default:
		return "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := kindFor(err)

	var envelope errorEnvelope

	envelope.Error.Code = string(kind)
	envelope.Error.Message = messageFor(kind, err)

	// A final chat failure carries the composed prompt and a retry token
	// back to the client.
	var chatErr *gateway.ChatError
	if perrors.As(err, &chatErr) {
		envelope.Error.Prompt = chatErr.Prompt
		envelope.Error.RetryToken = chatErr.RetryToken
	}

	status := statusFor(kind)
	if perrors.Is(err, perrors.ErrUnauthorized) {
		status = http.StatusUnauthorized
	}

	writeJSON(w, status, envelope)
}

// kindFor maps auth sentinels, which KindOf folds into KindAuthz, to the
// right HTTP semantics: missing/invalid credentials are 401, missing
// capability 403.
func kindFor(err error) perrors.Kind {
	if perrors.Is(err, perrors.ErrUnauthorized) {
		return perrors.KindAuthz
	}

	return perrors.KindOf(err)
}

func writeUnauthorized(w http.ResponseWriter) {
	var envelope errorEnvelope

	envelope.Error.Code = string(perrors.KindAuthz)
	envelope.Error.Message = "missing or invalid credentials"

	writeJSON(w, http.StatusUnauthorized, envelope)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
