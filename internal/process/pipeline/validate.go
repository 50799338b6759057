package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
)

// maxItemBytes caps the combined content size of one raw observation.
const maxItemBytes = 64 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// RawObservation is the client-submitted shape before any enrichment.
type RawObservation struct {
	Source    string   `json:"source" validate:"required,max=128"`
	Highlight string   `json:"highlight" validate:"required"`
	Note      string   `json:"note"`
	Address   string   `json:"address" validate:"required"`
	Tags      []string `json:"tags" validate:"max=32,dive,min=1,max=64"`
	Access    string   `json:"access" validate:"omitempty,oneof=private public restricted"`
	Timestamp string   `json:"timestamp" validate:"required"`
}

// toObservation validates the raw item and builds the domain observation:
// id assigned, tags deduplicated, timestamp parsed, content hash computed.
func (r RawObservation) toObservation(userID, appID string) (*domain.Observation, error) {
	if err := validate.Struct(r); err != nil {
		return nil, fmt.Errorf("%w: %s", perrors.ErrValidation, firstValidationError(err))
	}

	if size := len(r.Highlight) + len(r.Note) + len(r.Address) + tagBytes(r.Tags); size > maxItemBytes {
		return nil, fmt.Errorf("%w: %d bytes", perrors.ErrItemTooLarge, size)
	}

	ts, err := dateparse.ParseAny(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable timestamp %q", perrors.ErrValidation, r.Timestamp)
	}

	access := domain.Access(r.Access)
	if r.Access == "" {
		access = domain.AccessPrivate
	}

	if !access.Valid() {
		return nil, fmt.Errorf("%w: unknown access level %q", perrors.ErrValidation, r.Access)
	}

	tags := dedupeTags(r.Tags)

	obs := &domain.Observation{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     appID,
		Source:    r.Source,
		Highlight: r.Highlight,
		Note:      r.Note,
		Address:   r.Address,
		Tags:      tags,
		Access:    access,
		Timestamp: ts.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	obs.ContentHash = ContentHash(userID, r.Source, r.Highlight, r.Note, r.Address, tags)

	return obs, nil
}

// ContentHash is the stable content identifier driving idempotency: SHA-256
// over the identifying fields with sorted tags.
func ContentHash(userID, source, highlight, note, address string, tags []string) string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)

	h := sha256.New()

	for _, field := range []string{userID, source, highlight, note, address, strings.Join(sorted, ",")} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// dedupeTags removes duplicates preserving first-seen order.
func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}

		seen[tag] = true
		out = append(out, tag)
	}

	return out
}

func tagBytes(tags []string) int {
	total := 0
	for _, tag := range tags {
		total += len(tag)
	}

	return total
}

func firstValidationError(err error) string {
	var verrs validator.ValidationErrors
	if perrors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("field %s fails %s", verrs[0].Field(), verrs[0].Tag())
	}

	return err.Error()
}
