// Package cold implements the filesystem cold tier: per (user, month)
// snappy-framed JSONL segments with JSON sidecar manifests. Appends go to
// an open uncompressed part; compaction folds the part into the sealed
// segment. Later lines for the same observation id supersede earlier ones,
// so updates are plain appends.
package cold

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/rs/zerolog"

	"github.com/perceptlab/percept/internal/core/domain"
	perrors "github.com/perceptlab/percept/internal/core/errors"
	"github.com/perceptlab/percept/internal/platform/keyedmutex"
)

const (
	segmentLayout   = "200601" // yyyymm
	sealedSuffix    = ".jsonl.sz"
	openSuffix      = ".open.jsonl"
	manifestSuffix  = ".manifest.json"
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// ManifestEntry records one observation's presence in a segment.
type ManifestEntry struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Manifest is the JSON sidecar of one segment. It lets lookups and
// idempotency checks skip decompression entirely.
type Manifest struct {
	Segment  string          `json:"segment"`
	Sealed   bool            `json:"sealed"`
	SealedAt time.Time       `json:"sealed_at,omitempty"`
	Entries  []ManifestEntry `json:"entries"`
}

func (m *Manifest) find(id string) *ManifestEntry {
	for i := range m.Entries {
		if m.Entries[i].ID == id {
			return &m.Entries[i]
		}
	}

	return nil
}

// Store is the cold tier root. All per-user operations serialize on a
// keyed mutex so appends, reads, and compaction never interleave within
// one user's directory.
type Store struct {
	dir    string
	locks  *keyedmutex.Mutex
	logger *zerolog.Logger
}

// NewStore opens (creating if needed) a cold store rooted at dir.
func NewStore(dir string, logger *zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create cold store root: %w", err)
	}

	return &Store{
		dir:    dir,
		locks:  keyedmutex.New(),
		logger: logger,
	}, nil
}

// Put appends the observation to its (user, month) segment's open part and
// records it in the manifest. Re-putting an existing id supersedes the
// earlier line.
func (s *Store) Put(ctx context.Context, obs *domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.locks.Lock(obs.UserID)
	defer s.locks.Unlock(obs.UserID)

	segment := obs.Timestamp.UTC().Format(segmentLayout)

	userDir := filepath.Join(s.dir, obs.UserID)
	if err := os.MkdirAll(userDir, dirPermissions); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	line, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}

	openPath := filepath.Join(userDir, segment+openSuffix)

	f, err := os.OpenFile(openPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermissions)
	if err != nil {
		return fmt.Errorf("open segment part: %w", err)
	}

	if _, err = f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append observation: %w", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("close segment part: %w", err)
	}

	manifest, err := s.loadManifest(userDir, segment)
	if err != nil {
		return err
	}

	if entry := manifest.find(obs.ID); entry != nil {
		entry.ContentHash = obs.ContentHash
		entry.Deleted = obs.Deleted
	} else {
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			ID:          obs.ID,
			ContentHash: obs.ContentHash,
			Deleted:     obs.Deleted,
		})
	}

	return s.saveManifest(userDir, segment, manifest)
}

// Get returns the latest stored version of the observation, or
// ErrNotFound when the id is absent or marked deleted.
func (s *Store) Get(ctx context.Context, userID, id string) (*domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	userDir := filepath.Join(s.dir, userID)

	segments, err := s.userSegments(userDir)
	if err != nil {
		return nil, err
	}

	for _, segment := range segments {
		manifest, err := s.loadManifest(userDir, segment)
		if err != nil {
			return nil, err
		}

		entry := manifest.find(id)
		if entry == nil {
			continue
		}

		if entry.Deleted {
			return nil, perrors.ErrNotFound
		}

		return s.scanSegment(userDir, segment, id)
	}

	return nil, perrors.ErrNotFound
}

// MarkDeleted flips the manifest's deleted flag for the observation so it
// disappears from reads without rewriting the segment. The line itself is
// dropped at the next compaction.
func (s *Store) MarkDeleted(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	userDir := filepath.Join(s.dir, userID)

	segments, err := s.userSegments(userDir)
	if err != nil {
		return err
	}

	for _, segment := range segments {
		manifest, err := s.loadManifest(userDir, segment)
		if err != nil {
			return err
		}

		entry := manifest.find(id)
		if entry == nil {
			continue
		}

		entry.Deleted = true

		return s.saveManifest(userDir, segment, manifest)
	}

	return perrors.ErrNotFound
}

// ForEach streams every live observation of one user, oldest segment
// first. Used by reindexing and data export.
func (s *Store) ForEach(ctx context.Context, userID string, fn func(obs *domain.Observation) error) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	userDir := filepath.Join(s.dir, userID)

	segments, err := s.userSegments(userDir)
	if err != nil {
		return err
	}

	// Oldest first.
	sort.Strings(segments)

	for _, segment := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		manifest, err := s.loadManifest(userDir, segment)
		if err != nil {
			return err
		}

		latest, err := s.collectSegment(userDir, segment)
		if err != nil {
			return err
		}

		for _, entry := range manifest.Entries {
			if entry.Deleted {
				continue
			}

			obs, ok := latest[entry.ID]
			if !ok {
				continue
			}

			if err := fn(obs); err != nil {
				return err
			}
		}
	}

	return nil
}

// DeleteUser removes the user's entire cold directory. Privacy hard-delete
// path.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	if err := os.RemoveAll(filepath.Join(s.dir, userID)); err != nil {
		return fmt.Errorf("delete user cold data: %w", err)
	}

	return nil
}

// Compact seals open parts of past months: live lines from the sealed
// segment and the open part are rewritten into a fresh snappy segment,
// deleted and superseded lines are dropped, and the manifest is marked
// sealed. The current month's part stays open for appends.
func (s *Store) Compact(ctx context.Context) error {
	users, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list cold store users: %w", err)
	}

	currentSegment := time.Now().UTC().Format(segmentLayout)

	for _, user := range users {
		if !user.IsDir() {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.compactUser(user.Name(), currentSegment); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.Name()).Msg("cold compaction failed for user")
		}
	}

	return nil
}

func (s *Store) compactUser(userID, currentSegment string) error {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	userDir := filepath.Join(s.dir, userID)

	segments, err := s.userSegments(userDir)
	if err != nil {
		return err
	}

	for _, segment := range segments {
		if segment >= currentSegment {
			continue
		}

		openPath := filepath.Join(userDir, segment+openSuffix)
		if _, statErr := os.Stat(openPath); os.IsNotExist(statErr) {
			continue
		}

		if err := s.sealSegment(userDir, segment); err != nil {
			return fmt.Errorf("seal segment %s: %w", segment, err)
		}

		s.logger.Info().
			Str("user_id", userID).
			Str("segment", segment).
			Msg("sealed cold segment")
	}

	return nil
}

func (s *Store) sealSegment(userDir, segment string) error {
	manifest, err := s.loadManifest(userDir, segment)
	if err != nil {
		return err
	}

	latest, err := s.collectSegment(userDir, segment)
	if err != nil {
		return err
	}

	sealedPath := filepath.Join(userDir, segment+sealedSuffix)
	tmpPath := sealedPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("create sealed segment: %w", err)
	}

	w := snappy.NewBufferedWriter(f)

	live := manifest.Entries[:0]

	for _, entry := range manifest.Entries {
		if entry.Deleted {
			continue
		}

		obs, ok := latest[entry.ID]
		if !ok {
			continue
		}

		line, marshalErr := json.Marshal(obs)
		if marshalErr != nil {
			w.Close()
			f.Close()

			return fmt.Errorf("marshal observation: %w", marshalErr)
		}

		if _, writeErr := w.Write(append(line, '\n')); writeErr != nil {
			w.Close()
			f.Close()

			return fmt.Errorf("write sealed segment: %w", writeErr)
		}

		live = append(live, entry)
	}

	if err = w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush sealed segment: %w", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("close sealed segment: %w", err)
	}

	if err = os.Rename(tmpPath, sealedPath); err != nil {
		return fmt.Errorf("publish sealed segment: %w", err)
	}

	if err = os.Remove(filepath.Join(userDir, segment+openSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove open part: %w", err)
	}

	manifest.Entries = live
	manifest.Sealed = true
	manifest.SealedAt = time.Now().UTC()

	return s.saveManifest(userDir, segment, manifest)
}

// scanSegment returns the latest line for id within one segment.
func (s *Store) scanSegment(userDir, segment, id string) (*domain.Observation, error) {
	latest, err := s.collectSegment(userDir, segment)
	if err != nil {
		return nil, err
	}

	obs, ok := latest[id]
	if !ok {
		return nil, perrors.ErrNotFound
	}

	return obs, nil
}

// collectSegment reads the sealed segment then the open part, keeping the
// last line seen per id.
func (s *Store) collectSegment(userDir, segment string) (map[string]*domain.Observation, error) {
	latest := make(map[string]*domain.Observation)

	sealedPath := filepath.Join(userDir, segment+sealedSuffix)
	if f, err := os.Open(sealedPath); err == nil {
		scanErr := scanLines(snappy.NewReader(f), latest)

		f.Close()

		if scanErr != nil {
			return nil, fmt.Errorf("scan sealed segment: %w", scanErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open sealed segment: %w", err)
	}

	openPath := filepath.Join(userDir, segment+openSuffix)
	if f, err := os.Open(openPath); err == nil {
		scanErr := scanLines(f, latest)

		f.Close()

		if scanErr != nil {
			return nil, fmt.Errorf("scan open part: %w", scanErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open segment part: %w", err)
	}

	return latest, nil
}

func scanLines(r io.Reader, latest map[string]*domain.Observation) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var obs domain.Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			// A torn tail line from a crash mid-append is skipped; the
			// manifest still points at the previous complete version.
			continue
		}

		o := obs
		latest[obs.ID] = &o
	}

	return scanner.Err()
}

// userSegments lists segment names for a user, newest first.
func (s *Store) userSegments(userDir string) ([]string, error) {
	entries, err := os.ReadDir(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("list user segments: %w", err)
	}

	seen := make(map[string]struct{})

	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, manifestSuffix) {
			seen[strings.TrimSuffix(name, manifestSuffix)] = struct{}{}
		}
	}

	segments := make([]string, 0, len(seen))
	for segment := range seen {
		segments = append(segments, segment)
	}

	// Newest first: recent observations are the likelier lookups.
	sort.Sort(sort.Reverse(sort.StringSlice(segments)))

	return segments, nil
}

func (s *Store) loadManifest(userDir, segment string) (*Manifest, error) {
	path := filepath.Join(userDir, segment+manifestSuffix)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Segment: segment}, nil
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return &manifest, nil
}

func (s *Store) saveManifest(userDir, segment string, manifest *Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(userDir, segment+manifestSuffix)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, filePermissions); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}

	return nil
}
