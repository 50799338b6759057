package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ScoringRules are the tunable scoring inputs that operators adjust without
// redeploying: the per-source trust table feeding quality scores.
type ScoringRules struct {
	SourceTrust  map[string]float32 `yaml:"source_trust"`
	DefaultTrust float32            `yaml:"default_trust"`
}

// DefaultScoringRules returns the compiled-in trust table. Chat feedback is
// trusted most since both sides of the exchange are known; unattributed
// sources sit at the midpoint.
func DefaultScoringRules() *ScoringRules {
	return &ScoringRules{
		SourceTrust: map[string]float32{
			"__chat":  0.9,
			"notes":   0.8,
			"browser": 0.6,
		},
		DefaultTrust: 0.5,
	}
}

// TrustFor returns the trust weight for a source.
func (r *ScoringRules) TrustFor(source string) float32 {
	if w, ok := r.SourceTrust[source]; ok {
		return w
	}

	return r.DefaultTrust
}

// RulesStore holds the active scoring rules and swaps them atomically when
// the rules file changes.
type RulesStore struct {
	path    string
	current atomic.Pointer[ScoringRules]
	logger  *zerolog.Logger
}

// NewRulesStore loads rules from path, falling back to defaults when the
// path is empty or the file is absent.
func NewRulesStore(path string, logger *zerolog.Logger) (*RulesStore, error) {
	s := &RulesStore{path: path, logger: logger}
	s.current.Store(DefaultScoringRules())

	if path == "" {
		return s, nil
	}

	if err := s.reload(); err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", path).Msg("scoring rules file missing, using defaults")
			return s, nil
		}

		return nil, err
	}

	return s, nil
}

// Rules returns the active rules snapshot.
func (s *RulesStore) Rules() *ScoringRules {
	return s.current.Load()
}

func (s *RulesStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	rules := DefaultScoringRules()
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return fmt.Errorf("parse scoring rules: %w", err)
	}

	if rules.DefaultTrust <= 0 || rules.DefaultTrust > 1 {
		rules.DefaultTrust = DefaultScoringRules().DefaultTrust
	}

	s.current.Store(rules)

	return nil
}

// Watch reloads the rules whenever the file is rewritten. It returns when
// the watcher fails to start and otherwise runs until the stop channel
// closes.
func (s *RulesStore) Watch(stop <-chan struct{}) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start rules watcher: %w", err)
	}

	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch scoring rules: %w", err)
	}

	go func() {
		defer func() {
			_ = watcher.Close()
		}()

		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}

				if err := s.reload(); err != nil {
					s.logger.Warn().Err(err).Msg("scoring rules reload failed, keeping previous rules")
					continue
				}

				s.logger.Info().Str("path", s.path).Msg("scoring rules reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				s.logger.Warn().Err(err).Msg("scoring rules watcher error")
			}
		}
	}()

	return nil
}
