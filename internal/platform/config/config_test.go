package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Test environment variable keys.
const (
	testEnvPostgresDSN = "POSTGRES_DSN"
)

// Test values.
const (
	testPostgresDSN  = "postgres://localhost/test"
	testErrLoad      = "Load() error = %v"
	testDefaultEnv   = "local"
	testDefaultModel = "gpt-4o-mini"
)

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv(testEnvPostgresDSN)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing required vars, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.AppEnv != testDefaultEnv {
		t.Errorf("AppEnv = %q, want %q", cfg.AppEnv, testDefaultEnv)
	}

	if cfg.OpenAIModel != testDefaultModel {
		t.Errorf("OpenAIModel = %q, want %q", cfg.OpenAIModel, testDefaultModel)
	}

	if cfg.MaxBatchSize != 256 {
		t.Errorf("MaxBatchSize = %d, want 256", cfg.MaxBatchSize)
	}

	if cfg.PromptTokenBudget != 50000 {
		t.Errorf("PromptTokenBudget = %d, want 50000", cfg.PromptTokenBudget)
	}

	if !cfg.SmallModelMode {
		t.Error("SmallModelMode should default to true")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("MAX_BATCH_SIZE", "32")
	t.Setenv("HOT_WEIGHT_FLOOR", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf(testErrLoad, err)
	}

	if cfg.MaxBatchSize != 32 {
		t.Errorf("MaxBatchSize = %d, want 32", cfg.MaxBatchSize)
	}

	if cfg.HotWeightFloor != 0.5 {
		t.Errorf("HotWeightFloor = %f, want 0.5", cfg.HotWeightFloor)
	}
}

func TestScoringRules_Defaults(t *testing.T) {
	rules := DefaultScoringRules()

	if got := rules.TrustFor("__chat"); got != 0.9 {
		t.Errorf("TrustFor(__chat) = %f, want 0.9", got)
	}

	if got := rules.TrustFor("unknown-app"); got != 0.5 {
		t.Errorf("TrustFor(unknown-app) = %f, want 0.5", got)
	}
}

func TestRulesStore_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	content := "source_trust:\n  wiki: 0.75\ndefault_trust: 0.4\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	logger := testLogger()

	store, err := NewRulesStore(path, logger)
	if err != nil {
		t.Fatalf("NewRulesStore() error = %v", err)
	}

	if got := store.Rules().TrustFor("wiki"); got != 0.75 {
		t.Errorf("TrustFor(wiki) = %f, want 0.75", got)
	}

	if got := store.Rules().TrustFor("nope"); got != 0.4 {
		t.Errorf("TrustFor(nope) = %f, want 0.4", got)
	}
}

func TestRulesStore_MissingFileFallsBack(t *testing.T) {
	logger := testLogger()

	store, err := NewRulesStore(filepath.Join(t.TempDir(), "absent.yaml"), logger)
	if err != nil {
		t.Fatalf("NewRulesStore() error = %v", err)
	}

	if got := store.Rules().TrustFor("notes"); got != 0.8 {
		t.Errorf("TrustFor(notes) = %f, want 0.8", got)
	}
}
