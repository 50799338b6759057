// Command percept-admin is the operator CLI: migrations, cold backups,
// invariant verification, index rebuilds, and per-user privacy operations
// (export, erase) that must work without the API surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/perceptlab/percept/internal/api"
	"github.com/perceptlab/percept/internal/core/domain"
	"github.com/perceptlab/percept/internal/core/fulltext"
	"github.com/perceptlab/percept/internal/platform/config"
	"github.com/perceptlab/percept/internal/privacy"
	db "github.com/perceptlab/percept/internal/storage"
	"github.com/perceptlab/percept/internal/storage/cold"
	"github.com/perceptlab/percept/internal/storage/hot"
	"github.com/perceptlab/percept/internal/tiered"
)

const (
	listPageSize = 500

	// weightSumTolerance allows for float accumulation drift when checking
	// that a user's normalized component weights sum to one.
	weightSumTolerance = 0.02
)

type adminContext struct {
	cfg      *config.Config
	database *db.DB
	logger   zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	admin := &adminContext{}

	root := &cobra.Command{
		Use:           "percept-admin",
		Short:         "Operational tooling for the percept backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return admin.connect(cmd.Context())
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if admin.database != nil {
				admin.database.Close()
			}
		},
	}

	root.AddCommand(
		admin.initCmd(),
		admin.migrateCmd(),
		admin.rotateKeyCmd(),
		admin.deactivateAppCmd(),
		admin.backupCmd(),
		admin.verifyCmd(),
		admin.reindexCmd(),
		admin.dumpProfileCmd(),
		admin.exportCmd(),
		admin.deleteUserCmd(),
		admin.retentionSweepCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "percept-admin: %v\n", err)
		os.Exit(1)
	}
}

func (a *adminContext) connect(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a.cfg = cfg
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	database, err := db.New(ctx, cfg.PostgresDSN, &a.logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	a.database = database

	return nil
}

func (a *adminContext) privacyService() *privacy.Service {
	coldStore, err := cold.NewStore(a.cfg.ColdStoreDir, &a.logger)
	if err != nil {
		a.logger.Fatal().Err(err).Msg("cold store init failed")
	}

	hotStore := a.newHotStore()
	index := a.newFullTextClient()
	tiers := tiered.New(a.database, hotStore, coldStore, index, &a.logger)

	return privacy.NewService(a.database, tiers, &a.logger)
}

func (a *adminContext) newHotStore() *hot.Store {
	return hot.New(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.cfg.HotTTL, &a.logger)
}

func (a *adminContext) newFullTextClient() *fulltext.Client {
	var baseURL string
	if a.cfg.FullTextEnabled {
		baseURL = a.cfg.FullTextBaseURL + "/" + a.cfg.FullTextCollection
	}

	return fulltext.New(fulltext.Config{
		BaseURL: baseURL,
		Timeout: a.cfg.FullTextTimeout,
	})
}

func (a *adminContext) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Prepare a fresh deployment: apply migrations and create the cold store layout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.database.Migrate(cmd.Context()); err != nil {
				return err
			}

			if _, err := cold.NewStore(a.cfg.ColdStoreDir, &a.logger); err != nil {
				return fmt.Errorf("create cold store: %w", err)
			}

			a.logger.Info().Str("cold_dir", a.cfg.ColdStoreDir).Msg("deployment initialized")

			return nil
		},
	}
}

func (a *adminContext) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.database.Migrate(cmd.Context()); err != nil {
				return err
			}

			a.logger.Info().Msg("migrations applied")

			return nil
		},
	}
}

func (a *adminContext) rotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key APP_ID",
		Short: "Replace an app's API key; the new key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appID := args[0]

			app, err := a.database.GetApp(ctx, appID)
			if err != nil {
				return err
			}

			newKey := api.NewAPIKey()
			if err := a.database.RotateAppKey(ctx, appID, api.HashAPIKey(newKey)); err != nil {
				return err
			}

			// Cached auth entries are keyed by the old hash.
			if err := a.newHotStore().InvalidateApp(ctx, app.APIKeyHash); err != nil {
				a.logger.Warn().Err(err).Msg("auth cache invalidation failed; old key may work until the cache expires")
			}

			fmt.Println(newKey)

			return nil
		},
	}
}

func (a *adminContext) deactivateAppCmd() *cobra.Command {
	var reactivate bool

	cmd := &cobra.Command{
		Use:   "deactivate-app APP_ID",
		Short: "Disable an app's credentials (or re-enable with --reactivate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appID := args[0]

			app, err := a.database.GetApp(ctx, appID)
			if err != nil {
				return err
			}

			if err := a.database.SetAppActive(ctx, appID, reactivate); err != nil {
				return err
			}

			if err := a.newHotStore().InvalidateApp(ctx, app.APIKeyHash); err != nil {
				a.logger.Warn().Err(err).Msg("auth cache invalidation failed; the change may lag until the cache expires")
			}

			a.logger.Info().Str("app_id", appID).Bool("active", reactivate).Msg("app status updated")

			return nil
		},
	}

	cmd.Flags().BoolVar(&reactivate, "reactivate", false, "re-enable the app instead of disabling it")

	return cmd
}

func (a *adminContext) backupCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Dump all warm-tier observations into compressed segments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backup, err := cold.NewStore(dir, &a.logger)
			if err != nil {
				return fmt.Errorf("open backup dir: %w", err)
			}

			total := 0

			err = a.forEachObservation(cmd.Context(), func(obs *domain.Observation) error {
				if err := backup.Put(cmd.Context(), obs); err != nil {
					return fmt.Errorf("backup %s: %w", obs.ID, err)
				}

				total++

				return nil
			})
			if err != nil {
				return err
			}

			a.logger.Info().Int("observations", total).Str("dir", dir).Msg("backup complete")

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "./data/backup", "backup output directory")

	return cmd
}

func (a *adminContext) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check stored data against the system invariants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			violations := 0

			users, err := a.database.ListActiveUsers(ctx)
			if err != nil {
				return err
			}

			for _, userID := range users {
				violations += a.verifyProfile(ctx, userID)
				violations += a.verifyObservations(ctx, userID)
			}

			if pending, err := a.database.CountPendingJournal(ctx); err == nil && pending > 0 {
				a.logger.Warn().Int64("pending", pending).Msg("index journal has uncommitted entries")
			}

			if violations > 0 {
				return fmt.Errorf("%d invariant violations found", violations)
			}

			a.logger.Info().Int("users", len(users)).Msg("all invariants hold")

			return nil
		},
	}
}

func (a *adminContext) verifyProfile(ctx context.Context, userID string) int {
	components, err := a.database.GetProfileComponents(ctx, userID)
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", userID).Msg("profile load failed")
		return 1
	}

	if len(components) == 0 {
		return 0
	}

	violations := 0
	sum := 0.0

	for _, c := range components {
		if c.NormalizedWeight < 0 || c.NormalizedWeight > 1 {
			a.logger.Error().Str("component_id", c.ID).Float32("weight", c.NormalizedWeight).
				Msg("normalized weight out of range")

			violations++
		}

		sum += float64(c.NormalizedWeight)
	}

	if math.Abs(sum-1) > weightSumTolerance {
		a.logger.Error().Str("user_id", userID).Float64("sum", sum).
			Msg("normalized weights do not sum to one")

		violations++
	}

	return violations
}

func (a *adminContext) verifyObservations(ctx context.Context, userID string) int {
	violations := 0

	err := a.forEachUserObservation(ctx, userID, func(obs *domain.Observation) error {
		if obs.InfluenceWeight < 0 || obs.InfluenceWeight > 1 {
			a.logger.Error().Str("observation_id", obs.ID).Float32("influence", obs.InfluenceWeight).
				Msg("influence weight out of range")

			violations++
		}

		if obs.InfluenceWeight > obs.QualityScore*obs.AttentionWeight+weightSumTolerance {
			a.logger.Error().Str("observation_id", obs.ID).
				Msg("influence weight exceeds quality times attention")

			violations++
		}

		if len(obs.Embedding) > 0 && len(obs.Embedding) != a.cfg.EmbeddingDimensions {
			a.logger.Error().Str("observation_id", obs.ID).Int("dims", len(obs.Embedding)).
				Msg("embedding dimensionality mismatch")

			violations++
		}

		return nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", userID).Msg("observation scan failed")
		violations++
	}

	return violations
}

func (a *adminContext) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the full-text index from the warm tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			index := a.newFullTextClient()
			if !index.Enabled() {
				return fmt.Errorf("full-text index is not configured")
			}

			total := 0

			err := a.forEachObservation(cmd.Context(), func(obs *domain.Observation) error {
				if err := index.Index(cmd.Context(), fulltext.DocumentFor(obs)); err != nil {
					return fmt.Errorf("index %s: %w", obs.ID, err)
				}

				total++

				return nil
			})
			if err != nil {
				return err
			}

			a.logger.Info().Int("documents", total).Msg("reindex complete")

			return nil
		},
	}
}

func (a *adminContext) dumpProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-profile USER_ID",
		Short: "Print a user's profile and components as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			userID := args[0]

			profile, err := a.database.GetUserProfile(ctx, userID)
			if err != nil {
				return err
			}

			components, err := a.database.GetProfileComponents(ctx, userID)
			if err != nil {
				return err
			}

			return printJSON(map[string]interface{}{
				"profile":    profile,
				"components": components,
			})
		},
	}
}

func (a *adminContext) exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export USER_ID",
		Short: "Export all of a user's stored data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			export, err := a.privacyService().ExportUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if out == "" {
				return printJSON(export)
			}

			encoded, err := json.MarshalIndent(export, "", "  ")
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, encoded, 0o600); err != nil {
				return err
			}

			a.logger.Info().Str("path", out).Int("observations", len(export.Observations)).Msg("export written")

			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write the export to a file instead of stdout")

	return cmd
}

func (a *adminContext) deleteUserCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "delete-user USER_ID",
		Short: "Erase all of a user's data across every tier and index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("erasure is irreversible; re-run with --yes")
			}

			count, err := a.privacyService().EraseUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			a.logger.Info().Str("user_id", args[0]).Int("observations", count).Msg("user erased")

			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the erasure")

	return cmd
}

func (a *adminContext) retentionSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention-sweep",
		Short: "Soft-delete observations past their retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			swept, err := a.privacyService().RetentionSweep(cmd.Context())
			if err != nil {
				return err
			}

			a.logger.Info().Int("swept", swept).Msg("retention sweep complete")

			return nil
		},
	}
}

func (a *adminContext) forEachObservation(ctx context.Context, fn func(obs *domain.Observation) error) error {
	users, err := a.database.ListActiveUsers(ctx)
	if err != nil {
		return err
	}

	for _, userID := range users {
		if err := a.forEachUserObservation(ctx, userID, fn); err != nil {
			return err
		}
	}

	return nil
}

func (a *adminContext) forEachUserObservation(ctx context.Context, userID string, fn func(obs *domain.Observation) error) error {
	afterID := ""

	for {
		page, err := a.database.ListUserObservations(ctx, userID, afterID, listPageSize)
		if err != nil {
			return err
		}

		if len(page) == 0 {
			return nil
		}

		for _, obs := range page {
			if err := fn(obs); err != nil {
				return err
			}
		}

		afterID = page[len(page)-1].ID
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
