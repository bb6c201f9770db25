package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatdesk/internal/crypto"
	"chatdesk/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, true)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer store.Close()
		log.Info().Str("driver", cfg.DB.Driver).Msg("schema is up to date")
		return nil
	},
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Re-seal stored personal API keys with MASTER_KEY_CURRENT_ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		vault, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("initialize crypto manager: %w", err)
		}
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		defer store.Close()

		keys, err := store.ListUserAPIKeys(ctx)
		if err != nil {
			return err
		}
		var rotated, failed int
		for _, k := range keys {
			out, changed, err := vault.Rotate(k.EncAPIKey, k.UserID)
			if err != nil {
				failed++
				log.Error().Err(err).Str("user_id", k.UserID).Msg("cannot open stored key")
				continue
			}
			if !changed {
				continue
			}
			rotated++
			if dryRun {
				continue
			}
			if err := store.SetUserAPIKey(ctx, k.UserID, out); err != nil {
				return fmt.Errorf("store rotated key for %s: %w", k.UserID, err)
			}
		}
		log.Info().
			Int("total", len(keys)).
			Int("rotated", rotated).
			Int("failed", failed).
			Bool("dry_run", dryRun).
			Str("key_id", cfg.Crypto.CurrentKeyID).
			Msg("key rotation finished")
		if failed > 0 {
			return fmt.Errorf("%d keys could not be opened", failed)
		}
		return nil
	},
}
