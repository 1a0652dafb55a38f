package app

import (
	"context"
	"database/sql"
	"fmt"

	"dossierflow/internal/config"
	"dossierflow/internal/migrate"
	"dossierflow/internal/repo"
)

// Bootstrap migrates the workspace database and syncs the configured
// verification catalog into it. The stored catalog is the snapshot the
// workflow validates records against; it only changes here, never during
// a transition.
func Bootstrap(ctx context.Context, db *sql.DB, cfg *config.Config) error {
	if err := migrate.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: db}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ReplaceCatalogTx(ctx, tx, cfg.Items()); err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	return tx.Commit()
}
