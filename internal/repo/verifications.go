package repo

import (
	"context"
	"database/sql"

	"dossierflow/internal/domain"
)

const itemColumns = `id, category_id, stage, label, mandatory, position`

func scanItem(scan func(dest ...any) error) (domain.VerificationItem, error) {
	var it domain.VerificationItem
	var stage string
	var mandatory int
	err := scan(&it.ID, &it.CategoryID, &stage, &it.Label, &mandatory, &it.Position)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Stage = domain.Stage(stage)
	it.Mandatory = mandatory != 0
	return it, nil
}

// ReplaceCatalogTx swaps the stored catalog for the configured one. Called
// at bootstrap; never during workflow execution.
func (r Repo) ReplaceCatalogTx(ctx context.Context, tx *sql.Tx, items []domain.VerificationItem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM verification_items`); err != nil {
		return err
	}
	for _, it := range items {
		mandatory := 0
		if it.Mandatory {
			mandatory = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO verification_items(id, category_id, stage, label, mandatory, position) VALUES (?,?,?,?,?,?)`,
			it.ID, it.CategoryID, string(it.Stage), it.Label, mandatory, it.Position); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.VerificationItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM verification_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) ListItems(ctx context.Context) ([]domain.VerificationItem, error) {
	return r.listItems(ctx, r.DB, "", "")
}

// ListItemsByStageTx reads the catalog snapshot for a stage inside the
// guard's transaction.
func (r Repo) ListItemsByStageTx(ctx context.Context, tx *sql.Tx, stage domain.Stage) ([]domain.VerificationItem, error) {
	return r.listItems(ctx, tx, string(stage), "")
}

func (r Repo) ListItemsByCategoryTx(ctx context.Context, tx *sql.Tx, categoryID string) ([]domain.VerificationItem, error) {
	return r.listItems(ctx, tx, "", categoryID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) listItems(ctx context.Context, q queryer, stage, categoryID string) ([]domain.VerificationItem, error) {
	query := `SELECT ` + itemColumns + ` FROM verification_items`
	var args []any
	switch {
	case stage != "":
		query += ` WHERE stage=?`
		args = append(args, stage)
	case categoryID != "":
		query += ` WHERE category_id=?`
		args = append(args, categoryID)
	}
	query += ` ORDER BY position`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.VerificationItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const recordColumns = `dossier_id, item_id, outcome, COALESCE(justification,''), decided_by, decided_at`

func scanRecord(scan func(dest ...any) error) (domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	var outcome string
	err := scan(&rec.DossierID, &rec.ItemID, &outcome, &rec.Justification, &rec.DecidedBy, &rec.DecidedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	rec.Outcome = domain.Outcome(outcome)
	return rec, err
}

// UpsertRecordTx writes one ledger row; re-deciding an item overwrites the
// prior decision.
func (r Repo) UpsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.VerificationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_records(dossier_id, item_id, outcome, justification, decided_by, decided_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(dossier_id, item_id) DO UPDATE SET outcome=excluded.outcome, justification=excluded.justification, decided_by=excluded.decided_by, decided_at=excluded.decided_at`,
		rec.DossierID, rec.ItemID, string(rec.Outcome), nullable(rec.Justification), rec.DecidedBy, rec.DecidedAt)
	return err
}

func (r Repo) ListRecords(ctx context.Context, dossierID string) ([]domain.VerificationRecord, error) {
	return r.listRecords(ctx, r.DB, dossierID)
}

// ListRecordsTx reads the ledger inside the guard's transaction; a stale
// synthesis computed outside it must never authorize a transition.
func (r Repo) ListRecordsTx(ctx context.Context, tx *sql.Tx, dossierID string) ([]domain.VerificationRecord, error) {
	return r.listRecords(ctx, tx, dossierID)
}

func (r Repo) listRecords(ctx context.Context, q queryer, dossierID string) ([]domain.VerificationRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM verification_records WHERE dossier_id=?`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []domain.VerificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteRecordsForCategoryTx bulk-removes a dossier's answers for one
// category. Resubmission uses it so a prior review cannot leak into the new
// one.
func (r Repo) DeleteRecordsForCategoryTx(ctx context.Context, tx *sql.Tx, dossierID, categoryID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM verification_records WHERE dossier_id=? AND item_id IN (SELECT id FROM verification_items WHERE category_id=?)`,
		dossierID, categoryID)
	return err
}

func (r Repo) DeleteRecordsForStageTx(ctx context.Context, tx *sql.Tx, dossierID string, stage domain.Stage) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM verification_records WHERE dossier_id=? AND item_id IN (SELECT id FROM verification_items WHERE stage=?)`,
		dossierID, string(stage))
	return err
}
