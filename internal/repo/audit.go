package repo

import (
	"context"
	"database/sql"

	"dossierflow/internal/domain"
)

const auditColumns = `id, dossier_id, COALESCE(from_status,''), to_status, actor_id, ts, COALESCE(comment,'')`

func scanAuditEntry(scan func(dest ...any) error) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var from, to string
	err := scan(&e.ID, &e.DossierID, &from, &to, &e.ActorID, &e.TS, &e.Comment)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.FromStatus = domain.Status(from)
	e.ToStatus = domain.Status(to)
	return e, err
}

// ListAuditEntries returns the full transition history of a dossier in
// append order.
func (r Repo) ListAuditEntries(ctx context.Context, dossierID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE dossier_id=? ORDER BY id`, dossierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestAuditEntryTx returns the most recent entry that put the dossier in
// the given status; the idempotent-replay path returns it instead of
// appending a duplicate.
func (r Repo) LatestAuditEntryTx(ctx context.Context, tx *sql.Tx, dossierID string, to domain.Status) (domain.AuditEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE dossier_id=? AND to_status=? ORDER BY id DESC LIMIT 1`,
		dossierID, string(to))
	return scanAuditEntry(row.Scan)
}

// AuditEntriesAfter feeds the webhook dispatcher cursor.
func (r Repo) AuditEntriesAfter(ctx context.Context, limit int, afterID int64) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestAuditEntryID initializes the dispatcher cursor at startup.
func (r Repo) LatestAuditEntryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_entries`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
