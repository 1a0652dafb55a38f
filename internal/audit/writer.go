// Package audit appends the immutable transition trail. Entries are only
// ever written inside the orchestrator's transaction: no entry without a
// status change, no status change without an entry.
package audit

import (
	"context"
	"database/sql"
	"time"

	"dossierflow/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one entry within tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	if e.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = now().UTC().Format(time.RFC3339)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(dossier_id, from_status, to_status, actor_id, ts, comment) VALUES (?,?,?,?,?,?)`,
		e.DossierID, nullable(string(e.FromStatus)), string(e.ToStatus), e.ActorID, e.TS, nullable(e.Comment))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
