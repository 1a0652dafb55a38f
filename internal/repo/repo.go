package repo

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"dossierflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const dossierColumns = `id, reference, COALESCE(title,''), status, rejection_reason, rejection_details, rejected_at, created_by, created_at, updated_at, version`

func scanDossier(scan func(dest ...any) error) (domain.Dossier, error) {
	var d domain.Dossier
	var status string
	var reason, details, rejectedAt sql.NullString
	err := scan(&d.ID, &d.Reference, &d.Title, &status, &reason, &details, &rejectedAt, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &d.Version)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.Status(status)
	if reason.Valid {
		d.Rejection = &domain.Rejection{
			Reason:  reason.String,
			Details: details.String,
			TS:      rejectedAt.String,
		}
	}
	return d, nil
}

func (r Repo) InsertDossierTx(ctx context.Context, tx *sql.Tx, d domain.Dossier) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dossiers(id, reference, title, status, created_by, created_at, updated_at, version) VALUES (?,?,?,?,?,?,?,0)`,
		d.ID, d.Reference, nullable(d.Title), string(d.Status), d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE id=?`, id)
	return scanDossier(row.Scan)
}

// GetDossierTx reads the dossier inside the caller's transaction so the
// status and version the guard sees are the ones the commit will check.
func (r Repo) GetDossierTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dossier, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE id=?`, id)
	return scanDossier(row.Scan)
}

func (r Repo) GetDossierByReference(ctx context.Context, reference string) (domain.Dossier, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE reference=?`, reference)
	return scanDossier(row.Scan)
}

// UpdateDossierStatusTx applies the status change with an optimistic
// version check. Returns false when another transition won the race.
func (r Repo) UpdateDossierStatusTx(ctx context.Context, tx *sql.Tx, d domain.Dossier, expectedVersion int64) (bool, error) {
	var reason, details, rejectedAt any
	if d.Rejection != nil {
		reason = d.Rejection.Reason
		details = nullable(d.Rejection.Details)
		rejectedAt = d.Rejection.TS
	}
	res, err := tx.ExecContext(ctx, `UPDATE dossiers SET status=?, rejection_reason=?, rejection_details=?, rejected_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(d.Status), reason, details, rejectedAt, d.UpdatedAt, d.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DossierFilters narrows ListDossiers.
type DossierFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDossiers(ctx context.Context, f DossierFilters) ([]domain.Dossier, error) {
	query := `SELECT ` + dossierColumns + ` FROM dossiers`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" {
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dossier
	for rows.Next() {
		d, err := scanDossier(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDossiersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM dossiers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ComposeCursor / ParseCursor implement the list pagination token.
func ComposeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func ParseCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
