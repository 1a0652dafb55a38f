// Package engine is the workflow orchestrator: the single entry point
// actors call to move a dossier through the approval chain. Each operation
// runs as one transaction; the status change, the guard check and the
// audit append commit together or not at all. Notification goes out only
// after commit and its failure never reaches the caller.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"dossierflow/internal/audit"
	"dossierflow/internal/config"
	"dossierflow/internal/domain"
	"dossierflow/internal/ledger"
	"dossierflow/internal/notify"
	"dossierflow/internal/repo"
	"dossierflow/internal/workflow"
)

// Notifier receives committed transition events. Publish must not block.
type Notifier interface {
	Publish(notify.Event)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Audit    audit.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Ledger: ledger.Ledger{Repo: r},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) clockAligned() Engine {
	e.Ledger.Now = e.Now
	e.Audit.Now = e.Now
	return e
}

func (e Engine) publish(evt notify.Event) {
	if e.Notifier == nil {
		return
	}
	// Best-effort; a panicking listener must not fail a committed transition.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: notification publish panicked: %v", r)
		}
	}()
	e.Notifier.Publish(evt)
}

// CreateOptions are parameters for submitting a new dossier.
type CreateOptions struct {
	ID        string
	Reference string
	Title     string
	Role      domain.Role
	ActorID   string
}

// CreateDossier performs the creation row of the transition table: a
// Secretary submits a dossier into EN_ATTENTE.
func (e Engine) CreateDossier(ctx context.Context, opts CreateOptions) (domain.Dossier, error) {
	if opts.Reference == "" {
		return domain.Dossier{}, workflow.ValidationErr{Field: "reference", Reason: "required"}
	}
	if opts.ActorID == "" {
		return domain.Dossier{}, workflow.ValidationErr{Field: "actor_id", Reason: "required"}
	}
	if opts.Role != domain.RoleSecretaire {
		return domain.Dossier{}, workflow.ForbiddenError{Role: opts.Role, Transition: workflow.Soumission}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Dossier{
		ID:        id,
		Reference: opts.Reference,
		Title:     opts.Title,
		Status:    domain.StatusEnAttente,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dossier{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDossierTx(ctx, tx, d); err != nil {
		return domain.Dossier{}, err
	}
	if _, err := e.clockAligned().Audit.Append(ctx, tx, domain.AuditEntry{
		DossierID: d.ID,
		ToStatus:  domain.StatusEnAttente,
		ActorID:   opts.ActorID,
	}); err != nil {
		return domain.Dossier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dossier{}, err
	}
	e.publish(notify.Event{
		DossierID: d.ID,
		Type:      "dossier.soumis",
		ToStatus:  domain.StatusEnAttente,
		ActorID:   opts.ActorID,
		TS:        e.now().UTC(),
	})
	return d, nil
}

// ApplyOptions carry one transition attempt.
type ApplyOptions struct {
	DossierID  string
	Role       domain.Role
	Transition workflow.Name
	Reason     string
	Details    string
	Comment    string
	ActorID    string
}

// ApplyResult is returned for accepted (or idempotently replayed)
// transitions. On a replay, AuditEntryID is the entry that originally put
// the dossier in the destination status; it is 0 when no such entry exists
// (a row edited outside the workflow), never for an accepted transition.
type ApplyResult struct {
	Status       domain.Status
	AuditEntryID int64
	Replayed     bool
}

// ApplyTransition resolves the actor's role against the transition table,
// evaluates the guard against ledger data read in the same transaction,
// applies the status change under an optimistic version check and appends
// the audit entry before committing.
func (e Engine) ApplyTransition(ctx context.Context, opts ApplyOptions) (ApplyResult, error) {
	if opts.DossierID == "" {
		return ApplyResult{}, workflow.ValidationErr{Field: "dossier_id", Reason: "required"}
	}
	if opts.ActorID == "" {
		return ApplyResult{}, workflow.ValidationErr{Field: "actor_id", Reason: "required"}
	}
	t, ok := workflow.Lookup(opts.Transition)
	if !ok || t.Name == workflow.Soumission {
		return ApplyResult{}, workflow.ValidationErr{Field: "transition", Reason: "unknown transition " + string(opts.Transition)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDossierTx(ctx, tx, opts.DossierID)
	if err != nil {
		return ApplyResult{}, err
	}
	if opts.Role != t.Role {
		return ApplyResult{}, workflow.ForbiddenError{Role: opts.Role, Transition: t.Name}
	}
	if d.Status == t.To {
		// Client retry after a dropped response: report the transition that
		// already happened instead of appending a second audit entry.
		entry, err := e.Repo.LatestAuditEntryTx(ctx, tx, d.ID, t.To)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return ApplyResult{}, err
		}
		return ApplyResult{Status: d.Status, AuditEntryID: entry.ID, Replayed: true}, nil
	}
	if !t.AllowsFrom(d.Status) {
		return ApplyResult{}, workflow.IllegalTransitionError{From: d.Status, Transition: t.Name}
	}
	if err := e.checkGuard(ctx, tx, t, d, opts); err != nil {
		return ApplyResult{}, err
	}

	from := d.Status
	nowStr := e.now().UTC().Format(time.RFC3339)
	d.Status = t.To
	d.UpdatedAt = nowStr
	switch t.Name {
	case workflow.RejetCB:
		d.Rejection = &domain.Rejection{Reason: opts.Reason, Details: opts.Details, TS: nowStr}
	case workflow.Resoumission:
		d.Rejection = nil
		// Fresh review: prior CB answers must not leak into the new one.
		if err := e.Repo.DeleteRecordsForStageTx(ctx, tx, d.ID, domain.StageCB); err != nil {
			return ApplyResult{}, err
		}
	}

	applied, err := e.Repo.UpdateDossierStatusTx(ctx, tx, d, d.Version)
	if err != nil {
		return ApplyResult{}, err
	}
	if !applied {
		return ApplyResult{}, workflow.ConcurrencyConflictError{DossierID: d.ID}
	}
	auditID, err := e.clockAligned().Audit.Append(ctx, tx, domain.AuditEntry{
		DossierID:  d.ID,
		FromStatus: from,
		ToStatus:   t.To,
		ActorID:    opts.ActorID,
		Comment:    opts.Comment,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, err
	}

	e.publish(notify.Event{
		DossierID:  d.ID,
		Type:       t.Event,
		FromStatus: from,
		ToStatus:   t.To,
		ActorID:    opts.ActorID,
		TS:         e.now().UTC(),
		Metadata:   map[string]any{"audit_entry_id": auditID},
	})
	return ApplyResult{Status: t.To, AuditEntryID: auditID}, nil
}

func (e Engine) checkGuard(ctx context.Context, tx *sql.Tx, t workflow.Transition, d domain.Dossier, opts ApplyOptions) error {
	switch t.Guard {
	case workflow.GuardNone:
		return nil
	case workflow.GuardReasonRequired:
		if opts.Reason == "" {
			return workflow.ValidationErr{Field: "reason", Reason: "required for " + string(t.Name)}
		}
		return nil
	case workflow.GuardCBComplete:
		l := e.clockAligned().Ledger
		guard := workflow.GuardNotSatisfiedError{Transition: t.Name}
		for _, categoryID := range e.cbCategories() {
			s, err := l.SynthesizeCategoryTx(ctx, tx, d.ID, categoryID)
			if err != nil {
				return err
			}
			guard.Missing = append(guard.Missing, s.Missing...)
		}
		if len(guard.Missing) > 0 {
			return guard
		}
		return nil
	case workflow.GuardOrdonnateurReady:
		s, err := e.clockAligned().Ledger.SynthesizeStageTx(ctx, tx, d.ID, domain.StageOrdonnateur)
		if err != nil {
			return err
		}
		if !s.IsReady {
			return workflow.GuardNotSatisfiedError{Transition: t.Name, Missing: s.Missing, Rejected: s.RejectedIDs}
		}
		return nil
	}
	return nil
}

func (e Engine) cbCategories() []string {
	var ids []string
	if e.Config != nil {
		for _, cat := range e.Config.Catalog {
			if domain.Stage(cat.Stage) == domain.StageCB {
				ids = append(ids, cat.ID)
			}
		}
	}
	return ids
}

// RecordVerification upserts one ledger row; permitted only while the
// dossier sits in the status whose stage owns the item and only for the
// role that owns that stage.
func (e Engine) RecordVerification(ctx context.Context, role domain.Role, opts ledger.RecordOptions) (domain.VerificationRecord, error) {
	if opts.DossierID == "" {
		return domain.VerificationRecord{}, workflow.ValidationErr{Field: "dossier_id", Reason: "required"}
	}
	if opts.ActorID == "" {
		return domain.VerificationRecord{}, workflow.ValidationErr{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDossierTx(ctx, tx, opts.DossierID)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	item, err := e.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationRecord{}, workflow.ValidationErr{Field: "item_id", Reason: "unknown catalog item " + opts.ItemID}
		}
		return domain.VerificationRecord{}, err
	}
	if role != domain.RoleForStage(item.Stage) {
		return domain.VerificationRecord{}, workflow.ForbiddenError{Role: role, Transition: workflow.Name("verification:" + item.ID)}
	}
	rec, err := e.clockAligned().Ledger.RecordTx(ctx, tx, d, opts)
	if err != nil {
		return domain.VerificationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationRecord{}, err
	}
	e.publish(notify.Event{
		DossierID: d.ID,
		Type:      "verification.enregistree",
		ToStatus:  d.Status,
		ActorID:   opts.ActorID,
		TS:        e.now().UTC(),
		Metadata:  map[string]any{"item_id": rec.ItemID, "outcome": string(rec.Outcome)},
	})
	return rec, nil
}

// ResetVerifications clears a dossier's answers for one category. Only the
// Secretary uses it outside resubmission, to restart a review explicitly.
func (e Engine) ResetVerifications(ctx context.Context, role domain.Role, dossierID, categoryID, actorID string) error {
	if role != domain.RoleSecretaire {
		return workflow.ForbiddenError{Role: role, Transition: workflow.Name("verification_reset")}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetDossierTx(ctx, tx, dossierID); err != nil {
		return err
	}
	if err := e.clockAligned().Ledger.ResetForCategoryTx(ctx, tx, dossierID, categoryID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSynthesis recomputes the stage synthesis outside any transition. The
// UI uses it to enable or disable the ordonnancer action; the guard never
// trusts this read and recomputes inside its own transaction.
func (e Engine) GetSynthesis(ctx context.Context, dossierID string, stage domain.Stage) (domain.VerificationSynthesis, error) {
	if !stage.IsValid() {
		return domain.VerificationSynthesis{}, workflow.ValidationErr{Field: "stage", Reason: "must be cb or ordonnateur"}
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.VerificationSynthesis{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetDossierTx(ctx, tx, dossierID); err != nil {
		return domain.VerificationSynthesis{}, err
	}
	return e.clockAligned().Ledger.SynthesizeStageTx(ctx, tx, dossierID, stage)
}

// GetDossier returns one dossier.
func (e Engine) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	return e.Repo.GetDossier(ctx, id)
}

// ListDossiers returns dossiers for the given filters.
func (e Engine) ListDossiers(ctx context.Context, f repo.DossierFilters) ([]domain.Dossier, error) {
	return e.Repo.ListDossiers(ctx, f)
}

// History returns the dossier's audit chain in append order.
func (e Engine) History(ctx context.Context, dossierID string) ([]domain.AuditEntry, error) {
	if _, err := e.Repo.GetDossier(ctx, dossierID); err != nil {
		return nil, err
	}
	return e.Repo.ListAuditEntries(ctx, dossierID)
}

// ListRecords returns the current ledger rows for a dossier.
func (e Engine) ListRecords(ctx context.Context, dossierID string) ([]domain.VerificationRecord, error) {
	if _, err := e.Repo.GetDossier(ctx, dossierID); err != nil {
		return nil, err
	}
	return e.Repo.ListRecords(ctx, dossierID)
}
