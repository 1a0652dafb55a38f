// Package ledger keeps per-dossier verification records and computes the
// synthesis that gates ordonnancement. The synthesis is a pure fold over
// catalog items and records; guard checks always recompute it from data
// read inside the transition's transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dossierflow/internal/domain"
	"dossierflow/internal/repo"
	"dossierflow/internal/workflow"
)

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// RecordOptions are the inputs for one verification decision.
type RecordOptions struct {
	DossierID     string
	ItemID        string
	Outcome       domain.Outcome
	Justification string
	ActorID       string
}

// RecordTx upserts one verification record after validating it against the
// catalog snapshot visible in tx. The dossier must sit in the status whose
// stage owns the item.
func (l Ledger) RecordTx(ctx context.Context, tx *sql.Tx, d domain.Dossier, opts RecordOptions) (domain.VerificationRecord, error) {
	if !opts.Outcome.IsValid() {
		return domain.VerificationRecord{}, workflow.ValidationErr{Field: "outcome", Reason: "must be VALIDÉ or REJETÉ"}
	}
	if opts.Outcome == domain.OutcomeRejected && opts.Justification == "" {
		return domain.VerificationRecord{}, workflow.ValidationErr{Field: "justification", Reason: "required when outcome is REJETÉ"}
	}
	item, err := l.Repo.GetItemTx(ctx, tx, opts.ItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationRecord{}, workflow.ValidationErr{Field: "item_id", Reason: "unknown catalog item " + opts.ItemID}
		}
		return domain.VerificationRecord{}, err
	}
	if want := domain.StatusForStage(item.Stage); d.Status != want {
		return domain.VerificationRecord{}, workflow.IllegalTransitionError{From: d.Status, Transition: workflow.Name("verification:" + opts.ItemID)}
	}
	rec := domain.VerificationRecord{
		DossierID:     opts.DossierID,
		ItemID:        opts.ItemID,
		Outcome:       opts.Outcome,
		Justification: opts.Justification,
		DecidedBy:     opts.ActorID,
		DecidedAt:     l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Repo.UpsertRecordTx(ctx, tx, rec); err != nil {
		return domain.VerificationRecord{}, err
	}
	return rec, nil
}

// Synthesize folds records against catalog items. Items outside the scope
// of the given list are ignored; records for unknown items are ignored too
// (they belong to a previous catalog snapshot).
func Synthesize(items []domain.VerificationItem, records []domain.VerificationRecord) domain.VerificationSynthesis {
	byItem := make(map[string]domain.VerificationRecord, len(records))
	for _, rec := range records {
		byItem[rec.ItemID] = rec
	}
	s := domain.VerificationSynthesis{Total: len(items)}
	complete := true
	for _, item := range items {
		rec, ok := byItem[item.ID]
		if !ok {
			if item.Mandatory {
				complete = false
				s.Missing = append(s.Missing, item.ID)
			}
			continue
		}
		switch rec.Outcome {
		case domain.OutcomeValidated:
			s.Validated++
		case domain.OutcomeRejected:
			s.Rejected++
			s.RejectedIDs = append(s.RejectedIDs, item.ID)
		}
	}
	s.IsComplete = complete
	// Any rejection blocks, mandatory or not.
	s.IsReady = complete && s.Rejected == 0
	return s
}

// SynthesizeStageTx recomputes the synthesis for one stage from data read
// in tx. This is the only form the ordonnancement guard may consume.
func (l Ledger) SynthesizeStageTx(ctx context.Context, tx *sql.Tx, dossierID string, stage domain.Stage) (domain.VerificationSynthesis, error) {
	items, err := l.Repo.ListItemsByStageTx(ctx, tx, stage)
	if err != nil {
		return domain.VerificationSynthesis{}, err
	}
	records, err := l.Repo.ListRecordsTx(ctx, tx, dossierID)
	if err != nil {
		return domain.VerificationSynthesis{}, err
	}
	return Synthesize(items, records), nil
}

// SynthesizeCategoryTx is the per-category fold behind the CB guard.
func (l Ledger) SynthesizeCategoryTx(ctx context.Context, tx *sql.Tx, dossierID, categoryID string) (domain.VerificationSynthesis, error) {
	items, err := l.Repo.ListItemsByCategoryTx(ctx, tx, categoryID)
	if err != nil {
		return domain.VerificationSynthesis{}, err
	}
	records, err := l.Repo.ListRecordsTx(ctx, tx, dossierID)
	if err != nil {
		return domain.VerificationSynthesis{}, err
	}
	return Synthesize(items, records), nil
}

// ResetForCategoryTx removes a dossier's records for one category.
func (l Ledger) ResetForCategoryTx(ctx context.Context, tx *sql.Tx, dossierID, categoryID string) error {
	items, err := l.Repo.ListItemsByCategoryTx(ctx, tx, categoryID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return workflow.ValidationErr{Field: "category_id", Reason: "unknown category " + categoryID}
	}
	return l.Repo.DeleteRecordsForCategoryTx(ctx, tx, dossierID, categoryID)
}
