package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dossierflow/internal/app"
	"dossierflow/internal/config"
	"dossierflow/internal/db"
	"dossierflow/internal/domain"
	"dossierflow/internal/engine"
	"dossierflow/internal/ledger"
	"dossierflow/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default("acge")
	ctx := context.Background()
	if err := app.Bootstrap(ctx, conn, cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func createDossier(t *testing.T, env testEnv, reference string) domain.Dossier {
	t.Helper()
	d, err := env.Engine.CreateDossier(env.Ctx, engine.CreateOptions{
		Reference: reference,
		Title:     "Facture fournisseur",
		Role:      domain.RoleSecretaire,
		ActorID:   "sec-1",
	})
	if err != nil {
		t.Fatalf("create dossier: %v", err)
	}
	return d
}

// completeCBChecklist validates every mandatory CB item.
func completeCBChecklist(t *testing.T, env testEnv, dossierID string) {
	t.Helper()
	for _, itemID := range []string{
		"piece_justificative", "imputation_budgetaire", "disponibilite_credits",
		"exactitude_calculs", "service_fait", "identite_creancier",
	} {
		if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleControleurCB, ledger.RecordOptions{
			DossierID: dossierID,
			ItemID:    itemID,
			Outcome:   domain.OutcomeValidated,
			ActorID:   "cb-1",
		}); err != nil {
			t.Fatalf("record %s: %v", itemID, err)
		}
	}
}

func toValideCB(t *testing.T, env testEnv, dossierID string) {
	t.Helper()
	completeCBChecklist(t, env, dossierID)
	if _, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID:  dossierID,
		Role:       domain.RoleControleurCB,
		Transition: workflow.ValidationCB,
		ActorID:    "cb-1",
	}); err != nil {
		t.Fatalf("validation_cb: %v", err)
	}
}

var ordonnateurMandatory = []string{
	"conformite_engagement", "visa_cb_present", "coordonnees_bancaires", "montant_ordonnance",
}

func TestCreateDossier(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-001")
	if d.Status != domain.StatusEnAttente {
		t.Fatalf("status = %s, want %s", d.Status, domain.StatusEnAttente)
	}
	entries, err := env.Engine.History(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].ToStatus != domain.StatusEnAttente {
		t.Fatalf("expected one audit entry into EN_ATTENTE, got %+v", entries)
	}

	// only the secretary creates
	_, err = env.Engine.CreateDossier(env.Ctx, engine.CreateOptions{
		Reference: "DOS-2025-002",
		Role:      domain.RoleOrdonnateur,
		ActorID:   "ord-1",
	})
	var forbidden workflow.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestRejectCBAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-010")

	// a recorded CB answer that must not survive resubmission
	if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleControleurCB, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "piece_justificative", Outcome: domain.OutcomeValidated, ActorID: "cb-1",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// reject without reason fails before any mutation
	_, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.RejetCB, ActorID: "cb-1",
	})
	var invalid workflow.ValidationErr
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationErr, got %v", err)
	}

	res, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.RejetCB,
		Reason: "pièce manquante", ActorID: "cb-1",
	})
	if err != nil || res.Status != domain.StatusRejeteCB {
		t.Fatalf("rejet_cb: %v (%+v)", err, res)
	}
	got, err := env.Engine.GetDossier(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rejection == nil || got.Rejection.Reason != "pièce manquante" {
		t.Fatalf("rejection not recorded: %+v", got.Rejection)
	}

	res, err = env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleSecretaire, Transition: workflow.Resoumission, ActorID: "sec-1",
	})
	if err != nil || res.Status != domain.StatusEnAttente {
		t.Fatalf("resoumission: %v (%+v)", err, res)
	}
	got, _ = env.Engine.GetDossier(env.Ctx, d.ID)
	if got.Rejection != nil {
		t.Fatalf("rejection should be cleared, got %+v", got.Rejection)
	}
	recs, err := env.Engine.ListRecords(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("CB records should be cleared on resubmission, got %d", len(recs))
	}
	s, err := env.Engine.GetSynthesis(env.Ctx, d.ID, domain.StageCB)
	if err != nil {
		t.Fatalf("synthesis: %v", err)
	}
	if s.Validated != 0 || s.Rejected != 0 {
		t.Fatalf("synthesis should be empty after resubmission: %+v", s)
	}
}

func TestValidationCBGuard(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-020")

	_, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.ValidationCB, ActorID: "cb-1",
	})
	var guard workflow.GuardNotSatisfiedError
	if !errors.As(err, &guard) {
		t.Fatalf("expected GuardNotSatisfiedError, got %v", err)
	}
	if len(guard.Missing) != 6 {
		t.Fatalf("expected 6 mandatory CB items missing, got %v", guard.Missing)
	}

	completeCBChecklist(t, env, d.ID)
	res, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.ValidationCB, ActorID: "cb-1",
	})
	if err != nil || res.Status != domain.StatusValideCB {
		t.Fatalf("validation_cb with complete checklists: %v (%+v)", err, res)
	}
}

func TestOrdonnancementGating(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-030")
	toValideCB(t, env, d.ID)

	// all mandatory items validated except one rejected
	for _, itemID := range ordonnateurMandatory[:3] {
		if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
			DossierID: d.ID, ItemID: itemID, Outcome: domain.OutcomeValidated, ActorID: "ord-1",
		}); err != nil {
			t.Fatalf("record %s: %v", itemID, err)
		}
	}
	if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "montant_ordonnance", Outcome: domain.OutcomeRejected,
		Justification: "montant liquidé divergent", ActorID: "ord-1",
	}); err != nil {
		t.Fatalf("record rejected: %v", err)
	}

	_, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleOrdonnateur, Transition: workflow.Ordonnancement, ActorID: "ord-1",
	})
	var guard workflow.GuardNotSatisfiedError
	if !errors.As(err, &guard) {
		t.Fatalf("expected GuardNotSatisfiedError, got %v", err)
	}
	if len(guard.Rejected) != 1 || guard.Rejected[0] != "montant_ordonnance" {
		t.Fatalf("guard should list the rejected item, got %+v", guard)
	}

	// correcting the rejection unlocks the transition
	if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "montant_ordonnance", Outcome: domain.OutcomeValidated, ActorID: "ord-1",
	}); err != nil {
		t.Fatalf("correct record: %v", err)
	}
	res, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleOrdonnateur, Transition: workflow.Ordonnancement, ActorID: "ord-1",
	})
	if err != nil || res.Status != domain.StatusValideOrdonnateur {
		t.Fatalf("ordonnancement: %v (%+v)", err, res)
	}
	entries, _ := env.Engine.History(env.Ctx, d.ID)
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
}

func TestOptionalRejectionBlocks(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-035")
	toValideCB(t, env, d.ID)
	for _, itemID := range ordonnateurMandatory {
		if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
			DossierID: d.ID, ItemID: itemID, Outcome: domain.OutcomeValidated, ActorID: "ord-1",
		}); err != nil {
			t.Fatalf("record %s: %v", itemID, err)
		}
	}
	// caractere_liberatoire is optional; its rejection still blocks
	if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "caractere_liberatoire", Outcome: domain.OutcomeRejected,
		Justification: "règlement non libératoire", ActorID: "ord-1",
	}); err != nil {
		t.Fatalf("record optional rejection: %v", err)
	}
	_, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleOrdonnateur, Transition: workflow.Ordonnancement, ActorID: "ord-1",
	})
	var guard workflow.GuardNotSatisfiedError
	if !errors.As(err, &guard) {
		t.Fatalf("optional rejection must block ordonnancement, got %v", err)
	}
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-040")
	completeCBChecklist(t, env, d.ID)
	first, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.ValidationCB, ActorID: "cb-1",
	})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.ValidationCB, ActorID: "cb-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Status != first.Status || second.AuditEntryID != first.AuditEntryID {
		t.Fatalf("replay mismatch: first=%+v second=%+v", first, second)
	}
	entries, _ := env.Engine.History(env.Ctx, d.ID)
	if len(entries) != 2 {
		t.Fatalf("replay must not append audit entries, got %d", len(entries))
	}
}

func TestForbiddenAndIllegal(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-050")

	_, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleSecretaire, Transition: workflow.ValidationCB, ActorID: "sec-1",
	})
	var forbidden workflow.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}

	_, err = env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleAgentComptable, Transition: workflow.Paiement, ActorID: "ac-1",
	})
	var illegal workflow.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}

	_, err = env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleSecretaire, Transition: workflow.Name("archivage"), ActorID: "sec-1",
	})
	var invalid workflow.ValidationErr
	if !errors.As(err, &invalid) {
		t.Fatalf("unknown transition should be ValidationErr, got %v", err)
	}
}

func TestFullLifecycleAuditChain(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-060")
	toValideCB(t, env, d.ID)
	for _, itemID := range ordonnateurMandatory {
		if _, err := env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
			DossierID: d.ID, ItemID: itemID, Outcome: domain.OutcomeValidated, ActorID: "ord-1",
		}); err != nil {
			t.Fatalf("record %s: %v", itemID, err)
		}
	}
	steps := []struct {
		role domain.Role
		name workflow.Name
		want domain.Status
	}{
		{domain.RoleOrdonnateur, workflow.Ordonnancement, domain.StatusValideOrdonnateur},
		{domain.RoleAgentComptable, workflow.Paiement, domain.StatusPaye},
		{domain.RoleAgentComptable, workflow.Cloture, domain.StatusTermine},
	}
	for _, step := range steps {
		res, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
			DossierID: d.ID, Role: step.role, Transition: step.name, ActorID: "actor",
		})
		if err != nil || res.Status != step.want {
			t.Fatalf("%s: %v (%+v)", step.name, err, res)
		}
	}

	entries, err := env.Engine.History(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].FromStatus != "" {
		t.Fatalf("first entry must have empty from, got %s", entries[0].FromStatus)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].FromStatus != entries[i-1].ToStatus {
			t.Fatalf("audit chain gap at %d: %s -> %s", i, entries[i-1].ToStatus, entries[i].FromStatus)
		}
		if !entries[i].ToStatus.IsValid() {
			t.Fatalf("entry %d carries status outside the enumeration: %s", i, entries[i].ToStatus)
		}
	}
	if entries[len(entries)-1].ToStatus != domain.StatusTermine {
		t.Fatalf("chain must end in TERMINÉ")
	}
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-070")
	completeCBChecklist(t, env, d.ID)

	var wg sync.WaitGroup
	results := make([]error, 2)
	attempts := []engine.ApplyOptions{
		{DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.ValidationCB, ActorID: "cb-1"},
		{DossierID: d.ID, Role: domain.RoleControleurCB, Transition: workflow.RejetCB, Reason: "contrôle divergent", ActorID: "cb-2"},
	}
	for i, opts := range attempts {
		wg.Add(1)
		go func(i int, opts engine.ApplyOptions) {
			defer wg.Done()
			_, results[i] = env.Engine.ApplyTransition(env.Ctx, opts)
		}(i, opts)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var illegal workflow.IllegalTransitionError
		var conflict workflow.ConcurrencyConflictError
		if !errors.As(err, &illegal) && !errors.As(err, &conflict) {
			t.Fatalf("loser must fail with IllegalTransition or ConcurrencyConflict, got %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	entries, _ := env.Engine.History(env.Ctx, d.ID)
	if len(entries) != 2 {
		t.Fatalf("exactly one transition entry expected, got %d", len(entries)-1)
	}
}

func TestRecordVerificationValidation(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-080")

	_, err := env.Engine.RecordVerification(env.Ctx, domain.RoleControleurCB, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "piece_justificative", Outcome: domain.OutcomeRejected, ActorID: "cb-1",
	})
	var invalid workflow.ValidationErr
	if !errors.As(err, &invalid) {
		t.Fatalf("rejection without justification must fail, got %v", err)
	}

	_, err = env.Engine.RecordVerification(env.Ctx, domain.RoleControleurCB, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "inconnu", Outcome: domain.OutcomeValidated, ActorID: "cb-1",
	})
	if !errors.As(err, &invalid) {
		t.Fatalf("unknown item must fail, got %v", err)
	}

	// ordonnateur items are not answerable while EN_ATTENTE
	_, err = env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "visa_cb_present", Outcome: domain.OutcomeValidated, ActorID: "ord-1",
	})
	var illegal workflow.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("wrong-stage record must fail, got %v", err)
	}

	// the CB checklist belongs to the CB role
	_, err = env.Engine.RecordVerification(env.Ctx, domain.RoleSecretaire, ledger.RecordOptions{
		DossierID: d.ID, ItemID: "piece_justificative", Outcome: domain.OutcomeValidated, ActorID: "sec-1",
	})
	var forbidden workflow.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("wrong-role record must fail, got %v", err)
	}
}

func TestClotureFromPaye(t *testing.T) {
	env := newTestEnv(t)
	d := createDossier(t, env, "DOS-2025-090")
	toValideCB(t, env, d.ID)
	for _, itemID := range ordonnateurMandatory {
		_, _ = env.Engine.RecordVerification(env.Ctx, domain.RoleOrdonnateur, ledger.RecordOptions{
			DossierID: d.ID, ItemID: itemID, Outcome: domain.OutcomeValidated, ActorID: "ord-1",
		})
	}
	for _, step := range []workflow.Name{workflow.Ordonnancement, workflow.Paiement} {
		role := domain.RoleOrdonnateur
		if step == workflow.Paiement {
			role = domain.RoleAgentComptable
		}
		if _, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
			DossierID: d.ID, Role: role, Transition: step, ActorID: "actor",
		}); err != nil {
			t.Fatalf("%s: %v", step, err)
		}
	}
	res, err := env.Engine.ApplyTransition(env.Ctx, engine.ApplyOptions{
		DossierID: d.ID, Role: domain.RoleAgentComptable, Transition: workflow.Cloture, ActorID: "ac-1",
	})
	if err != nil || res.Status != domain.StatusTermine {
		t.Fatalf("cloture from PAYÉ: %v (%+v)", err, res)
	}
	if !res.Status.IsTerminal() {
		t.Fatalf("TERMINÉ must be terminal")
	}
}
