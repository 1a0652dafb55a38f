package workflow_test

import (
	"errors"
	"testing"

	"dossierflow/internal/domain"
	"dossierflow/internal/workflow"
)

func TestTableIsClosed(t *testing.T) {
	for _, tr := range workflow.Table() {
		if !tr.To.IsValid() {
			t.Errorf("%s: destination %s outside the status enumeration", tr.Name, tr.To)
		}
		for _, from := range tr.From {
			if !from.IsValid() {
				t.Errorf("%s: source %s outside the status enumeration", tr.Name, from)
			}
		}
		if !tr.Role.IsValid() {
			t.Errorf("%s: role %s unknown", tr.Name, tr.Role)
		}
	}
}

func TestLookup(t *testing.T) {
	tr, ok := workflow.Lookup(workflow.Ordonnancement)
	if !ok {
		t.Fatal("ordonnancement must exist")
	}
	if tr.Role != domain.RoleOrdonnateur || tr.To != domain.StatusValideOrdonnateur {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if _, ok := workflow.Lookup(workflow.Name("annulation")); ok {
		t.Fatal("unknown name must not resolve")
	}
}

func TestCheck(t *testing.T) {
	tr, _ := workflow.Lookup(workflow.Paiement)

	if err := workflow.Check(tr, domain.RoleAgentComptable, domain.StatusValideOrdonnateur); err != nil {
		t.Fatalf("legal transition refused: %v", err)
	}

	var forbidden workflow.ForbiddenError
	err := workflow.Check(tr, domain.RoleSecretaire, domain.StatusValideOrdonnateur)
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}

	var illegal workflow.IllegalTransitionError
	err = workflow.Check(tr, domain.RoleAgentComptable, domain.StatusEnAttente)
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != domain.StatusEnAttente || illegal.Transition != workflow.Paiement {
		t.Fatalf("error carries wrong context: %+v", illegal)
	}
}

func TestClotureAcceptsBothSources(t *testing.T) {
	tr, _ := workflow.Lookup(workflow.Cloture)
	for _, from := range []domain.Status{domain.StatusValideOrdonnateur, domain.StatusPaye} {
		if !tr.AllowsFrom(from) {
			t.Errorf("cloture must accept %s", from)
		}
	}
	if tr.AllowsFrom(domain.StatusEnAttente) {
		t.Error("cloture must not accept EN_ATTENTE")
	}
}

func TestResoumissionOnlyFromRejetCB(t *testing.T) {
	tr, _ := workflow.Lookup(workflow.Resoumission)
	if !tr.AllowsFrom(domain.StatusRejeteCB) {
		t.Fatal("resoumission must accept REJETÉ_CB")
	}
	for _, from := range []domain.Status{domain.StatusEnAttente, domain.StatusValideCB, domain.StatusTermine} {
		if tr.AllowsFrom(from) {
			t.Errorf("resoumission must not accept %s", from)
		}
	}
}
