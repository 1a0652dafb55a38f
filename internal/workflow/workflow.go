// Package workflow owns the dossier state machine: the transition table,
// the roles allowed to drive each transition and the typed errors every
// caller matches on. It holds no storage; the engine executes transitions
// against SQL and asks this package what is legal.
package workflow

import (
	"fmt"
	"strings"

	"dossierflow/internal/domain"
)

// Name identifies a transition in the table.
type Name string

const (
	Soumission     Name = "soumission"
	Resoumission   Name = "resoumission"
	ValidationCB   Name = "validation_cb"
	RejetCB        Name = "rejet_cb"
	Ordonnancement Name = "ordonnancement"
	Paiement       Name = "paiement"
	Cloture        Name = "cloture"
)

// Guard names the extra precondition a transition carries beyond
// role and source status.
type Guard int

const (
	GuardNone Guard = iota
	// GuardCBComplete requires both CB categories fully answered.
	GuardCBComplete
	// GuardReasonRequired requires a non-empty rejection reason.
	GuardReasonRequired
	// GuardOrdonnateurReady requires the ordonnateur synthesis isReady.
	GuardOrdonnateurReady
)

// Transition is one row of the table. From is empty for creation.
type Transition struct {
	Name  Name
	Role  domain.Role
	From  []domain.Status
	To    domain.Status
	Guard Guard
	Event string
}

var table = []Transition{
	{Soumission, domain.RoleSecretaire, nil, domain.StatusEnAttente, GuardNone, "dossier.soumis"},
	{Resoumission, domain.RoleSecretaire, []domain.Status{domain.StatusRejeteCB}, domain.StatusEnAttente, GuardNone, "dossier.resoumis"},
	{ValidationCB, domain.RoleControleurCB, []domain.Status{domain.StatusEnAttente}, domain.StatusValideCB, GuardCBComplete, "dossier.valide_cb"},
	{RejetCB, domain.RoleControleurCB, []domain.Status{domain.StatusEnAttente}, domain.StatusRejeteCB, GuardReasonRequired, "dossier.rejete_cb"},
	{Ordonnancement, domain.RoleOrdonnateur, []domain.Status{domain.StatusValideCB}, domain.StatusValideOrdonnateur, GuardOrdonnateurReady, "dossier.ordonnance"},
	{Paiement, domain.RoleAgentComptable, []domain.Status{domain.StatusValideOrdonnateur}, domain.StatusPaye, GuardNone, "dossier.paye"},
	{Cloture, domain.RoleAgentComptable, []domain.Status{domain.StatusValideOrdonnateur, domain.StatusPaye}, domain.StatusTermine, GuardNone, "dossier.termine"},
}

// Lookup returns the table row for a transition name.
func Lookup(name Name) (Transition, bool) {
	for _, t := range table {
		if t.Name == name {
			return t, true
		}
	}
	return Transition{}, false
}

// Table returns a copy of the transition table, for rendering.
func Table() []Transition {
	out := make([]Transition, len(table))
	copy(out, table)
	return out
}

// AllowsFrom reports whether the transition accepts the given source status.
func (t Transition) AllowsFrom(s domain.Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Check validates role and source status for a transition attempt.
// It does not evaluate guards; those need ledger data and belong to the
// caller's transaction.
func Check(t Transition, role domain.Role, current domain.Status) error {
	if role != t.Role {
		return ForbiddenError{Role: role, Transition: t.Name}
	}
	if !t.AllowsFrom(current) {
		return IllegalTransitionError{From: current, Transition: t.Name}
	}
	return nil
}

// ForbiddenError: the actor role is not permitted for this transition.
type ForbiddenError struct {
	Role       domain.Role
	Transition Name
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s cannot perform %s", e.Role, e.Transition)
}

// IllegalTransitionError: the transition is not defined for the dossier's
// current status. A stale client view or a double submit ends up here.
type IllegalTransitionError struct {
	From       domain.Status
	Transition Name
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("transition %s not allowed from %s", e.Transition, e.From)
}

// GuardNotSatisfiedError carries the offending item ids so the caller can
// point the actor at them.
type GuardNotSatisfiedError struct {
	Transition Name
	Missing    []string
	Rejected   []string
}

func (e GuardNotSatisfiedError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d item(s) unanswered", len(e.Missing)))
	}
	if len(e.Rejected) > 0 {
		parts = append(parts, fmt.Sprintf("%d item(s) rejected", len(e.Rejected)))
	}
	if len(parts) == 0 {
		parts = append(parts, "checklist not satisfied")
	}
	return fmt.Sprintf("guard for %s not satisfied: %s", e.Transition, strings.Join(parts, ", "))
}

// ValidationErr: malformed input, rejected before any state mutation.
type ValidationErr struct {
	Field  string
	Reason string
}

func (e ValidationErr) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConcurrencyConflictError: another transition committed first; the caller
// should reload and may retry.
type ConcurrencyConflictError struct {
	DossierID string
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("dossier %s was modified concurrently", e.DossierID)
}
