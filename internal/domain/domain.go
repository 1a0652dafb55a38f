package domain

// Status is the closed set of dossier statuses. It is declared here and
// nowhere else; the workflow table, the engine, the API layer and the CLI
// all consume this single enumeration.
type Status string

const (
	StatusEnAttente         Status = "EN_ATTENTE"
	StatusValideCB          Status = "VALIDÉ_CB"
	StatusRejeteCB          Status = "REJETÉ_CB"
	StatusValideOrdonnateur Status = "VALIDÉ_ORDONNATEUR"
	StatusPaye              Status = "PAYÉ"
	StatusTermine           Status = "TERMINÉ"
)

var validStatuses = map[Status]bool{
	StatusEnAttente:         true,
	StatusValideCB:          true,
	StatusRejeteCB:          true,
	StatusValideOrdonnateur: true,
	StatusPaye:              true,
	StatusTermine:           true,
}

func (s Status) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether no further transition leaves the status.
func (s Status) IsTerminal() bool { return s == StatusTermine }

func (s Status) String() string { return string(s) }

// Statuses returns the enumeration in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusEnAttente,
		StatusValideCB,
		StatusRejeteCB,
		StatusValideOrdonnateur,
		StatusPaye,
		StatusTermine,
	}
}

// Role identifies the acting profile of a caller. The identity collaborator
// is trusted to supply it; the core never authenticates.
type Role string

const (
	RoleSecretaire     Role = "secretaire"
	RoleControleurCB   Role = "controleur_budgetaire"
	RoleOrdonnateur    Role = "ordonnateur"
	RoleAgentComptable Role = "agent_comptable"
)

var validRoles = map[Role]bool{
	RoleSecretaire:     true,
	RoleControleurCB:   true,
	RoleOrdonnateur:    true,
	RoleAgentComptable: true,
}

func (r Role) IsValid() bool { return validRoles[r] }

// Stage scopes catalog categories to the review that consumes them.
type Stage string

const (
	StageCB          Stage = "cb"
	StageOrdonnateur Stage = "ordonnateur"
)

func (s Stage) IsValid() bool { return s == StageCB || s == StageOrdonnateur }

// StatusForStage returns the dossier status during which a stage's
// checklist may be answered.
func StatusForStage(s Stage) Status {
	if s == StageOrdonnateur {
		return StatusValideCB
	}
	return StatusEnAttente
}

// RoleForStage returns the actor role that owns a stage's checklist.
func RoleForStage(s Stage) Role {
	if s == StageOrdonnateur {
		return RoleOrdonnateur
	}
	return RoleControleurCB
}

// Outcome of a single verification decision.
type Outcome string

const (
	OutcomeValidated Outcome = "VALIDÉ"
	OutcomeRejected  Outcome = "REJETÉ"
)

func (o Outcome) IsValid() bool { return o == OutcomeValidated || o == OutcomeRejected }

type Rejection struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
	TS      string `json:"ts" format:"date-time"`
}

type Dossier struct {
	ID        string     `json:"id"`
	Reference string     `json:"reference"`
	Title     string     `json:"title,omitempty"`
	Status    Status     `json:"status" enum:"EN_ATTENTE,VALIDÉ_CB,REJETÉ_CB,VALIDÉ_ORDONNATEUR,PAYÉ,TERMINÉ"`
	Rejection *Rejection `json:"rejection,omitempty"`
	CreatedBy string     `json:"created_by"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
	Version   int64      `json:"version"`
}

// VerificationItem is one catalog checklist entry. The catalog is immutable
// during workflow execution; it changes only through config import.
type VerificationItem struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	Stage      Stage  `json:"stage" enum:"cb,ordonnateur"`
	Label      string `json:"label"`
	Mandatory  bool   `json:"mandatory"`
	Position   int    `json:"position"`
}

// VerificationRecord is the ledger row for (dossier, item).
type VerificationRecord struct {
	DossierID     string  `json:"dossier_id"`
	ItemID        string  `json:"item_id"`
	Outcome       Outcome `json:"outcome" enum:"VALIDÉ,REJETÉ"`
	Justification string  `json:"justification,omitempty"`
	DecidedBy     string  `json:"decided_by"`
	DecidedAt     string  `json:"decided_at" format:"date-time"`
}

// VerificationSynthesis is always recomputed from the record set, never
// stored. Total counts catalog items in scope, not records.
type VerificationSynthesis struct {
	Total       int      `json:"total"`
	Validated   int      `json:"validated"`
	Rejected    int      `json:"rejected"`
	IsComplete  bool     `json:"is_complete"`
	IsReady     bool     `json:"is_ready"`
	Missing     []string `json:"missing,omitempty"`
	RejectedIDs []string `json:"rejected_ids,omitempty"`
}

// AuditEntry is append-only; one row per accepted transition.
type AuditEntry struct {
	ID         int64  `json:"id"`
	DossierID  string `json:"dossier_id"`
	FromStatus Status `json:"from_status,omitempty"`
	ToStatus   Status `json:"to_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts" format:"date-time"`
	Comment    string `json:"comment,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
