package server

import (
	"dossierflow/internal/domain"
)

// Request payloads

type CreateDossierRequest struct {
	ID        *string `json:"id,omitempty"`
	Reference string  `json:"reference"`
	Title     *string `json:"title,omitempty"`
}

type TransitionRequest struct {
	Transition string  `json:"transition" enum:"resoumission,validation_cb,rejet_cb,ordonnancement,paiement,cloture"`
	Reason     *string `json:"reason,omitempty"`
	Details    *string `json:"details,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

type RecordVerificationRequest struct {
	Outcome       string  `json:"outcome" enum:"VALIDÉ,REJETÉ"`
	Justification *string `json:"justification,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	DossierID    string `json:"dossier_id"`
	Status       string `json:"status"`
	AuditEntryID int64  `json:"audit_entry_id"`
	Replayed     bool   `json:"replayed,omitempty"`
}

type paginatedDossiers struct {
	Items      []domain.Dossier `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type historyResponse struct {
	DossierID string              `json:"dossier_id"`
	Entries   []domain.AuditEntry `json:"entries"`
}

type catalogCategory struct {
	ID    string                    `json:"id"`
	Label string                    `json:"label"`
	Stage string                    `json:"stage"`
	Items []domain.VerificationItem `json:"items"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
