package models

import (
	"time"

	"github.com/google/uuid"
)

// InteractionOutcome is how a chat stream ended
type InteractionOutcome string

const (
	InteractionCompleted InteractionOutcome = "completed"
	InteractionFailed    InteractionOutcome = "failed"
	InteractionCancelled InteractionOutcome = "cancelled"
)

// Interaction is one answered (or abandoned) /chat/stream request
type Interaction struct {
	ID           uuid.UUID          `json:"id" db:"id"`
	RequestID    string             `json:"request_id" db:"request_id"`
	Subject      *string            `json:"subject,omitempty" db:"subject"`
	Query        string             `json:"query" db:"query"`
	HistoryTurns int                `json:"history_turns" db:"history_turns"`
	SourceIDs    []string           `json:"source_ids" db:"source_ids"`
	TokenCount   int                `json:"token_count" db:"token_count"`
	Outcome      InteractionOutcome `json:"outcome" db:"outcome"`
	ErrorMessage *string            `json:"error_message,omitempty" db:"error_message"`
	LatencyMs    int                `json:"latency_ms" db:"latency_ms"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Interaction model
func (Interaction) TableName() string {
	return "interactions"
}

// NewInteraction starts a record for an incoming query
func NewInteraction(requestID, query string, historyTurns int) *Interaction {
	return &Interaction{
		ID:           uuid.New(),
		RequestID:    requestID,
		Query:        query,
		HistoryTurns: historyTurns,
		SourceIDs:    []string{},
		Outcome:      InteractionCompleted,
		CreatedAt:    time.Now().UTC(),
	}
}

// WithSubject sets the authenticated caller
func (i *Interaction) WithSubject(subject string) *Interaction {
	if subject != "" {
		i.Subject = &subject
	}
	return i
}

// WithError marks the interaction failed with the streamed error message
func (i *Interaction) WithError(message string) *Interaction {
	i.Outcome = InteractionFailed
	i.ErrorMessage = &message
	return i
}

// Finish stamps the latency measured from CreatedAt
func (i *Interaction) Finish(now time.Time) *Interaction {
	i.LatencyMs = int(now.Sub(i.CreatedAt).Milliseconds())
	return i
}
