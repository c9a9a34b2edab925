package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/rag-gateway/models"
	"github.com/upb/rag-gateway/repositories"
	"github.com/upb/rag-gateway/services"
	"go.uber.org/zap"
)

// InteractionRepository implements the repositories.InteractionRepository interface
type InteractionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInteractionRepository creates a new interaction repository
func NewInteractionRepository(db *DB, logger *zap.Logger) repositories.InteractionRepository {
	return &InteractionRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a finished interaction
func (r *InteractionRepository) Insert(ctx context.Context, interaction *models.Interaction) error {
	query := `
		INSERT INTO interactions (
			id, request_id, subject, query, history_turns, source_ids,
			token_count, outcome, error_message, latency_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	sourceIDs := interaction.SourceIDs
	if sourceIDs == nil {
		sourceIDs = []string{}
	}

	_, err := r.db.ExecContext(ctx, query,
		interaction.ID,
		interaction.RequestID,
		interaction.Subject,
		interaction.Query,
		interaction.HistoryTurns,
		pq.Array(sourceIDs),
		interaction.TokenCount,
		string(interaction.Outcome),
		interaction.ErrorMessage,
		interaction.LatencyMs,
		interaction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert interaction: %w", services.ErrDatabaseError, err)
	}

	r.logger.Debug("interaction inserted",
		zap.String("id", interaction.ID.String()),
		zap.String("request_id", interaction.RequestID),
		zap.String("outcome", string(interaction.Outcome)))
	return nil
}
