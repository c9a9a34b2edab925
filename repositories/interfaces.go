package repositories

import (
	"context"

	"github.com/upb/rag-gateway/models"
)

// InteractionRepository persists chat stream interactions
type InteractionRepository interface {
	// Insert stores a finished interaction
	Insert(ctx context.Context, interaction *models.Interaction) error
}
