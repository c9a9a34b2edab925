package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/upb/rag-gateway/middleware"
	"github.com/upb/rag-gateway/models"
	"github.com/upb/rag-gateway/services"
	"github.com/upb/rag-gateway/services/rag"
	"github.com/upb/rag-gateway/utils"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds the /chat/stream request body
const DefaultMaxBodyBytes int64 = 1 << 20

// ChatStreamRequest is the body of POST /chat/stream
type ChatStreamRequest struct {
	Query   *string  `json:"query" validate:"required"`
	History []string `json:"history,omitempty"`
}

// StreamService produces the frame sequence for one query
type StreamService interface {
	Stream(ctx context.Context, q rag.Query) <-chan rag.Frame
}

// InteractionRecorder accepts finished interactions. Record must not block.
type InteractionRecorder interface {
	Record(interaction *models.Interaction) error
}

// ChatStreamHandler serves the streaming chat endpoint
type ChatStreamHandler struct {
	service      StreamService
	recorder     InteractionRecorder
	logger       *zap.Logger
	maxBodyBytes int64
	now          func() time.Time
}

// NewChatStreamHandler creates a new ChatStreamHandler. recorder may be nil.
func NewChatStreamHandler(service StreamService, recorder InteractionRecorder, logger *zap.Logger) *ChatStreamHandler {
	return &ChatStreamHandler{
		service:      service,
		recorder:     recorder,
		logger:       logger,
		maxBodyBytes: DefaultMaxBodyBytes,
		now:          time.Now,
	}
}

// HandleChatStream handles POST /chat/stream
func (h *ChatStreamHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	logger := h.logger.With(zap.String("request_id", requestID))

	var req ChatStreamRequest
	if err := utils.DecodeJSON(r, &req, h.maxBodyBytes); err != nil {
		logger.Warn("failed to parse request body", zap.Error(err))
		if errors.Is(err, utils.ErrBodyTooLarge) {
			_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, err.Error(), nil)
			return
		}
		HandleServiceError(w, services.WrapError(services.ErrorTypeValidation, "invalid request body", err), logger)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		logger.Warn("request validation failed", zap.Error(err))
		HandleValidationError(w, err, logger)
		return
	}

	query := rag.Query{Text: *req.Query, History: req.History}
	interaction := models.NewInteraction(requestID, query.Text, len(query.History))
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		interaction.WithSubject(claims.Subject)
	}

	logger.Debug("starting chat stream",
		zap.Int("query_length", len(query.Text)),
		zap.Int("history_turns", len(query.History)))

	// A write failure cancels the pipeline; the channel is drained either way
	// so the producer goroutine always exits.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := utils.NewNDJSONWriter(w)
	out.Start()

	writeFailed := false
	for frame := range h.service.Stream(ctx, query) {
		if writeFailed {
			continue
		}
		tally(interaction, frame)
		if err := out.Write(frame); err != nil {
			logger.Warn("failed to write frame", zap.Stringer("kind", frame.Kind), zap.Error(err))
			writeFailed = true
			cancel()
		}
	}

	if interaction.Outcome != models.InteractionFailed && (writeFailed || r.Context().Err() != nil) {
		interaction.Outcome = models.InteractionCancelled
	}
	interaction.Finish(h.now())

	logger.Info("chat stream finished",
		zap.String("outcome", string(interaction.Outcome)),
		zap.Int("sources", len(interaction.SourceIDs)),
		zap.Int("tokens", interaction.TokenCount),
		zap.Int("latency_ms", interaction.LatencyMs))

	h.record(logger, interaction)
}

func (h *ChatStreamHandler) record(logger *zap.Logger, interaction *models.Interaction) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Record(interaction); err != nil {
		logger.Warn("interaction not recorded", zap.Error(err))
	}
}

func tally(interaction *models.Interaction, frame rag.Frame) {
	switch frame.Kind {
	case rag.FrameSources:
		for _, s := range frame.Sources {
			interaction.SourceIDs = append(interaction.SourceIDs, s.ReferenceID)
		}
	case rag.FrameToken:
		interaction.TokenCount++
	case rag.FrameError:
		interaction.WithError(frame.Error)
	}
}
