package rag

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/upb/rag-gateway/services/providers"
	"go.uber.org/zap"
)

// DefaultSystemPrompt constrains the model to the supplied context.
const DefaultSystemPrompt = "You are a helpful assistant for MedTech QA managers. " +
	"Use the provided context to answer the user's question. " +
	"Enforce strict adherence to the provided context. " +
	"If the answer is not in the context, state 'I don't know'."

// Answerer builds the grounded prompt and relays the generator's stream.
type Answerer struct {
	generator    providers.Generator
	systemPrompt string
	observer     Observer
	logger       *zap.Logger
}

// NewAnswerer creates an answerer. An empty system prompt selects
// DefaultSystemPrompt.
func NewAnswerer(generator providers.Generator, systemPrompt string, observer Observer, logger *zap.Logger) *Answerer {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Answerer{
		generator:    generator,
		systemPrompt: systemPrompt,
		observer:     observer,
		logger:       logger,
	}
}

// BuildMessages returns the system instruction and the user turn carrying
// the context followed by the question.
func (a *Answerer) BuildMessages(query, grounding string) []providers.Message {
	return []providers.Message{
		{Role: providers.RoleSystem, Content: a.systemPrompt},
		{Role: providers.RoleUser, Content: "Context:\n" + grounding + "\n\nQuestion: " + query},
	}
}

// Generate starts streaming an answer. The returned stream yields only
// non-empty fragments, is single pass, and must be closed by the caller.
func (a *Answerer) Generate(ctx context.Context, query, grounding string) (providers.TokenStream, error) {
	start := time.Now()
	stream, err := a.generator.StreamCompletion(ctx, a.BuildMessages(query, grounding))
	if err != nil {
		err = NewGenerationError("failed to start completion", err)
		a.observer.ObserveStage(StageGenerate, time.Since(start), err)
		return nil, err
	}

	a.logger.Debug("completion stream opened",
		zap.String("provider", a.generator.Name()),
		zap.Duration("elapsed", time.Since(start)))

	return &answerStream{inner: stream, start: start, observer: a.observer}, nil
}

// answerStream drops empty fragments and tags mid-stream failures as
// generation errors.
type answerStream struct {
	inner    providers.TokenStream
	start    time.Time
	observer Observer
	done     bool
}

func (s *answerStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		fragment, err := s.inner.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.finish(nil)
			return "", io.EOF
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.done = true
				return "", ctxErr
			}
			err = NewGenerationError("completion stream interrupted", err)
			s.finish(err)
			return "", err
		}
		if fragment == "" {
			continue
		}
		return fragment, nil
	}
}

func (s *answerStream) finish(err error) {
	s.done = true
	s.observer.ObserveStage(StageGenerate, time.Since(s.start), err)
}

func (s *answerStream) Close() error {
	s.done = true
	return s.inner.Close()
}
