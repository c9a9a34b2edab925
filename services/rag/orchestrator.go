package rag

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/upb/rag-gateway/services/providers"
	"go.uber.org/zap"
)

// RetrievalStage produces sources and grounding context for a query.
type RetrievalStage interface {
	Retrieve(ctx context.Context, text string) (*Retrieval, error)
}

// AnswerStage streams an answer grounded on the given context.
type AnswerStage interface {
	Generate(ctx context.Context, query, grounding string) (providers.TokenStream, error)
}

// State is a step of a single streamed response.
type State int

const (
	StateStart State = iota
	StateRetrieving
	StateSourcesEmitted
	StateStreamingTokens
	StateErrorEmitted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRetrieving:
		return "retrieving"
	case StateSourcesEmitted:
		return "sources_emitted"
	case StateStreamingTokens:
		return "streaming_tokens"
	case StateErrorEmitted:
		return "error_emitted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Orchestrator sequences retrieval and generation into one ordered frame
// stream: a sources frame, then token frames, then at most one error frame.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	retriever RetrievalStage
	answerer  AnswerStage
	observer  Observer
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator over the two stages.
func NewOrchestrator(retriever RetrievalStage, answerer AnswerStage, observer Observer, logger *zap.Logger) *Orchestrator {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Orchestrator{
		retriever: retriever,
		answerer:  answerer,
		observer:  observer,
		logger:    logger,
	}
}

// Stream runs the pipeline for q in its own goroutine and returns the frame
// channel. The channel is closed when the response is complete, after an
// error frame, or once ctx is cancelled. Cancelling ctx stops all provider
// calls and closes the open completion stream.
func (o *Orchestrator) Stream(ctx context.Context, q Query) <-chan Frame {
	frames := make(chan Frame)
	go o.run(ctx, q, frames)
	return frames
}

type requestRun struct {
	ctx      context.Context
	out      chan<- Frame
	state    State
	start    time.Time
	tokens   int
	logger   *zap.Logger
	observer Observer
}

func (o *Orchestrator) run(ctx context.Context, q Query, out chan<- Frame) {
	defer close(out)

	r := &requestRun{
		ctx:      ctx,
		out:      out,
		state:    StateStart,
		start:    time.Now(),
		observer: o.observer,
		logger: o.logger.With(
			zap.Int("query_length", len(q.Text)),
			zap.Int("history_turns", len(q.History))),
	}

	r.transition(StateRetrieving)
	retrieval, err := o.retriever.Retrieve(ctx, q.Text)
	if err != nil {
		r.fail(err)
		return
	}

	if !r.emit(SourcesFrame(retrieval.Sources)) {
		r.cancelled()
		return
	}
	r.transition(StateSourcesEmitted)

	if ctx.Err() != nil {
		r.cancelled()
		return
	}
	stream, err := o.answerer.Generate(ctx, q.Text, retrieval.Context)
	if err != nil {
		r.fail(err)
		return
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			r.logger.Warn("failed to close completion stream", zap.Error(cerr))
		}
	}()

	r.transition(StateStreamingTokens)
	for {
		if ctx.Err() != nil {
			r.cancelled()
			return
		}
		fragment, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.complete()
			return
		}
		if err != nil {
			r.fail(err)
			return
		}
		if !r.emit(TokenFrame(fragment)) {
			r.cancelled()
			return
		}
		r.tokens++
	}
}

// emit delivers f unless the request is cancelled first. select picks at
// random when both cases are ready, so ctx is checked up front.
func (r *requestRun) emit(f Frame) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.out <- f:
		r.observer.ObserveFrame(f.Kind.String())
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *requestRun) transition(next State) {
	r.logger.Debug("stream state",
		zap.Stringer("from", r.state),
		zap.Stringer("to", next))
	r.state = next
}

func (r *requestRun) fail(err error) {
	if r.ctx.Err() != nil {
		r.cancelled()
		return
	}
	r.logger.Error("chat stream failed",
		zap.Stringer("state", r.state),
		zap.Int("tokens_emitted", r.tokens),
		zap.Error(err))
	r.emit(ErrorFrame(frameMessage(err)))
	r.transition(StateErrorEmitted)
	r.finish(OutcomeFailed)
}

func (r *requestRun) cancelled() {
	r.logger.Info("chat stream cancelled",
		zap.Stringer("state", r.state),
		zap.Int("tokens_emitted", r.tokens))
	r.finish(OutcomeCancelled)
}

func (r *requestRun) complete() {
	r.logger.Info("chat stream completed",
		zap.Int("tokens_emitted", r.tokens),
		zap.Duration("elapsed", time.Since(r.start)))
	r.finish(OutcomeCompleted)
}

func (r *requestRun) finish(outcome string) {
	r.transition(StateDone)
	r.observer.ObserveRequest(outcome, time.Since(r.start))
}
