package rag

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/upb/rag-gateway/services/providers"
)

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }
func (m *mockEmbedder) Close() error { return nil }

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Name() string { return "mock-searcher" }
func (m *mockSearcher) Close() error { return nil }

func (m *mockSearcher) HybridSearch(ctx context.Context, req providers.SearchRequest) ([]providers.SearchRecord, error) {
	args := m.Called(ctx, req)
	recs, _ := args.Get(0).([]providers.SearchRecord)
	return recs, args.Error(1)
}

// fakeGenerator hands out a fresh SliceStream per call.
type fakeGenerator struct {
	mu        sync.Mutex
	fragments []string
	streamErr error
	startErr  error
	messages  [][]providers.Message
	streams   []*providers.SliceStream
}

func (g *fakeGenerator) Name() string { return "fake-generator" }
func (g *fakeGenerator) Close() error { return nil }

func (g *fakeGenerator) StreamCompletion(ctx context.Context, messages []providers.Message) (providers.TokenStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, messages)
	if g.startErr != nil {
		return nil, g.startErr
	}
	s := &providers.SliceStream{Fragments: g.fragments, Err: g.streamErr}
	g.streams = append(g.streams, s)
	return s, nil
}

func (g *fakeGenerator) lastStream() *providers.SliceStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.streams) == 0 {
		return nil
	}
	return g.streams[len(g.streams)-1]
}

type stageCall struct {
	stage string
	err   error
}

type recordingObserver struct {
	mu       sync.Mutex
	stages   []stageCall
	frames   []string
	outcomes []string
}

func (o *recordingObserver) ObserveStage(stage string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stageCall{stage: stage, err: err})
}

func (o *recordingObserver) ObserveFrame(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, kind)
}

func (o *recordingObserver) ObserveRequest(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func strPtr(s string) *string { return &s }

func collect(frames <-chan Frame) []Frame {
	var out []Frame
	for f := range frames {
		out = append(out, f)
	}
	return out
}
