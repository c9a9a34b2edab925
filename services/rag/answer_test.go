package rag

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/rag-gateway/services"
	"github.com/upb/rag-gateway/services/providers"
	"go.uber.org/zap/zaptest"
)

func drain(t *testing.T, s providers.TokenStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		f, err := s.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func TestAnswerer_BuildMessages(t *testing.T) {
	a := NewAnswerer(&fakeGenerator{}, "", nil, zaptest.NewLogger(t))

	msgs := a.BuildMessages("What is the CAPA deadline?", "Source (sop.pdf): 30 days")
	require.Len(t, msgs, 2)
	assert.Equal(t, providers.RoleSystem, msgs[0].Role)
	assert.Equal(t, DefaultSystemPrompt, msgs[0].Content)
	assert.Contains(t, msgs[0].Content, "I don't know")
	assert.Equal(t, providers.RoleUser, msgs[1].Role)
	assert.Equal(t, "Context:\nSource (sop.pdf): 30 days\n\nQuestion: What is the CAPA deadline?", msgs[1].Content)
}

func TestAnswerer_CustomSystemPrompt(t *testing.T) {
	a := NewAnswerer(&fakeGenerator{}, "Answer in French.", nil, zaptest.NewLogger(t))
	assert.Equal(t, "Answer in French.", a.BuildMessages("q", "c")[0].Content)
}

func TestAnswerer_FiltersEmptyFragments(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"", "Hello", "", "", " world", ""}}
	a := NewAnswerer(gen, "", nil, zaptest.NewLogger(t))

	stream, err := a.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)
	defer stream.Close()

	got, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, got)

	require.Len(t, gen.messages, 1)
	assert.Equal(t, "Context:\nctx\n\nQuestion: q", gen.messages[0][1].Content)
}

func TestAnswerer_StartFailure(t *testing.T) {
	obs := &recordingObserver{}
	gen := &fakeGenerator{startErr: errors.New("deployment not found")}
	a := NewAnswerer(gen, "", obs, zaptest.NewLogger(t))

	stream, err := a.Generate(context.Background(), "q", "ctx")
	assert.Nil(t, stream)
	require.Error(t, err)
	assert.True(t, services.IsGenerationError(err))
	assert.Contains(t, err.Error(), "deployment not found")

	require.Len(t, obs.stages, 1)
	assert.Equal(t, StageGenerate, obs.stages[0].stage)
}

func TestAnswerer_MidStreamFailure(t *testing.T) {
	drop := errors.New("connection reset by peer")
	gen := &fakeGenerator{fragments: []string{"Partial", "", " answer"}, streamErr: drop}
	a := NewAnswerer(gen, "", nil, zaptest.NewLogger(t))

	stream, err := a.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)

	got, err := drain(t, stream)
	assert.Equal(t, []string{"Partial", " answer"}, got)
	require.Error(t, err)
	assert.True(t, services.IsGenerationError(err))
	assert.ErrorIs(t, err, drop)

	// exhausted after the failure
	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestAnswerer_CloseClosesProviderStream(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"a", "b"}}
	a := NewAnswerer(gen, "", nil, zaptest.NewLogger(t))

	stream, err := a.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.True(t, gen.lastStream().Closed())
	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestAnswerer_CancelledContextIsNotAGenerationError(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"a", "b"}}
	a := NewAnswerer(gen, "", nil, zaptest.NewLogger(t))

	stream, err := a.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, services.IsGenerationError(err))
	assert.Equal(t, 0, gen.lastStream().Pulled())
}
