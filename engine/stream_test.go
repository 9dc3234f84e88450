package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/coreerr"
	"goa.design/agentcore/engine"
	"goa.design/agentcore/guardrail"
	"goa.design/agentcore/model"
)

// streamProvider replays a fixed chunk sequence as its fullStream, the way a
// real adapter replays provider server-sent events.
type streamProvider struct {
	chunks []model.Chunk
}

func (s streamProvider) StreamText(context.Context, model.GenerateRequest) (model.StreamResult, error) {
	full := make(chan model.Chunk)
	go func() {
		defer close(full)
		for _, c := range s.chunks {
			full <- c
		}
	}()
	return model.StreamResult{FullStream: full}, nil
}
func (s streamProvider) StreamObject(ctx context.Context, req model.GenerateRequest) (model.StreamResult, error) {
	return s.StreamText(ctx, req)
}
func (s streamProvider) GenerateText(context.Context, model.GenerateRequest) (model.GenerateResult, error) {
	panic("unused")
}
func (s streamProvider) GenerateObject(context.Context, model.GenerateRequest) (model.GenerateResult, error) {
	panic("unused")
}
func (streamProvider) ModelIdentifier(m string) string { return m }

func deltas(text ...string) []model.Chunk {
	chunks := make([]model.Chunk, 0, len(text)+1)
	for _, d := range text {
		chunks = append(chunks, model.Chunk{Kind: model.ChunkTextDelta, Delta: d})
	}
	return append(chunks, model.Chunk{Kind: model.ChunkFinish, FinishReason: model.FinishStop, Usage: model.Usage{TotalTokens: 7}})
}

// A digit run split across chunk boundaries is redacted, and
// the Text future resolves to the same string the stream emitted.
func TestStreamText_RedactsAcrossChunkBoundary(t *testing.T) {
	pipeline := guardrail.NewPipeline(nil, []guardrail.OutputGuardrail{
		guardrail.NewSensitiveNumberRedactor("num", 3),
	})
	run, _, _ := newRun(t, pipeline)

	provider := streamProvider{chunks: deltas("Funding: $", "123 million USD")}
	res, err := run.StreamText(context.Background(), provider, model.GenerateRequest{}, engine.Callbacks{})
	require.NoError(t, err)

	var emitted strings.Builder
	for d := range res.TextStream {
		emitted.WriteString(d)
	}
	text, err := res.Text(context.Background())
	require.NoError(t, err)

	require.Equal(t, text, emitted.String())
	require.Contains(t, text, "Funding:")
	require.Contains(t, text, "[redacted]")
	require.NotRegexp(t, `\d`, text)

	usage, err := res.Usage(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, usage.TotalTokens)
}

// An email address split across three chunks is reassembled in
// the hold window and redacted.
func TestStreamText_RedactsEmailAcrossThreeChunks(t *testing.T) {
	pipeline := guardrail.NewPipeline(nil, []guardrail.OutputGuardrail{
		guardrail.NewEmailRedactor("email"),
	})
	run, _, _ := newRun(t, pipeline)

	provider := streamProvider{chunks: deltas("Reach out via support", "@example.", "com for assistance.")}
	res, err := run.StreamText(context.Background(), provider, model.GenerateRequest{}, engine.Callbacks{})
	require.NoError(t, err)

	text, err := res.Text(context.Background())
	require.NoError(t, err)
	require.Contains(t, text, "[redacted-email]")
	require.NotContains(t, text, "support@example.com")
}

// A block-mode profanity guardrail aborts the stream; the Text
// future rejects with GUARDRAIL_OUTPUT_BLOCKED.
func TestStreamText_ProfanityAbortsStream(t *testing.T) {
	pipeline := guardrail.NewPipeline(nil, []guardrail.OutputGuardrail{
		guardrail.NewProfanityGuardrail("prof", []string{"bastard"}, guardrail.ProfanityBlock),
	})
	run, _, _ := newRun(t, pipeline)

	provider := streamProvider{chunks: deltas("you ", "bastard")}
	res, err := run.StreamText(context.Background(), provider, model.GenerateRequest{}, engine.Callbacks{})
	require.NoError(t, err)

	_, err = res.Text(context.Background())
	require.Error(t, err)
	require.True(t, coreerr.IsCode(err, coreerr.GuardrailOutputBlocked))
}

// The Text future must resolve even when the caller never drains either
// stream channel.
func TestStreamText_FuturesResolveWithoutDrainingStreams(t *testing.T) {
	run, _, _ := newRun(t, nil)
	provider := streamProvider{chunks: deltas("hello ", "world")}
	res, err := run.StreamText(context.Background(), provider, model.GenerateRequest{}, engine.Callbacks{})
	require.NoError(t, err)

	text, err := res.Text(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
}
