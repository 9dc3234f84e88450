package guardrail

import (
	"context"

	"goa.design/agentcore/coreerr"
)

// Pipeline runs an ordered chain of input and output guardrails for one
// operation.
type Pipeline struct {
	Input  []InputGuardrail
	Output []OutputGuardrail

	states  []*ChunkState // one per Output guardrail with a Stream handler
	aborted error
}

// NewPipeline constructs a Pipeline from the agent's configured guardrail
// lists, allocating streaming state for every output guardrail up front.
func NewPipeline(input []InputGuardrail, output []OutputGuardrail) *Pipeline {
	p := &Pipeline{Input: input, Output: output}
	p.states = make([]*ChunkState, len(output))
	for i := range output {
		p.states[i] = &ChunkState{}
	}
	return p
}

// RunInput runs the input guardrail chain in declaration order. On block,
// returns a GUARDRAIL_INPUT_BLOCKED error; the caller must fail the whole
// operation with it.
func (p *Pipeline) RunInput(ctx context.Context, input string) (string, error) {
	current := input
	for _, g := range p.Input {
		decision, err := g.Validate(ctx, current)
		if err != nil {
			return current, err
		}
		switch decision.Action {
		case ActionPass:
			// unchanged
		case ActionModify:
			current = decision.Modified
		case ActionBlock:
			msg := decision.Message
			if msg == "" {
				msg = "input blocked by guardrail " + g.Name
			}
			return current, newBlockedErr(coreerr.GuardrailInputBlocked, g.ID, msg)
		}
	}
	return current, nil
}

// RunOutputTerminal runs the output guardrail chain over the full
// accumulated output.
func (p *Pipeline) RunOutputTerminal(ctx context.Context, output string) (string, error) {
	original := output
	current := output
	for _, g := range p.Output {
		if g.ValidateOutput == nil {
			continue
		}
		decision, err := g.ValidateOutput(ctx, current, original)
		if err != nil {
			return current, err
		}
		switch decision.Action {
		case ActionPass:
		case ActionModify:
			current = decision.Modified
		case ActionBlock:
			msg := decision.Message
			if msg == "" {
				msg = "output blocked by guardrail " + g.Name
			}
			return current, newBlockedErr(coreerr.GuardrailOutputBlocked, g.ID, msg)
		}
	}
	return current, nil
}

// ProcessChunk threads one text-delta chunk through every streaming-capable
// output guardrail in order. A chunk becomes "" with ok=false the moment any
// handler drops it; no later handler is invoked for that chunk. If the
// pipeline was previously aborted, every call returns the same error.
func (p *Pipeline) ProcessChunk(ctx context.Context, chunk string) (string, bool, error) {
	if p.aborted != nil {
		return "", false, p.aborted
	}
	current := chunk
	dropped := false
	for i, g := range p.Output {
		if g.Stream == nil {
			continue
		}
		if dropped {
			// No later handler is invoked once a chunk is null; stop
			// entirely for this chunk.
			break
		}
		abort := func(reason error) {
			if reason == nil {
				reason = newBlockedErr(coreerr.GuardrailOutputBlocked, g.ID, "stream aborted by guardrail "+g.Name)
			}
			p.aborted = reason
		}
		out, err := g.Stream.ProcessChunk(ctx, current, p.states[i], abort)
		if err != nil {
			p.aborted = err
			return "", false, err
		}
		if p.aborted != nil {
			return "", false, p.aborted
		}
		if out == nil {
			dropped = true
			current = ""
			continue
		}
		current = *out
	}
	if dropped {
		return "", false, nil
	}
	return current, true, nil
}

// Finalize runs Finalize on every streaming-capable output guardrail,
// concatenating the trailing diffs in guardrail order, and returns the
// total trailing text to append as a synthetic final chunk.
// Idempotent: a second call returns "" with no error and emits nothing new.
func (p *Pipeline) Finalize(ctx context.Context) (string, error) {
	if p.aborted != nil {
		return "", p.aborted
	}
	var trailing string
	for i, g := range p.Output {
		if g.Stream == nil || g.Stream.Finalize == nil {
			continue
		}
		diff, err := g.Stream.Finalize(ctx, p.states[i])
		if err != nil {
			p.aborted = err
			return "", err
		}
		trailing += diff
	}
	return trailing, nil
}

// Aborted reports the pipeline's abort error, if any.
func (p *Pipeline) Aborted() error { return p.aborted }
