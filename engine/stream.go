package engine

import (
	"context"
	"sync"

	"goa.design/agentcore/model"
)

// StreamText bridges the provider's raw fullStream through the streaming
// guardrail phase, emitting sanitized text-delta chunks and leaving every
// other chunk kind untouched, then runs Finalize once the provider signals
// finish.
func (r *Run) StreamText(ctx context.Context, provider model.Provider, req model.GenerateRequest, cb Callbacks) (model.StreamResult, error) {
	if req.MaxSteps <= 0 {
		req.MaxSteps = DefaultMaxSteps
	}
	req.OnStepFinish = r.stepAdapter(ctx, cb)

	raw, err := provider.StreamText(ctx, req)
	if err != nil {
		return model.StreamResult{}, providerErr(err)
	}
	return r.bridge(ctx, raw, cb), nil
}

// StreamObject is the same bridging, plus schema validation of the
// accumulated object once the stream finishes.
func (r *Run) StreamObject(ctx context.Context, provider model.Provider, req model.GenerateRequest, cb Callbacks) (model.StreamResult, error) {
	if req.MaxSteps <= 0 {
		req.MaxSteps = DefaultMaxSteps
	}
	req.OnStepFinish = r.stepAdapter(ctx, cb)

	raw, err := provider.StreamObject(ctx, req)
	if err != nil {
		return model.StreamResult{}, providerErr(err)
	}
	bridged := r.bridge(ctx, raw, cb)
	if req.Schema != nil {
		go func() {
			text, err := bridged.Text(ctx)
			if err != nil {
				return
			}
			if verr := validateStreamedObject(req.Schema, text); verr != nil && cb.OnError != nil {
				cb.OnError(verr)
			}
		}()
	}
	return bridged, nil
}

// fanout buffers the sanitized chunk sequence so TextStream and FullStream
// can each be drained (or ignored) independently: the pump never blocks on a
// slow or absent consumer, so the Text/Usage futures always resolve once the
// provider finishes. Growth is bounded by the response size, the same bound
// the accumulated text already carries.
type fanout struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []model.Chunk
	closed bool
}

func newFanout() *fanout {
	f := &fanout{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fanout) push(c model.Chunk) {
	f.mu.Lock()
	f.chunks = append(f.chunks, c)
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *fanout) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// next blocks until a chunk past idx exists or the fanout is closed.
func (f *fanout) next(idx int) (model.Chunk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for idx >= len(f.chunks) && !f.closed {
		f.cond.Wait()
	}
	if idx < len(f.chunks) {
		return f.chunks[idx], true
	}
	return model.Chunk{}, false
}

// bridge pumps raw.FullStream through the output guardrail pipeline (if
// any), resolving Text/Usage once the provider emits its finish chunk.
func (r *Run) bridge(ctx context.Context, raw model.StreamResult, cb Callbacks) model.StreamResult {
	fullOut := make(chan model.Chunk)
	textOut := make(chan string)
	buffered := newFanout()

	var (
		once  sync.Once
		mu    sync.Mutex
		text  string
		usage model.Usage
		final error
		done  = make(chan struct{})
	)
	resolve := func(err error) {
		once.Do(func() {
			mu.Lock()
			final = err
			mu.Unlock()
			close(done)
		})
	}

	go func() {
		defer buffered.close()
		for chunk := range raw.FullStream {
			switch chunk.Kind {
			case model.ChunkTextDelta:
				if r.Pipeline != nil {
					safe, ok, err := r.Pipeline.ProcessChunk(ctx, chunk.Delta)
					if err != nil {
						if cb.OnError != nil {
							cb.OnError(err)
						}
						resolve(err)
						return
					}
					if !ok {
						continue
					}
					chunk.Delta = safe
				}
				mu.Lock()
				text += chunk.Delta
				mu.Unlock()
			case model.ChunkFinish:
				if r.Pipeline != nil {
					trailing, err := r.Pipeline.Finalize(ctx)
					if err != nil {
						if cb.OnError != nil {
							cb.OnError(err)
						}
						resolve(err)
						return
					}
					if trailing != "" {
						mu.Lock()
						text += trailing
						mu.Unlock()
						synthetic := model.Chunk{Kind: model.ChunkTextDelta, Delta: trailing}
						if cb.OnChunk != nil {
							cb.OnChunk(synthetic)
						}
						buffered.push(synthetic)
					}
				}
				mu.Lock()
				usage = chunk.Usage
				mu.Unlock()
			case model.ChunkError:
				if cb.OnError != nil {
					cb.OnError(chunk.Err)
				}
				resolve(chunk.Err)
			}
			if cb.OnChunk != nil {
				cb.OnChunk(chunk)
			}
			buffered.push(chunk)
			if chunk.Kind == model.ChunkFinish {
				resolve(nil)
			}
		}
		resolve(nil)
	}()

	// One forwarder per exposed stream, each pacing itself by its own
	// consumer only.
	go func() {
		defer close(fullOut)
		for i := 0; ; i++ {
			chunk, ok := buffered.next(i)
			if !ok {
				return
			}
			select {
			case fullOut <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer close(textOut)
		for i := 0; ; i++ {
			chunk, ok := buffered.next(i)
			if !ok {
				return
			}
			if chunk.Kind != model.ChunkTextDelta || chunk.Delta == "" {
				continue
			}
			select {
			case textOut <- chunk.Delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return model.StreamResult{
		TextStream: textOut,
		FullStream: fullOut,
		Text: func(ctx context.Context) (string, error) {
			select {
			case <-done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			return text, final
		},
		Usage: func(ctx context.Context) (model.Usage, error) {
			select {
			case <-done:
			case <-ctx.Done():
				return model.Usage{}, ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			return usage, final
		},
	}
}
