package guardrail

import (
	"context"
	"regexp"
	"strings"
)

// regexRedactor is the shared boundary-buffering primitive behind the
// sensitive-number, email and phone-number built-ins.
// It owns a bounded "hold window": everything up to the last plausible
// boundary inside the window is emitted; the rest is retained until more
// input arrives or the stream finalizes.
type regexRedactor struct {
	pattern      *regexp.Regexp
	replacement  string
	holdWindow   int
	wordBoundary bool // seek back to whitespace within the window before splitting
}

func newRegexRedactor(pattern, replacement string, holdWindow int, wordBoundary bool) regexRedactor {
	return regexRedactor{
		pattern:      regexp.MustCompile(pattern),
		replacement:  replacement,
		holdWindow:   holdWindow,
		wordBoundary: wordBoundary,
	}
}

func (r regexRedactor) sanitize(s string) string {
	return r.pattern.ReplaceAllString(s, r.replacement)
}

// split returns the safe-to-emit prefix and the retained suffix of sanitized.
// processChunk passes it raw text and sanitizes the prefix afterwards.
func (r regexRedactor) split(sanitized string) (emit, pending string) {
	if len(sanitized) <= r.holdWindow {
		return "", sanitized
	}
	splitAt := len(sanitized) - r.holdWindow
	if r.wordBoundary {
		if idx := strings.LastIndexAny(sanitized[:splitAt], " \t\n\r"); idx >= 0 {
			splitAt = idx + 1
		} else {
			splitAt = 0
		}
	}
	return sanitized[:splitAt], sanitized[splitAt:]
}

func (r regexRedactor) processChunk(_ context.Context, chunk string, state *ChunkState, _ AbortFunc) (*string, error) {
	state.rawAccumulated += chunk
	full := state.pending + chunk
	emitRaw, pending := r.split(full)
	// A match that crosses the split, or that reaches the end of the buffer
	// and may still grow, is retained whole so it is redacted exactly once.
	for _, m := range r.pattern.FindAllStringIndex(full, -1) {
		if m[1] > len(emitRaw) || m[1] == len(full) {
			if m[0] < len(emitRaw) {
				emitRaw, pending = full[:m[0]], full[m[0]:]
			}
			break
		}
	}
	emit := r.sanitize(emitRaw)
	state.pending = pending
	state.emitted += emit
	return &emit, nil
}

func (r regexRedactor) finalize(_ context.Context, state *ChunkState) (string, error) {
	if state.finalized {
		return "", nil
	}
	sanitizedFull := r.sanitize(state.rawAccumulated)
	state.finalized = true
	state.finalizedText = sanitizedFull
	var diff string
	if strings.HasPrefix(sanitizedFull, state.emitted) {
		diff = sanitizedFull[len(state.emitted):]
	} else {
		diff = sanitizedFull
	}
	state.emitted = sanitizedFull
	state.pending = ""
	return diff, nil
}
