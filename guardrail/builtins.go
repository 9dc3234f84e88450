package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"goa.design/agentcore/coreerr"
)

// NewSensitiveNumberRedactor replaces runs of at least minDigits digits
// (default 4) with "[redacted]", buffering trailing partial digit runs so a
// run split across chunk boundaries is still caught.
func NewSensitiveNumberRedactor(id string, minDigits int) OutputGuardrail {
	if minDigits <= 0 {
		minDigits = 4
	}
	r := newRegexRedactor(fmt.Sprintf(`\d{%d,}`, minDigits), "[redacted]", minDigits-1, false)
	return OutputGuardrail{
		ID:       id,
		Name:     "sensitive-number-redactor",
		Severity: SeverityCritical,
		ValidateOutput: func(_ context.Context, current, _ string) (Decision, error) {
			return Modify(r.sanitize(current)), nil
		},
		Stream: &StreamHandler{ProcessChunk: r.processChunk, Finalize: r.finalize},
	}
}

// emailPattern matches a standard email address.
const emailPattern = `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`

// NewEmailRedactor replaces email addresses with "[redacted-email]",
// buffering up to 128 trailing characters across chunk boundaries.
func NewEmailRedactor(id string) OutputGuardrail {
	r := newRegexRedactor(emailPattern, "[redacted-email]", 128, true)
	return OutputGuardrail{
		ID:       id,
		Name:     "email-redactor",
		Severity: SeverityCritical,
		ValidateOutput: func(_ context.Context, current, _ string) (Decision, error) {
			return Modify(r.sanitize(current)), nil
		},
		Stream: &StreamHandler{ProcessChunk: r.processChunk, Finalize: r.finalize},
	}
}

// phonePattern matches phone-like digit runs with separators, guarded
// against matching the middle of a longer digit run via \B.
const phonePattern = `\B\+?\d[\d \-()]{6,}\d`

// NewPhoneNumberRedactor replaces phone-like sequences with
// "[redacted-phone]", buffering up to 32 trailing characters.
func NewPhoneNumberRedactor(id string) OutputGuardrail {
	r := newRegexRedactor(phonePattern, "[redacted-phone]", 32, true)
	return OutputGuardrail{
		ID:       id,
		Name:     "phone-number-redactor",
		Severity: SeverityCritical,
		ValidateOutput: func(_ context.Context, current, _ string) (Decision, error) {
			return Modify(r.sanitize(current)), nil
		},
		Stream: &StreamHandler{ProcessChunk: r.processChunk, Finalize: r.finalize},
	}
}

// ProfanityMode selects how NewProfanityGuardrail treats matches.
type ProfanityMode string

const (
	ProfanityRedact ProfanityMode = "redact"
	ProfanityBlock  ProfanityMode = "block"
)

// NewProfanityGuardrail flags words in the given list. In redact mode,
// matches become "[censored]"; in block mode, a match aborts the stream (or
// blocks the terminal phase) with GUARDRAIL_OUTPUT_BLOCKED.
func NewProfanityGuardrail(id string, words []string, mode ProfanityMode) OutputGuardrail {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	pattern := regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	const holdWindow = 32
	blockMessage := "Output blocked due to profanity."

	validate := func(_ context.Context, current, _ string) (Decision, error) {
		if !pattern.MatchString(current) {
			return Pass(), nil
		}
		if mode == ProfanityBlock {
			return Block(blockMessage), nil
		}
		return Modify(pattern.ReplaceAllString(current, "[censored]")), nil
	}

	var stream *StreamHandler
	if mode == ProfanityRedact {
		r := regexRedactor{pattern: pattern, replacement: "[censored]", holdWindow: holdWindow, wordBoundary: true}
		stream = &StreamHandler{ProcessChunk: r.processChunk, Finalize: r.finalize}
	} else {
		stream = &StreamHandler{
			ProcessChunk: func(_ context.Context, chunk string, state *ChunkState, abort AbortFunc) (*string, error) {
				state.rawAccumulated += chunk
				full := state.pending + chunk
				if pattern.MatchString(full) {
					err := newBlockedErr(coreerr.GuardrailOutputBlocked, id, blockMessage)
					abort(err)
					return nil, err
				}
				emit, pending := (regexRedactor{pattern: pattern, holdWindow: holdWindow, wordBoundary: true}).split(full)
				state.pending = pending
				state.emitted += emit
				return &emit, nil
			},
			Finalize: func(_ context.Context, state *ChunkState) (string, error) {
				if state.finalized {
					return "", nil
				}
				state.finalized = true
				if pattern.MatchString(state.rawAccumulated) {
					return "", newBlockedErr(coreerr.GuardrailOutputBlocked, id, blockMessage)
				}
				diff := state.pending
				state.emitted += diff
				state.pending = ""
				return diff, nil
			},
		}
	}

	return OutputGuardrail{
		ID:             id,
		Name:           "profanity-guardrail",
		Severity:       SeverityWarning,
		ValidateOutput: validate,
		Stream:         stream,
	}
}

// MaxLengthMode selects how NewMaxLengthGuardrail treats overflow.
type MaxLengthMode string

const (
	MaxLengthTruncate MaxLengthMode = "truncate"
	MaxLengthBlock    MaxLengthMode = "block"
)

// NewMaxLengthGuardrail caps output at maxCharacters. In truncate mode,
// chunks are dropped once the budget is exhausted; in block mode, the
// stream aborts with GUARDRAIL_OUTPUT_BLOCKED once the budget is exceeded.
func NewMaxLengthGuardrail(id string, maxCharacters int, mode MaxLengthMode) OutputGuardrail {
	validate := func(_ context.Context, current, _ string) (Decision, error) {
		if len(current) <= maxCharacters {
			return Pass(), nil
		}
		if mode == MaxLengthBlock {
			return Block(fmt.Sprintf("output exceeds maximum length of %d characters", maxCharacters)), nil
		}
		return Modify(current[:maxCharacters]), nil
	}

	stream := &StreamHandler{
		ProcessChunk: func(_ context.Context, chunk string, state *ChunkState, abort AbortFunc) (*string, error) {
			state.rawAccumulated += chunk
			remaining := maxCharacters - len(state.emitted)
			if remaining <= 0 {
				if mode == MaxLengthBlock {
					err := newBlockedErr(coreerr.GuardrailOutputBlocked, id, fmt.Sprintf("output exceeds maximum length of %d characters", maxCharacters))
					abort(err)
					return nil, err
				}
				return nil, nil
			}
			if len(chunk) <= remaining {
				state.emitted += chunk
				return &chunk, nil
			}
			if mode == MaxLengthBlock {
				err := newBlockedErr(coreerr.GuardrailOutputBlocked, id, fmt.Sprintf("output exceeds maximum length of %d characters", maxCharacters))
				abort(err)
				return nil, err
			}
			truncated := chunk[:remaining]
			state.emitted += truncated
			return &truncated, nil
		},
		Finalize: func(_ context.Context, state *ChunkState) (string, error) {
			state.finalized = true
			return "", nil
		},
	}

	return OutputGuardrail{
		ID:             id,
		Name:           "max-length-guardrail",
		Severity:       SeverityWarning,
		ValidateOutput: validate,
		Stream:         stream,
	}
}

// NewPromptInjectionGuardrail blocks input containing any of the given
// phrases (case-insensitive). Input-side, block-only.
func NewPromptInjectionGuardrail(id string, phrases []string) InputGuardrail {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return InputGuardrail{
		ID:       id,
		Name:     "prompt-injection-detector",
		Severity: SeverityCritical,
		Validate: func(_ context.Context, input string) (Decision, error) {
			lowerInput := strings.ToLower(input)
			for _, p := range lowered {
				if strings.Contains(lowerInput, p) {
					return Block(fmt.Sprintf("input blocked: matched prompt-injection phrase %q", p)), nil
				}
			}
			return Pass(), nil
		},
	}
}

var (
	htmlScriptOrStyle = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)>`)
	htmlComment       = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlAnyTag        = regexp.MustCompile(`(?s)<[^>]*>`)
)

// NewHTMLSanitizer strips <script>/<style> blocks and comments from input,
// then strips all remaining tags except those named in preserve (e.g. b,
// strong, i, em, u, code).
func NewHTMLSanitizer(id string, preserve []string) InputGuardrail {
	preserveSet := make(map[string]bool, len(preserve))
	for _, tag := range preserve {
		preserveSet[strings.ToLower(tag)] = true
	}
	tagNamePattern := regexp.MustCompile(`^</?([a-zA-Z0-9]+)`)

	return InputGuardrail{
		ID:       id,
		Name:     "html-sanitizer",
		Severity: SeverityInfo,
		Validate: func(_ context.Context, input string) (Decision, error) {
			cleaned := htmlScriptOrStyle.ReplaceAllString(input, "")
			cleaned = htmlComment.ReplaceAllString(cleaned, "")
			cleaned = htmlAnyTag.ReplaceAllStringFunc(cleaned, func(tag string) string {
				m := tagNamePattern.FindStringSubmatch(tag)
				if len(m) == 2 && preserveSet[strings.ToLower(m[1])] {
					return tag
				}
				return ""
			})
			if cleaned == input {
				return Pass(), nil
			}
			return Modify(cleaned), nil
		},
	}
}
