package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summarizer condenses entries into the content of one summary entry
type Summarizer interface {
	Summarize(ctx context.Context, entries []*Entry) (string, error)
}

// SummarizerFunc adapts a function to Summarizer
type SummarizerFunc func(ctx context.Context, entries []*Entry) (string, error)

// Summarize calls f
func (f SummarizerFunc) Summarize(ctx context.Context, entries []*Entry) (string, error) {
	return f(ctx, entries)
}

// ExtractiveSummarizer keeps the first line of each entry and truncates the
// result to MaxTokens.
type ExtractiveSummarizer struct {
	MaxTokens int
}

const summaryLineLimit = 200

func (s ExtractiveSummarizer) Summarize(ctx context.Context, entries []*Entry) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d entries:\n", len(entries))
	for _, e := range entries {
		line := strings.TrimSpace(e.Content)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		fmt.Fprintf(&b, "- [%s] %s\n", e.Type, truncate(line, summaryLineLimit))
	}

	out := strings.TrimRight(b.String(), "\n")
	if s.MaxTokens > 0 {
		out = truncate(out, s.MaxTokens*4)
	}
	return out, nil
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
