package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.symposium/internal/llm"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestEnhanceAlwaysLeadsWithOriginal(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())
	query := "does free will exist"

	for _, method := range []Method{MethodParaphrase, MethodKeywords, MethodQuestion, MethodExpansion, MethodHybrid} {
		out := rewriter.Enhance(context.Background(), query, method, 3)
		require.NotEmpty(t, out, "method %s", method)
		assert.Equal(t, query, out[0], "method %s", method)
		for _, rewrite := range out {
			assert.NotEmpty(t, rewrite, "method %s", method)
		}
	}
}

func TestEnhanceDegradesToOriginalOnCompleterFailure(t *testing.T) {
	rewriter := NewRewriter(&stubCompleter{err: errors.New("provider down")}, newTestLogger())

	out := rewriter.Enhance(context.Background(), "does free will exist", MethodParaphrase, 3)
	require.NotEmpty(t, out)
	assert.Equal(t, "does free will exist", out[0])
}

func TestEnhanceParaphraseParsesLines(t *testing.T) {
	rewriter := NewRewriter(&stubCompleter{reply: "1. is human choice real\n2. can people choose freely\n"}, newTestLogger())

	out := rewriter.Enhance(context.Background(), "does free will exist", MethodParaphrase, 3)
	require.Len(t, out, 3)
	assert.Equal(t, "does free will exist", out[0])
	assert.Equal(t, "is human choice real", out[1])
	assert.Equal(t, "can people choose freely", out[2])
}

func TestEnhanceRespectsCount(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())

	out := rewriter.Enhance(context.Background(), "is morality objective truth", MethodHybrid, 2)
	assert.LessOrEqual(t, len(out), 3)
	assert.GreaterOrEqual(t, len(out), 1)
}

func TestEnhanceKeywordsStripsStopwords(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())

	out := rewriter.Enhance(context.Background(), "what is the meaning of life", MethodKeywords, 1)
	require.Len(t, out, 2)
	assert.Equal(t, "meaning life", out[1])
}

func TestEnhanceExpansionUsesSynonyms(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())

	out := rewriter.Enhance(context.Background(), "is justice possible", MethodExpansion, 2)
	require.Len(t, out, 3)
	assert.Equal(t, "is fairness possible", out[1])
	assert.Equal(t, "is equity possible", out[2])
}

func TestEnhanceHybridDeduplicates(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())

	out := rewriter.Enhance(context.Background(), "justice", MethodHybrid, 10)
	seen := make(map[string]bool)
	for _, rewrite := range out {
		key := normalizeQuery(rewrite)
		assert.False(t, seen[key], "duplicate rewrite %q", rewrite)
		seen[key] = true
	}
}

func TestEnhanceZeroCount(t *testing.T) {
	rewriter := NewRewriter(nil, newTestLogger())

	out := rewriter.Enhance(context.Background(), "anything", MethodHybrid, 0)
	assert.Equal(t, []string{"anything"}, out)
}

func TestParseMethod(t *testing.T) {
	_, err := ParseMethod("hybrid")
	assert.NoError(t, err)
	_, err = ParseMethod("telepathy")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
