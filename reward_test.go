package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// byteTokenizer maps each byte to its value. Enough for pipeline tests.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids
}

func (byteTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte(byte(id))
	}
	return sb.String()
}

func (byteTokenizer) VocabSize() int { return 256 }

func (byteTokenizer) Save(io.Writer) error { return nil }

// lengthClassifier scores a text by its length: POSITIVE = len, NEGATIVE =
// -len. labels controls the reported output order.
type lengthClassifier struct {
	labels []string
	output []string // defaults to labels

	mu    sync.Mutex
	calls int
}

func (c *lengthClassifier) Labels() []string { return c.labels }

func (c *lengthClassifier) Classify(ids []int, fn ScoreFunction) ([]LabelScore, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	out := c.output
	if out == nil {
		out = c.labels
	}
	scores := make([]LabelScore, len(out))
	for i, l := range out {
		s := float64(len(ids))
		if l == "NEGATIVE" {
			s = -s
		}
		scores[i] = LabelScore{Label: l, Score: s}
	}
	return scores, nil
}

func TestRewardPipelinePositiveIndex(t *testing.T) {
	for _, tt := range []struct {
		labels []string
		want   int
	}{
		{[]string{"NEGATIVE", "POSITIVE"}, 1},
		{[]string{"POSITIVE", "NEGATIVE"}, 0},
		{[]string{"NEGATIVE", "NEUTRAL", "POSITIVE"}, 2},
	} {
		p, err := NewRewardPipeline(&lengthClassifier{labels: tt.labels}, byteTokenizer{}, DefaultRewardConfig())
		require.NoError(t, err)
		require.Equal(t, tt.want, p.PositiveIndex(), "labels %v", tt.labels)

		// The reward is always the POSITIVE score, wherever it sits.
		rewards, err := p.Score(context.Background(), []string{"abc", "hello"})
		require.NoError(t, err)
		require.Equal(t, []float64{3, 5}, rewards)
	}
}

func TestRewardPipelineLabelNotFound(t *testing.T) {
	_, err := NewRewardPipeline(&lengthClassifier{labels: []string{"BAD", "GOOD"}}, byteTokenizer{}, DefaultRewardConfig())
	require.ErrorIs(t, err, ErrLabelNotFound)
}

func TestRewardPipelineLabelMismatch(t *testing.T) {
	clf := &lengthClassifier{
		labels: []string{"NEGATIVE", "POSITIVE"},
		output: []string{"POSITIVE", "NEGATIVE"},
	}
	p, err := NewRewardPipeline(clf, byteTokenizer{}, DefaultRewardConfig())
	require.NoError(t, err)

	_, err = p.Score(context.Background(), []string{"abc"})
	require.ErrorIs(t, err, ErrLabelMismatch)

	clf.output = []string{"NEGATIVE"}
	_, err = p.Score(context.Background(), []string{"abc"})
	require.ErrorIs(t, err, ErrLabelMismatch)
}

func TestRewardPipelinePreservesOrder(t *testing.T) {
	cfg := DefaultRewardConfig()
	cfg.BatchSize = 3
	cfg.Workers = 4
	clf := &lengthClassifier{labels: DefaultLabels}
	p, err := NewRewardPipeline(clf, byteTokenizer{}, cfg)
	require.NoError(t, err)

	texts := make([]string, 20)
	want := make([]float64, 20)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
		want[i] = float64(i + 1)
	}
	got, err := p.Score(context.Background(), texts)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 20, clf.calls)
}

func TestRewardPipelineCanceled(t *testing.T) {
	p, err := NewRewardPipeline(&lengthClassifier{labels: DefaultLabels}, byteTokenizer{}, DefaultRewardConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Score(ctx, []string{"a", "b"})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRewardPipelineRejectsBadBatchSize(t *testing.T) {
	cfg := DefaultRewardConfig()
	cfg.BatchSize = 0
	_, err := NewRewardPipeline(&lengthClassifier{labels: DefaultLabels}, byteTokenizer{}, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
