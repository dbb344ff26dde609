package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// letterGenerator appends n letters drawn from rng. upper switches the
// alphabet so two generators fed the same stream still differ.
type letterGenerator struct {
	upper   bool
	extra   int // tokens to emit beyond n
	lengths []int
}

func (g *letterGenerator) Generate(prompt []int, n int, _ SampleConfig, rng *rand.Rand) ([]int, error) {
	g.lengths = append(g.lengths, n)
	out := append([]int(nil), prompt...)
	base := 'a'
	if g.upper {
		base = 'A'
	}
	for i := 0; i < n+g.extra; i++ {
		out = append(out, int(base)+rng.Intn(26))
	}
	return out, nil
}

type stepCall struct {
	queries, responses [][]int
	scores             []float64
}

// recordingStepper keeps every Step call and reports the mean score.
type recordingStepper struct {
	calls []stepCall
}

func (s *recordingStepper) Step(queries, responses [][]int, scores []float64) (Stats, error) {
	s.calls = append(s.calls, stepCall{queries, responses, scores})
	mean, _ := meanStd(scores)
	return Stats{"env/reward_mean": mean}, nil
}

// capturingScorer scores a text by its length and keeps what it saw.
type capturingScorer struct {
	mu    sync.Mutex
	texts [][]string
	drop  int // rewards to leave off the end
}

func (s *capturingScorer) Score(_ context.Context, texts []string) ([]float64, error) {
	s.mu.Lock()
	s.texts = append(s.texts, append([]string(nil), texts...))
	s.mu.Unlock()
	out := make([]float64, len(texts)-s.drop)
	for i := range out {
		out[i] = float64(len(texts[i]))
	}
	return out, nil
}

type memoryRecorder struct {
	records []StepRecord
}

func (r *memoryRecorder) Record(rec StepRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecorder) Close() error { return nil }

func promptExamples(n int) []Example {
	examples := make([]Example, n)
	for i := range examples {
		text := fmt.Sprintf("prompt %02d ", i)
		examples[i] = Example{
			RawText:      text + "and the rest of the review",
			PromptTokens: byteTokenizer{}.Encode(text),
			PromptText:   text,
		}
	}
	return examples
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l).WithField("run_id", "test-run")
}

func newTestDriver(gen Generator, scorer Scorer, stepper Stepper) *Driver {
	cfg := DefaultDriverConfig()
	cfg.BatchSize = 4
	return &Driver{
		Policy:  gen,
		Tok:     byteTokenizer{},
		Reward:  scorer,
		Trainer: stepper,
		Config:  cfg,
		Rng:     rand.New(rand.NewSource(41)),
		Log:     quietLogger(),
	}
}

func TestProcessBatchAlignment(t *testing.T) {
	gen := &letterGenerator{extra: 3}
	scorer := &capturingScorer{}
	stepper := &recordingStepper{}
	d := newTestDriver(gen, scorer, stepper)

	examples := promptExamples(4)
	records := make([]Record, len(examples))
	for i, ex := range examples {
		records[i] = ex.Record()
	}
	batch, err := Collate(records)
	require.NoError(t, err)

	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, stepper.calls, 1)
	require.Len(t, scorer.texts, 1)

	for i, ex := range examples {
		n := gen.lengths[i]
		require.True(t, n >= d.Config.ResponseMin && n < d.Config.ResponseMax, "length %d", n)
		// Only the last n generated tokens are kept, even when the
		// generator overshoots.
		require.Len(t, res.Responses[i], n)
		require.Equal(t, ex.PromptTokens, res.Queries[i])

		want := ex.PromptText + byteTokenizer{}.Decode(res.Responses[i])
		require.Equal(t, want, res.Texts[i])
		require.Equal(t, want, scorer.texts[0][i])
		require.Equal(t, float64(len(want)), res.Rewards[i])
	}
	require.Equal(t, res.Queries, stepper.calls[0].queries)
	require.Equal(t, res.Responses, stepper.calls[0].responses)
	require.Equal(t, res.Rewards, stepper.calls[0].scores)
}

func TestProcessBatchMisalignedRewards(t *testing.T) {
	stepper := &recordingStepper{}
	d := newTestDriver(&letterGenerator{}, &capturingScorer{drop: 1}, stepper)

	batch, err := Collate([]Record{promptExamples(2)[0].Record(), promptExamples(2)[1].Record()})
	require.NoError(t, err)
	_, err = d.ProcessBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrBatchMisaligned)
	require.Empty(t, stepper.calls, "no PPO step on a misaligned batch")
}

func TestProcessBatchRealRewardPipeline(t *testing.T) {
	pipeline, err := NewRewardPipeline(&lengthClassifier{labels: DefaultLabels}, byteTokenizer{}, DefaultRewardConfig())
	require.NoError(t, err)
	d := newTestDriver(&letterGenerator{}, pipeline, &recordingStepper{})

	examples := promptExamples(3)
	batch, err := Collate([]Record{examples[0].Record(), examples[1].Record(), examples[2].Record()})
	require.NoError(t, err)
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	for i := range examples {
		require.Equal(t, float64(len(res.Texts[i])), res.Rewards[i])
	}
}

func TestGenerateResponsesTooShort(t *testing.T) {
	gen := &letterGenerator{extra: -2}
	_, err := generateResponses(gen, [][]int{{}}, []int{4}, DefaultSampleConfig(), rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestDriverRun(t *testing.T) {
	stepper := &recordingStepper{}
	recorder := &memoryRecorder{}
	d := newTestDriver(&letterGenerator{}, &capturingScorer{}, stepper)
	d.Config.Epochs = 2
	d.Recorder = recorder

	records, err := d.Run(context.Background(), promptExamples(10))
	require.NoError(t, err)

	// 10 examples at batch 4 is two full batches per epoch.
	require.Len(t, records, 4)
	require.Equal(t, records, recorder.records)
	require.Len(t, stepper.calls, 4)
	for i, rec := range records {
		require.Equal(t, i+1, rec.Step)
		require.Equal(t, i/2, rec.Epoch)
		require.Equal(t, i%2, rec.Batch)
		require.Equal(t, "test-run", rec.RunID)
		require.Contains(t, rec.Stats, "env/reward_mean")
		require.Len(t, stepper.calls[i].queries, 4)
	}
}

func TestDriverRunErrors(t *testing.T) {
	d := newTestDriver(&letterGenerator{}, &capturingScorer{}, &recordingStepper{})
	d.Config.Epochs = 0
	_, err := d.Run(context.Background(), promptExamples(8))
	require.ErrorIs(t, err, ErrInvalidConfig)

	d.Config.Epochs = 1
	_, err = d.Run(context.Background(), promptExamples(3))
	require.ErrorIs(t, err, ErrEmptyDataset)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	records, err := d.Run(ctx, promptExamples(8))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, records)

	d.Config.ResponseMin, d.Config.ResponseMax = 5, 5
	_, err = d.Run(context.Background(), promptExamples(8))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// echoGenerator continues a prompt with its own leading tokens, so the
// output depends on the prompt alone.
type echoGenerator struct{}

func (echoGenerator) Generate(prompt []int, n int, _ SampleConfig, _ *rand.Rand) ([]int, error) {
	out := append([]int(nil), prompt...)
	for i := 0; i < n; i++ {
		out = append(out, prompt[i%len(prompt)])
	}
	return out, nil
}

func TestProcessBatchPermutation(t *testing.T) {
	examples := promptExamples(4)
	order := []int{2, 0, 3, 1}

	run := func(idx []int) *BatchResult {
		d := newTestDriver(echoGenerator{}, &capturingScorer{}, &recordingStepper{})
		d.Config.ResponseMin, d.Config.ResponseMax = 5, 6
		records := make([]Record, len(idx))
		for i, j := range idx {
			records[i] = examples[j].Record()
		}
		batch, err := Collate(records)
		require.NoError(t, err)
		res, err := d.ProcessBatch(context.Background(), batch)
		require.NoError(t, err)
		return res
	}

	base := run([]int{0, 1, 2, 3})
	permuted := run(order)
	for i, j := range order {
		require.Equal(t, base.Queries[j], permuted.Queries[i])
		require.Equal(t, base.Responses[j], permuted.Responses[i])
		require.Equal(t, base.Texts[j], permuted.Texts[i])
		require.Equal(t, base.Rewards[j], permuted.Rewards[i])
	}
}
