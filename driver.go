package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The RLHF loop. For every batch of prompts:
//
//	1. draw a response length L_i per example from [ResponseMin, ResponseMax)
//	2. sample L_i tokens from the policy after prompt_i
//	3. keep exactly the last L_i tokens and decode them
//	4. reward_i = positive score of reward(prompt_text_i + response_text_i)
//	5. PPO step on (prompts, responses, rewards); record the stats
//
// Index i means the same example in every slice from step 1 to step 5.
// Nothing is reordered, filtered or retried: any error aborts the run.
//
// ===========================================================================

// Generator produces prompt ++ n sampled tokens.
type Generator interface {
	Generate(prompt []int, n int, cfg SampleConfig, rng *rand.Rand) ([]int, error)
}

// Scorer returns one reward per text, in order.
type Scorer interface {
	Score(ctx context.Context, texts []string) ([]float64, error)
}

// Stepper runs one optimisation step.
type Stepper interface {
	Step(queries, responses [][]int, scores []float64) (Stats, error)
}

// DriverConfig controls the loop.
type DriverConfig struct {
	Epochs      int `env:"RLHF_EPOCHS" envDefault:"1"`
	BatchSize   int `env:"RLHF_BATCH_SIZE" envDefault:"16"`
	ResponseMin int `env:"RLHF_RESPONSE_MIN" envDefault:"4"`
	ResponseMax int `env:"RLHF_RESPONSE_MAX" envDefault:"16"`
	Sample      SampleConfig
}

// DefaultDriverConfig returns one epoch of batch 16 with responses of
// 4 to 15 tokens.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Epochs:      1,
		BatchSize:   16,
		ResponseMin: 4,
		ResponseMax: 16,
		Sample:      DefaultSampleConfig(),
	}
}

// Driver wires the policy, reward model and trainer together.
type Driver struct {
	Policy   Generator
	Tok      Tokenizer
	Reward   Scorer
	Trainer  Stepper
	Recorder StatsRecorder // optional
	Config   DriverConfig
	Rng      *rand.Rand
	Log      *logrus.Entry
}

// BatchResult is everything produced for one batch, index-aligned.
type BatchResult struct {
	Queries   [][]int
	Responses [][]int
	Texts     []string
	Rewards   []float64
	Stats     Stats
}

// Run trains for Config.Epochs passes over dataset and returns one record
// per PPO step.
func (d *Driver) Run(ctx context.Context, dataset []Example) ([]StepRecord, error) {
	if d.Config.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	}
	loader, err := NewDataLoader(dataset, d.Config.BatchSize, true, d.Rng)
	if err != nil {
		return nil, err
	}
	log := d.logger()

	var records []StepRecord
	step := 0
	for epoch := 0; epoch < d.Config.Epochs; epoch++ {
		batches, err := loader.Epoch()
		if err != nil {
			return records, err
		}
		for b, batch := range batches {
			if err := ctx.Err(); err != nil {
				return records, err
			}

			start := time.Now()
			result, err := d.ProcessBatch(ctx, batch)
			if err != nil {
				return records, fmt.Errorf("epoch %d batch %d: %w", epoch, b, err)
			}
			step++

			rec := StepRecord{Epoch: epoch, Batch: b, Step: step, Time: time.Now().UTC(), Stats: result.Stats}
			if id, ok := log.Data["run_id"].(string); ok {
				rec.RunID = id
			}
			records = append(records, rec)
			if d.Recorder != nil {
				if err := d.Recorder.Record(rec); err != nil {
					return records, err
				}
			}

			log.WithFields(logrus.Fields{
				"epoch":       epoch,
				"batch":       fmt.Sprintf("%d/%d", b+1, len(batches)),
				"reward_mean": result.Stats["env/reward_mean"],
				"kl":          result.Stats["objective/kl"],
				"kl_coef":     result.Stats["objective/kl_coef"],
				"loss":        result.Stats["ppo/loss/total"],
				"elapsed":     time.Since(start).Round(time.Millisecond),
			}).Info("PPO step")
		}
	}
	return records, nil
}

// ProcessBatch runs generation, scoring and one PPO step for batch.
func (d *Driver) ProcessBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	queries, err := batch.Ints(FieldPromptTokens)
	if err != nil {
		return nil, err
	}
	prompts, err := batch.Strings(FieldPromptText)
	if err != nil {
		return nil, err
	}
	if len(prompts) != len(queries) {
		return nil, fmt.Errorf("%w: %d prompt texts for %d prompts", ErrBatchMisaligned, len(prompts), len(queries))
	}

	lengths, err := drawLengths(d.Config.ResponseMin, d.Config.ResponseMax, len(queries), d.Rng)
	if err != nil {
		return nil, err
	}
	responses, err := generateResponses(d.Policy, queries, lengths, d.Config.Sample, d.Rng)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(queries))
	for i := range responses {
		texts[i] = prompts[i] + d.Tok.Decode(responses[i])
	}

	rewards, err := d.Reward.Score(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	if len(rewards) != len(queries) {
		return nil, fmt.Errorf("%w: %d rewards for %d prompts", ErrBatchMisaligned, len(rewards), len(queries))
	}

	stats, err := d.Trainer.Step(queries, responses, rewards)
	if err != nil {
		return nil, fmt.Errorf("ppo step: %w", err)
	}
	return &BatchResult{
		Queries:   queries,
		Responses: responses,
		Texts:     texts,
		Rewards:   rewards,
		Stats:     stats,
	}, nil
}

func (d *Driver) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// drawLengths draws n independent lengths from [lo, hi).
func drawLengths(lo, hi, n int, rng *rand.Rand) ([]int, error) {
	sampler := LengthSampler{Min: lo, Max: hi}
	if err := sampler.Validate(); err != nil {
		return nil, err
	}
	lengths := make([]int, n)
	for i := range lengths {
		lengths[i] = sampler.Sample(rng)
	}
	return lengths, nil
}

// generateResponses samples lengths[i] tokens after queries[i] and returns
// only the generated tail, exactly lengths[i] tokens long.
func generateResponses(gen Generator, queries [][]int, lengths []int, cfg SampleConfig, rng *rand.Rand) ([][]int, error) {
	responses := make([][]int, len(queries))
	for i, q := range queries {
		out, err := gen.Generate(q, lengths[i], cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("generate %d: %w", i, err)
		}
		if len(out) < lengths[i] {
			return nil, fmt.Errorf("generate %d: got %d tokens, want at least %d", i, len(out), lengths[i])
		}
		responses[i] = append([]int(nil), out[len(out)-lengths[i]:]...)
	}
	return responses, nil
}
