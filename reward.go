package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Classifier is the reward model as the pipeline sees it.
type Classifier interface {
	Labels() []string
	Classify(ids []int, fn ScoreFunction) ([]LabelScore, error)
}

// RewardConfig configures reward scoring.
type RewardConfig struct {
	PositiveLabel string        `env:"RLHF_POSITIVE_LABEL" envDefault:"POSITIVE"`
	BatchSize     int           `env:"RLHF_REWARD_BATCH_SIZE" envDefault:"16"`
	Workers       int           `env:"RLHF_REWARD_WORKERS" envDefault:"4"`
	Function      ScoreFunction `env:"RLHF_REWARD_FUNCTION" envDefault:"none"`
}

// DefaultRewardConfig returns raw-logit scoring of the POSITIVE label.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		PositiveLabel: "POSITIVE",
		BatchSize:     16,
		Workers:       4,
		Function:      ScoreNone,
	}
}

// RewardPipeline turns texts into scalar rewards: the score of the positive
// label. The positive index is resolved once from the model's label names
// and every output is checked against it, so a reordered label set fails
// loudly instead of silently rewarding the wrong class.
type RewardPipeline struct {
	model     Classifier
	tok       Tokenizer
	config    RewardConfig
	positive  int
	numLabels int
}

// NewRewardPipeline binds a classifier and tokenizer.
func NewRewardPipeline(model Classifier, tok Tokenizer, config RewardConfig) (*RewardPipeline, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: reward batch size must be positive", ErrInvalidConfig)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	labels := model.Labels()
	positive := -1
	for i, l := range labels {
		if l == config.PositiveLabel {
			positive = i
			break
		}
	}
	if positive < 0 {
		return nil, fmt.Errorf("%w: %q not in %v", ErrLabelNotFound, config.PositiveLabel, labels)
	}

	return &RewardPipeline{
		model:     model,
		tok:       tok,
		config:    config,
		positive:  positive,
		numLabels: len(labels),
	}, nil
}

// PositiveIndex is the output index rewards are read from.
func (p *RewardPipeline) PositiveIndex() int { return p.positive }

// Score returns one reward per text, in input order. Texts are scored in
// chunks of BatchSize; up to Workers chunks run at once, each writing only
// its own slice of the result.
func (p *RewardPipeline) Score(ctx context.Context, texts []string) ([]float64, error) {
	rewards := make([]float64, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for start := 0; start < len(texts); start += p.config.BatchSize {
		start, end := start, min(start+p.config.BatchSize, len(texts))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				out, err := p.model.Classify(p.tok.Encode(texts[i]), p.config.Function)
				if err != nil {
					return fmt.Errorf("reward: text %d: %w", i, err)
				}
				score, err := p.extract(out)
				if err != nil {
					return fmt.Errorf("reward: text %d: %w", i, err)
				}
				rewards[i] = score
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rewards, nil
}

// extract reads the positive score after checking the output shape.
func (p *RewardPipeline) extract(out []LabelScore) (float64, error) {
	if len(out) != p.numLabels {
		return 0, fmt.Errorf("%w: got %d labels, want %d", ErrLabelMismatch, len(out), p.numLabels)
	}
	if got := out[p.positive].Label; got != p.config.PositiveLabel {
		return 0, fmt.Errorf("%w: index %d is %q, want %q", ErrLabelMismatch, p.positive, got, p.config.PositiveLabel)
	}
	return out[p.positive].Score, nil
}
