package main

import (
	"context"
	"fmt"
	"math/rand"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// LengthSampler draws integers uniformly from [Min, Max). It is used both
// for prompt prefixes and for response lengths, with independent draws per
// example.
type LengthSampler struct {
	Min int
	Max int
}

// NewLengthSampler validates the range.
func NewLengthSampler(lo, hi int) (LengthSampler, error) {
	s := LengthSampler{Min: lo, Max: hi}
	return s, s.Validate()
}

// Validate requires 1 <= Min < Max.
func (s LengthSampler) Validate() error {
	if s.Min < 1 || s.Max <= s.Min {
		return fmt.Errorf("%w: length range [%d,%d) must be non-empty and positive", ErrInvalidConfig, s.Min, s.Max)
	}
	return nil
}

// Sample draws one length.
func (s LengthSampler) Sample(rng *rand.Rand) int {
	return s.Min + rng.Intn(s.Max-s.Min)
}

// Example is one prompt built from a corpus text. Immutable after
// BuildDataset returns.
type Example struct {
	RawText      string
	PromptTokens []int
	PromptText   string
}

// Record field names.
const (
	FieldRawText      = "raw_text"
	FieldPromptTokens = "prompt_tokens"
	FieldPromptText   = "prompt_text"
)

// Record exposes the example as a field map for the collator.
func (e Example) Record() Record {
	return Record{
		FieldRawText:      e.RawText,
		FieldPromptTokens: e.PromptTokens,
		FieldPromptText:   e.PromptText,
	}
}

// DatasetConfig controls dataset construction.
type DatasetConfig struct {
	MinTextLength int `env:"RLHF_MIN_TEXT_LENGTH" envDefault:"200"`
	PromptMin     int `env:"RLHF_PROMPT_MIN" envDefault:"2"`
	PromptMax     int `env:"RLHF_PROMPT_MAX" envDefault:"8"`
	MaxExamples   int `env:"RLHF_MAX_EXAMPLES" envDefault:"0"`
}

// DefaultDatasetConfig mirrors the IMDB sentiment setup.
func DefaultDatasetConfig() DatasetConfig {
	return DatasetConfig{MinTextLength: 200, PromptMin: 2, PromptMax: 8}
}

// FilterTexts keeps texts strictly longer than minLength characters, in order.
func FilterTexts(records []TextRecord, minLength int) []TextRecord {
	kept := make([]TextRecord, 0, len(records))
	for _, r := range records {
		if utf8.RuneCountInString(r.Text) > minLength {
			kept = append(kept, r)
		}
	}
	return kept
}

// BuildDataset reads source, filters by length and cuts each survivor to a
// random prompt prefix. Prompt lengths come from rng, so a fixed seed
// reproduces the dataset.
func BuildDataset(ctx context.Context, source CorpusSource, tok Tokenizer, cfg DatasetConfig, rng *rand.Rand) ([]Example, error) {
	prompts := LengthSampler{Min: cfg.PromptMin, Max: cfg.PromptMax}
	if err := prompts.Validate(); err != nil {
		return nil, err
	}

	records, err := source.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", source.Name(), err)
	}
	kept := FilterTexts(records, cfg.MinTextLength)
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: %d of %d texts longer than %d characters",
			ErrEmptyDataset, 0, len(records), cfg.MinTextLength)
	}
	if cfg.MaxExamples > 0 && len(kept) > cfg.MaxExamples {
		kept = kept[:cfg.MaxExamples]
	}

	examples := make([]Example, 0, len(kept))
	for _, r := range kept {
		n := prompts.Sample(rng)
		ids := tok.Encode(r.Text)
		if len(ids) > n {
			ids = ids[:n]
		}
		examples = append(examples, Example{
			RawText:      r.Text,
			PromptTokens: ids,
			PromptText:   tok.Decode(ids),
		})
	}

	logrus.WithFields(logrus.Fields{
		"source":   source.Name(),
		"records":  len(records),
		"examples": len(examples),
	}).Info("Dataset built")
	return examples, nil
}
