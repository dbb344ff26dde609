package main

import "errors"

// Error taxonomy. Every failure the run can hit wraps one of these so the
// caller can classify it with errors.Is; nothing is retried.
var (
	// Data errors.
	ErrCorpusUnavailable = errors.New("corpus unavailable")
	ErrEmptyDataset      = errors.New("no examples survived filtering")
	ErrMissingField      = errors.New("record is missing a field")
	ErrBatchMisaligned   = errors.New("batch fields are not index-aligned")

	// Model errors.
	ErrLabelNotFound     = errors.New("label not in reward model label set")
	ErrLabelMismatch     = errors.New("reward model output labels out of order")
	ErrVocabMismatch     = errors.New("tokenizer and model vocabularies disagree")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
)
