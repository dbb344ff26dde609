package main

import (
	"fmt"
	"math/rand"
	"sort"
)

// Record is one example as a field map.
type Record map[string]any

// Batch holds one ordered slice per field. All slices have the same length
// and index i of every field belongs to the same example.
type Batch map[string][]any

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	for _, vals := range b {
		return len(vals)
	}
	return 0
}

// Collate reshapes records into a Batch, keeping input order. The schema is
// taken from the first record; any later record missing one of its keys is
// an error. Nothing is filtered or converted.
func Collate(records []Record) (Batch, error) {
	batch := Batch{}
	if len(records) == 0 {
		return batch, nil
	}

	keys := make([]string, 0, len(records[0]))
	for k := range records[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		batch[k] = make([]any, len(records))
	}
	for i, rec := range records {
		for _, k := range keys {
			v, ok := rec[k]
			if !ok {
				return nil, fmt.Errorf("%w: record %d lacks %q", ErrMissingField, i, k)
			}
			batch[k][i] = v
		}
	}
	return batch, nil
}

// Ints returns a field of []int values.
func (b Batch) Ints(field string) ([][]int, error) {
	vals, ok := b[field]
	if !ok {
		return nil, fmt.Errorf("%w: batch has no %q", ErrMissingField, field)
	}
	out := make([][]int, len(vals))
	for i, v := range vals {
		ids, ok := v.([]int)
		if !ok {
			return nil, fmt.Errorf("batch: %q[%d] is %T, want []int", field, i, v)
		}
		out[i] = ids
	}
	return out, nil
}

// Strings returns a field of string values.
func (b Batch) Strings(field string) ([]string, error) {
	vals, ok := b[field]
	if !ok {
		return nil, fmt.Errorf("%w: batch has no %q", ErrMissingField, field)
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("batch: %q[%d] is %T, want string", field, i, v)
		}
		out[i] = s
	}
	return out, nil
}

// DataLoader yields collated batches over a dataset, reshuffled every
// epoch. A trailing partial batch is dropped so every step sees BatchSize
// examples.
type DataLoader struct {
	examples  []Example
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewDataLoader creates a loader.
func NewDataLoader(examples []Example, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if len(examples) < batchSize {
		return nil, fmt.Errorf("%w: %d examples cannot fill a batch of %d", ErrEmptyDataset, len(examples), batchSize)
	}
	return &DataLoader{examples: examples, batchSize: batchSize, shuffle: shuffle, rng: rng}, nil
}

// NumBatches is the number of full batches per epoch.
func (l *DataLoader) NumBatches() int {
	return len(l.examples) / l.batchSize
}

// Epoch returns this epoch's batches.
func (l *DataLoader) Epoch() ([]Batch, error) {
	order := make([]int, len(l.examples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, l.NumBatches())
	for start := 0; start+l.batchSize <= len(order); start += l.batchSize {
		records := make([]Record, l.batchSize)
		for i, idx := range order[start : start+l.batchSize] {
			records[i] = l.examples[idx].Record()
		}
		b, err := Collate(records)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}
