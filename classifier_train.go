package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/sirupsen/logrus"
)

// LabeledExample is one tokenized classifier training example.
type LabeledExample struct {
	IDs   []int
	Label int
}

// resolveLabel maps a corpus label onto a class index. Names match
// exactly; otherwise the label is read as an integer index (IMDB style 0/1).
func resolveLabel(label string, labels []string) (int, error) {
	for i, l := range labels {
		if l == label {
			return i, nil
		}
	}
	if idx, err := strconv.Atoi(label); err == nil && idx >= 0 && idx < len(labels) {
		return idx, nil
	}
	return -1, fmt.Errorf("%w: %q not in %v", ErrLabelNotFound, label, labels)
}

// LabeledExamples tokenizes labelled records, keeping the last seqLen
// tokens of each text. Records without a label are skipped; an
// unresolvable label is an error.
func LabeledExamples(records []TextRecord, tok Tokenizer, labels []string, seqLen int) ([]LabeledExample, error) {
	out := make([]LabeledExample, 0, len(records))
	for i, r := range records {
		if r.Label == "" {
			continue
		}
		label, err := resolveLabel(r.Label, labels)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		ids := tok.Encode(r.Text)
		if len(ids) == 0 {
			continue
		}
		if len(ids) > seqLen {
			ids = ids[len(ids)-seqLen:]
		}
		out = append(out, LabeledExample{IDs: ids, Label: label})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no labelled records", ErrEmptyDataset)
	}
	return out, nil
}

// TrainClassifier fits the classifier with softmax cross-entropy and
// reports validation accuracy when val is non-empty.
func TrainClassifier(ctx context.Context, c *SentimentClassifier, train, val []LabeledExample,
	cfg TrainingConfig, rng *rand.Rand, log *logrus.Entry) (TrainResult, error) {

	log.WithFields(logrus.Fields{
		"examples":   len(train),
		"labels":     c.Labels(),
		"parameters": countParameters(c.Parameters()),
	}).Info("Reward model training started")

	res, err := trainLoop(ctx, len(train), c.Parameters(), cfg, rng, log, func(idx []int) (float64, error) {
		total := 0.0
		scale := 1.0 / float64(len(idx))
		for _, i := range idx {
			ex := train[i]
			pass, err := c.forward(ex.IDs)
			if err != nil {
				return 0, err
			}
			total -= logSoftmaxAt(pass.logits, ex.Label)

			grad := softmaxSlice(pass.logits)
			grad[ex.Label] -= 1
			for k := range grad {
				grad[k] *= scale
			}
			c.backward(pass, grad)
		}
		return total * scale, nil
	})
	if err != nil {
		return res, err
	}

	fields := logrus.Fields{"steps": res.Steps, "loss": res.TrainLoss}
	if len(val) > 0 {
		acc, err := ClassifierAccuracy(c, val)
		if err != nil {
			return res, err
		}
		res.ValAccuracy = acc
		fields["val_accuracy"] = acc
	}
	log.WithFields(fields).Info("Reward model training complete")
	return res, nil
}

// ClassifierAccuracy is the fraction of examples whose top logit is the
// gold label.
func ClassifierAccuracy(c *SentimentClassifier, examples []LabeledExample) (float64, error) {
	if len(examples) == 0 {
		return 0, nil
	}
	correct := 0
	for _, ex := range examples {
		pass, err := c.forward(ex.IDs)
		if err != nil {
			return 0, err
		}
		if argmax(pass.logits) == ex.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(examples)), nil
}
