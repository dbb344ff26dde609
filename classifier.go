package main

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The reward model is a BERT-style sequence classifier:
//
//	hidden = Trunk(ids)                (bidirectional, seqLen × embedDim)
//	pooled = mean over positions       (embedDim)
//	logits = pooled @ head + bias      (numLabels)
//
// Mean pooling instead of a [CLS] token keeps the tokenizer free of special
// tokens. The labels are named, and the order of the names is the order of
// the logits, so callers look a label up by name instead of assuming that
// index 1 means "positive".
//
// ===========================================================================

// Default label set of the sentiment reward model.
var DefaultLabels = []string{"NEGATIVE", "POSITIVE"}

// ScoreFunction selects the post-processing of classifier logits.
type ScoreFunction string

const (
	// ScoreNone returns raw logits. The RLHF loop uses this so rewards are
	// not squashed into [0,1].
	ScoreNone ScoreFunction = "none"
	// ScoreSoftmax returns class probabilities.
	ScoreSoftmax ScoreFunction = "softmax"
)

// LabelScore is one entry of a classifier output.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// SentimentClassifier scores a token sequence against a fixed label set.
type SentimentClassifier struct {
	trunk  *Trunk
	head   *Tensor // (embedDim, numLabels)
	bias   *Tensor // (numLabels)
	labels []string
}

// NewSentimentClassifier creates a randomly initialised classifier.
func NewSentimentClassifier(config Config, labels []string, rng *rand.Rand) (*SentimentClassifier, error) {
	config.Causal = false
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: classifier needs at least two labels, got %v", ErrInvalidConfig, labels)
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidConfig, l)
		}
		seen[l] = true
	}
	return &SentimentClassifier{
		trunk:  NewTrunk(config, rng),
		head:   NewTensorRand(rng, initStd, config.EmbedDim, len(labels)),
		bias:   NewTensor(len(labels)),
		labels: append([]string(nil), labels...),
	}, nil
}

// Config returns the trunk hyperparameters.
func (c *SentimentClassifier) Config() Config { return c.trunk.config }

// Labels returns the label names in logit order.
func (c *SentimentClassifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Parameters returns all trainable tensors in checkpoint order.
func (c *SentimentClassifier) Parameters() []*Tensor {
	return append(c.trunk.Parameters(), c.head, c.bias)
}

type classifierPass struct {
	hidden *Tensor
	pooled *Tensor // (1, embedDim)
	logits []float64
	cache  *TrunkCache
}

func (c *SentimentClassifier) forward(ids []int) (*classifierPass, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("classifier: empty input")
	}
	hidden, cache, err := c.trunk.Forward(ids)
	if err != nil {
		return nil, err
	}

	embedDim := hidden.shape[1]
	pooled := NewTensor(1, embedDim)
	inv := 1.0 / float64(len(ids))
	for i := range ids {
		for j, v := range hidden.Row(i) {
			pooled.data[j] += v * inv
		}
	}

	logits := MatMul(pooled, c.head)
	for k := range logits.data {
		logits.data[k] += c.bias.data[k]
	}
	return &classifierPass{hidden: hidden, pooled: pooled, logits: logits.data, cache: cache}, nil
}

// backward accumulates gradients for ∂L/∂logits.
func (c *SentimentClassifier) backward(pass *classifierPass, gradLogits []float64) {
	g := NewTensorFrom(gradLogits, 1, len(gradLogits))
	gradPooled, gradHead := MatMulBackward(pass.pooled, c.head, g)
	c.head.AccumulateGrad(gradHead)
	for k, v := range gradLogits {
		c.bias.grad[k] += v
	}

	seqLen := pass.hidden.shape[0]
	gradHidden := NewTensor(pass.hidden.shape...)
	inv := 1.0 / float64(seqLen)
	for i := 0; i < seqLen; i++ {
		row := gradHidden.Row(i)
		for j, v := range gradPooled.data {
			row[j] = v * inv
		}
	}
	c.trunk.Backward(gradHidden, pass.cache)
}

// Classify returns one score per label, in label order. Inputs longer than
// the context window are truncated from the left so the most recent tokens
// (the generated response) are always seen.
func (c *SentimentClassifier) Classify(ids []int, fn ScoreFunction) ([]LabelScore, error) {
	if limit := c.trunk.config.SeqLen; len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	pass, err := c.forward(ids)
	if err != nil {
		return nil, err
	}

	scores := pass.logits
	switch fn {
	case ScoreNone, "":
	case ScoreSoftmax:
		scores = softmaxSlice(scores)
	default:
		return nil, fmt.Errorf("%w: unknown score function %q", ErrInvalidConfig, fn)
	}

	out := make([]LabelScore, len(c.labels))
	for k, label := range c.labels {
		out[k] = LabelScore{Label: label, Score: scores[k]}
	}
	return out, nil
}

// ClassifierState is a plain-data view of a classifier.
type ClassifierState struct {
	Config  Config
	Labels  []string
	Tensors [][]float64
}

// State returns a view sharing storage with the model.
func (c *SentimentClassifier) State() ClassifierState {
	params := c.Parameters()
	tensors := make([][]float64, len(params))
	for i, p := range params {
		tensors[i] = p.data
	}
	return ClassifierState{Config: c.Config(), Labels: c.Labels(), Tensors: tensors}
}

// ClassifierFromState rebuilds a classifier from a state.
func ClassifierFromState(state ClassifierState) (*SentimentClassifier, error) {
	c, err := NewSentimentClassifier(state.Config, state.Labels, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := loadTensors(c.Parameters(), state.Tensors); err != nil {
		return nil, err
	}
	return c, nil
}
