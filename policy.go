package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tiendc/go-deepcopy"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The policy: a causal language model with a value head.
//
//	hidden = Trunk(query ++ response)         (seqLen, embedDim)
//	logits = hidden @ lmHead                  (seqLen, vocabSize)
//	value  = hidden @ valueHead + valueBias   (seqLen, 1)
//
// The logits at position t predict token t+1, so for a query of length Q the
// i-th response token is scored by row Q+i-1. The value at the same row is
// the critic's estimate of the return from that point. Keeping both on the
// same row is what lets PPO line up log-probs, values and per-token rewards.
//
// The reference model is a Clone of the policy taken before training. It
// is never stepped, so its log-probs anchor the KL penalty.
//
// ===========================================================================

// PolicyModel is a causal LM with a scalar value head.
type PolicyModel struct {
	trunk     *Trunk
	lmHead    *Tensor // (embedDim, vocabSize)
	valueHead *Tensor // (embedDim, 1)
	valueBias *Tensor // (1)
}

// NewPolicyModel creates a randomly initialised policy.
func NewPolicyModel(config Config, rng *rand.Rand) (*PolicyModel, error) {
	config.Causal = true
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &PolicyModel{
		trunk:     NewTrunk(config, rng),
		lmHead:    NewTensorRand(rng, initStd, config.EmbedDim, config.VocabSize),
		valueHead: NewTensorRand(rng, initStd, config.EmbedDim, 1),
		valueBias: NewTensor(1),
	}, nil
}

// Config returns the model hyperparameters.
func (m *PolicyModel) Config() Config {
	return m.trunk.config
}

// Parameters returns all trainable tensors in checkpoint order.
func (m *PolicyModel) Parameters() []*Tensor {
	return append(m.trunk.Parameters(), m.lmHead, m.valueHead, m.valueBias)
}

// policyPass holds one forward pass over a sequence, kept for backward.
type policyPass struct {
	ids    []int
	hidden *Tensor
	logits *Tensor
	values []float64
	cache  *TrunkCache
}

// forward runs the trunk and both heads over ids.
func (m *PolicyModel) forward(ids []int) (*policyPass, error) {
	hidden, cache, err := m.trunk.Forward(ids)
	if err != nil {
		return nil, err
	}
	valueOut := MatMul(hidden, m.valueHead)
	values := make([]float64, len(ids))
	for i := range values {
		values[i] = valueOut.data[i] + m.valueBias.data[0]
	}
	return &policyPass{
		ids:    ids,
		hidden: hidden,
		logits: MatMul(hidden, m.lmHead),
		values: values,
		cache:  cache,
	}, nil
}

// backward propagates head gradients into every parameter. gradLogits is
// (seqLen, vocabSize); gradValues has one entry per position and may be nil.
func (m *PolicyModel) backward(pass *policyPass, gradLogits *Tensor, gradValues []float64) {
	gradHidden, gradLM := MatMulBackward(pass.hidden, m.lmHead, gradLogits)
	m.lmHead.AccumulateGrad(gradLM)

	if gradValues != nil {
		gv := NewTensorFrom(gradValues, len(gradValues), 1)
		gradHiddenV, gradVH := MatMulBackward(pass.hidden, m.valueHead, gv)
		m.valueHead.AccumulateGrad(gradVH)
		for _, g := range gradValues {
			m.valueBias.grad[0] += g
		}
		gradHidden = Add(gradHidden, gradHiddenV)
	}

	m.trunk.Backward(gradHidden, pass.cache)
}

// Generate extends prompt by exactly n sampled tokens and returns
// prompt ++ continuation.
func (m *PolicyModel) Generate(prompt []int, n int, cfg SampleConfig, rng *rand.Rand) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("policy: empty prompt")
	}
	if len(prompt)+n > m.trunk.config.SeqLen {
		return nil, fmt.Errorf("%w: prompt %d + response %d > %d",
			ErrSequenceTooLong, len(prompt), n, m.trunk.config.SeqLen)
	}

	tokens := append(make([]int, 0, len(prompt)+n), prompt...)
	for i := 0; i < n; i++ {
		hidden, _, err := m.trunk.Forward(tokens)
		if err != nil {
			return nil, err
		}
		// Only the last position's logits are needed.
		last := NewTensorFrom(hidden.Row(len(tokens)-1), 1, hidden.shape[1])
		logits := MatMul(last, m.lmHead)
		tokens = append(tokens, sample(logits.data, cfg, rng))
	}
	return tokens, nil
}

// Rollout is the per-token view of one query/response pair: entry i refers
// to response token i.
type Rollout struct {
	LogProbs  []float64
	Values    []float64
	Entropies []float64
}

// evaluate scores response given query and keeps the pass for backward.
func (m *PolicyModel) evaluate(query, response []int) (*policyPass, Rollout, error) {
	if len(query) == 0 || len(response) == 0 {
		return nil, Rollout{}, fmt.Errorf("policy: query and response must be non-empty")
	}
	ids := append(append(make([]int, 0, len(query)+len(response)), query...), response...)
	pass, err := m.forward(ids)
	if err != nil {
		return nil, Rollout{}, err
	}

	r := Rollout{
		LogProbs:  make([]float64, len(response)),
		Values:    make([]float64, len(response)),
		Entropies: make([]float64, len(response)),
	}
	for i, tok := range response {
		pos := len(query) + i - 1
		row := pass.logits.Row(pos)
		lse := logSumExp(row)
		r.LogProbs[i] = row[tok] - lse
		r.Values[i] = pass.values[pos]

		entropy := 0.0
		for _, l := range row {
			lp := l - lse
			entropy -= math.Exp(lp) * lp
		}
		r.Entropies[i] = entropy
	}
	return pass, r, nil
}

// Evaluate returns per-token log-probs, values and entropies of response
// given query.
func (m *PolicyModel) Evaluate(query, response []int) (Rollout, error) {
	_, r, err := m.evaluate(query, response)
	return r, err
}

// backwardRollout converts per-token gradients on log-probs and values into
// parameter gradients. ∂logp/∂logits = onehot(token) - softmax(logits).
func (m *PolicyModel) backwardRollout(pass *policyPass, queryLen int, response []int, gradLogProbs, gradValues []float64) {
	gradLogits := NewTensor(pass.logits.shape...)
	gradVals := make([]float64, len(pass.ids))

	for i, tok := range response {
		pos := queryLen + i - 1
		if g := gradLogProbs[i]; g != 0 {
			probs := softmaxSlice(pass.logits.Row(pos))
			out := gradLogits.Row(pos)
			for v, p := range probs {
				out[v] = -g * p
			}
			out[tok] += g
		}
		gradVals[pos] = gradValues[i]
	}
	m.backward(pass, gradLogits, gradVals)
}

// PolicyState is a plain-data view of a policy: its config and every
// parameter tensor's values in Parameters order.
type PolicyState struct {
	Config  Config
	Tensors [][]float64
}

// State returns a view sharing storage with the model.
func (m *PolicyModel) State() PolicyState {
	params := m.Parameters()
	tensors := make([][]float64, len(params))
	for i, p := range params {
		tensors[i] = p.data
	}
	return PolicyState{Config: m.Config(), Tensors: tensors}
}

// Clone returns an independent deep copy. The RLHF loop uses it to freeze
// the reference model before the first PPO step.
func (m *PolicyModel) Clone() (*PolicyModel, error) {
	var snapshot PolicyState
	if err := deepcopy.Copy(&snapshot, m.State()); err != nil {
		return nil, fmt.Errorf("policy: snapshot: %w", err)
	}
	return PolicyFromState(snapshot)
}

// PolicyFromState builds a model that takes ownership of state's tensors.
func PolicyFromState(state PolicyState) (*PolicyModel, error) {
	m, err := NewPolicyModel(state.Config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := loadTensors(m.Parameters(), state.Tensors); err != nil {
		return nil, err
	}
	return m, nil
}

// loadTensors copies values into params after checking counts and sizes.
func loadTensors(params []*Tensor, values [][]float64) error {
	if len(values) != len(params) {
		return fmt.Errorf("%w: %d tensors, model expects %d", ErrInvalidCheckpoint, len(values), len(params))
	}
	for i, p := range params {
		if len(values[i]) != p.Size() {
			return fmt.Errorf("%w: tensor %d has %d values, want %d", ErrInvalidCheckpoint, i, len(values[i]), p.Size())
		}
		copy(p.data, values[i])
	}
	return nil
}
