package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One PPO optimisation step over a batch of (query, response, score)
// triplets, following the recipe from "Fine-Tuning Language Models from
// Human Preferences" (Ziegler et al., 2019):
//
//  1. ROLLOUT: evaluate each pair under the current policy (old log-probs,
//     values) and under the frozen reference (ref log-probs).
//
//  2. REWARD SHAPING: every response token gets a KL penalty, and the final
//     token also gets the reward-model score:
//
//	r_t = -β·(logπ(a_t) - logπ_ref(a_t))  (+ score if t is last)
//
//  3. ADVANTAGES: Generalised Advantage Estimation, run backwards over the
//     response:
//
//	δ_t = r_t + γ·V_{t+1} - V_t
//	A_t = δ_t + γλ·A_{t+1}
//	R_t = A_t + V_t
//
//     Advantages are whitened across the whole batch.
//
//  4. OPTIMISE: for PPOEpochs passes over shuffled minibatches, minimise
//
//	L = mean(max(-A·ρ, -A·clip(ρ, 1±ε)))
//	  + c_v · ½·mean(max((V-R)², (clip(V, V_old±ε_v)-R)²))
//
//     with ρ = exp(logπ - logπ_old).
//
//  5. KL CONTROL: β follows the adaptive controller
//
//	e = clip(KL/target - 1, -0.2, 0.2);  β ← β·(1 + e·n/horizon)
//
// The step only touches the policy's weights. The reference model is read
// but never written.
//
// ===========================================================================

// PPOConfig holds the optimisation hyperparameters. Defaults match the
// values the sentiment-tuning recipe uses.
type PPOConfig struct {
	LearningRate   float64 `env:"RLHF_LEARNING_RATE" envDefault:"1.41e-5"`
	BatchSize      int     `env:"RLHF_BATCH_SIZE" envDefault:"16"`
	MiniBatchSize  int     `env:"RLHF_MINI_BATCH_SIZE" envDefault:"4"`
	PPOEpochs      int     `env:"RLHF_PPO_EPOCHS" envDefault:"4"`
	InitKLCoef     float64 `env:"RLHF_INIT_KL_COEF" envDefault:"0.2"`
	AdaptiveKL     bool    `env:"RLHF_ADAPTIVE_KL" envDefault:"true"`
	TargetKL       float64 `env:"RLHF_TARGET_KL" envDefault:"6"`
	Horizon        float64 `env:"RLHF_HORIZON" envDefault:"10000"`
	Gamma          float64 `env:"RLHF_GAMMA" envDefault:"1"`
	Lambda         float64 `env:"RLHF_LAMBDA" envDefault:"0.95"`
	ClipRange      float64 `env:"RLHF_CLIP_RANGE" envDefault:"0.2"`
	ClipRangeValue float64 `env:"RLHF_CLIP_RANGE_VALUE" envDefault:"0.2"`
	VFCoef         float64 `env:"RLHF_VF_COEF" envDefault:"0.1"`
	MaxGradNorm    float64 `env:"RLHF_MAX_GRAD_NORM" envDefault:"1"`
}

// DefaultPPOConfig returns the default hyperparameters.
func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		LearningRate:   1.41e-5,
		BatchSize:      16,
		MiniBatchSize:  4,
		PPOEpochs:      4,
		InitKLCoef:     0.2,
		AdaptiveKL:     true,
		TargetKL:       6,
		Horizon:        10000,
		Gamma:          1,
		Lambda:         0.95,
		ClipRange:      0.2,
		ClipRangeValue: 0.2,
		VFCoef:         0.1,
		MaxGradNorm:    1,
	}
}

// Validate checks ranges that would otherwise produce NaNs or empty loops.
func (c PPOConfig) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	case c.PPOEpochs <= 0:
		return fmt.Errorf("%w: ppo epochs must be positive", ErrInvalidConfig)
	case c.AdaptiveKL && (c.TargetKL <= 0 || c.Horizon <= 0):
		return fmt.Errorf("%w: adaptive KL needs positive target and horizon", ErrInvalidConfig)
	case c.ClipRange <= 0 || c.ClipRangeValue <= 0:
		return fmt.Errorf("%w: clip ranges must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats is the per-step training statistics record. Keys are stable and
// consumed only for logging.
type Stats map[string]float64

// KLController supplies the KL penalty coefficient β.
type KLController interface {
	Value() float64
	Update(currentKL float64, nSteps int)
}

// FixedKLController keeps β constant.
type FixedKLController struct {
	value float64
}

func (c *FixedKLController) Value() float64     { return c.value }
func (c *FixedKLController) Update(float64, int) {}

// AdaptiveKLController nudges β towards a target KL (Ziegler et al. §2.2).
type AdaptiveKLController struct {
	value   float64
	target  float64
	horizon float64
}

// NewAdaptiveKLController creates an adaptive controller.
func NewAdaptiveKLController(init, target, horizon float64) *AdaptiveKLController {
	return &AdaptiveKLController{value: init, target: target, horizon: horizon}
}

func (c *AdaptiveKLController) Value() float64 { return c.value }

func (c *AdaptiveKLController) Update(currentKL float64, nSteps int) {
	proportionalError := math.Max(-0.2, math.Min(0.2, currentKL/c.target-1))
	c.value *= 1 + proportionalError*float64(nSteps)/c.horizon
}

// PPOTrainer owns the optimiser state for one policy/reference pair.
type PPOTrainer struct {
	config    PPOConfig
	policy    *PolicyModel
	reference *PolicyModel
	optimizer Optimizer
	kl        KLController
	rng       *rand.Rand
}

// NewPPOTrainer creates a trainer. reference must be a frozen copy of policy
// (see PolicyModel.Clone).
func NewPPOTrainer(config PPOConfig, policy, reference *PolicyModel, rng *rand.Rand) (*PPOTrainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if policy.Config() != reference.Config() {
		return nil, fmt.Errorf("%w: policy and reference configs differ", ErrInvalidConfig)
	}

	var kl KLController = &FixedKLController{value: config.InitKLCoef}
	if config.AdaptiveKL {
		kl = NewAdaptiveKLController(config.InitKLCoef, config.TargetKL, config.Horizon)
	}

	return &PPOTrainer{
		config:    config,
		policy:    policy,
		reference: reference,
		optimizer: NewAdam(policy.Parameters(), DefaultAdamConfig()),
		kl:        kl,
		rng:       rng,
	}, nil
}

// KLCoef returns the current KL penalty coefficient.
func (t *PPOTrainer) KLCoef() float64 {
	return t.kl.Value()
}

// sampleData is the frozen rollout for one triplet.
type sampleData struct {
	query, response []int
	oldLogProbs     []float64
	oldValues       []float64
	advantages      []float64
	returns         []float64
}

// Step runs one PPO optimisation step. queries, responses and scores must be
// index-aligned and equally long.
func (t *PPOTrainer) Step(queries, responses [][]int, scores []float64) (Stats, error) {
	n := len(queries)
	if n == 0 || len(responses) != n || len(scores) != n {
		return nil, fmt.Errorf("%w: %d queries, %d responses, %d scores",
			ErrBatchMisaligned, len(queries), len(responses), len(scores))
	}

	klCoef := t.kl.Value()
	samples := make([]*sampleData, n)
	var klSum, nonScoreSum, entropySum float64

	for i := range queries {
		old, err := t.policy.Evaluate(queries[i], responses[i])
		if err != nil {
			return nil, fmt.Errorf("ppo: policy rollout %d: %w", i, err)
		}
		ref, err := t.reference.Evaluate(queries[i], responses[i])
		if err != nil {
			return nil, fmt.Errorf("ppo: reference rollout %d: %w", i, err)
		}

		rewards := make([]float64, len(responses[i]))
		for j := range rewards {
			kl := old.LogProbs[j] - ref.LogProbs[j]
			klSum += kl
			rewards[j] = -klCoef * kl
			nonScoreSum += rewards[j]
			entropySum += old.Entropies[j]
		}
		rewards[len(rewards)-1] += scores[i]

		advantages, returns := computeGAE(rewards, old.Values, t.config.Gamma, t.config.Lambda)
		samples[i] = &sampleData{
			query:       queries[i],
			response:    responses[i],
			oldLogProbs: old.LogProbs,
			oldValues:   old.Values,
			advantages:  advantages,
			returns:     returns,
		}
	}
	whitenAdvantages(samples)

	acc := &lossAccumulator{vfCoef: t.config.VFCoef}
	params := t.policy.Parameters()
	miniBatch := t.config.MiniBatchSize
	if miniBatch <= 0 || miniBatch > n {
		miniBatch = n
	}

	for epoch := 0; epoch < t.config.PPOEpochs; epoch++ {
		order := t.rng.Perm(n)
		for start := 0; start < n; start += miniBatch {
			end := min(start+miniBatch, n)
			batch := make([]*sampleData, 0, end-start)
			for _, idx := range order[start:end] {
				batch = append(batch, samples[idx])
			}
			if err := t.trainMinibatch(batch, params, acc); err != nil {
				return nil, err
			}
		}
	}

	meanKL := klSum / float64(n)
	t.kl.Update(meanKL, n)

	mean, std := meanStd(scores)
	stats := acc.stats()
	stats["objective/kl"] = meanKL
	stats["objective/kl_coef"] = klCoef
	stats["objective/entropy"] = entropySum / float64(n)
	stats["ppo/mean_non_score_reward"] = nonScoreSum / float64(n)
	stats["env/reward_mean"] = mean
	stats["env/reward_std"] = std
	return stats, nil
}

// trainMinibatch recomputes the minibatch under the current policy,
// accumulates the clipped-loss gradients and takes one optimiser step.
func (t *PPOTrainer) trainMinibatch(batch []*sampleData, params []*Tensor, acc *lossAccumulator) error {
	zeroGrads(params)

	tokens := 0
	for _, s := range batch {
		tokens += len(s.response)
	}
	scale := 1.0 / float64(tokens)
	cr, cv := t.config.ClipRange, t.config.ClipRangeValue

	for _, s := range batch {
		pass, cur, err := t.policy.evaluate(s.query, s.response)
		if err != nil {
			return fmt.Errorf("ppo: minibatch forward: %w", err)
		}

		gradLogProbs := make([]float64, len(s.response))
		gradValues := make([]float64, len(s.response))
		for j := range s.response {
			adv, ret := s.advantages[j], s.returns[j]
			logRatio := cur.LogProbs[j] - s.oldLogProbs[j]
			ratio := math.Exp(logRatio)

			pg1 := -adv * ratio
			pg2 := -adv * clip(ratio, 1-cr, 1+cr)
			if pg1 >= pg2 {
				gradLogProbs[j] = -adv * ratio * scale
			}
			if pg2 > pg1 {
				acc.pgClipped++
			}

			vpred := cur.Values[j]
			vClipped := clip(vpred, s.oldValues[j]-cv, s.oldValues[j]+cv)
			vf1 := (vpred - ret) * (vpred - ret)
			vf2 := (vClipped - ret) * (vClipped - ret)
			if vf1 >= vf2 {
				gradValues[j] = t.config.VFCoef * (vpred - ret) * scale
			}
			if vf2 > vf1 {
				acc.vfClipped++
			}

			acc.policyLoss += math.Max(pg1, pg2)
			acc.valueLoss += 0.5 * math.Max(vf1, vf2)
			acc.approxKL += 0.5 * logRatio * logRatio
			acc.returns += ret
			acc.values += vpred
			acc.tokens++
		}
		t.policy.backwardRollout(pass, len(s.query), s.response, gradLogProbs, gradValues)
	}

	acc.gradNorm += clipGradients(params, t.config.MaxGradNorm)
	acc.updates++
	t.optimizer.Step(params, t.config.LearningRate)
	return nil
}

// lossAccumulator sums per-token quantities across every minibatch of a
// step so the reported stats are means over all optimisation passes.
type lossAccumulator struct {
	policyLoss, valueLoss, approxKL float64
	returns, values, gradNorm       float64
	pgClipped, vfClipped            int
	tokens, updates                 int
	vfCoef                          float64
}

func (a *lossAccumulator) stats() Stats {
	tokens := float64(max(a.tokens, 1))
	policy := a.policyLoss / tokens
	value := a.valueLoss / tokens
	return Stats{
		"ppo/loss/policy":     policy,
		"ppo/loss/value":      value,
		"ppo/loss/total":      policy + a.vfCoef*value,
		"ppo/policy/clipfrac": float64(a.pgClipped) / tokens,
		"ppo/policy/approxkl": a.approxKL / tokens,
		"ppo/val/clipfrac":    float64(a.vfClipped) / tokens,
		"ppo/returns/mean":    a.returns / tokens,
		"ppo/val/mean":        a.values / tokens,
		"ppo/grad_norm":       a.gradNorm / float64(max(a.updates, 1)),
	}
}

// computeGAE returns advantages and returns for one response.
func computeGAE(rewards, values []float64, gamma, lambda float64) (advantages, returns []float64) {
	n := len(rewards)
	advantages = make([]float64, n)
	returns = make([]float64, n)
	lastGAE := 0.0
	for t := n - 1; t >= 0; t-- {
		next := 0.0
		if t < n-1 {
			next = values[t+1]
		}
		delta := rewards[t] + gamma*next - values[t]
		lastGAE = delta + gamma*lambda*lastGAE
		advantages[t] = lastGAE
	}
	for t := range advantages {
		returns[t] = advantages[t] + values[t]
	}
	return advantages, returns
}

// whitenAdvantages normalises advantages to zero mean and unit variance
// across every token in the batch. Returns are left untouched.
func whitenAdvantages(samples []*sampleData) {
	var all []float64
	for _, s := range samples {
		all = append(all, s.advantages...)
	}
	mean, std := meanStd(all)
	for _, s := range samples {
		for j := range s.advantages {
			s.advantages[j] = (s.advantages[j] - mean) / (std + 1e-8)
		}
	}
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

func clip(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
