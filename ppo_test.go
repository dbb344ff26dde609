package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestComputeGAE(t *testing.T) {
	rewards := []float64{0, 0, 1}
	values := []float64{0.5, 0.5, 0.5}

	adv, ret := computeGAE(rewards, values, 1, 0.95)

	// δ2 = 1 - 0.5; δ1 = δ0 = 0; A_t = δ_t + 0.95·A_{t+1}
	wantAdv := []float64{0.45125, 0.475, 0.5}
	wantRet := []float64{0.95125, 0.975, 1.0}
	approx := cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-12 })
	if diff := cmp.Diff(wantAdv, adv, approx); diff != "" {
		t.Errorf("advantages (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRet, ret, approx); diff != "" {
		t.Errorf("returns (-want +got):\n%s", diff)
	}
}

func TestComputeGAEDiscount(t *testing.T) {
	// With λ = 1 and zero values the advantage is the discounted return.
	adv, _ := computeGAE([]float64{1, 1, 1}, []float64{0, 0, 0}, 0.5, 1)
	require.InDelta(t, 1.75, adv[0], 1e-12)
	require.InDelta(t, 1.5, adv[1], 1e-12)
	require.InDelta(t, 1, adv[2], 1e-12)
}

func TestWhitenAdvantages(t *testing.T) {
	samples := []*sampleData{
		{advantages: []float64{1, 2, 3}},
		{advantages: []float64{10}},
	}
	whitenAdvantages(samples)

	var all []float64
	for _, s := range samples {
		all = append(all, s.advantages...)
	}
	mean, std := meanStd(all)
	require.InDelta(t, 0, mean, 1e-9)
	require.InDelta(t, 1, std, 1e-6)
}

func TestAdaptiveKLController(t *testing.T) {
	c := NewAdaptiveKLController(0.2, 6, 10000)

	c.Update(12, 16) // error clipped to +0.2
	require.InDelta(t, 0.2*(1+0.2*16/10000.0), c.Value(), 1e-15)

	prev := c.Value()
	c.Update(0, 16) // error clipped to -0.2
	require.Less(t, c.Value(), prev)

	prev = c.Value()
	c.Update(6, 16) // on target
	require.Equal(t, prev, c.Value())
}

func TestFixedKLController(t *testing.T) {
	c := &FixedKLController{value: 0.3}
	c.Update(100, 16)
	require.Equal(t, 0.3, c.Value())
}

func TestPPOConfigValidate(t *testing.T) {
	require.NoError(t, DefaultPPOConfig().Validate())

	cfg := DefaultPPOConfig()
	cfg.PPOEpochs = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultPPOConfig()
	cfg.TargetKL = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.AdaptiveKL = false
	require.NoError(t, cfg.Validate())
}

func testPPOConfig() PPOConfig {
	cfg := DefaultPPOConfig()
	cfg.LearningRate = 1e-3
	cfg.BatchSize = 4
	cfg.MiniBatchSize = 2
	cfg.PPOEpochs = 2
	return cfg
}

func newTestTrainer(t *testing.T) (*PPOTrainer, *PolicyModel, *PolicyModel) {
	t.Helper()
	policy := newTestPolicy(t, 11)
	reference, err := policy.Clone()
	require.NoError(t, err)
	trainer, err := NewPPOTrainer(testPPOConfig(), policy, reference, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	return trainer, policy, reference
}

func TestPPOStepMisaligned(t *testing.T) {
	trainer, _, _ := newTestTrainer(t)

	_, err := trainer.Step([][]int{{1}, {2}}, [][]int{{3}}, []float64{1, 2})
	require.ErrorIs(t, err, ErrBatchMisaligned)

	_, err = trainer.Step([][]int{{1}}, [][]int{{3}}, []float64{1, 2})
	require.ErrorIs(t, err, ErrBatchMisaligned)

	_, err = trainer.Step(nil, nil, nil)
	require.ErrorIs(t, err, ErrBatchMisaligned)
}

func TestPPOStep(t *testing.T) {
	trainer, policy, reference := newTestTrainer(t)

	queries := [][]int{{1, 2}, {3}, {4, 5, 6}, {7}}
	responses := [][]int{{8, 9}, {10, 1, 2}, {3}, {4, 5}}
	scores := []float64{1, -1, 0.5, 2}

	refBefore, err := reference.Evaluate(queries[0], responses[0])
	require.NoError(t, err)
	polBefore, err := policy.Evaluate(queries[0], responses[0])
	require.NoError(t, err)

	stats, err := trainer.Step(queries, responses, scores)
	require.NoError(t, err)

	for _, key := range []string{
		"objective/kl", "objective/kl_coef", "objective/entropy",
		"ppo/mean_non_score_reward", "env/reward_mean", "env/reward_std",
		"ppo/loss/policy", "ppo/loss/value", "ppo/loss/total",
		"ppo/policy/clipfrac", "ppo/policy/approxkl", "ppo/val/clipfrac",
		"ppo/returns/mean", "ppo/val/mean", "ppo/grad_norm",
	} {
		v, ok := stats[key]
		require.True(t, ok, "missing stat %s", key)
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s = %v", key, v)
	}

	// The first step compares identical models.
	require.Equal(t, 0.0, stats["objective/kl"])
	require.Equal(t, 0.2, stats["objective/kl_coef"])
	require.InDelta(t, 0.625, stats["env/reward_mean"], 1e-12)

	refAfter, err := reference.Evaluate(queries[0], responses[0])
	require.NoError(t, err)
	if diff := cmp.Diff(refBefore, refAfter); diff != "" {
		t.Errorf("reference model changed during Step (-before +after):\n%s", diff)
	}

	polAfter, err := policy.Evaluate(queries[0], responses[0])
	require.NoError(t, err)
	require.NotEqual(t, polBefore.LogProbs, polAfter.LogProbs, "policy weights were not updated")

	// The KL controller moved towards its target after the step.
	require.NotEqual(t, 0.2, trainer.KLCoef())
}

func TestPPOTrainerRejectsMismatchedReference(t *testing.T) {
	policy := newTestPolicy(t, 1)
	cfg := tinyConfig(true)
	cfg.EmbedDim = 16
	reference, err := NewPolicyModel(cfg, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	_, err = NewPPOTrainer(testPPOConfig(), policy, reference, rand.New(rand.NewSource(3)))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPPOStepFollowsReward(t *testing.T) {
	trainer, policy, _ := newTestTrainer(t)

	query := []int{1, 2}
	good, bad := []int{8}, []int{9}
	logProb := func(response []int) float64 {
		r, err := policy.Evaluate(query, response)
		require.NoError(t, err)
		return r.LogProbs[0]
	}
	goodBefore, badBefore := logProb(good), logProb(bad)

	for step := 0; step < 5; step++ {
		_, err := trainer.Step([][]int{query, query}, [][]int{good, bad}, []float64{1, -1})
		require.NoError(t, err)
	}

	require.Greater(t, logProb(good), goodBefore, "rewarded response became less likely")
	require.Less(t, logProb(bad), badBefore, "penalised response became more likely")
}

func gradsAllZero(params []*Tensor) bool {
	for _, p := range params {
		for _, g := range p.grad {
			if g != 0 {
				return false
			}
		}
	}
	return true
}

func TestTrainMinibatchClipping(t *testing.T) {
	query, response := []int{1, 2, 3}, []int{4, 5}

	tests := []struct {
		name      string
		logShift  float64 // old log-prob = current + logShift
		advantage float64
		valShift  float64 // old value = current + valShift
		retShift  float64 // return = current + retShift
		pgClipped bool
		vfClipped bool
	}{
		{"inside both ranges", 0, 1, 0, 0.5, false, false},
		{"ratio above range", -1, 1, 0, 0.5, true, false},
		{"ratio below range", 1, -1, 0, 0.5, true, false},
		{"value outside range", 0, 1, 1, -1, false, true},
		{"both clipped", -1, 1, 1, -1, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trainer, policy, _ := newTestTrainer(t)
			cur, err := policy.Evaluate(query, response)
			require.NoError(t, err)

			s := &sampleData{query: query, response: response}
			for j := range response {
				s.oldLogProbs = append(s.oldLogProbs, cur.LogProbs[j]+tt.logShift)
				s.oldValues = append(s.oldValues, cur.Values[j]+tt.valShift)
				s.advantages = append(s.advantages, tt.advantage)
				s.returns = append(s.returns, cur.Values[j]+tt.retShift)
			}

			acc := &lossAccumulator{vfCoef: trainer.config.VFCoef}
			params := policy.Parameters()
			require.NoError(t, trainer.trainMinibatch([]*sampleData{s}, params, acc))

			wantPG, wantVF := 0, 0
			if tt.pgClipped {
				wantPG = len(response)
			}
			if tt.vfClipped {
				wantVF = len(response)
			}
			require.Equal(t, wantPG, acc.pgClipped)
			require.Equal(t, wantVF, acc.vfClipped)
			require.Equal(t, len(response), acc.tokens)

			stats := acc.stats()
			require.Equal(t, float64(wantPG)/float64(len(response)), stats["ppo/policy/clipfrac"])
			require.Equal(t, float64(wantVF)/float64(len(response)), stats["ppo/val/clipfrac"])

			// The LM head only sees the policy loss, the value head and
			// bias only the value loss.
			require.Equal(t, tt.pgClipped, gradsAllZero([]*Tensor{policy.lmHead}), "lm head gradient")
			require.Equal(t, tt.vfClipped, gradsAllZero([]*Tensor{policy.valueHead, policy.valueBias}), "value head gradient")
			require.Equal(t, tt.pgClipped && tt.vfClipped, gradsAllZero(params), "any gradient")
		})
	}
}
