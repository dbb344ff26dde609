package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// RECOMMENDED READING:
//
// - "Language Models are Unsupervised Multitask Learners" (GPT-2), §2
// - "Decoupled Weight Decay Regularization" (AdamW), Loshchilov & Hutter
//   https://arxiv.org/abs/1711.05101

// TrainingConfig holds supervised training hyperparameters. It is shared by
// causal-LM pretraining of the policy and by reward classifier training.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64 `env:"RLHF_TRAIN_LEARNING_RATE" envDefault:"3e-4"`
	WeightDecay       float64 `env:"RLHF_TRAIN_WEIGHT_DECAY" envDefault:"0.01"`
	GradientClipValue float64 `env:"RLHF_TRAIN_GRAD_CLIP" envDefault:"1"`
	Optimizer         string  `env:"RLHF_TRAIN_OPTIMIZER" envDefault:"adam"` // "adam" or "sgd"

	// Training
	BatchSize int `env:"RLHF_TRAIN_BATCH_SIZE" envDefault:"8"`
	NumEpochs int `env:"RLHF_TRAIN_EPOCHS" envDefault:"1"`
	MaxSteps  int `env:"RLHF_TRAIN_MAX_STEPS" envDefault:"0"` // 0 = no limit

	// Learning rate schedule
	WarmupSteps int     `env:"RLHF_TRAIN_WARMUP_STEPS" envDefault:"100"`
	MinLR       float64 `env:"RLHF_TRAIN_MIN_LR" envDefault:"1e-5"`

	// Logging
	LogInterval int     `env:"RLHF_TRAIN_LOG_INTERVAL" envDefault:"10"`
	ValFraction float64 `env:"RLHF_TRAIN_VAL_FRACTION" envDefault:"0.1"`
}

// DefaultTrainingConfig returns the defaults used by the pretrain and
// train-reward commands.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      3e-4,
		WeightDecay:       0.01,
		GradientClipValue: 1.0,
		Optimizer:         "adam",
		BatchSize:         8,
		NumEpochs:         1,
		WarmupSteps:       100,
		MinLR:             1e-5,
		LogInterval:       10,
		ValFraction:       0.1,
	}
}

func (c TrainingConfig) newOptimizer(params []*Tensor) (Optimizer, error) {
	switch c.Optimizer {
	case "adam", "":
		adam := DefaultAdamConfig()
		adam.WeightDecay = c.WeightDecay
		return NewAdam(params, adam), nil
	case "sgd":
		return SGD{WeightDecay: c.WeightDecay}, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}
}

// TrainResult summarises a supervised run.
type TrainResult struct {
	Steps       int
	TrainLoss   float64 // mean over the last logging window
	ValLoss     float64 // 0 without validation data
	ValAccuracy float64 // classifier runs only
}

// trainLoop is the epoch/batch/schedule skeleton shared by both supervised
// trainers. step computes gradients for one batch and returns its loss.
func trainLoop(ctx context.Context, n int, params []*Tensor, cfg TrainingConfig, rng *rand.Rand,
	log *logrus.Entry, step func(idx []int) (float64, error)) (TrainResult, error) {

	if cfg.BatchSize <= 0 || cfg.NumEpochs <= 0 {
		return TrainResult{}, fmt.Errorf("%w: batch size and epochs must be positive", ErrInvalidConfig)
	}
	if n == 0 {
		return TrainResult{}, fmt.Errorf("%w: no training examples", ErrEmptyDataset)
	}
	opt, err := cfg.newOptimizer(params)
	if err != nil {
		return TrainResult{}, err
	}

	batchesPerEpoch := (n + cfg.BatchSize - 1) / cfg.BatchSize
	totalSteps := batchesPerEpoch * cfg.NumEpochs
	if cfg.MaxSteps > 0 && cfg.MaxSteps < totalSteps {
		totalSteps = cfg.MaxSteps
	}
	schedule := &LRSchedule{Peak: cfg.LearningRate, Floor: cfg.MinLR, Warmup: min(cfg.WarmupSteps, totalSteps/2), Total: totalSteps}
	logEvery := max(cfg.LogInterval, 1)

	var res TrainResult
	windowLoss, windowSteps := 0.0, 0
	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		order := rng.Perm(n)
		for start := 0; start < n; start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			end := min(start+cfg.BatchSize, n)
			lr := schedule.Next()

			zeroGrads(params)
			loss, err := step(order[start:end])
			if err != nil {
				return res, err
			}
			gradNorm := clipGradients(params, cfg.GradientClipValue)
			opt.Step(params, lr)

			res.Steps++
			windowLoss += loss
			windowSteps++
			if res.Steps%logEvery == 0 {
				res.TrainLoss = windowLoss / float64(windowSteps)
				log.WithFields(logrus.Fields{
					"epoch":     epoch + 1,
					"step":      res.Steps,
					"loss":      res.TrainLoss,
					"lr":        lr,
					"grad_norm": gradNorm,
				}).Info("Training step")
				windowLoss, windowSteps = 0, 0
			}
			if res.Steps >= totalSteps {
				break
			}
		}
		if res.Steps >= totalSteps {
			break
		}
	}
	if windowSteps > 0 {
		res.TrainLoss = windowLoss / float64(windowSteps)
	}
	return res, nil
}

// LMSequences tokenizes texts and cuts them into windows of seqLen+1
// tokens (input plus shifted target). Tails shorter than 2 tokens are
// dropped.
func LMSequences(texts []string, tok Tokenizer, seqLen int) [][]int {
	var seqs [][]int
	for _, text := range texts {
		ids := tok.Encode(text)
		for i := 0; i < len(ids)-1; i += seqLen {
			end := min(i+seqLen+1, len(ids))
			if end-i >= 2 {
				seqs = append(seqs, ids[i:end])
			}
		}
	}
	return seqs
}

// splitValidation moves the last fraction of items (at least one when the
// fraction is positive and there are two or more items) to a validation set.
func splitValidation[T any](items []T, fraction float64, rng *rand.Rand) (train, val []T) {
	shuffled := append([]T(nil), items...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if fraction <= 0 || len(shuffled) < 2 {
		return shuffled, nil
	}
	nVal := max(int(float64(len(shuffled))*fraction), 1)
	return shuffled[:len(shuffled)-nVal], shuffled[len(shuffled)-nVal:]
}

// Pretrain fits the policy's LM head and trunk with next-token
// cross-entropy. The value head is untouched.
func Pretrain(ctx context.Context, model *PolicyModel, train, val [][]int, cfg TrainingConfig,
	rng *rand.Rand, log *logrus.Entry) (TrainResult, error) {

	log.WithFields(logrus.Fields{
		"sequences":  len(train),
		"parameters": countParameters(model.Parameters()),
		"optimizer":  cfg.Optimizer,
	}).Info("Pretraining started")

	res, err := trainLoop(ctx, len(train), model.Parameters(), cfg, rng, log, func(idx []int) (float64, error) {
		total := 0.0
		scale := 1.0 / float64(len(idx))
		for _, i := range idx {
			seq := train[i]
			inputs, targets := seq[:len(seq)-1], seq[1:]
			pass, err := model.forward(inputs)
			if err != nil {
				return 0, err
			}
			total += CrossEntropyLoss(pass.logits, targets)
			grad := Scale(CrossEntropyBackward(pass.logits, targets), scale)
			model.backward(pass, grad, nil)
		}
		return total * scale, nil
	})
	if err != nil {
		return res, err
	}

	if len(val) > 0 {
		res.ValLoss, err = LMLoss(model, val)
		if err != nil {
			return res, err
		}
	}
	log.WithFields(logrus.Fields{"steps": res.Steps, "loss": res.TrainLoss, "val_loss": res.ValLoss}).Info("Pretraining complete")
	return res, nil
}

// LMLoss is the mean next-token cross-entropy over seqs.
func LMLoss(model *PolicyModel, seqs [][]int) (float64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}
	total := 0.0
	for _, seq := range seqs {
		pass, err := model.forward(seq[:len(seq)-1])
		if err != nil {
			return 0, err
		}
		total += CrossEntropyLoss(pass.logits, seq[1:])
	}
	return total / float64(len(seqs)), nil
}
