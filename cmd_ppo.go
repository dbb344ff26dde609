package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"
)

func policyFlags(cfg *AppConfig, fs *flag.FlagSet) {
	fs.StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "Initial policy checkpoint")
	fs.StringVar(&cfg.ReferencePath, "reference", cfg.ReferencePath, "Reference checkpoint (default: a frozen copy of -policy)")
}

// RunPPOCommand fine-tunes a pretrained policy against the reward model.
func RunPPOCommand(args []string) error {
	c, err := newCommand("ppo", args, policyFlags, (*AppConfig).ppoFlags,
		(*AppConfig).datasetFlags, (*AppConfig).rewardFlags, (*AppConfig).sampleFlags)
	if err != nil {
		return err
	}
	defer c.close()
	cfg := c.cfg

	policy, err := LoadPolicy(c.ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	reference, err := loadReference(c, policy)
	if err != nil {
		return err
	}

	cfg.Model = policy.Config()
	cfg.Driver.BatchSize = cfg.PPO.BatchSize
	if err := cfg.Validate(); err != nil {
		return err
	}

	tok, err := c.tokenizerFor(cfg.Model)
	if err != nil {
		return err
	}
	reward, err := loadRewardPipeline(c, tok)
	if err != nil {
		return err
	}
	dataset, err := c.buildDataset(tok)
	if err != nil {
		return err
	}

	trainer, err := NewPPOTrainer(cfg.PPO, policy, reference, c.rng)
	if err != nil {
		return err
	}
	recorder, err := NewJSONLRecorder(c.ctx, cfg.StatsPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			c.log.WithError(err).Warn("Closing stats file failed")
		}
	}()

	c.log.WithFields(logrus.Fields{
		"examples":   len(dataset),
		"batch":      cfg.PPO.BatchSize,
		"mini_batch": cfg.PPO.MiniBatchSize,
		"init_kl":    cfg.PPO.InitKLCoef,
		"adaptive":   cfg.PPO.AdaptiveKL,
		"parameters": countParameters(policy.Parameters()),
	}).Info("PPO started")

	driver := &Driver{
		Policy:   policy,
		Tok:      tok,
		Reward:   reward,
		Trainer:  trainer,
		Recorder: recorder,
		Config:   cfg.Driver,
		Rng:      c.rng,
		Log:      c.log,
	}
	records, err := driver.Run(c.ctx, dataset)
	if err != nil {
		return err
	}

	if err := SavePolicy(c.ctx, policy, cfg.OutputPath); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"steps":   len(records),
		"kl_coef": trainer.KLCoef(),
		"path":    cfg.OutputPath,
	}).Info("PPO complete")
	return nil
}

// loadReference returns the frozen reference policy: a separate checkpoint
// when one is configured, else a deep copy of policy taken before training.
func loadReference(c *command, policy *PolicyModel) (*PolicyModel, error) {
	if c.cfg.ReferencePath == "" || c.cfg.ReferencePath == c.cfg.PolicyPath {
		return policy.Clone()
	}
	reference, err := LoadPolicy(c.ctx, c.cfg.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("load reference: %w", err)
	}
	return reference, nil
}

// loadRewardPipeline loads the classifier checkpoint behind the reward.
func loadRewardPipeline(c *command, tok Tokenizer) (*RewardPipeline, error) {
	clf, err := LoadClassifier(c.ctx, c.cfg.RewardModelPath)
	if err != nil {
		return nil, fmt.Errorf("load reward model: %w", err)
	}
	if err := checkVocab(tok, clf.Config()); err != nil {
		return nil, fmt.Errorf("reward model: %w", err)
	}
	return NewRewardPipeline(clf, tok, c.cfg.Reward)
}

// buildDataset builds the prompt dataset from the configured corpus.
func (c *command) buildDataset(tok Tokenizer) ([]Example, error) {
	source, err := OpenCorpus(c.cfg.Corpus)
	if err != nil {
		return nil, err
	}
	return BuildDataset(c.ctx, source, tok, c.cfg.Dataset, c.rng)
}
