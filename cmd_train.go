package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The three commands that produce the inputs of a PPO run:
//
//	tokenizer     corpus -> tokenizer file
//	pretrain      corpus + tokenizer -> policy checkpoint (next-token LM)
//	train-reward  labelled corpus + tokenizer -> sentiment classifier
//
// All three read the same corpus sources as the RLHF dataset builder, so
// one -corpus value (directory, .jsonl, gs:// prefix or mongodb:// URI)
// drives the whole pipeline. The model config comes from -vocab/-seq/...
// here and from the checkpoint everywhere after.
//
// ===========================================================================

// RunTokenizerCommand trains a tokenizer on the corpus and saves it.
func RunTokenizerCommand(args []string) error {
	c, err := newCommand("tokenizer", args, (*AppConfig).modelFlags,
		func(cfg *AppConfig, fs *flag.FlagSet) {
			fs.StringVar(&cfg.TokenizerKind, "kind", cfg.TokenizerKind, "bpe or tiktoken")
			fs.StringVar(&cfg.TiktokenEncoding, "encoding", cfg.TiktokenEncoding, "tiktoken encoding name")
		})
	if err != nil {
		return err
	}
	defer c.close()

	records, err := c.corpusRecords()
	if err != nil {
		return err
	}
	corpus := recordTexts(records)

	var tok Tokenizer
	switch c.cfg.TokenizerKind {
	case "bpe":
		bpe := NewBPETokenizer()
		if err := bpe.Train(corpus, c.cfg.Model.VocabSize); err != nil {
			return err
		}
		tok = bpe
	case "tiktoken":
		tok, err = NewTiktokenTokenizer(c.cfg.TiktokenEncoding, corpus, c.cfg.Model.VocabSize)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: tokenizer kind %q", ErrInvalidConfig, c.cfg.TokenizerKind)
	}

	if err := SaveTokenizer(c.ctx, tok, c.cfg.TokenizerPath); err != nil {
		return fmt.Errorf("save tokenizer: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"kind":  c.cfg.TokenizerKind,
		"vocab": tok.VocabSize(),
		"path":  c.cfg.TokenizerPath,
	}).Info("Tokenizer saved")
	return nil
}

// RunPretrainCommand trains the policy as a plain language model.
func RunPretrainCommand(args []string) error {
	c, err := newCommand("pretrain", args, (*AppConfig).modelFlags, (*AppConfig).trainFlags,
		func(cfg *AppConfig, fs *flag.FlagSet) {
			fs.StringVar(&cfg.PolicyPath, "out", cfg.PolicyPath, "Output policy checkpoint")
		})
	if err != nil {
		return err
	}
	defer c.close()

	tok, err := c.tokenizerFor(c.cfg.Model)
	if err != nil {
		return err
	}
	records, err := c.corpusRecords()
	if err != nil {
		return err
	}
	seqs := LMSequences(recordTexts(records), tok, c.cfg.Model.SeqLen)
	train, val := splitValidation(seqs, c.cfg.Train.ValFraction, c.rng)

	model, err := NewPolicyModel(c.cfg.Model, c.rng)
	if err != nil {
		return err
	}
	if _, err := Pretrain(c.ctx, model, train, val, c.cfg.Train, c.rng, c.log); err != nil {
		return err
	}
	if err := SavePolicy(c.ctx, model, c.cfg.PolicyPath); err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	c.log.WithField("path", c.cfg.PolicyPath).Info("Policy saved")
	return nil
}

// RunTrainRewardCommand trains the sentiment classifier used for rewards.
func RunTrainRewardCommand(args []string) error {
	c, err := newCommand("train-reward", args, (*AppConfig).modelFlags, (*AppConfig).trainFlags,
		func(cfg *AppConfig, fs *flag.FlagSet) {
			fs.Var(stringList{&cfg.Labels}, "labels", "Comma-separated class names, in output order")
			fs.StringVar(&cfg.RewardModelPath, "out", cfg.RewardModelPath, "Output classifier checkpoint")
		})
	if err != nil {
		return err
	}
	defer c.close()

	model := c.cfg.Model
	model.Causal = false
	tok, err := c.tokenizerFor(model)
	if err != nil {
		return err
	}
	records, err := c.corpusRecords()
	if err != nil {
		return err
	}
	examples, err := LabeledExamples(records, tok, c.cfg.Labels, model.SeqLen)
	if err != nil {
		return err
	}
	train, val := splitValidation(examples, c.cfg.Train.ValFraction, c.rng)

	clf, err := NewSentimentClassifier(model, c.cfg.Labels, c.rng)
	if err != nil {
		return err
	}
	if _, err := TrainClassifier(c.ctx, clf, train, val, c.cfg.Train, c.rng, c.log); err != nil {
		return err
	}
	if err := SaveClassifier(c.ctx, clf, c.cfg.RewardModelPath); err != nil {
		return fmt.Errorf("save reward model: %w", err)
	}
	c.log.WithField("path", c.cfg.RewardModelPath).Info("Reward model saved")
	return nil
}
