package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// RunEvaluateCommand prints a before/after reward table for the reference
// and fine-tuned policies on the same sampled prompts.
func RunEvaluateCommand(args []string) error {
	c, err := newCommand("evaluate", args, (*AppConfig).evalFlags, (*AppConfig).datasetFlags,
		(*AppConfig).rewardFlags, (*AppConfig).sampleFlags,
		func(cfg *AppConfig, fs *flag.FlagSet) {
			fs.StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "Policy checkpoint before fine-tuning")
			fs.StringVar(&cfg.ReferencePath, "reference", cfg.ReferencePath, "Reference checkpoint (default: -policy)")
			fs.StringVar(&cfg.OutputPath, "tuned", cfg.OutputPath, "Fine-tuned policy checkpoint")
		})
	if err != nil {
		return err
	}
	defer c.close()
	cfg := c.cfg

	before, err := LoadPolicy(c.ctx, cfg.referencePath())
	if err != nil {
		return fmt.Errorf("load reference: %w", err)
	}
	after, err := LoadPolicy(c.ctx, cfg.OutputPath)
	if err != nil {
		return fmt.Errorf("load tuned policy: %w", err)
	}
	if before.Config() != after.Config() {
		return fmt.Errorf("%w: reference and tuned policy configs differ", ErrInvalidConfig)
	}
	cfg.Model = after.Config()
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

	report, err := Evaluate(c.ctx, EvalInput{
		Dataset:     dataset,
		N:           cfg.EvalSamples,
		ResponseMin: cfg.Driver.ResponseMin,
		ResponseMax: cfg.Driver.ResponseMax,
		Sample:      cfg.Driver.Sample,
		Seed:        cfg.Seed,
		Before:      before,
		After:       after,
		Tok:         tok,
		Reward:      reward,
	})
	if err != nil {
		return err
	}
	if err := RenderTable(os.Stdout, report, cfg.EvalCellWidth); err != nil {
		return err
	}

	if cfg.EvalCSV != "" {
		w, err := OpenWriter(c.ctx, cfg.EvalCSV)
		if err != nil {
			return err
		}
		if err := WriteCSV(w, report); err != nil {
			w.Close()
			return fmt.Errorf("write csv: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	c.log.WithFields(logrus.Fields{
		"rows":        len(report.Rows),
		"mean_before": report.Before.Mean,
		"mean_after":  report.After.Mean,
	}).Info("Evaluation complete")
	return nil
}

// RunReportCommand renders a PPO stats file as an HTML page of curves.
func RunReportCommand(args []string) error {
	var htmlPath string
	c, err := newCommand("report", args, func(cfg *AppConfig, fs *flag.FlagSet) {
		fs.StringVar(&cfg.StatsPath, "stats", cfg.StatsPath, "Training statistics JSONL written by ppo")
		fs.StringVar(&htmlPath, "html", "out/report.html", "Output HTML file")
	})
	if err != nil {
		return err
	}
	defer c.close()

	if err := SaveStatsReport(c.ctx, c.cfg.StatsPath, htmlPath); err != nil {
		return err
	}
	c.log.WithField("path", htmlPath).Info("Report written")
	return nil
}
