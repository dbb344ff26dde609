package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var run func([]string) error
	switch cmd := os.Args[1]; cmd {
	case "tokenizer":
		run = RunTokenizerCommand
	case "pretrain":
		run = RunPretrainCommand
	case "train-reward":
		run = RunTrainRewardCommand
	case "ppo":
		run = RunPPOCommand
	case "evaluate":
		run = RunEvaluateCommand
	case "generate":
		run = RunGenerateCommand
	case "report":
		run = RunReportCommand
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(heredoc.Doc(`
		Usage:
		  rlhf <command> [options]

		Commands:
		  tokenizer     Train a BPE (or tiktoken-backed) tokenizer on the corpus
		  pretrain      Train the policy language model on the corpus
		  train-reward  Train the sentiment classifier used as reward model
		  ppo           Fine-tune the policy against the reward model with PPO
		  evaluate      Compare reference and fine-tuned policy on sampled prompts
		  generate      Sample a continuation from a policy checkpoint
		  report        Render a PPO stats file as HTML charts
		  help          Show this help message

		Every option can also be set with an RLHF_* environment variable or in
		a .env file (RLHF_ENV_FILE selects another file). Flags win.

		Examples:
		  rlhf tokenizer -corpus=data/imdb.jsonl -vocab=512
		  rlhf pretrain -corpus=data/imdb.jsonl -epochs=2
		  rlhf train-reward -corpus=data/imdb.jsonl -labels=NEGATIVE,POSITIVE
		  rlhf ppo -policy=out/policy.ckpt -reward-model=out/reward.ckpt -out=out/policy-ppo.ckpt
		  rlhf evaluate -n=16 -csv=out/eval.csv
		  rlhf generate -model=out/policy-ppo.ckpt -prompt="This movie was"
		  rlhf report -stats=out/stats.jsonl -html=out/report.html
		  rlhf ppo -corpus='mongodb://localhost:27017/?db=imdb&collection=reviews'
	`))
}

// command is the state every subcommand starts from.
type command struct {
	cfg   *AppConfig
	log   *logrus.Entry
	rng   *rand.Rand
	ctx   context.Context
	close func()
}

// newCommand loads configuration, parses the command's flags on top of it
// and sets up logging, compute and a seeded RNG. Callers defer close.
func newCommand(name string, args []string, register ...func(*AppConfig, *flag.FlagSet)) (*command, error) {
	envFile := os.Getenv("RLHF_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.commonFlags(fs)
	for _, r := range register {
		r(cfg, fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return nil, err
	}

	log, closeLog, err := NewLogger(cfg.Log, name)
	if err != nil {
		return nil, err
	}
	compute := DefaultComputeConfig()
	compute.Workers = cfg.ComputeWorkers
	SetGlobalComputeConfig(compute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return &command{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		ctx: ctx,
		close: func() {
			stop()
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: closing log file: %v\n", err)
			}
		},
	}, nil
}

// corpusRecords reads the configured corpus, capped at MaxExamples.
func (c *command) corpusRecords() ([]TextRecord, error) {
	source, err := OpenCorpus(c.cfg.Corpus)
	if err != nil {
		return nil, err
	}
	records, err := source.Records(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}
	if n := c.cfg.Dataset.MaxExamples; n > 0 && len(records) > n {
		records = records[:n]
	}
	c.log.WithFields(logrus.Fields{"source": source.Name(), "records": len(records)}).Info("Corpus loaded")
	return records, nil
}

// tokenizerFor loads the tokenizer and checks it fits model.
func (c *command) tokenizerFor(model Config) (Tokenizer, error) {
	tok, err := LoadTokenizer(c.ctx, c.cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if err := checkVocab(tok, model); err != nil {
		return nil, err
	}
	return tok, nil
}

func recordTexts(records []TextRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text
	}
	return out
}
