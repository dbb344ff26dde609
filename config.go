package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// AppConfig is the full configuration surface. Values come from, in
// increasing priority: defaults, RLHF_* environment variables (optionally
// loaded from a .env file), then command-line flags.
type AppConfig struct {
	Seed int64 `env:"RLHF_SEED" envDefault:"0"`

	// Artifacts. Every path may be local or gs://.
	Corpus           string `env:"RLHF_CORPUS" envDefault:"data/imdb.jsonl"`
	TokenizerPath    string `env:"RLHF_TOKENIZER" envDefault:"out/tokenizer.txt"`
	TokenizerKind    string `env:"RLHF_TOKENIZER_KIND" envDefault:"bpe"` // bpe or tiktoken
	TiktokenEncoding string `env:"RLHF_TIKTOKEN_ENCODING" envDefault:"cl100k_base"`
	PolicyPath       string `env:"RLHF_POLICY" envDefault:"out/policy.ckpt"`
	RewardModelPath  string `env:"RLHF_REWARD_MODEL" envDefault:"out/reward.ckpt"`
	OutputPath       string `env:"RLHF_OUTPUT" envDefault:"out/policy-ppo.ckpt"`
	ReferencePath    string `env:"RLHF_REFERENCE" envDefault:""` // defaults to PolicyPath
	StatsPath        string `env:"RLHF_STATS" envDefault:"out/stats.jsonl"`

	Labels         []string `env:"RLHF_LABELS" envDefault:"NEGATIVE,POSITIVE" envSeparator:","`
	ComputeWorkers int      `env:"RLHF_COMPUTE_WORKERS" envDefault:"0"`

	// Evaluation
	EvalSamples   int    `env:"RLHF_EVAL_SAMPLES" envDefault:"16"`
	EvalCSV       string `env:"RLHF_EVAL_CSV" envDefault:""`
	EvalCellWidth int    `env:"RLHF_EVAL_CELL_WIDTH" envDefault:"40"`

	Model   Config
	Dataset DatasetConfig
	PPO     PPOConfig
	Driver  DriverConfig
	Reward  RewardConfig
	Train   TrainingConfig
	Log     LogConfig
}

// DefaultAppConfig returns the configuration with no environment applied.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Corpus:           "data/imdb.jsonl",
		TokenizerPath:    "out/tokenizer.txt",
		TokenizerKind:    "bpe",
		TiktokenEncoding: DefaultTiktokenEncoding,
		PolicyPath:       "out/policy.ckpt",
		RewardModelPath:  "out/reward.ckpt",
		OutputPath:       "out/policy-ppo.ckpt",
		StatsPath:        "out/stats.jsonl",
		Labels:           append([]string(nil), DefaultLabels...),
		EvalSamples:      16,
		EvalCellWidth:    40,
		Model:            DefaultConfig(),
		Dataset:          DefaultDatasetConfig(),
		PPO:              DefaultPPOConfig(),
		Driver:           DefaultDriverConfig(),
		Reward:           DefaultRewardConfig(),
		Train:            DefaultTrainingConfig(),
		Log:              DefaultLogConfig(),
	}
}

// LoadConfig reads envFile (a missing file is not an error) and then the
// process environment.
func LoadConfig(envFile string) (*AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: load %s: %v", ErrInvalidConfig, envFile, err)
		}
	}

	cfg := DefaultAppConfig()
	for _, section := range []any{
		&cfg, &cfg.Model, &cfg.Dataset, &cfg.PPO, &cfg.Driver,
		&cfg.Driver.Sample, &cfg.Reward, &cfg.Train, &cfg.Log,
	} {
		if err := env.Parse(section); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return &cfg, nil
}

// Validate checks cross-field constraints after flags are applied.
func (c *AppConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := (LengthSampler{Min: c.Dataset.PromptMin, Max: c.Dataset.PromptMax}).Validate(); err != nil {
		return fmt.Errorf("prompt length: %w", err)
	}
	if err := (LengthSampler{Min: c.Driver.ResponseMin, Max: c.Driver.ResponseMax}).Validate(); err != nil {
		return fmt.Errorf("response length: %w", err)
	}
	if c.Dataset.PromptMax-1+c.Driver.ResponseMax-1 > c.Model.SeqLen {
		return fmt.Errorf("%w: longest prompt (%d) plus longest response (%d) exceeds context %d",
			ErrInvalidConfig, c.Dataset.PromptMax-1, c.Driver.ResponseMax-1, c.Model.SeqLen)
	}
	switch c.TokenizerKind {
	case "bpe", "tiktoken":
	default:
		return fmt.Errorf("%w: tokenizer kind %q", ErrInvalidConfig, c.TokenizerKind)
	}
	return c.PPO.Validate()
}

// referencePath is the checkpoint the frozen reference is loaded from.
func (c *AppConfig) referencePath() string {
	if c.ReferencePath != "" {
		return c.ReferencePath
	}
	return c.PolicyPath
}

// stringList is a flag.Value for comma-separated lists.
type stringList struct{ dst *[]string }

func (s stringList) String() string {
	if s.dst == nil {
		return ""
	}
	return strings.Join(*s.dst, ",")
}

func (s stringList) Set(v string) error {
	*s.dst = strings.Split(v, ",")
	return nil
}

// Flag groups. Each command registers the groups it uses; defaults shown
// in -help are the values after the environment was applied.

func (c *AppConfig) commonFlags(fs *flag.FlagSet) {
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed")
	fs.StringVar(&c.Corpus, "corpus", c.Corpus, "Corpus: directory, .jsonl, gs://bucket/prefix or mongodb:// URI")
	fs.StringVar(&c.TokenizerPath, "tokenizer", c.TokenizerPath, "Tokenizer file")
	fs.IntVar(&c.Dataset.MaxExamples, "max-examples", c.Dataset.MaxExamples, "Cap on corpus records (0 = all)")
	fs.IntVar(&c.ComputeWorkers, "workers", c.ComputeWorkers, "Matmul worker goroutines (0 = NumCPU)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format: text or json")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "Also write logs to this rotating file")
}

func (c *AppConfig) modelFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Model.VocabSize, "vocab", c.Model.VocabSize, "Vocabulary size")
	fs.IntVar(&c.Model.SeqLen, "seq", c.Model.SeqLen, "Context window")
	fs.IntVar(&c.Model.EmbedDim, "embed", c.Model.EmbedDim, "Embedding dimension")
	fs.IntVar(&c.Model.NumHeads, "heads", c.Model.NumHeads, "Attention heads")
	fs.IntVar(&c.Model.NumLayers, "layers", c.Model.NumLayers, "Transformer layers")
	fs.IntVar(&c.Model.FFHidden, "ff", c.Model.FFHidden, "Feed-forward hidden dimension")
}

func (c *AppConfig) trainFlags(fs *flag.FlagSet) {
	fs.Float64Var(&c.Train.LearningRate, "lr", c.Train.LearningRate, "Learning rate")
	fs.IntVar(&c.Train.BatchSize, "batch", c.Train.BatchSize, "Batch size")
	fs.IntVar(&c.Train.NumEpochs, "epochs", c.Train.NumEpochs, "Training epochs")
	fs.IntVar(&c.Train.MaxSteps, "max-steps", c.Train.MaxSteps, "Stop after this many steps (0 = no limit)")
	fs.StringVar(&c.Train.Optimizer, "optimizer", c.Train.Optimizer, "adam or sgd")
	fs.Float64Var(&c.Train.ValFraction, "val", c.Train.ValFraction, "Fraction held out for validation")
}

func (c *AppConfig) datasetFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Dataset.MinTextLength, "min-length", c.Dataset.MinTextLength, "Keep texts longer than this many characters")
	fs.IntVar(&c.Dataset.PromptMin, "prompt-min", c.Dataset.PromptMin, "Minimum prompt tokens (inclusive)")
	fs.IntVar(&c.Dataset.PromptMax, "prompt-max", c.Dataset.PromptMax, "Maximum prompt tokens (exclusive)")
	fs.IntVar(&c.Driver.ResponseMin, "response-min", c.Driver.ResponseMin, "Minimum response tokens (inclusive)")
	fs.IntVar(&c.Driver.ResponseMax, "response-max", c.Driver.ResponseMax, "Maximum response tokens (exclusive)")
}

func (c *AppConfig) rewardFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RewardModelPath, "reward-model", c.RewardModelPath, "Reward classifier checkpoint")
	fs.StringVar(&c.Reward.PositiveLabel, "positive-label", c.Reward.PositiveLabel, "Label whose score is the reward")
	fs.IntVar(&c.Reward.BatchSize, "reward-batch", c.Reward.BatchSize, "Texts per reward scoring chunk")
	fs.IntVar(&c.Reward.Workers, "reward-workers", c.Reward.Workers, "Concurrent reward chunks")
	fs.StringVar((*string)(&c.Reward.Function), "reward-function", string(c.Reward.Function), "none (raw logits) or softmax")
}

func (c *AppConfig) sampleFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Driver.Sample.DoSample, "sample", c.Driver.Sample.DoSample, "Sample instead of greedy decoding")
	fs.Float64Var(&c.Driver.Sample.Temperature, "temperature", c.Driver.Sample.Temperature, "Sampling temperature")
	fs.IntVar(&c.Driver.Sample.TopK, "top-k", c.Driver.Sample.TopK, "Top-k filter (0 = off)")
	fs.Float64Var(&c.Driver.Sample.TopP, "top-p", c.Driver.Sample.TopP, "Nucleus filter (1 = off)")
}

func (c *AppConfig) ppoFlags(fs *flag.FlagSet) {
	fs.Float64Var(&c.PPO.LearningRate, "lr", c.PPO.LearningRate, "PPO learning rate")
	fs.IntVar(&c.PPO.BatchSize, "batch", c.PPO.BatchSize, "Prompts per PPO step")
	fs.IntVar(&c.PPO.MiniBatchSize, "mini-batch", c.PPO.MiniBatchSize, "PPO minibatch size")
	fs.IntVar(&c.PPO.PPOEpochs, "ppo-epochs", c.PPO.PPOEpochs, "Optimisation passes per batch")
	fs.Float64Var(&c.PPO.InitKLCoef, "init-kl", c.PPO.InitKLCoef, "Initial KL penalty coefficient")
	fs.BoolVar(&c.PPO.AdaptiveKL, "adaptive-kl", c.PPO.AdaptiveKL, "Adapt the KL coefficient towards -target-kl")
	fs.Float64Var(&c.PPO.TargetKL, "target-kl", c.PPO.TargetKL, "Target KL for the adaptive controller")
	fs.IntVar(&c.Driver.Epochs, "epochs", c.Driver.Epochs, "Passes over the dataset")
	fs.StringVar(&c.StatsPath, "stats", c.StatsPath, "Training statistics JSONL output")
	fs.StringVar(&c.OutputPath, "out", c.OutputPath, "Fine-tuned policy checkpoint")
}

func (c *AppConfig) evalFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.EvalSamples, "n", c.EvalSamples, "Number of sampled prompts")
	fs.StringVar(&c.EvalCSV, "csv", c.EvalCSV, "Also write the table as CSV to this path")
	fs.IntVar(&c.EvalCellWidth, "cell-width", c.EvalCellWidth, "Truncate table cells to this many characters")
}
