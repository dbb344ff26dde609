package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, DefaultAppConfig(), *cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, cfg.PolicyPath, cfg.referencePath())
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("RLHF_SEQ_LEN", "32")
	t.Setenv("RLHF_LABELS", "BAD,GOOD")
	t.Setenv("RLHF_LEARNING_RATE", "0.001")
	t.Setenv("RLHF_BATCH_SIZE", "8")
	t.Setenv("RLHF_DO_SAMPLE", "false")
	t.Setenv("RLHF_REWARD_FUNCTION", "softmax")
	t.Setenv("RLHF_LOG_FORMAT", "json")
	t.Setenv("RLHF_REFERENCE", "gs://bucket/ref.ckpt")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Model.SeqLen)
	require.Equal(t, []string{"BAD", "GOOD"}, cfg.Labels)
	require.Equal(t, 0.001, cfg.PPO.LearningRate)
	require.Equal(t, 8, cfg.PPO.BatchSize)
	require.Equal(t, 8, cfg.Driver.BatchSize)
	require.False(t, cfg.Driver.Sample.DoSample)
	require.Equal(t, ScoreSoftmax, cfg.Reward.Function)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "gs://bucket/ref.ckpt", cfg.referencePath())
	// Untouched sections keep their defaults.
	require.Equal(t, DefaultTrainingConfig(), cfg.Train)
}

func TestLoadConfigEnvFile(t *testing.T) {
	const key = "RLHF_MINI_BATCH_SIZE"
	if _, set := os.LookupEnv(key); set {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# tuned\n"+key+"=2\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.PPO.MiniBatchSize)
}

func TestLoadConfigBadValue(t *testing.T) {
	t.Setenv("RLHF_EPOCHS", "many")
	_, err := LoadConfig("")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RLHF_SEED", "3")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	fs := flag.NewFlagSet("ppo", flag.ContinueOnError)
	cfg.commonFlags(fs)
	cfg.ppoFlags(fs)
	cfg.sampleFlags(fs)
	require.Equal(t, "3", fs.Lookup("seed").DefValue)

	require.NoError(t, fs.Parse([]string{"-seed", "9", "-batch", "4", "-corpus", "dir:reviews", "-top-k", "5", "-sample=false"}))
	require.Equal(t, int64(9), cfg.Seed)
	require.Equal(t, 4, cfg.PPO.BatchSize)
	require.Equal(t, "dir:reviews", cfg.Corpus)
	require.Equal(t, 5, cfg.Driver.Sample.TopK)
	require.False(t, cfg.Driver.Sample.DoSample)
}

func TestStringListFlag(t *testing.T) {
	var labels []string
	fs := flag.NewFlagSet("train-reward", flag.ContinueOnError)
	fs.Var(stringList{&labels}, "labels", "")
	require.NoError(t, fs.Parse([]string{"-labels", "NEG,NEU,POS"}))
	require.Equal(t, []string{"NEG", "NEU", "POS"}, labels)
	require.Equal(t, "NEG,NEU,POS", fs.Lookup("labels").Value.String())
}

func TestAppConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*AppConfig){
		"bad model":           func(c *AppConfig) { c.Model.NumHeads = 3 },
		"empty prompt range":  func(c *AppConfig) { c.Dataset.PromptMin = 8 },
		"zero response":       func(c *AppConfig) { c.Driver.ResponseMin = 0 },
		"exceeds context":     func(c *AppConfig) { c.Model.SeqLen = 16 },
		"unknown tokenizer":   func(c *AppConfig) { c.TokenizerKind = "wordpiece" },
		"zero ppo learn rate": func(c *AppConfig) { c.PPO.LearningRate = 0 },
	} {
		cfg := DefaultAppConfig()
		mutate(&cfg)
		require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, name)
	}
}
