package main

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLMSequences(t *testing.T) {
	seqs := LMSequences([]string{"abcdefghij", "a", "xy"}, byteTokenizer{}, 4)
	want := [][]int{
		byteTokenizer{}.Encode("abcde"),
		byteTokenizer{}.Encode("efghi"),
		byteTokenizer{}.Encode("ij"),
		byteTokenizer{}.Encode("xy"),
	}
	require.Equal(t, want, seqs)
}

func TestSplitValidation(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	rng := rand.New(rand.NewSource(1))

	train, val := splitValidation(items, 0.2, rng)
	require.Len(t, train, 8)
	require.Len(t, val, 2)
	require.ElementsMatch(t, items, append(append([]int(nil), train...), val...))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, items, "input must not be reordered")

	train, val = splitValidation(items, 0, rng)
	require.Len(t, train, 10)
	require.Nil(t, val)

	_, val = splitValidation(items[:3], 0.1, rng)
	require.Len(t, val, 1)

	train, val = splitValidation(items[:1], 0.5, rng)
	require.Len(t, train, 1)
	require.Nil(t, val)
}

func TestPretrainLowersLoss(t *testing.T) {
	m := newTestPolicy(t, 51)
	var seqs [][]int
	for s := 0; s < 8; s++ {
		seq := make([]int, 8)
		for i := range seq {
			seq[i] = 1 + (s+i)%4
		}
		seqs = append(seqs, seq)
	}

	before, err := LMLoss(m, seqs)
	require.NoError(t, err)

	cfg := DefaultTrainingConfig()
	cfg.LearningRate = 1e-2
	cfg.MinLR = 1e-3
	cfg.WarmupSteps = 0
	cfg.BatchSize = 4
	cfg.NumEpochs = 30
	res, err := Pretrain(context.Background(), m, seqs, seqs[:2], cfg, rand.New(rand.NewSource(52)), quietLogger())
	require.NoError(t, err)
	require.Equal(t, 60, res.Steps)

	after, err := LMLoss(m, seqs)
	require.NoError(t, err)
	require.Less(t, after, 0.8*before, "loss %f -> %f", before, after)
	require.Greater(t, res.ValLoss, 0.0)
}

func TestPretrainMaxSteps(t *testing.T) {
	m := newTestPolicy(t, 53)
	seqs := [][]int{{1, 2, 3}, {2, 3, 4}, {3, 4, 5}}
	cfg := DefaultTrainingConfig()
	cfg.BatchSize = 1
	cfg.NumEpochs = 10
	cfg.MaxSteps = 5
	res, err := Pretrain(context.Background(), m, seqs, nil, cfg, rand.New(rand.NewSource(1)), quietLogger())
	require.NoError(t, err)
	require.Equal(t, 5, res.Steps)
	require.Zero(t, res.ValLoss)
}

func TestPretrainErrors(t *testing.T) {
	m := newTestPolicy(t, 54)
	cfg := DefaultTrainingConfig()

	_, err := Pretrain(context.Background(), m, nil, nil, cfg, rand.New(rand.NewSource(1)), quietLogger())
	require.ErrorIs(t, err, ErrEmptyDataset)

	cfg.Optimizer = "lion"
	_, err = Pretrain(context.Background(), m, [][]int{{1, 2}}, nil, cfg, rand.New(rand.NewSource(1)), quietLogger())
	require.ErrorIs(t, err, ErrInvalidConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Pretrain(ctx, m, [][]int{{1, 2}}, nil, DefaultTrainingConfig(), rand.New(rand.NewSource(1)), quietLogger())
	require.ErrorIs(t, err, context.Canceled)
}
