package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// EvalInput configures a before/after comparison. Before is normally the
// frozen reference model and After the trained policy.
type EvalInput struct {
	Dataset     []Example
	N           int
	ResponseMin int
	ResponseMax int
	Sample      SampleConfig
	Seed        int64

	Before Generator
	After  Generator
	Tok    Tokenizer
	Reward Scorer
}

// EvalRow is one sampled prompt with both continuations and their rewards.
type EvalRow struct {
	Prompt         string
	ResponseBefore string
	ResponseAfter  string
	RewardBefore   float64
	RewardAfter    float64
}

// ColumnSummary aggregates one reward column.
type ColumnSummary struct {
	Mean   float64
	Median float64
}

// EvalReport is the evaluation table plus per-column summaries.
type EvalReport struct {
	Rows   []EvalRow
	Before ColumnSummary
	After  ColumnSummary
}

// Evaluate samples N examples, generates from both models with the same
// length draws, and scores prompt_text+response for each. Model weights are
// only read.
func Evaluate(ctx context.Context, in EvalInput) (*EvalReport, error) {
	if in.N <= 0 {
		return nil, fmt.Errorf("%w: evaluation sample size must be positive", ErrInvalidConfig)
	}
	if len(in.Dataset) < in.N {
		return nil, fmt.Errorf("%w: %d examples, %d requested", ErrEmptyDataset, len(in.Dataset), in.N)
	}

	rng := rand.New(rand.NewSource(in.Seed))
	picked := rng.Perm(len(in.Dataset))[:in.N]
	queries := make([][]int, in.N)
	prompts := make([]string, in.N)
	for i, idx := range picked {
		queries[i] = in.Dataset[idx].PromptTokens
		prompts[i] = in.Dataset[idx].PromptText
	}
	lengths, err := drawLengths(in.ResponseMin, in.ResponseMax, in.N, rng)
	if err != nil {
		return nil, err
	}

	// Each model samples from its own stream seeded the same way, so the
	// two columns differ only through the weights.
	before, err := generateResponses(in.Before, queries, lengths, in.Sample, rand.New(rand.NewSource(in.Seed+1)))
	if err != nil {
		return nil, fmt.Errorf("evaluate: before: %w", err)
	}
	after, err := generateResponses(in.After, queries, lengths, in.Sample, rand.New(rand.NewSource(in.Seed+1)))
	if err != nil {
		return nil, fmt.Errorf("evaluate: after: %w", err)
	}

	rows := make([]EvalRow, in.N)
	textsBefore := make([]string, in.N)
	textsAfter := make([]string, in.N)
	for i := range rows {
		rows[i] = EvalRow{
			Prompt:         prompts[i],
			ResponseBefore: in.Tok.Decode(before[i]),
			ResponseAfter:  in.Tok.Decode(after[i]),
		}
		textsBefore[i] = prompts[i] + rows[i].ResponseBefore
		textsAfter[i] = prompts[i] + rows[i].ResponseAfter
	}

	rewardsBefore, err := in.Reward.Score(ctx, textsBefore)
	if err != nil {
		return nil, fmt.Errorf("evaluate: score before: %w", err)
	}
	rewardsAfter, err := in.Reward.Score(ctx, textsAfter)
	if err != nil {
		return nil, fmt.Errorf("evaluate: score after: %w", err)
	}
	if len(rewardsBefore) != in.N || len(rewardsAfter) != in.N {
		return nil, fmt.Errorf("%w: %d/%d rewards for %d rows", ErrBatchMisaligned, len(rewardsBefore), len(rewardsAfter), in.N)
	}
	for i := range rows {
		rows[i].RewardBefore = rewardsBefore[i]
		rows[i].RewardAfter = rewardsAfter[i]
	}

	return &EvalReport{
		Rows:   rows,
		Before: summarize(rewardsBefore),
		After:  summarize(rewardsAfter),
	}, nil
}

func summarize(xs []float64) ColumnSummary {
	mean, _ := meanStd(xs)
	return ColumnSummary{Mean: mean, Median: median(xs)}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

var evalHeaders = []string{"prompt", "response (before)", "response (after)", "rewards (before)", "rewards (after)"}

var (
	evalHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "26", Dark: "81"}).Padding(0, 1)
	evalCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	evalNumberStyle = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	evalBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "250", Dark: "238"})
)

// RenderTable draws the report as a terminal table followed by the
// mean/median lines.
func RenderTable(w io.Writer, report *EvalReport, maxCell int) error {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(evalBorderStyle).
		Headers(evalHeaders...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return evalHeaderStyle
			case col >= 3:
				return evalNumberStyle
			default:
				return evalCellStyle
			}
		})
	for _, r := range report.Rows {
		t.Row(
			clipCell(r.Prompt, maxCell),
			clipCell(r.ResponseBefore, maxCell),
			clipCell(r.ResponseAfter, maxCell),
			formatReward(r.RewardBefore),
			formatReward(r.RewardAfter),
		)
	}

	_, err := fmt.Fprintf(w, "%s\nmean:   before %s  after %s\nmedian: before %s  after %s\n",
		t.String(),
		formatReward(report.Before.Mean), formatReward(report.After.Mean),
		formatReward(report.Before.Median), formatReward(report.After.Median))
	return err
}

// clipCell flattens newlines and shortens s to at most n runes.
func clipCell(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:max(n-1, 0)]) + "…"
}

func formatReward(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// WriteCSV exports the rows with full, unclipped text.
func WriteCSV(w io.Writer, report *EvalReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(evalHeaders); err != nil {
		return err
	}
	for _, r := range report.Rows {
		if err := cw.Write([]string{
			r.Prompt,
			r.ResponseBefore,
			r.ResponseAfter,
			strconv.FormatFloat(r.RewardBefore, 'g', -1, 64),
			strconv.FormatFloat(r.RewardAfter, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
