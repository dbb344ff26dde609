package main

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"math"

	"github.com/go-json-experiment/json"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Renders a PPO stats file as a self-contained HTML page: summary cards and
// one line chart per series, drawn on a canvas with a few lines of inline
// JavaScript. No server, no plotting library; the file opens anywhere.
//
// Series are read out of each StepRecord's Stats map by key. A step missing
// a key, or carrying NaN/Inf, becomes a gap (null) in that chart.
//
// ===========================================================================

// ReportSeries is one chart: a stats key and how to label it.
type ReportSeries struct {
	Key   string
	Title string
	Color string
}

// DefaultReportSeries are the curves worth watching during a PPO run.
var DefaultReportSeries = []ReportSeries{
	{Key: "env/reward_mean", Title: "Mean reward", Color: "#56d364"},
	{Key: "objective/kl", Title: "KL to reference", Color: "#f0883e"},
	{Key: "objective/kl_coef", Title: "KL coefficient", Color: "#d2a8ff"},
	{Key: "ppo/loss/total", Title: "PPO loss", Color: "#58a6ff"},
	{Key: "ppo/policy/clipfrac", Title: "Policy clip fraction", Color: "#ff7b72"},
	{Key: "objective/entropy", Title: "Entropy", Color: "#79c0ff"},
}

type reportCard struct {
	Label string
	Value string
}

type reportChart struct {
	ID    string
	Title string
	Color string
	Data  template.JS
}

type reportPage struct {
	RunID  string
	Cards  []reportCard
	Steps  template.JS
	Charts []reportChart
}

// WriteStatsReport renders records as HTML to w.
func WriteStatsReport(w io.Writer, records []StepRecord, series []ReportSeries) error {
	if len(records) == 0 {
		return fmt.Errorf("report: no step records")
	}

	steps := make([]int, len(records))
	for i, r := range records {
		steps[i] = r.Step
	}
	stepsJS, err := json.Marshal(steps)
	if err != nil {
		return err
	}

	page := reportPage{
		RunID: records[0].RunID,
		Steps: template.JS(stepsJS),
		Cards: []reportCard{{Label: "Steps", Value: fmt.Sprint(len(records))}},
	}
	for i, s := range series {
		values := seriesValues(records, s.Key)
		data, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("report: %s: %w", s.Key, err)
		}
		page.Charts = append(page.Charts, reportChart{
			ID:    fmt.Sprintf("chart%d", i),
			Title: s.Title,
			Color: s.Color,
			Data:  template.JS(data),
		})
		if first, last, ok := firstLast(values); ok {
			page.Cards = append(page.Cards, reportCard{
				Label: s.Title,
				Value: fmt.Sprintf("%.4f → %.4f", first, last),
			})
		}
	}
	return reportTemplate.Execute(w, page)
}

// SaveStatsReport reads a stats JSONL file and writes the HTML report, both
// local or gs://.
func SaveStatsReport(ctx context.Context, statsPath, htmlPath string) error {
	r, err := OpenReader(ctx, statsPath)
	if err != nil {
		return err
	}
	records, err := ReadStepRecords(r)
	r.Close()
	if err != nil {
		return err
	}

	w, err := OpenWriter(ctx, htmlPath)
	if err != nil {
		return err
	}
	if err := WriteStatsReport(w, records, DefaultReportSeries); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// seriesValues extracts key from every record. Missing and non-finite
// values are nil so they encode as JSON null.
func seriesValues(records []StepRecord, key string) []*float64 {
	out := make([]*float64, len(records))
	for i, r := range records {
		v, ok := r.Stats[key]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i] = &v
	}
	return out
}

func firstLast(values []*float64) (first, last float64, ok bool) {
	i, j := 0, len(values)-1
	for i < len(values) && values[i] == nil {
		i++
	}
	for j >= 0 && values[j] == nil {
		j--
	}
	if i > j {
		return 0, 0, false
	}
	return *values[i], *values[j], true
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>PPO run {{.RunID}}</title>
<style>
body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #c9d1d9; padding: 20px; }
.container { max-width: 1200px; margin: 0 auto; }
h1 { font-size: 26px; color: #58a6ff; margin-bottom: 4px; }
.subtitle { color: #8b949e; margin-bottom: 24px; font-size: 13px; }
.stats { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 12px; margin-bottom: 24px; }
.card, .chart { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 14px; }
.label { font-size: 12px; color: #8b949e; text-transform: uppercase; }
.value { font-size: 20px; font-weight: 600; color: #58a6ff; }
.chart { margin-bottom: 16px; }
.chart h2 { font-size: 16px; margin: 0 0 10px; }
canvas { width: 100%; height: 260px; }
</style>
</head>
<body>
<div class="container">
<h1>PPO training run</h1>
<div class="subtitle">run {{.RunID}}</div>
<div class="stats">
{{range .Cards}}<div class="card"><div class="label">{{.Label}}</div><div class="value">{{.Value}}</div></div>
{{end}}</div>
{{range .Charts}}<div class="chart"><h2>{{.Title}}</h2><canvas id="{{.ID}}"></canvas></div>
{{end}}</div>
<script>
const steps = {{.Steps}};
const charts = [{{range .Charts}}{id: "{{.ID}}", color: "{{.Color}}", data: {{.Data}}},{{end}}];

function draw(c) {
  const canvas = document.getElementById(c.id);
  const ctx = canvas.getContext('2d');
  const dpr = window.devicePixelRatio || 1;
  const rect = canvas.getBoundingClientRect();
  canvas.width = rect.width * dpr;
  canvas.height = rect.height * dpr;
  ctx.scale(dpr, dpr);

  const pad = 50, w = rect.width, h = rect.height;
  const vals = c.data.filter(v => v !== null);
  if (vals.length === 0) return;
  const lo = Math.min(...vals), hi = Math.max(...vals), span = (hi - lo) || 1;
  const s0 = steps[0], sspan = (steps[steps.length - 1] - s0) || 1;

  ctx.strokeStyle = '#30363d';
  ctx.beginPath();
  ctx.moveTo(pad, pad); ctx.lineTo(pad, h - pad); ctx.lineTo(w - pad, h - pad);
  ctx.stroke();
  ctx.fillStyle = '#8b949e';
  ctx.font = '11px monospace';
  ctx.textAlign = 'right';
  for (let i = 0; i <= 4; i++) {
    const y = pad + (h - 2 * pad) * i / 4;
    ctx.fillText((hi - span * i / 4).toFixed(4), pad - 6, y + 4);
  }

  ctx.strokeStyle = c.color;
  ctx.lineWidth = 2;
  ctx.beginPath();
  let pen = false;
  c.data.forEach((v, i) => {
    if (v === null) { pen = false; return; }
    const x = pad + (w - 2 * pad) * (steps[i] - s0) / sspan;
    const y = h - pad - (h - 2 * pad) * (v - lo) / span;
    if (pen) { ctx.lineTo(x, y); } else { ctx.moveTo(x, y); pen = true; }
  });
  ctx.stroke();
}
window.onload = window.onresize = () => charts.forEach(draw);
</script>
</body>
</html>
`))
