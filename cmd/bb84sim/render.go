package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/qkdlab/bb84sim/internal/config"
)

// A report packages together everything printed about a run.
type report struct {
	Experiment  string             `json:"experiment"`
	Session     string             `json:"session,omitempty"`
	Seed        int64              `json:"seed,omitempty"`
	Photons     int                `json:"photons"`
	Channel     photon.Config      `json:"channel"`
	Impairments photon.Impairments `json:"impairments"`
	Records     []photon.Record    `json:"records"`
	Stats       bb84.Stats         `json:"stats"`
	Interval    interval           `json:"qberInterval"`
	Series      []bb84.SeriesPoint `json:"qberSeries,omitempty"`
	Key         *keyReport         `json:"key,omitempty"`
}

type interval struct {
	Confidence float64 `json:"confidence"`
	Lo         float64 `json:"lo"`
	Hi         float64 `json:"hi"`
}

type keyReport struct {
	Sampled     int     `json:"sampled"`
	Unsampled   int     `json:"unsampled"`
	Discarded   int     `json:"discarded"`
	SampledQBER float64 `json:"sampledQber"`
	Leaked      float64 `json:"leaked"`
	Length      int     `json:"length"`
	Agree       bool    `json:"agree"`
	Alice       string  `json:"alice,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func newReport(cfg config.Config, recs []photon.Record, confidence float64, series bool) (*report, error) {
	st := bb84.Compute(recs)
	lo, hi, err := bb84.QBERInterval(st, confidence)
	if err != nil {
		return nil, err
	}
	r := &report{
		Experiment:  cfg.Experiment,
		Photons:     cfg.Photons,
		Channel:     cfg.Channel,
		Impairments: cfg.Channel.Impairments(),
		Records:     recs,
		Stats:       st,
		Interval:    interval{Confidence: confidence, Lo: lo, Hi: hi},
	}
	if series {
		r.Series = bb84.QBERSeries(recs)
	}
	return r, nil
}

// distill runs key distillation over the report's records. Failures to
// distill are part of the report rather than errors of the command.
func (r *report) distill(rnd *rand.Rand, winnowIters []int) {
	k, err := bb84.Distill(r.Records, bb84.DistillOpts{Rand: rnd, WinnowIters: winnowIters})
	kr := &keyReport{
		Sampled:     k.Sampled,
		Unsampled:   k.Unsampled,
		Discarded:   k.Discarded,
		SampledQBER: 100 * k.SampledQBER,
		Leaked:      k.Leaked,
	}
	switch {
	case err == nil:
		kr.Length = k.Alice.Size()
		kr.Agree = k.Agree()
		kr.Alice = k.Alice.String()
	case errors.Is(err, bb84.ErrAborted), errors.Is(err, bb84.ErrKeyTooShort):
		kr.Error = err.Error()
	default:
		kr.Error = fmt.Sprintf("BUG: %v", err)
	}
	r.Key = kr
}

func (r *report) render(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "csv":
		return r.renderCSV(w)
	}
	return r.renderTable(w)
}

func (r *report) renderCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(photon.RowHeader); err != nil {
		return err
	}
	for _, rec := range r.Records {
		if err := cw.Write(rec.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"pct": func(f float64) float64 { return 100 * f },
}).Parse(`
Experiment: {{.Experiment}}{{with .Session}}  Session: {{.}}{{end}}
Channel: loss {{printf "%.1f" .Impairments.LossPercent}}%  noise {{printf "%.1f" .Impairments.NoisePercent}}%{{if .Channel.EveEnabled}}  Eve {{.Channel.EveInterceptPercent}}%{{end}}
Sent: {{.Stats.Sent}}  Lost: {{.Stats.Lost}}  Matched: {{.Stats.Matched}}  Mismatched: {{.Stats.Mismatched}}
Correct: {{.Stats.Correct}}  Incorrect: {{.Stats.Incorrect}}
Sifted key: {{.Stats.SiftedKeyLength}} bits, {{.Stats.ErrorsInSifted}} in error
QBER: {{printf "%.1f" .Stats.QBER}}% [{{printf "%.1f" .Interval.Lo}}%, {{printf "%.1f" .Interval.Hi}}%] at {{printf "%.0f" (pct .Interval.Confidence)}}% confidence
Security: {{.Stats.Security}}
{{- range .Series}}
  sifted {{.SiftedLength}}: QBER {{printf "%.1f" .QBER}}%
{{- end}}
{{- with .Key}}
{{if .Error}}Key: {{.Error}}{{else}}Key: {{.Length}} bits from {{.Unsampled}} retained{{if .Discarded}} ({{.Discarded}} spent on error correction){{end}}, sampled QBER {{printf "%.1f" .SampledQBER}}%, agree: {{.Agree}}{{end}}
{{- end}}
`))

func (r *report) renderTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(photon.RowHeader, "\t"))
	for _, rec := range r.Records {
		fmt.Fprintln(tw, strings.Join(rec.Row(), "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return summaryTmpl.Execute(w, r)
}
