package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// DefaultMaxPlotArms caps the number of arm lines in the rollout plot.
const DefaultMaxPlotArms = 12

// RolloutPlot draws each arm's normalized weight across trials. Only the
// maxArms arms with the highest peak weight get a line; the status quo is
// always drawn.
func RolloutPlot(tuples []Tuple, maxArms int) (*plot.Plot, error) {
	if maxArms <= 0 {
		maxArms = DefaultMaxPlotArms
	}
	series := make(map[string]plotter.XYs)
	peak := make(map[string]float64)
	var sqName string
	for _, tp := range tuples {
		series[tp.ArmName] = append(series[tp.ArmName], plotter.XY{X: float64(tp.TrialIndex), Y: tp.Weight})
		if tp.Weight > peak[tp.ArmName] {
			peak[tp.ArmName] = tp.Weight
		}
		if tp.StatusQuo {
			sqName = tp.ArmName
		}
	}

	names := make([]string, 0, len(series))
	for n := range series {
		if n != sqName {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if peak[names[i]] != peak[names[j]] {
			return peak[names[i]] > peak[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > maxArms {
		names = names[:maxArms]
	}
	if sqName != "" {
		names = append(names, sqName)
	}

	p := plot.New()
	p.Title.Text = "Arm allocation by trial"
	p.X.Label.Text = "Trial"
	p.Y.Label.Text = "Normalized weight"
	p.Y.Min = 0

	colors := armColors(len(names))
	for i, n := range names {
		line, points, err := plotter.NewLinePoints(series[n])
		if err != nil {
			return nil, fmt.Errorf("arm %s: %w", n, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		points.Color = colors[i]
		if n == sqName {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line, points)
		p.Legend.Add(n, line)
	}
	return p, nil
}

// WriteRolloutPNG renders RolloutPlot as PNG.
func WriteRolloutPNG(w io.Writer, tuples []Tuple, maxArms int) error {
	p, err := RolloutPlot(tuples, maxArms)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// armColors spreads n colors evenly around the hue circle.
func armColors(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(max(n, 1)), 0.7, 0.45)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// RenderEffectsHTML writes a bar chart of predicted means with 95% error
// bounds, one bar per row.
func RenderEffectsHTML(w io.Writer, title, metric string, rows []Effect) error {
	names := make([]string, len(rows))
	means := make([]opts.BarData, len(rows))
	lower := make([]opts.LineData, len(rows))
	upper := make([]opts.LineData, len(rows))
	for i, r := range rows {
		names[i] = r.ArmName
		means[i] = opts.BarData{
			Name:  r.ArmName,
			Value: r.Mean,
			Tooltip: &opts.Tooltip{
				Formatter: opts.FuncOpts(fmt.Sprintf("'%s<br/>source: %s<br/>%s ± %.4g<br/>%s<br/>%s'",
					jsEscape(r.ArmName), jsEscape(r.Source), metric, r.ErrorMargin,
					jsEscape(r.ConstraintText()), jsEscape(r.ParameterText()))),
			},
		}
		lower[i] = opts.LineData{Value: r.Mean - r.ErrorMargin}
		upper[i] = opts.LineData{Value: r.Mean + r.ErrorMargin}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "640px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("metric=%s arms=%d", metric, len(rows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Arm", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Name: metric, Scale: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("mean", means)

	bounds := charts.NewLine()
	bounds.SetXAxis(names).
		AddSeries("95% low", lower).
		AddSeries("95% high", upper)
	bar.Overlap(bounds)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func jsEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
