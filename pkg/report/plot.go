// Package report renders benchmark results as plots and terminal tables.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/hed1ad/kddbench/pkg/evaluate"
)

// Plot dimensions. The output format follows the file extension
// (.png, .svg, .pdf, ...).
var (
	Width  = 8 * vg.Inch
	Height = 6 * vg.Inch
)

// Bins is the number of histogram bins per class.
var Bins = 50

var (
	normalFill  = color.NRGBA{R: 31, G: 119, B: 180, A: 140}
	anomalyFill = color.NRGBA{R: 214, G: 39, B: 40, A: 140}
)

// ScoreHistogram plots the score distributions of normal and anomalous
// samples, with threshold drawn as a vertical line.
func ScoreHistogram(path, title string, scores []float64, labels []bool, threshold float64) error {
	if len(scores) != len(labels) {
		return fmt.Errorf("%w: %d scores, %d labels", evaluate.ErrLengthMismatch, len(scores), len(labels))
	}

	var normal, anomalous plotter.Values
	for i, s := range scores {
		if labels[i] {
			anomalous = append(anomalous, s)
		} else {
			normal = append(normal, s)
		}
	}
	if len(normal) == 0 && len(anomalous) == 0 {
		return errors.New("score histogram: no scores")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Anomaly score"
	p.Y.Label.Text = "Density"

	for _, class := range []struct {
		name   string
		values plotter.Values
		fill   color.Color
	}{
		{"normal", normal, normalFill},
		{"anomaly", anomalous, anomalyFill},
	} {
		if len(class.values) == 0 {
			continue
		}
		h, err := plotter.NewHist(class.values, Bins)
		if err != nil {
			return fmt.Errorf("score histogram %s: %w", class.name, err)
		}
		h.Normalize(1)
		h.FillColor = class.fill
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(class.name, h)
	}

	line, err := plotter.NewLine(plotter.XYs{{X: threshold, Y: p.Y.Min}, {X: threshold, Y: p.Y.Max}})
	if err != nil {
		return fmt.Errorf("score histogram threshold: %w", err)
	}
	line.LineStyle.Width = vg.Points(1.5)
	line.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(line)
	p.Legend.Add(fmt.Sprintf("threshold %.4g", threshold), line)
	p.Legend.Top = true

	return p.Save(Width, Height, path)
}

// Curve is one detector's sweep result.
type Curve struct {
	Name  string
	Sweep evaluate.SweepResult
}

// SweepCurves plots precision, recall and F1 against the candidate
// percentile for each detector.
func SweepCurves(path string, curves []Curve) error {
	if len(curves) == 0 {
		return errors.New("sweep curves: nothing to plot")
	}

	p := plot.New()
	p.Title.Text = "Threshold sweep"
	p.X.Label.Text = "Score percentile"
	p.Y.Label.Text = "Score"
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	metrics := []struct {
		name   string
		value  func(evaluate.Point) float64
		dashes []vg.Length
	}{
		{"F1", func(pt evaluate.Point) float64 { return pt.F1 }, nil},
		{"precision", func(pt evaluate.Point) float64 { return pt.Precision }, []vg.Length{vg.Points(6), vg.Points(3)}},
		{"recall", func(pt evaluate.Point) float64 { return pt.Recall }, []vg.Length{vg.Points(2), vg.Points(2)}},
	}

	for i, c := range curves {
		for j, m := range metrics {
			xys := make(plotter.XYs, len(c.Sweep.Points))
			for k, pt := range c.Sweep.Points {
				xys[k].X = pt.Percentile
				xys[k].Y = m.value(pt)
			}
			sortXYs(xys)

			l, s, err := plotter.NewLinePoints(xys)
			if err != nil {
				return fmt.Errorf("sweep curves %s %s: %w", c.Name, m.name, err)
			}
			l.Color = plotutil.Color(i)
			l.Dashes = m.dashes
			s.Color = plotutil.Color(i)
			s.Shape = plotutil.Shape(j)
			p.Add(l, s)
			p.Legend.Add(c.Name+" "+m.name, l, s)
		}

		best := c.Sweep.BestPoint()
		marker, err := plotter.NewScatter(plotter.XYs{{X: best.Percentile, Y: best.F1}})
		if err != nil {
			return err
		}
		marker.Color = plotutil.Color(i)
		marker.Shape = draw.CircleGlyph{}
		marker.Radius = vg.Points(5)
		p.Add(marker)
	}
	p.Legend.Left = true
	p.Legend.Top = false

	return p.Save(Width, Height, path)
}

// ROC is one detector's ROC curve.
type ROC struct {
	Name   string
	AUC    float64
	Points []evaluate.ROCPoint
}

// ROCCurves plots ROC curves with the chance diagonal.
func ROCCurves(path string, rocs []ROC) error {
	if len(rocs) == 0 {
		return errors.New("roc curves: nothing to plot")
	}

	p := plot.New()
	p.Title.Text = "ROC"
	p.X.Label.Text = "False positive rate"
	p.Y.Label.Text = "True positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	chance, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return err
	}
	chance.Color = color.Gray{Y: 150}
	chance.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
	p.Add(chance)

	for i, r := range rocs {
		xys := make(plotter.XYs, len(r.Points))
		for k, pt := range r.Points {
			xys[k].X = pt.FPR
			xys[k].Y = pt.TPR
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("roc curve %s: %w", r.Name, err)
		}
		l.Color = plotutil.Color(i)
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add(fmt.Sprintf("%s (AUC %.4f)", r.Name, r.AUC), l)
	}
	p.Legend.Top = false
	p.Legend.Left = false

	return p.Save(Width, Height, path)
}

// LossCurve plots the autoencoder training loss per epoch.
func LossCurve(path string, losses []float64) error {
	if len(losses) == 0 {
		return errors.New("loss curve: no epochs")
	}

	p := plot.New()
	p.Title.Text = "Autoencoder training loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Mean squared error"

	xys := make(plotter.XYs, len(losses))
	for i, l := range losses {
		xys[i].X = float64(i + 1)
		xys[i].Y = l
	}
	if err := plotutil.AddLinePoints(p, "loss", xys); err != nil {
		return err
	}

	return p.Save(Width, Height, path)
}

// sortXYs orders points by X so lines are drawn left to right.
func sortXYs(xys plotter.XYs) {
	sort.Slice(xys, func(i, j int) bool {
		return xys[i].X < xys[j].X
	})
}
