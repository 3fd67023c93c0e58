// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report renders the evaluation results: PNG plots (confusion matrix, ROC curve and training curves) and
// terminal tables.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/evaluation"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	// PlotWidth and PlotHeight of the generated PNG files.
	PlotWidth  = 6 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// confusionGrid implements plotter.GridXYZ: columns are predicted labels, rows are true labels.
type confusionGrid [2][2]int

func (g confusionGrid) Dims() (c, r int)   { return 2, 2 }
func (g confusionGrid) Z(c, r int) float64 { return float64(g[r][c]) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// ConfusionMatrixPlot creates the heatmap plot of the confusion matrix, annotated with the counts.
func ConfusionMatrixPlot(c evaluation.Confusion, title string) (*plot.Plot, error) {
	grid := confusionGrid(c.Matrix())
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "True"
	heatMap := plotter.NewHeatMap(grid, palette.Heat(12, 1))
	heatMap.Min = 0
	heatMap.Max = float64(max(c.Total(), 1))
	p.Add(heatMap)

	var xyLabels plotter.XYLabels
	for r := range 2 {
		for col := range 2 {
			xyLabels.XYs = append(xyLabels.XYs, plotter.XY{X: grid.X(col), Y: grid.Y(r)})
			xyLabels.Labels = append(xyLabels.Labels, fmt.Sprintf("%d", grid[r][col]))
		}
	}
	labels, err := plotter.NewLabels(xyLabels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create confusion matrix labels")
	}
	p.Add(labels)
	p.NominalX(dataset.LabelNames...)
	p.NominalY(dataset.LabelNames...)
	return p, nil
}

// WriteConfusionMatrixPNG writes the confusion matrix heatmap to filePath.
func WriteConfusionMatrixPNG(c evaluation.Confusion, title, filePath string) error {
	p, err := ConfusionMatrixPlot(c, title)
	if err != nil {
		return err
	}
	return savePlot(p, filePath)
}

// ROCPlot creates the plot of the ROC curve, along with the diagonal of a random classifier.
func ROCPlot(curve *evaluation.Curve, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (AUC=%.4f)", title, curve.AUC)
	p.X.Label.Text = "False Positive Rate"
	p.Y.Label.Text = "True Positive Rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(curve.FPR))
	for ii := range curve.FPR {
		xys[ii].X, xys[ii].Y = curve.FPR[ii], curve.TPR[ii]
	}
	err := plotutil.AddLines(p, "ROC", xys, "Random", plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ROC lines")
	}
	p.Legend.Top = false
	p.Legend.Left = false
	return p, nil
}

// WriteROCPNG writes the ROC curve plot to filePath.
func WriteROCPNG(curve *evaluation.Curve, title, filePath string) error {
	p, err := ROCPlot(curve, title)
	if err != nil {
		return err
	}
	return savePlot(p, filePath)
}

// TrainingCurvesPlots creates one plot per metric type (e.g.: "loss", "accuracy") of the points collected
// during training, with one line per metric. The returned map is keyed by the metric type.
func TrainingCurvesPlots(points []plots.Point) (map[string]*plot.Plot, error) {
	byType := make(map[string]map[string]plotter.XYs)
	for _, pt := range plots.NewPoints(points).Extract() {
		metrics, found := byType[pt.MetricType]
		if !found {
			metrics = make(map[string]plotter.XYs)
			byType[pt.MetricType] = metrics
		}
		metrics[pt.MetricName] = append(metrics[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	}

	plotsByType := make(map[string]*plot.Plot, len(byType))
	for metricType, metrics := range byType {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "Global Step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		var lines []any
		names := make([]string, 0, len(metrics))
		for name := range metrics {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			lines = append(lines, name, metrics[name])
		}
		if err := plotutil.AddLinePoints(p, lines...); err != nil {
			return nil, errors.Wrapf(err, "failed to create lines for metric type %q", metricType)
		}
		plotsByType[metricType] = p
	}
	return plotsByType, nil
}

// WriteTrainingCurvesPNG writes one PNG file per metric type in outputDir, named "training_<metric_type>.png",
// and returns the paths written.
func WriteTrainingCurvesPNG(points []plots.Point, outputDir string) ([]string, error) {
	plotsByType, err := TrainingCurvesPlots(points)
	if err != nil {
		return nil, err
	}
	var paths []string
	for metricType, p := range plotsByType {
		filePath := filepath.Join(outputDir, fmt.Sprintf("training_%s.png", fileNameFragment(metricType)))
		if err := savePlot(p, filePath); err != nil {
			return nil, err
		}
		paths = append(paths, filePath)
	}
	slices.Sort(paths)
	return paths, nil
}

// WriteAll writes the confusion matrix and ROC plots of each report into outputDir, plus the training curves
// saved in checkpointDir, if any. It returns the list of files written.
func WriteAll(outputDir, checkpointDir string, reports ...*evaluation.Report) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create report directory %q", outputDir)
	}
	var paths []string
	for _, r := range reports {
		name := fileNameFragment(r.Dataset)
		filePath := filepath.Join(outputDir, fmt.Sprintf("confusion_matrix_%s.png", name))
		if err := WriteConfusionMatrixPNG(r.Confusion, "Confusion Matrix: "+r.Dataset, filePath); err != nil {
			return nil, err
		}
		paths = append(paths, filePath)
		filePath = filepath.Join(outputDir, fmt.Sprintf("roc_%s.png", name))
		if err := WriteROCPNG(r.ROC, "ROC: "+r.Dataset, filePath); err != nil {
			return nil, err
		}
		paths = append(paths, filePath)
	}

	if checkpointDir != "" {
		points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
		if err != nil {
			klog.Warningf("No training curves plotted: %v", err)
		} else {
			curves, err := WriteTrainingCurvesPNG(points, outputDir)
			if err != nil {
				return nil, err
			}
			paths = append(paths, curves...)
		}
	}
	return paths, nil
}

func savePlot(p *plot.Plot, filePath string) error {
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q", filePath)
	}
	klog.V(1).Infof("saved plot %q", filePath)
	return nil
}

func fileNameFragment(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.ToLower(name))
}
