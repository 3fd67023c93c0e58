package evaluation

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Curve is a ROC (receiver operating characteristic) curve: the true positive rate (TPR) as a function of
// the false positive rate (FPR), for decreasing thresholds. It always starts at (0, 0) and ends at (1, 1).
type Curve struct {
	FPR, TPR, Thresholds []float64

	// AUC is the area under the curve.
	AUC float64
}

// ROC computes the ROC curve and its AUC. It returns an error if labels doesn't have both classes.
func ROC(labels []int, scores []float64) (*Curve, error) {
	if len(labels) != len(scores) {
		return nil, errors.Errorf("ROC requires the same number of labels (%d) and scores (%d)", len(labels), len(scores))
	}
	var numPositives int
	for _, l := range labels {
		if l == 1 {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(labels) {
		return nil, errors.Errorf("ROC requires both classes, got %d positives out of %d examples", numPositives, len(labels))
	}

	// stat.ROC requires scores sorted in ascending order, with classes following the same order.
	y := slices.Clone(scores)
	classes := make([]bool, len(labels))
	for ii, l := range labels {
		classes[ii] = l == 1
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, thresholds := stat.ROC(nil, y, classes, nil)

	curve := &Curve{FPR: fpr, TPR: tpr, Thresholds: thresholds}
	curve.normalizeEndpoints()
	curve.AUC = integrate.Trapezoidal(curve.FPR, curve.TPR)
	return curve, nil
}

// normalizeEndpoints makes sure the curve starts at (0, 0) and ends at (1, 1).
func (c *Curve) normalizeEndpoints() {
	if n := len(c.FPR); n == 0 || c.FPR[0] != 0 || c.TPR[0] != 0 {
		c.FPR = append([]float64{0}, c.FPR...)
		c.TPR = append([]float64{0}, c.TPR...)
		c.Thresholds = append([]float64{1}, c.Thresholds...)
	}
	if n := len(c.FPR); c.FPR[n-1] != 1 || c.TPR[n-1] != 1 {
		c.FPR = append(c.FPR, 1)
		c.TPR = append(c.TPR, 1)
		c.Thresholds = append(c.Thresholds, 0)
	}
}
