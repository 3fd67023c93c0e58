package evaluation

import (
	"io"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestConfusionMatrix(t *testing.T) {
	labels := []int{1, 1, 1, 0, 0, 0, 0}
	scores := []float64{0.9, 0.6, 0.2, 0.7, 0.1, 0.3, 0.5}
	c := ConfusionMatrix(labels, scores, 0.5)
	assert.Equal(t, Confusion{TP: 2, FP: 2, TN: 2, FN: 1}, c)
	assert.Equal(t, 7, c.Total())
	assert.Equal(t, [2][2]int{{2, 2}, {1, 2}}, c.Matrix())
	assert.InDelta(t, 4.0/7.0, c.Accuracy(), 1e-9)
	assert.InDelta(t, 0.5, c.Precision(), 1e-9)
	assert.InDelta(t, 2.0/3.0, c.Recall(), 1e-9)
	assert.InDelta(t, 0.5, c.Specificity(), 1e-9)
	assert.InDelta(t, 2*0.5*(2.0/3.0)/(0.5+2.0/3.0), c.F1(), 1e-9)

	// Degenerate: nothing predicted positive, no NaNs.
	c = ConfusionMatrix([]int{0, 0}, []float64{0.1, 0.2}, 0.5)
	for _, v := range []float64{c.Accuracy(), c.Precision(), c.Recall(), c.Specificity(), c.F1()} {
		assert.False(t, math.IsNaN(v))
	}
	assert.Equal(t, 1.0, c.Accuracy())
	assert.Equal(t, 0.0, c.F1())
}

func TestROC(t *testing.T) {
	// Perfect separation.
	curve, err := ROC([]int{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, curve.AUC, 1e-9)
	assert.Equal(t, 0.0, curve.FPR[0])
	assert.Equal(t, 0.0, curve.TPR[0])
	assert.Equal(t, 1.0, curve.FPR[len(curve.FPR)-1])
	assert.Equal(t, 1.0, curve.TPR[len(curve.TPR)-1])
	assert.Len(t, curve.TPR, len(curve.FPR))

	// Inverted.
	curve, err = ROC([]int{1, 1, 0, 0}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, curve.AUC, 1e-9)

	// All ties: the diagonal.
	curve, err = ROC([]int{1, 0, 1, 0}, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, curve.AUC, 1e-9)

	// One positive ranked below one of two negatives: AUC = 0.5.
	curve, err = ROC([]int{0, 1, 0}, []float64{0.2, 0.5, 0.7})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, curve.AUC, 1e-9)

	// Input is not modified.
	scores := []float64{0.9, 0.1, 0.5}
	_, err = ROC([]int{1, 0, 1}, scores)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.1, 0.5}, scores)

	_, err = ROC([]int{1, 1}, []float64{0.2, 0.3})
	require.Error(t, err)
	_, err = ROC([]int{1, 0}, []float64{0.2})
	require.Error(t, err)
}

func TestLogLoss(t *testing.T) {
	assert.InDelta(t, -math.Log(0.8), LogLoss([]int{1, 0}, []float64{0.8, 0.2}), 1e-9)
	assert.False(t, math.IsInf(LogLoss([]int{1}, []float64{0}), 0))
	assert.Equal(t, 0.0, LogLoss(nil, nil))
}

func TestNewReport(t *testing.T) {
	preds := &Predictions{
		Scores: []float64{0.1, 0.4, 0.6, 0.9},
		Labels: []int{0, 0, 1, 1},
	}
	report, err := NewReport("test", preds, DefaultThreshold)
	require.NoError(t, err)
	m := report.Metrics()
	assert.Equal(t, 1.0, m["accuracy"])
	assert.InDelta(t, 1.0, m["auc"], 1e-9)
	assert.Equal(t, 2.0, m["tp"])
	assert.Equal(t, 2.0, m["tn"])

	_, err = NewReport("empty", &Predictions{}, DefaultThreshold)
	require.Error(t, err)
}

// fakeDataset yields fixed batches of 1-pixel "images", where the pixel value is the logit of the model below.
type fakeDataset struct {
	images [][]float32
	labels [][]float32
	next   int
}

func (ds *fakeDataset) Name() string { return "fake" }
func (ds *fakeDataset) Reset()       { ds.next = 0 }
func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.images) {
		return nil, nil, nil, io.EOF
	}
	n := len(ds.images[ds.next])
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ds.images[ds.next], n, 1, 1, 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ds.labels[ds.next], n, 1)}
	ds.next++
	return
}

func TestEvaluate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ds := &fakeDataset{
		images: [][]float32{{-3, 2}, {1, -1}, {4}},
		labels: [][]float32{{0, 1}, {0, 0}, {1}},
	}
	// Model whose logit is the single pixel value.
	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		x := inputs[0]
		return []*Node{Reshape(x, x.Shape().Dimensions[0], 1)}
	}
	report, err := Evaluate(backend, ctx, modelFn, ds, DefaultThreshold)
	require.NoError(t, err)
	require.Equal(t, 5, report.Predictions.Len())
	assert.Equal(t, []int{0, 1, 0, 0, 1}, report.Predictions.Labels)
	assert.InDelta(t, 1/(1+math.Exp(3)), report.Predictions.Scores[0], 1e-5)
	assert.Equal(t, Confusion{TP: 2, FP: 1, TN: 2, FN: 0}, report.Confusion)
	assert.InDelta(t, 1.0, report.ROC.AUC, 1e-6)
	assert.Equal(t, "fake", report.Dataset)
	assert.Equal(t, 0, ds.next, "dataset should be reset after evaluation")
}
