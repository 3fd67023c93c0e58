// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation runs a trained model over an evaluation dataset and computes the binary classification
// diagnostics: confusion matrix, precision/recall and the ROC curve with its AUC.
//
// The positive class is label 1 (Uninfected), and scores are the predicted probabilities of label 1.
package evaluation

import (
	"io"
	"math"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamThreshold is the hyperparameter with the score threshold above which an example is classified as
// positive (label 1). Default is 0.5.
const ParamThreshold = "threshold"

// DefaultThreshold used to binarize scores.
const DefaultThreshold = 0.5

// Predictions of a model over a dataset.
type Predictions struct {
	// Scores are the predicted probabilities of label 1, sigmoid(logit).
	Scores []float64

	// Labels are the true labels, 0 or 1.
	Labels []int
}

// Len returns the number of predictions.
func (p *Predictions) Len() int { return len(p.Scores) }

// Predict runs modelFn in inference mode over all examples of the finite dataset ds, and collects the
// scores and true labels. The dataset is reset before and after.
func Predict(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, ds train.Dataset) (*Predictions, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return Sigmoid(logits)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the prediction graph")
	}
	defer exec.Finalize()

	ds.Reset()
	defer ds.Reset()
	preds := &Predictions{}
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading dataset %q", ds.Name())
		}
		outputs, err := exec.Exec(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "while predicting dataset %q", ds.Name())
		}
		scores, err := tensorToFloat64s(outputs[0])
		if err != nil {
			return nil, err
		}
		batchLabels, err := tensorToFloat64s(labels[0])
		if err != nil {
			return nil, err
		}
		if len(scores) != len(batchLabels) {
			return nil, errors.Errorf("model returned %d scores for a batch of %d labels", len(scores), len(batchLabels))
		}
		preds.Scores = append(preds.Scores, scores...)
		for _, l := range batchLabels {
			preds.Labels = append(preds.Labels, int(math.Round(l)))
		}
		for _, t := range outputs {
			t.FinalizeAll()
		}
	}
	klog.V(1).Infof("predicted %d examples of dataset %q", preds.Len(), ds.Name())
	return preds, nil
}

func tensorToFloat64s(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		values := tensors.MustCopyFlatData[float32](t)
		converted := make([]float64, len(values))
		for ii, v := range values {
			converted[ii] = float64(v)
		}
		return converted, nil
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	}
	return nil, errors.Errorf("tensor dtype %s not supported, expected Float32 or Float64", t.DType())
}

// Report is the result of evaluating a model over a dataset.
type Report struct {
	Dataset     string
	Threshold   float64
	Predictions *Predictions
	Confusion   Confusion
	ROC         *Curve
	LogLoss     float64
}

// Evaluate predicts the dataset and computes the confusion matrix at threshold, the ROC curve, AUC and log-loss.
func Evaluate(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, ds train.Dataset, threshold float64) (*Report, error) {
	preds, err := Predict(backend, ctx, modelFn, ds)
	if err != nil {
		return nil, err
	}
	return NewReport(ds.Name(), preds, threshold)
}

// NewReport computes the Report from the predictions.
func NewReport(dataset string, preds *Predictions, threshold float64) (*Report, error) {
	if preds.Len() == 0 {
		return nil, errors.Errorf("no predictions to evaluate for dataset %q", dataset)
	}
	report := &Report{
		Dataset:     dataset,
		Threshold:   threshold,
		Predictions: preds,
		Confusion:   ConfusionMatrix(preds.Labels, preds.Scores, threshold),
		LogLoss:     LogLoss(preds.Labels, preds.Scores),
	}
	var err error
	report.ROC, err = ROC(preds.Labels, preds.Scores)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", dataset)
	}
	return report, nil
}

// Metrics returns the scalar metrics of the report, keyed by name.
func (r *Report) Metrics() map[string]float64 {
	c := r.Confusion
	return map[string]float64{
		"accuracy":    c.Accuracy(),
		"precision":   c.Precision(),
		"recall":      c.Recall(),
		"specificity": c.Specificity(),
		"f1":          c.F1(),
		"auc":         r.ROC.AUC,
		"log_loss":    r.LogLoss,
		"tp":          float64(c.TP),
		"fp":          float64(c.FP),
		"tn":          float64(c.TN),
		"fn":          float64(c.FN),
	}
}

// LogLoss is the mean binary cross-entropy of the scores, clipped away from 0 and 1.
func LogLoss(labels []int, scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	const epsilon = 1e-7
	var sum float64
	for ii, s := range scores {
		s = min(max(s, epsilon), 1-epsilon)
		if labels[ii] == 1 {
			sum -= math.Log(s)
		} else {
			sum -= math.Log(1 - s)
		}
	}
	return sum / float64(len(scores))
}
