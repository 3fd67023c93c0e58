package training

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EarlyStopping tracks the validation loss and decides when training should stop: after Patience
// consecutive evaluations without an improvement of at least MinDelta.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best      float64
	bestStep  int
	hasBest   bool
	numNoGain int
	stopped   bool
	stopStep  int
}

// NewEarlyStopping creates an EarlyStopping. A patience <= 0 never stops.
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: minDelta}
}

// Observe records the validation loss evaluated at the given step. It returns whether it is an improvement
// over the best loss so far, and whether training should stop.
//
// NaN losses are never an improvement.
func (es *EarlyStopping) Observe(step int, loss float64) (improved, stop bool) {
	if !math.IsNaN(loss) && (!es.hasBest || loss < es.best-es.MinDelta) {
		es.best, es.bestStep, es.hasBest = loss, step, true
		es.numNoGain = 0
		return true, false
	}
	es.numNoGain++
	if es.Patience > 0 && es.numNoGain >= es.Patience {
		if !es.stopped {
			es.stopped, es.stopStep = true, step
		}
		return false, true
	}
	return false, false
}

// Best returns the best validation loss observed and the step where it happened. ok is false if no
// valid loss was observed yet.
func (es *EarlyStopping) Best() (loss float64, step int, ok bool) {
	return es.best, es.bestStep, es.hasBest
}

// Stopped returns whether the patience was exhausted, and at which step.
func (es *EarlyStopping) Stopped() (stopped bool, step int) {
	return es.stopped, es.stopStep
}

// Attach evaluates the validation loss on validationDS every evalSteps steps of the loop. When the loss
// improves onImprovement is called (e.g. to save a checkpoint), if not nil. Once the patience is exhausted,
// the loop is ended after the current step, and its OnEnd hooks are called as usual.
func (es *EarlyStopping) Attach(loop *train.Loop, evalSteps int, validationDS train.Dataset, onImprovement func() error) {
	if evalSteps <= 0 {
		return
	}
	train.EveryNSteps(loop, evalSteps, "early stopping", 150,
		func(loop *train.Loop, _ []*tensors.Tensor) error {
			loss, err := ValidationLoss(loop.Trainer, validationDS, nil)
			if err != nil {
				return err
			}
			step := int(loop.Trainer.GlobalStep())
			improved, stop := es.Observe(step, loss)
			klog.V(1).Infof("step %d: validation loss %.5f (best %.5f at step %d)", step, loss, es.best, es.bestStep)
			if improved && onImprovement != nil {
				if err := onImprovement(); err != nil {
					return err
				}
			}
			if stop {
				klog.Infof("early stopping at step %d: no improvement of the validation loss for %d evaluations "+
					"(best %.5f at step %d)", step, es.numNoGain, es.best, es.bestStep)
				loop.EndStep = loop.LoopStep + 1
			}
			return nil
		})
}

// ValidationLoss evaluates the mean loss of the trainer over ds. If batchNormDS is given, the batch
// normalization averages are updated with it first.
func ValidationLoss(trainer *train.Trainer, ds train.Dataset, batchNormDS train.Dataset) (float64, error) {
	if batchNormDS != nil {
		if _, err := batchnorm.UpdateAverages(trainer, batchNormDS); err != nil {
			return 0, errors.WithMessage(err, "updating batch normalization averages")
		}
	}
	ds.Reset()
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, errors.WithMessagef(err, "evaluating %q", ds.Name())
	}
	for ii, metric := range trainer.EvalMetrics() {
		if metric.MetricType() == "loss" {
			return shapes.ConvertTo[float64](values[ii].Value()), nil
		}
	}
	return 0, errors.New("trainer has no loss among its evaluation metrics")
}

// WeightsSnapshot is a local copy of the variables of a context taken at some training step, used to
// restore the weights of the best validation loss once training is over.
type WeightsSnapshot struct {
	Step   int
	values map[string]*tensors.Tensor
}

// SnapshotWeights copies the current value of every variable in ctx, except the global step.
func SnapshotWeights(ctx *context.Context, step int) (*WeightsSnapshot, error) {
	snapshot := &WeightsSnapshot{Step: step, values: make(map[string]*tensors.Tensor)}
	for v := range ctx.IterVariables() {
		if v.Name() == optimizers.GlobalStepVariableName {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "copying variable %q", v.ScopeAndName())
		}
		snapshot.values[v.ParameterName()] = clone
	}
	return snapshot, nil
}

// Len returns the number of variables in the snapshot.
func (s *WeightsSnapshot) Len() int {
	return len(s.values)
}

// Restore sets the variables of ctx to the values in the snapshot. Variables created after the snapshot
// was taken are left untouched. The snapshot can be restored more than once.
func (s *WeightsSnapshot) Restore(ctx *context.Context) error {
	for v := range ctx.IterVariables() {
		value, found := s.values[v.ParameterName()]
		if !found {
			continue
		}
		clone, err := value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "copying variable %q", v.ScopeAndName())
		}
		if err = v.SetValue(clone); err != nil {
			return errors.WithMessagef(err, "restoring variable %q", v.ScopeAndName())
		}
	}
	return nil
}
