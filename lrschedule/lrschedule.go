// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lrschedule implements the learning rate schedules used during training: the learning rate is
// kept constant for a number of "hold" steps, and then decays exponentially, down to a minimum.
//
// The schedule is built into the training graph, and updates the learning rate variable used by the
// optimizers at every training step. See New for details and example of usage.
package lrschedule

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

var (
	// ParamSchedule selects the learning rate schedule used by Apply: "none", "exponential" or "cosine".
	ParamSchedule = "lr_schedule"

	// ParamHoldSteps is the number of initial steps during which the learning rate is kept at its base value.
	// Default is 0.
	ParamHoldSteps = "lr_hold_steps"

	// ParamDecayRate is the exponential decay rate applied for each ParamDecaySteps steps after the hold steps.
	// The learning rate is multiplied by exp(-rate) every ParamDecaySteps. Default is 0.1.
	ParamDecayRate = "lr_decay_rate"

	// ParamDecaySteps is the number of steps over which the learning rate decays by exp(-ParamDecayRate).
	// Default is 1000.
	ParamDecaySteps = "lr_decay_steps"

	// ParamMinLearningRate is the lower bound of the learning rate. Default is 0.
	ParamMinLearningRate = "lr_min_learning_rate"
)

const (
	// Scope where the schedule keeps its own step counter, under the optimizers scope.
	Scope = "exponential_schedule"

	DefaultDecayRate  = 0.1
	DefaultDecaySteps = 1000
)

// Config of the exponential decay schedule. New creates it and once configured, call Config.Done to add it
// into the computation graph.
type Config struct {
	graph                         *Graph
	ctx                           *context.Context
	dtype                         dtypes.DType
	learningRate, minLearningRate float64
	holdSteps, decaySteps         int
	decayRate                     float64
}

// New creates a configuration for a "hold then exponential decay" learning rate schedule:
//
//	lr(step) = learningRate                                                       if step < holdSteps
//	lr(step) = max(minLearningRate, learningRate * exp(-decayRate * (step-holdSteps) / decaySteps))  otherwise
//
// It should be called at the start of the model function, with the root context:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		lrschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
//		ctx = ctx.In("model")
//		...
//	}
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:        ctx,
		graph:      graph,
		dtype:      dtype,
		decayRate:  DefaultDecayRate,
		decaySteps: DefaultDecaySteps,
	}
}

// FromContext configures the schedule from the context hyperparameters ParamHoldSteps, ParamDecayRate,
// ParamDecaySteps, ParamMinLearningRate and optimizers.ParamLearningRate.
func (opt *Config) FromContext() *Config {
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.holdSteps = context.GetParamOr(opt.ctx, ParamHoldSteps, 0)
	opt.decayRate = context.GetParamOr(opt.ctx, ParamDecayRate, DefaultDecayRate)
	opt.decaySteps = context.GetParamOr(opt.ctx, ParamDecaySteps, DefaultDecaySteps)
	opt.minLearningRate = context.GetParamOr(opt.ctx, ParamMinLearningRate, 0.0)
	return opt
}

// LearningRate sets the base learning rate.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// HoldSteps sets the number of steps the learning rate is kept at its base value.
func (opt *Config) HoldSteps(holdSteps int) *Config {
	opt.holdSteps = holdSteps
	return opt
}

// Decay sets the decay rate and the number of steps over which it is applied.
func (opt *Config) Decay(rate float64, steps int) *Config {
	opt.decayRate = rate
	opt.decaySteps = steps
	return opt
}

// MinLearningRate sets the lower bound of the learning rate.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// Done generates the computation graph that updates the learning rate. It is a no-op if the graph is
// not a training graph.
//
// Invalid configurations panic, the usual way errors are reported while building a graph.
func (opt *Config) Done() {
	ctx := opt.ctx.Checked(false)
	if !ctx.IsTraining(opt.graph) {
		return
	}
	if opt.learningRate <= 0 {
		exceptions.Panicf("learning rate not configured for lrschedule.New, and not set in the context as parameter %q",
			optimizers.ParamLearningRate)
	}
	if opt.decaySteps <= 0 {
		exceptions.Panicf("lrschedule: decay steps must be > 0, got %d", opt.decaySteps)
	}
	if opt.decayRate < 0 || opt.holdSteps < 0 || opt.minLearningRate < 0 {
		exceptions.Panicf("lrschedule: decay rate (%g), hold steps (%d) and min learning rate (%g) must be non-negative",
			opt.decayRate, opt.holdSteps, opt.minLearningRate)
	}

	// The schedule keeps its own step counter, which starts at 1.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), opt.graph, opt.dtype)
	step = MinusOne(step)
	excess := MaxScalar(AddScalar(step, -float64(opt.holdSteps)), 0)
	lr := MulScalar(Exp(MulScalar(excess, -opt.decayRate/float64(opt.decaySteps))), opt.learningRate)
	lr = MaxScalar(lr, opt.minLearningRate)

	lrVar := optimizers.LearningRateVarWithValue(ctx, opt.dtype, opt.learningRate)
	lrVar.SetValueGraph(lr)
}

// Value returns the learning rate the schedule sets at the given step (starting from 0).
func (opt *Config) Value(step int) float64 {
	return Value(opt.learningRate, opt.minLearningRate, opt.decayRate, opt.holdSteps, opt.decaySteps, step)
}

// Value computes the scheduled learning rate in Go, for reporting and logging.
func Value(base, minLR, decayRate float64, holdSteps, decaySteps, step int) float64 {
	if step < holdSteps || decaySteps <= 0 {
		return max(base, minLR)
	}
	lr := base * math.Exp(-decayRate*float64(step-holdSteps)/float64(decaySteps))
	return max(lr, minLR)
}

// Apply builds the schedule selected by the ParamSchedule hyperparameter ("none", "exponential" or "cosine"),
// configured from the context. Call it at the start of the model function with the root context.
func Apply(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	switch name := context.GetParamOr(ctx, ParamSchedule, "none"); name {
	case "none", "":
		return
	case "exponential":
		New(ctx, g, dtype).FromContext().Done()
	case "cosine":
		cosineschedule.New(ctx, g, dtype).FromContext().Done()
	default:
		exceptions.Panicf("unknown learning rate schedule %q (%q): valid values are \"none\", \"exponential\" and \"cosine\"",
			name, ParamSchedule)
	}
}
