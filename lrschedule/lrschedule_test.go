package lrschedule_test

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/malaria/lrschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestValue(t *testing.T) {
	assert.Equal(t, 1e-3, lrschedule.Value(1e-3, 0, 0.1, 3, 1, 0))
	assert.Equal(t, 1e-3, lrschedule.Value(1e-3, 0, 0.1, 3, 1, 2))
	assert.InDelta(t, 1e-3*math.Exp(-0.1), lrschedule.Value(1e-3, 0, 0.1, 3, 1, 4), 1e-12)
	assert.InDelta(t, 1e-3*math.Exp(-0.5), lrschedule.Value(1e-3, 0, 0.1, 0, 10, 50), 1e-12)
	assert.Equal(t, 1e-4, lrschedule.Value(1e-3, 1e-4, 1.0, 0, 1, 100), "clipped to the minimum")
}

func TestExponentialSchedule(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		baseLR    = 0.5
		minLR     = 0.01
		holdSteps = 5
		decayRate = 0.2
		decaySize = 3
		numSteps  = 60
	)
	ctx := context.New().Checked(false)
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate:    baseLR,
		lrschedule.ParamSchedule:        "exponential",
		lrschedule.ParamHoldSteps:       holdSteps,
		lrschedule.ParamDecayRate:       decayRate,
		lrschedule.ParamDecaySteps:      decaySize,
		lrschedule.ParamMinLearningRate: minLR,
	})
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		lrschedule.Apply(ctx, g, dtypes.Float32)
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 1e3).ValueGraph(g)
	})
	require.NoError(t, err)
	for step := range numSteps {
		outputs, err := exec.Exec()
		require.NoErrorf(t, err, "failed for step %d", step)
		lr := outputs[0].Value().(float32)
		want := lrschedule.Value(baseLR, minLR, decayRate, holdSteps, decaySize, step)
		require.InDeltaf(t, want, float64(lr), 1e-5, "step=%d", step)
	}
}

func TestNotTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetParam(optimizers.ParamLearningRate, 0.5)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		lrschedule.New(ctx, g, dtypes.Float32).FromContext().HoldSteps(0).Decay(10, 1).Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0.5).ValueGraph(g)
	})
	require.NoError(t, err)
	for range 3 {
		outputs, err := exec.Exec()
		require.NoError(t, err)
		assert.Equal(t, float32(0.5), outputs[0].Value().(float32))
	}
}

func TestApplyUnknown(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetParam(lrschedule.ParamSchedule, "staircase")
	_, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		lrschedule.Apply(ctx, g, dtypes.Float32)
		return Scalar(g, dtypes.Float32, 0)
	})
	require.Error(t, err)
}
