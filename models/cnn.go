package models

// This file implements the small custom CNN, trained from scratch.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Hyperparameters of the CNN model.
const (
	ParamCnnFilters1      = "cnn_filters_1"
	ParamCnnFilters2      = "cnn_filters_2"
	ParamCnnKernelSize    = "cnn_kernel_size"
	ParamCnnDense1        = "cnn_dense_1"
	ParamCnnDense2        = "cnn_dense_2"
	ParamCnnDropoutRate   = "cnn_dropout_rate"
	ParamCnnNormalization = "cnn_normalization"
)

// CnnModelGraph builds a LeNet-like CNN: two convolution blocks (conv, normalization, relu, max-pool)
// followed by three dense layers, the last one outputting the logit.
//
// inputs: only one tensor, with shape `[batch_size, height, width, 3]`.
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(ModelScope)
	images := inputs[0]
	g := images.Graph()
	dtype := images.DType()
	batchSize := images.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	kernelSize := context.GetParamOr(ctx, ParamCnnKernelSize, 3)
	var dropoutRate *Node
	if rate := context.GetParamOr(ctx, ParamCnnDropoutRate, 0.0); rate > 0 {
		dropoutRate = Scalar(g, dtype, rate)
	}

	logits := images
	numFilters := []int{
		context.GetParamOr(ctx, ParamCnnFilters1, 6),
		context.GetParamOr(ctx, ParamCnnFilters2, 16),
	}
	for _, channels := range numFilters {
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(kernelSize).PadSame().Done()
		logits = normalizeCNN(nextCtx("norm"), logits)
		logits = activations.Relu(logits)
		logits = MaxPool(logits).Window(2).Done()
	}

	// Flatten and use dense layers.
	logits = Reshape(logits, batchSize, -1)
	numUnits := []int{
		context.GetParamOr(ctx, ParamCnnDense1, 100),
		context.GetParamOr(ctx, ParamCnnDense2, 10),
	}
	for _, units := range numUnits {
		if dropoutRate != nil {
			logits = layers.DropoutNormalize(nextCtx("dropout"), logits, dropoutRate, true)
		}
		logits = layers.Dense(nextCtx("dense"), logits, true, units)
		logits = normalizeCNN(nextCtx("norm"), logits)
		logits = activations.Relu(logits)
	}
	logits = layers.Dense(nextCtx("dense"), logits, true, 1)
	logits.AssertDims(batchSize, 1)
	return []*Node{logits}
}

// normalizeCNN applies the normalization selected by ParamCnnNormalization: "batch" (default), "layer" or "none".
func normalizeCNN(ctx *context.Context, logits *Node) *Node {
	normalizationType := context.GetParamOr(ctx, ParamCnnNormalization, "batch")
	switch normalizationType {
	case "batch":
		return batchnorm.New(ctx, logits, -1).Done()
	case "layer":
		if logits.Rank() == 4 {
			return layers.LayerNormalization(ctx, logits, 1, 2).Done()
		}
		return layers.LayerNormalization(ctx, logits, -1).Done()
	case "none", "":
		return logits
	}
	exceptions.Panicf("invalid normalization type %q -- set it with parameter %q, valid values are batch, layer or none",
		normalizationType, ParamCnnNormalization)
	return nil
}
