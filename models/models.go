// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the candidate architectures for the malaria cells classifier:
//
//   - "cnn": a small LeNet-like convolutional network trained from scratch.
//   - "inception": transfer learning on top of a pre-trained InceptionV3 backbone.
//   - "onnx": transfer learning on top of any ONNX image model from the HuggingFace Hub.
//
// All models return one logit per example (shape [batch_size, 1]): the probability of the example being
// Uninfected (label 1) is sigmoid(logit).
package models

import (
	"maps"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/malaria/lrschedule"
	"github.com/pkg/errors"
)

const (
	// ParamModel selects the model: "cnn", "inception" or "onnx".
	ParamModel = "model"

	// ParamImageSize overrides the default image size of the model, if > 0.
	ParamImageSize = "image_size"

	// ParamHeadHiddenLayers, ParamHeadHiddenNodes and ParamHeadDropoutRate configure the classification head
	// put on top of the pre-trained backbones.
	ParamHeadHiddenLayers = "head_hidden_layers"
	ParamHeadHiddenNodes  = "head_hidden_nodes"
	ParamHeadDropoutRate  = "head_dropout_rate"

	// ModelScope is the scope under which all model variables are created.
	ModelScope = "model"
)

// PrepFn is called before training and returns the model function. It may download weights and load
// them into the context.
type PrepFn func(ctx *context.Context, dataDir string, checkpoint *checkpoints.Handler) (train.ModelFn, error)

var (
	// ModelsPrep maps a model name to its preparation function, used by Select.
	// It can be extended with new models.
	ModelsPrep = map[string]PrepFn{
		"cnn": func(_ *context.Context, _ string, _ *checkpoints.Handler) (train.ModelFn, error) {
			return CnnModelGraph, nil
		},
		"inception": InceptionV3ModelPrep,
		"onnx":      OnnxModelPrep,
	}

	// DefaultImageSizes of each model, used if ParamImageSize is not set.
	DefaultImageSizes = map[string]int{
		"cnn":       64,
		"inception": 224,
		"onnx":      224,
	}
)

// ValidModels returns the sorted names of the known models.
func ValidModels() []string {
	return slices.Sorted(maps.Keys(ModelsPrep))
}

// Select the model given by the ParamModel hyperparameter, and runs its preparation.
//
// The returned model function also builds the learning rate schedule (see lrschedule.Apply).
func Select(ctx *context.Context, dataDir string, checkpoint *checkpoints.Handler) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "cnn")
	prep, found := ModelsPrep[modelType]
	if !found {
		return nil, errors.Errorf("unknown model type %q, valid values are %q", modelType, ValidModels())
	}
	modelFn, err := prep(ctx, dataDir, checkpoint)
	if err != nil {
		return nil, errors.WithMessagef(err, "while preparing model %q", modelType)
	}
	return WithLearningRateSchedule(modelFn), nil
}

// WithLearningRateSchedule wraps modelFn so that the learning rate schedule is built with the root context,
// before the model itself.
func WithLearningRateSchedule(modelFn train.ModelFn) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images := inputs[0]
		lrschedule.Apply(ctx, images.Graph(), images.DType())
		return modelFn(ctx, spec, inputs)
	}
}

// ModelImageSize returns the size of the (square) images fed to the selected model.
func ModelImageSize(ctx *context.Context) int {
	if size := context.GetParamOr(ctx, ParamImageSize, 0); size > 0 {
		return size
	}
	modelType := context.GetParamOr(ctx, ParamModel, "cnn")
	if size, found := DefaultImageSizes[modelType]; found {
		return size
	}
	return DefaultImageSizes["cnn"]
}

// Head is the classification head put on top of the embeddings of a backbone: an FNN that outputs one logit.
// It is configured with ParamHeadHiddenLayers, ParamHeadHiddenNodes and ParamHeadDropoutRate.
func Head(ctx *context.Context, embeddings *Node) *Node {
	ctx = ctx.In("head")
	batchSize := embeddings.Shape().Dimensions[0]
	if embeddings.Rank() != 2 {
		embeddings = Reshape(embeddings, batchSize, -1)
	}
	numHiddenLayers := context.GetParamOr(ctx, ParamHeadHiddenLayers, 1)
	numHiddenNodes := context.GetParamOr(ctx, ParamHeadHiddenNodes, 128)
	dropoutRate := context.GetParamOr(ctx, ParamHeadDropoutRate, 0.2)
	logit := fnn.New(ctx, embeddings, 1).
		NumHiddenLayers(numHiddenLayers, numHiddenNodes).
		Dropout(dropoutRate).
		Done()
	logit.AssertDims(batchSize, 1)
	return logit
}
