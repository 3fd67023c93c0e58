package models

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

const (
	// ParamInceptionPretrained uses the ImageNet pre-trained weights for the backbone. Default is true.
	ParamInceptionPretrained = "inception_pretrained"

	// ParamInceptionFinetuning makes the backbone trainable. Default is false: only the head is trained.
	ParamInceptionFinetuning = "inception_finetuning"

	// InceptionMinImageSize is the smallest image size accepted by InceptionV3.
	InceptionMinImageSize = 75
)

// InceptionV3ModelPrep is executed before training: it downloads the InceptionV3 weights (if pre-trained
// weights are used) and returns the model function reading them from dataDir.
func InceptionV3ModelPrep(ctx *context.Context, dataDir string, _ *checkpoints.Handler) (train.ModelFn, error) {
	if imageSize := ModelImageSize(ctx); imageSize < InceptionMinImageSize {
		return nil, errors.Errorf("InceptionV3 requires images of size at least %d, got %s=%d",
			InceptionMinImageSize, ParamImageSize, imageSize)
	}
	var preTrainedPath string
	if context.GetParamOr(ctx, ParamInceptionPretrained, true) {
		if err := inceptionv3.DownloadAndUnpackWeights(dataDir); err != nil {
			return nil, errors.WithMessage(err, "failed to download InceptionV3 weights")
		}
		preTrainedPath = dataDir
	}
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return InceptionV3ModelGraph(ctx, preTrainedPath, inputs)
	}, nil
}

// InceptionV3ModelGraph uses an optionally pre-trained InceptionV3 model as a backbone, with max-pooling
// of its last layer as embeddings, and a Head on top.
//
// preTrainedPath is the directory with the unpacked weights, or empty to train from scratch.
func InceptionV3ModelGraph(ctx *context.Context, preTrainedPath string, inputs []*Node) []*Node {
	ctx = ctx.In(ModelScope)
	images := inputs[0] // Images scaled from 0.0 to 1.0
	if size := images.Shape().Dimensions[1]; size < InceptionMinImageSize {
		exceptions.Panicf("InceptionV3 requires images of size at least %d, got images shaped %s",
			InceptionMinImageSize, images.Shape())
	}
	images = inceptionv3.PreprocessImage(images, 1.0, timage.ChannelsLast)
	finetuning := context.GetParamOr(ctx, ParamInceptionFinetuning, false)
	embeddings := inceptionv3.BuildGraph(ctx, images).
		PreTrained(preTrainedPath).
		SetPooling(inceptionv3.MaxPooling).
		Trainable(finetuning).
		Done()
	if !finetuning {
		embeddings = StopGradient(embeddings)
	}
	return []*Node{Head(ctx, embeddings)}
}
