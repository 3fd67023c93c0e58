// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains and evaluates the malaria cell classifier: it wires the datasets, the selected
// model, checkpoints, learning rate schedule, early stopping and run tracking into a train.Loop.
package training

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/evaluation"
	"github.com/gomlx/malaria/lrschedule"
	"github.com/gomlx/malaria/models"
	"github.com/gomlx/malaria/tracking"
)

const (
	ParamNumCheckpoints = "num_checkpoints"
	ParamTrainSteps     = "train_steps"

	// ParamCheckpointPeriod is the period, in seconds, between checkpoint saves during training.
	ParamCheckpointPeriod = "checkpoint_period"

	// ParamEarlyStoppingPatience is the number of consecutive validation evaluations without improvement
	// after which training stops. 0 disables early stopping.
	ParamEarlyStoppingPatience = "early_stopping_patience"

	// ParamEarlyStoppingEvalSteps is how often, in steps, the validation loss is evaluated for early stopping.
	ParamEarlyStoppingEvalSteps = "early_stopping_eval_steps"

	// ParamEarlyStoppingMinDelta is the minimum decrease of the validation loss that counts as an improvement.
	ParamEarlyStoppingMinDelta = "early_stopping_min_delta"

	// ParamRestoreBestWeights restores, once training is over, the weights of the step with the best
	// validation loss seen by early stopping. The final checkpoint and evaluation use those weights.
	ParamRestoreBestWeights = "restore_best_weights"
)

// ExcludedParams are not saved with the checkpoint (nor loaded from it): they only affect how the
// training is run, not the model.
var ExcludedParams = []string{
	"data_dir",
	ParamTrainSteps,
	plotly.ParamPlots,
	ParamNumCheckpoints,
	ParamCheckpointPeriod,
	dataset.ParamParallelism,
	dataset.ParamMaxExamples,
	tracking.ParamTracking,
	tracking.ParamSQLitePath,
	tracking.ParamMLflowURI,
	tracking.ParamMLflowExperiment,
	tracking.ParamMLflowTokenEnv,
	tracking.ParamRedisAddr,
	tracking.ParamEvalSteps,
}

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		// Model type to use: "cnn", "inception" or "onnx".
		models.ParamModel:     "cnn",
		ParamNumCheckpoints:   3,
		ParamCheckpointPeriod: 180,
		ParamTrainSteps:       3000,

		// Images are resized to image_size x image_size. If 0, the default size of the model is used.
		models.ParamImageSize: 0,

		dataset.ParamBatchSize:     dataset.DefaultConfig.BatchSize,
		dataset.ParamEvalBatchSize: dataset.DefaultConfig.EvalBatchSize,
		dataset.ParamResizeMode:    string(dataset.DefaultConfig.ResizeMode),
		dataset.ParamSplitTrain:    dataset.DefaultConfig.Split.Train,
		dataset.ParamSplitVal:      dataset.DefaultConfig.Split.Validation,
		dataset.ParamSplitTest:     dataset.DefaultConfig.Split.Test,
		dataset.ParamSplitSeed:     int(dataset.DefaultConfig.SplitSeed),
		dataset.ParamMaxExamples:   0,
		dataset.ParamParallelism:   dataset.DefaultConfig.UseParallelism,

		// Image augmentation parameters, only applied to the training dataset.
		dataset.ParamAugmentQuarterTurns: dataset.DefaultConfig.Augment.RotateQuarterTurns,
		dataset.ParamAugmentFlipH:        dataset.DefaultConfig.Augment.FlipHorizontal,
		dataset.ParamAugmentFlipV:        dataset.DefaultConfig.Augment.FlipVertical,
		dataset.ParamAugmentAngleStdDev:  dataset.DefaultConfig.Augment.AngleStdDev,
		dataset.ParamAugmentBrightness:   dataset.DefaultConfig.Augment.BrightnessRange,
		dataset.ParamAugmentContrast:     dataset.DefaultConfig.Augment.ContrastRange,
		dataset.ParamAugmentSeed:         int(dataset.DefaultConfig.AugmentSeed),

		// "plots" saves the evaluation points along the checkpoint, used for the training curves, and
		// if running in GoNB, draws them with Plotly.
		plotly.ParamPlots: true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "relu",

		// Learning rate schedule: "none", "exponential" or "cosine".
		lrschedule.ParamSchedule:        "exponential",
		lrschedule.ParamHoldSteps:       500,
		lrschedule.ParamDecayRate:       lrschedule.DefaultDecayRate,
		lrschedule.ParamDecaySteps:      lrschedule.DefaultDecaySteps,
		lrschedule.ParamMinLearningRate: 1e-6,

		// Only used with "lr_schedule": "cosine".
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 0.0,

		// Classification head, on top of the backbones.
		models.ParamHeadHiddenLayers: 1,
		models.ParamHeadHiddenNodes:  128,
		models.ParamHeadDropoutRate:  0.2,

		// CNN model ("model": "cnn").
		models.ParamCnnFilters1:      6,
		models.ParamCnnFilters2:      16,
		models.ParamCnnKernelSize:    3,
		models.ParamCnnDense1:        100,
		models.ParamCnnDense2:        10,
		models.ParamCnnDropoutRate:   0.0,
		models.ParamCnnNormalization: "batch",

		// InceptionV3 model ("model": "inception").
		models.ParamInceptionPretrained: true,
		models.ParamInceptionFinetuning: false,

		// ONNX backbone from the HuggingFace Hub ("model": "onnx").
		models.ParamOnnxRepo:   models.DefaultOnnxRepo,
		models.ParamOnnxFile:   models.DefaultOnnxFile,
		models.ParamOnnxInput:  "",
		models.ParamOnnxOutput: "",

		ParamEarlyStoppingPatience:  5,
		ParamEarlyStoppingEvalSteps: 200,
		ParamEarlyStoppingMinDelta:  1e-4,
		ParamRestoreBestWeights:     true,

		evaluation.ParamThreshold: evaluation.DefaultThreshold,

		// Run tracking: comma-separated list of "sqlite", "mlflow", "redis", or "none".
		tracking.ParamTracking:         "sqlite",
		tracking.ParamSQLitePath:       "",
		tracking.ParamMLflowURI:        "",
		tracking.ParamMLflowExperiment: tracking.DefaultMLflowExperiment,
		tracking.ParamMLflowTokenEnv:   tracking.DefaultMLflowTokenEnv,
		tracking.ParamRedisAddr:        tracking.DefaultRedisAddr,
		tracking.ParamEvalSteps:        100,
	})
	return ctx
}
