package training

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/evaluation"
	"github.com/gomlx/malaria/models"
	"github.com/gomlx/malaria/report"
	"github.com/gomlx/malaria/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options for TrainModel, besides the hyperparameters in the context.
type Options struct {
	// ParamsSet are the hyperparameters explicitly set by the user (see commandline.ParseContextSettings):
	// they are not overwritten by the values saved in the checkpoint.
	ParamsSet []string

	// RunName used for tracking. Defaults to "<model>-<timestamp>".
	RunName string

	// Tags logged as the "tags" parameter of the tracked run.
	Tags []string

	// RunEval prints the trainer evaluation metrics on the train and validation datasets after training.
	RunEval bool

	// ReportDir where plots are written. Defaults to the checkpoint directory, or "<dataDir>/report" if
	// there is no checkpoint.
	ReportDir string

	// Backend to use. If nil, the default backend is created.
	Backend backends.Backend

	// Tracker overrides the trackers configured by the "tracking*" hyperparameters. It is not closed by
	// TrainModel.
	Tracker tracking.Tracker

	NoProgressBar bool
}

// Result of TrainModel.
type Result struct {
	RunID      string
	GlobalStep int

	// StoppedEarly is true if training was ended by early stopping, at StopStep.
	StoppedEarly bool
	StopStep     int

	// BestValidationLoss observed by early stopping, at BestStep. Only set if early stopping evaluated
	// the validation loss at least once.
	BestValidationLoss float64
	BestStep           int

	// RestoredBestStep is the step whose weights were restored before the final evaluation, or 0 if the
	// weights of the last step were used.
	RestoredBestStep int

	CheckpointDir string

	// ValidationReport and TestReport are the evaluations of the final model.
	ValidationReport, TestReport *evaluation.Report

	// ReportFiles are the plots written.
	ReportFiles []string
}

// TrainModel based on the hyperparameters in ctx: it downloads the dataset into dataDir if needed,
// trains the model selected, saving checkpoints to checkpointPath (relative to dataDir, if not absolute)
// and finally evaluates it on the validation and test splits.
//
// If a checkpoint already exists, it is loaded and training continues up to the "train_steps" global step.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, opts Options) (result *Result, err error) {
	dataDir, err = fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dataDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %q", dataDir)
	}
	result = &Result{}

	// Checkpoint: it loads if already exists, and it will save as we train.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			ExcludeParams(append(slices.Clone(opts.ParamsSet), ExcludedParams...)...).
			Keep(numCheckpoints).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load checkpoint %q", checkpointPath)
		}
		result.CheckpointDir = checkpoint.Dir()
	}

	// Datasets: images are resized to what the model expects.
	if err = dataset.Download(dataDir); err != nil {
		return nil, err
	}
	cfg, err := dataset.NewConfigFromContext(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	cfg.ImageSize = models.ModelImageSize(ctx)
	trainDS, trainEvalDS, validationDS, testDS, err := dataset.CreateDatasets(cfg)
	if err != nil {
		return nil, err
	}

	// Select the model type we are using:
	modelType := context.GetParamOr(ctx, models.ParamModel, "cnn")
	modelFn, err := models.Select(ctx, dataDir, checkpoint)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Model: %q (images %dx%d)\n", modelType, cfg.ImageSize, cfg.ImageSize)

	backend := opts.Backend
	if backend == nil {
		if err = exceptions.TryCatch[error](func() { backend = backends.MustNew() }); err != nil {
			return nil, err
		}
	}

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)

	var trainer *train.Trainer
	err = exceptions.TryCatch[error](func() {
		trainer = train.NewTrainer(backend, ctx, modelFn,
			losses.BinaryCrossentropyLogits,
			optimizers.FromContext(ctx),
			[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
			[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create trainer")
	}

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if !opts.NoProgressBar {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := time.Duration(context.GetParamOr(ctx, ParamCheckpointPeriod, 180)) * time.Second
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plot points at exponential steps: they are saved along the checkpoint and used for the training curves.
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Tracking.
	tracker := opts.Tracker
	if tracker == nil {
		trackingCfg, err := tracking.ConfigFromContext(ctx, path.Join(dataDir, tracking.DefaultSQLiteFile))
		if err != nil {
			return nil, err
		}
		tracker, err = tracking.FromConfig(trackingCfg)
		if err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := tracker.Close(); closeErr != nil {
				klog.Errorf("failed to close tracker: %+v", closeErr)
			}
		}()
	}
	result.RunID = tracking.NewRunID()
	runName := opts.RunName
	if runName == "" {
		runName = fmt.Sprintf("%s-%s", modelType, time.Now().Format("20060102-150405"))
	}
	if err = tracker.StartRun(result.RunID, runName, runParams(ctx, dataDir, result.CheckpointDir, opts)); err != nil {
		return nil, errors.WithMessage(err, "failed to start tracked run")
	}
	defer func() {
		status := tracking.Finished
		if err != nil {
			status = tracking.Failed
		}
		if finishErr := tracker.Finish(status); finishErr != nil {
			klog.Errorf("failed to finish tracked run %s: %+v", result.RunID, finishErr)
		}
	}()
	metricsLogger := tracking.NewPlotterAdapter(tracker)
	if _, isNoOp := tracker.(tracking.NoOp); !isNoOp {
		if evalSteps := context.GetParamOr(ctx, tracking.ParamEvalSteps, 100); evalSteps > 0 {
			logMetrics := func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return plots.AddTrainAndEvalMetrics(metricsLogger, loop, metrics, []train.Dataset{validationDS}, nil)
			}
			train.EveryNSteps(loop, evalSteps, "tracking metrics", 110, logMetrics)
			loop.OnEnd("tracking metrics", 110, logMetrics)
		}
	}

	// Early stopping: the weights are copied (and the checkpoint saved) whenever the validation loss improves.
	earlyStopping := NewEarlyStopping(
		context.GetParamOr(ctx, ParamEarlyStoppingPatience, 0),
		context.GetParamOr(ctx, ParamEarlyStoppingMinDelta, 0.0))
	restoreBest := context.GetParamOr(ctx, ParamRestoreBestWeights, true)
	var bestWeights *WeightsSnapshot
	if earlyStopping.Patience > 0 {
		onImprovement := func() error {
			if restoreBest {
				_, step, _ := earlyStopping.Best()
				snapshot, err := SnapshotWeights(ctx, step)
				if err != nil {
					return err
				}
				bestWeights = snapshot
			}
			if checkpoint != nil {
				return checkpoint.Save()
			}
			return nil
		}
		earlyStopping.Attach(loop, context.GetParamOr(ctx, ParamEarlyStoppingEvalSteps, 200), validationDS, onImprovement)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			return nil, errors.WithMessage(err, "training failed")
		}
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		if bestWeights != nil && bestWeights.Step != int(optimizers.GetGlobalStep(ctx)) {
			if err = bestWeights.Restore(ctx); err != nil {
				return nil, errors.WithMessage(err, "failed to restore best weights")
			}
			result.RestoredBestStep = bestWeights.Step
			fmt.Printf("\tRestored weights of step %d, with the best validation loss.\n", bestWeights.Step)
		}
		var updated bool
		updated, err = batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			return nil, err
		}
		if updated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
		}
		if checkpoint != nil && (updated || result.RestoredBestStep > 0) {
			// The last checkpoint holds the weights that are evaluated below.
			if err = checkpoint.Save(); err != nil {
				return nil, err
			}
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}
	result.GlobalStep = int(optimizers.GetGlobalStep(ctx))
	result.StoppedEarly, result.StopStep = earlyStopping.Stopped()
	var hasBest bool
	result.BestValidationLoss, result.BestStep, hasBest = earlyStopping.Best()
	fmt.Printf("Training done (global_step=%d).\n", result.GlobalStep)
	if err = metricsLogger.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to log metrics")
	}

	if opts.RunEval {
		fmt.Println()
		if err = commandline.ReportEval(trainer, trainEvalDS, validationDS); err != nil {
			return nil, err
		}
		fmt.Println()
	}

	// Final evaluation, plots and run summary.
	threshold := context.GetParamOr(ctx, evaluation.ParamThreshold, evaluation.DefaultThreshold)
	result.ValidationReport, err = evaluation.Evaluate(backend, ctx, modelFn, validationDS, threshold)
	if err != nil {
		return nil, err
	}
	result.TestReport, err = evaluation.Evaluate(backend, ctx, modelFn, testDS, threshold)
	if err != nil {
		return nil, err
	}
	reportDir := opts.ReportDir
	if reportDir == "" {
		reportDir = result.CheckpointDir
		if reportDir == "" {
			reportDir = path.Join(dataDir, "report")
		}
	}
	result.ReportFiles, err = report.WriteAll(reportDir, result.CheckpointDir, result.ValidationReport, result.TestReport)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]float64)
	for key, value := range result.ValidationReport.Metrics() {
		summary["validation_"+key] = value
	}
	for key, value := range result.TestReport.Metrics() {
		summary["test_"+key] = value
	}
	summary["global_step"] = float64(result.GlobalStep)
	if hasBest {
		summary["best_validation_loss"] = result.BestValidationLoss
		summary["best_step"] = float64(result.BestStep)
	}
	if result.StoppedEarly {
		summary["stopped_early"] = 1
	} else {
		summary["stopped_early"] = 0
	}
	if err = tracker.SetSummary(summary); err != nil {
		return nil, errors.WithMessage(err, "failed to log run summary")
	}
	return result, nil
}

// runParams returns the parameters logged with the tracked run: all hyperparameters, plus where the
// data and checkpoint are and the tags.
func runParams(ctx *context.Context, dataDir, checkpointDir string, opts Options) map[string]any {
	params := tracking.ContextParams(ctx)
	params["data_dir"] = dataDir
	if checkpointDir != "" {
		params["checkpoint_dir"] = checkpointDir
	}
	if len(opts.Tags) > 0 {
		params["tags"] = strings.Join(opts.Tags, ",")
	}
	if len(opts.ParamsSet) > 0 {
		params["params_set"] = strings.Join(opts.ParamsSet, ",")
	}
	return params
}
