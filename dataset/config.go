package dataset

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the configuration of the data pipeline.
type Config struct {
	DataDir string
	DType   dtypes.DType

	BatchSize, EvalBatchSize int
	ImageSize                int
	ResizeMode               ResizeMode

	Split     SplitRatios
	SplitSeed int64

	// MaxExamples limits the number of examples used (after shuffling), if > 0. Useful for quick runs.
	MaxExamples int

	Augment     AugmentConfig
	AugmentSeed int64

	// UseParallelism reads and transforms the images of the datasets in parallel, with BufferSize batches
	// prefetched.
	UseParallelism bool
	BufferSize     int
}

// DefaultConfig used if no hyperparameters are set.
var DefaultConfig = Config{
	DType:          dtypes.Float32,
	BatchSize:      32,
	EvalBatchSize:  64,
	ImageSize:      224,
	ResizeMode:     ResizeStretch,
	Split:          DefaultSplitRatios,
	SplitSeed:      42,
	UseParallelism: true,
	BufferSize:     32,
	Augment: AugmentConfig{
		RotateQuarterTurns: true,
		FlipHorizontal:     true,
		FlipVertical:       true,
		AngleStdDev:        0,
		BrightnessRange:    10,
		ContrastRange:      10,
	},
	AugmentSeed: 0,
}

// Hyperparameters read by NewConfigFromContext.
const (
	ParamImageSize     = "image_size"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"
	ParamResizeMode    = "resize_mode"
	ParamSplitTrain    = "split_train"
	ParamSplitVal      = "split_validation"
	ParamSplitTest     = "split_test"
	ParamSplitSeed     = "split_seed"
	ParamMaxExamples   = "max_examples"
	ParamParallelism   = "data_parallelism"

	ParamAugmentQuarterTurns = "augmentation_quarter_turns"
	ParamAugmentFlipH        = "augmentation_flip_horizontal"
	ParamAugmentFlipV        = "augmentation_flip_vertical"
	ParamAugmentAngleStdDev  = "augmentation_angle_stddev"
	ParamAugmentBrightness   = "augmentation_brightness"
	ParamAugmentContrast     = "augmentation_contrast"
	ParamAugmentSeed         = "augmentation_seed"
)

// NewConfigFromContext creates a Config from the hyperparameters in ctx, falling back to DefaultConfig.
func NewConfigFromContext(ctx *context.Context, dataDir string) (*Config, error) {
	cfg := DefaultConfig
	cfg.DataDir = dataDir
	if imageSize := context.GetParamOr(ctx, ParamImageSize, 0); imageSize > 0 {
		// If not set, the model picks its image size.
		cfg.ImageSize = imageSize
	}
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, cfg.BatchSize)
	cfg.EvalBatchSize = context.GetParamOr(ctx, ParamEvalBatchSize, cfg.EvalBatchSize)
	mode, err := ParseResizeMode(context.GetParamOr(ctx, ParamResizeMode, string(cfg.ResizeMode)))
	if err != nil {
		return nil, err
	}
	cfg.ResizeMode = mode
	cfg.Split = SplitRatios{
		Train:      context.GetParamOr(ctx, ParamSplitTrain, cfg.Split.Train),
		Validation: context.GetParamOr(ctx, ParamSplitVal, cfg.Split.Validation),
		Test:       context.GetParamOr(ctx, ParamSplitTest, cfg.Split.Test),
	}
	cfg.SplitSeed = int64(context.GetParamOr(ctx, ParamSplitSeed, int(cfg.SplitSeed)))
	cfg.MaxExamples = context.GetParamOr(ctx, ParamMaxExamples, cfg.MaxExamples)
	cfg.UseParallelism = context.GetParamOr(ctx, ParamParallelism, cfg.UseParallelism)
	cfg.Augment = AugmentConfig{
		RotateQuarterTurns: context.GetParamOr(ctx, ParamAugmentQuarterTurns, cfg.Augment.RotateQuarterTurns),
		FlipHorizontal:     context.GetParamOr(ctx, ParamAugmentFlipH, cfg.Augment.FlipHorizontal),
		FlipVertical:       context.GetParamOr(ctx, ParamAugmentFlipV, cfg.Augment.FlipVertical),
		AngleStdDev:        context.GetParamOr(ctx, ParamAugmentAngleStdDev, cfg.Augment.AngleStdDev),
		BrightnessRange:    context.GetParamOr(ctx, ParamAugmentBrightness, cfg.Augment.BrightnessRange),
		ContrastRange:      context.GetParamOr(ctx, ParamAugmentContrast, cfg.Augment.ContrastRange),
	}
	cfg.AugmentSeed = int64(context.GetParamOr(ctx, ParamAugmentSeed, int(cfg.AugmentSeed)))
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate the configuration values.
func (cfg *Config) Validate() error {
	if cfg.BatchSize <= 0 || cfg.EvalBatchSize <= 0 {
		return errors.Errorf("batch sizes must be positive, got batch_size=%d, eval_batch_size=%d",
			cfg.BatchSize, cfg.EvalBatchSize)
	}
	if cfg.ImageSize <= 0 {
		return errors.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	if cfg.Augment.BrightnessRange < 0 || cfg.Augment.BrightnessRange > 100 ||
		cfg.Augment.ContrastRange < 0 || cfg.Augment.ContrastRange > 100 {
		return errors.Errorf("augmentation brightness/contrast ranges must be in [0, 100], got %g and %g",
			cfg.Augment.BrightnessRange, cfg.Augment.ContrastRange)
	}
	return cfg.Split.Validate()
}

// Splits holds the examples of each split.
type Splits struct {
	Train, Validation, Test []Example
	Invalid                 []Example
}

// LoadSplits scans the dataset in cfg.DataDir, filters out invalid images and splits the examples.
// It assumes the dataset has already been downloaded, see Download.
func LoadSplits(cfg *Config) (*Splits, error) {
	examples, err := Scan(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	valid, invalid := FilterValid(examples)
	if cfg.MaxExamples > 0 && len(valid) > cfg.MaxExamples {
		// Sub-sample before splitting, so all splits keep their proportions.
		rng := rand.New(rand.NewSource(cfg.SplitSeed + 1))
		rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })
		valid = valid[:cfg.MaxExamples]
	}
	splits := &Splits{Invalid: invalid}
	splits.Train, splits.Validation, splits.Test, err = Split(valid, cfg.Split, cfg.SplitSeed)
	if err != nil {
		return nil, errors.WithMessagef(err, "splitting %d valid images of %q (max_examples=%d)",
			len(valid), cfg.DataDir, cfg.MaxExamples)
	}
	for ii, split := range [][]Example{splits.Train, splits.Validation, splits.Test} {
		if len(split) == 0 {
			return nil, errors.Errorf("the %s split of %q is empty: training and evaluation need all splits "+
				"(%d valid images, max_examples=%d, split ratios %+v)",
				[]string{"train", "validation", "test"}[ii], cfg.DataDir, len(valid), cfg.MaxExamples, cfg.Split)
		}
	}
	klog.V(1).Infof("dataset split: %d train, %d validation, %d test (%d invalid images skipped)",
		len(splits.Train), len(splits.Validation), len(splits.Test), len(invalid))
	return splits, nil
}

// CreateDatasets loads the splits and creates the datasets used for training and evaluation:
//
//   - trainDS: infinite, shuffled and augmented, used for training.
//   - trainEvalDS, validationDS and testDS: finite, in order and not augmented, used for evaluation.
//
// With cfg.UseParallelism, the datasets are wrapped by datasets.CustomParallel, which reads and
// prefetches batches in parallel.
func CreateDatasets(cfg *Config) (trainDS, trainEvalDS, validationDS, testDS train.Dataset, err error) {
	var splits *Splits
	splits, err = LoadSplits(cfg)
	if err != nil {
		return
	}
	trainDS, trainEvalDS, validationDS, testDS = CreateDatasetsFromSplits(cfg, splits)
	return
}

// CreateDatasetsFromSplits is like CreateDatasets, but takes splits already loaded.
func CreateDatasetsFromSplits(cfg *Config, splits *Splits) (trainDS, trainEvalDS, validationDS, testDS train.Dataset) {
	shuffle := rand.New(rand.NewSource(cfg.SplitSeed))
	trainDS = NewDataset("train", splits.Train, cfg.BatchSize, cfg.ImageSize, cfg.DType).
		Infinite(true).
		Shuffle(shuffle).
		WithResizeMode(cfg.ResizeMode).
		WithAugmenter(NewAugmenter(cfg.Augment, cfg.AugmentSeed))
	newEvalDS := func(name string, examples []Example) train.Dataset {
		return NewDataset(name, examples, cfg.EvalBatchSize, cfg.ImageSize, cfg.DType).
			WithResizeMode(cfg.ResizeMode)
	}
	trainEvalDS = newEvalDS("train-eval", splits.Train)
	validationDS = newEvalDS("valid-eval", splits.Validation)
	testDS = newEvalDS("test-eval", splits.Test)
	if cfg.UseParallelism {
		trainDS = datasets.CustomParallel(trainDS).Buffer(cfg.BufferSize).Start()
		trainEvalDS = datasets.CustomParallel(trainEvalDS).Buffer(cfg.BufferSize).Start()
		validationDS = datasets.CustomParallel(validationDS).Buffer(cfg.BufferSize).Start()
		testDS = datasets.CustomParallel(testDS).Buffer(cfg.BufferSize).Start()
	}
	return
}
