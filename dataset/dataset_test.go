package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeDataset creates numPerClass small PNG images for each class under baseDir, with the same
// layout as the unzipped archive. Parasitized cells are red-ish, uninfected are blue-ish.
func writeFakeDataset(t testing.TB, baseDir string, numPerClass int) {
	for labelIdx, subDir := range LabelNames {
		dir := path.Join(baseDir, LocalZipDir, subDir)
		require.NoError(t, os.MkdirAll(dir, 0777))
		for ii := 0; ii < numPerClass; ii++ {
			width, height := 10+ii%5, 12+ii%3
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			c := color.RGBA{R: 200, G: 50, B: 50, A: 255}
			if Label(labelIdx) == Uninfected {
				c = color.RGBA{R: 50, G: 50, B: 200, A: 255}
			}
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					img.Set(x, y, c)
				}
			}
			f, err := os.Create(path.Join(dir, fmt.Sprintf("cell_%03d.png", ii)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
		// Stray file found in the original archive.
		require.NoError(t, os.WriteFile(path.Join(dir, "Thumbs.db"), []byte("not an image"), 0666))
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Parasitized", Parasitized.String())
	assert.Equal(t, "Uninfected", Uninfected.String())
	assert.Equal(t, "Unknown", Label(7).String())
	assert.Equal(t, []string{"Parasitized", "Uninfected"}, LabelNames)
}

func TestScanAndFilter(t *testing.T) {
	baseDir := t.TempDir()
	_, err := Scan(baseDir)
	require.Error(t, err, "missing class directories")

	writeFakeDataset(t, baseDir, 6)
	examples, err := Scan(baseDir)
	require.NoError(t, err)
	require.Len(t, examples, 12)
	assert.Equal(t, [NumClasses]int{6, 6}, CountLabels(examples))
	assert.Equal(t, Parasitized, examples[0].Label)
	assert.Equal(t, "cell_000.png", path.Base(examples[0].Path))
	assert.Equal(t, Uninfected, examples[11].Label)

	// Corrupt one image.
	require.NoError(t, os.WriteFile(examples[3].Path, []byte("garbage"), 0666))
	valid, invalid := FilterValid(examples)
	assert.Len(t, valid, 11)
	require.Len(t, invalid, 1)
	assert.Equal(t, examples[3].Path, invalid[0].Path)
}

func makeExamples(n int) []Example {
	examples := make([]Example, n)
	for ii := range examples {
		examples[ii] = Example{Path: fmt.Sprintf("img_%04d.png", ii), Label: Label(ii % 2)}
	}
	return examples
}

func TestSplit(t *testing.T) {
	examples := makeExamples(101)
	trainSplit, valSplit, testSplit, err := Split(examples, DefaultSplitRatios, 42)
	require.NoError(t, err)
	assert.Len(t, trainSplit, 80)
	assert.Len(t, valSplit, 10)
	assert.Len(t, testSplit, 11, "ratios summing to 1 give the remainder to test")

	seen := make(map[string]bool)
	for _, split := range [][]Example{trainSplit, valSplit, testSplit} {
		for _, ex := range split {
			assert.False(t, seen[ex.Path], "example %q in more than one split", ex.Path)
			seen[ex.Path] = true
		}
	}
	assert.Len(t, seen, 101)
	assert.Equal(t, "img_0000.png", examples[0].Path, "input must not be modified")

	// Deterministic given the seed.
	trainSplit2, _, _, err := Split(examples, DefaultSplitRatios, 42)
	require.NoError(t, err)
	assert.Equal(t, trainSplit, trainSplit2)
	trainSplit3, _, _, err := Split(examples, DefaultSplitRatios, 7)
	require.NoError(t, err)
	assert.NotEqual(t, trainSplit, trainSplit3)

	// Ratios not summing to 1 leave examples out.
	trainSplit, valSplit, testSplit, err = Split(examples, SplitRatios{Train: 0.5, Validation: 0.2, Test: 0.1}, 0)
	require.NoError(t, err)
	assert.Len(t, trainSplit, 50)
	assert.Len(t, valSplit, 20)
	assert.Len(t, testSplit, 10)

	_, _, _, err = Split(nil, DefaultSplitRatios, 0)
	require.Error(t, err)
	_, _, _, err = Split(examples, SplitRatios{Train: 0.9, Validation: 0.2}, 0)
	require.Error(t, err)
	_, _, _, err = Split(examples, SplitRatios{Train: 1.1, Validation: -0.1}, 0)
	require.Error(t, err)
}

func TestSplitEmpty(t *testing.T) {
	testCases := []struct {
		name       string
		n          int
		ratios     SplitRatios
		emptySplit string // Empty if no error is expected.
	}{
		{"default", 10, DefaultSplitRatios, ""},
		{"too few for validation", 5, DefaultSplitRatios, "validation"},
		{"rounding down validation", 9, DefaultSplitRatios, "validation"},
		{"too few for test", 20, SplitRatios{Train: 0.5, Validation: 0.2, Test: 0.01}, "test"},
		{"too few for train", 3, SplitRatios{Train: 0.1, Validation: 0.4, Test: 0.5}, "train"},
		{"zero ratios", 10, SplitRatios{Train: 1}, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := Split(makeExamples(tc.n), tc.ratios, 0)
			if tc.emptySplit == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "the "+tc.emptySplit+" split would be empty")
		})
	}
}

func TestResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for _, mode := range []ResizeMode{ResizeStretch, ResizePad} {
		resized := Resize(img, 16, mode)
		assert.Equal(t, image.Pt(16, 16), resized.Bounds().Size(), "mode %s", mode)
	}
	_, err := ParseResizeMode("crop")
	require.Error(t, err)
	mode, err := ParseResizeMode("pad")
	require.NoError(t, err)
	assert.Equal(t, ResizePad, mode)
}

func TestAugmenter(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(0, 0, color.White)

	var noop *Augmenter
	assert.Same(t, img, noop.Augment(img))
	assert.Same(t, img, NewAugmenter(AugmentConfig{}, 0).Augment(img).(*image.RGBA))

	aug := NewAugmenter(DefaultConfig.Augment, 1)
	aug.config.AngleStdDev = 10
	for ii := 0; ii < 20; ii++ {
		augmented := aug.Augment(img)
		assert.Equal(t, img.Bounds().Size(), augmented.Bounds().Size())
	}

	// Non-square images keep their size too.
	rect := image.NewRGBA(image.Rect(0, 0, 16, 10))
	for ii := 0; ii < 20; ii++ {
		assert.Equal(t, image.Pt(16, 10), aug.Augment(rect).Bounds().Size())
	}
}

func TestDataset(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeDataset(t, baseDir, 5)
	examples, err := Scan(baseDir)
	require.NoError(t, err)

	ds := NewDataset("test", examples, 4, 8, dtypes.Float32)
	var numBatches, numExamples int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		batchSize := inputs[0].Shape().Dimensions[0]
		assert.Equal(t, []int{batchSize, 8, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{batchSize, 1}, labels[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, labels[0].DType())
		numBatches++
		numExamples += batchSize
	}
	assert.Equal(t, 3, numBatches)
	assert.Equal(t, 10, numExamples)

	// Labels follow the order of the examples when not shuffled.
	ds.Reset()
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.MustCopyFlatData[float32](labels[0]))

	// Drop incomplete batch.
	ds.DropIncompleteBatch(true).Reset()
	numBatches = 0
	for {
		if _, _, _, err = ds.Yield(); err == io.EOF {
			break
		}
		require.NoError(t, err)
		numBatches++
	}
	assert.Equal(t, 2, numBatches)

	// Infinite, shuffled and augmented dataset never ends.
	infiniteDS := NewDataset("train", examples, 4, 8, dtypes.Float64).
		Infinite(true).
		Shuffle(rand.New(rand.NewSource(0))).
		WithAugmenter(NewAugmenter(DefaultConfig.Augment, 0))
	for ii := 0; ii < 10; ii++ {
		images, imgLabels, err := infiniteDS.YieldImages()
		require.NoError(t, err)
		require.Len(t, images, 4)
		require.Len(t, imgLabels, 4)
	}

	emptyDS := NewDataset("empty", nil, 4, 8, dtypes.Float32)
	_, _, _, err = emptyDS.Yield()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestLabelsToTensor(t *testing.T) {
	labelsT, err := LabelsToTensor([]Label{Parasitized, Uninfected, Uninfected}, dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}, {1}, {1}}, labelsT.Value())
	_, err = LabelsToTensor([]Label{Parasitized}, dtypes.Int32)
	require.Error(t, err)
}

func TestNewConfigFromContext(t *testing.T) {
	ctx := context.New()
	cfg, err := NewConfigFromContext(ctx, "/tmp/data")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.BatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultConfig.ImageSize, cfg.ImageSize)
	assert.Equal(t, "/tmp/data", cfg.DataDir)

	ctx.SetParams(map[string]any{
		ParamImageSize:         32,
		ParamBatchSize:         8,
		ParamResizeMode:        "pad",
		ParamSplitTrain:        0.6,
		ParamSplitVal:          0.2,
		ParamSplitTest:         0.2,
		ParamAugmentBrightness: 0.0,
	})
	cfg, err = NewConfigFromContext(ctx, "/tmp/data")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.ImageSize)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, ResizePad, cfg.ResizeMode)
	assert.Equal(t, SplitRatios{0.6, 0.2, 0.2}, cfg.Split)
	assert.Zero(t, cfg.Augment.BrightnessRange)

	ctx.SetParam(ParamSplitTrain, 0.9)
	_, err = NewConfigFromContext(ctx, "/tmp/data")
	require.Error(t, err)
}

func TestCreateDatasets(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeDataset(t, baseDir, 10)
	cfg := DefaultConfig
	cfg.DataDir = baseDir
	cfg.ImageSize = 8
	cfg.BatchSize = 3
	cfg.EvalBatchSize = 5
	cfg.UseParallelism = false
	trainDS, trainEvalDS, validationDS, testDS, err := CreateDatasets(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "train", trainDS.Name())

	countExamples := func(ds interface {
		Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	}) (n int) {
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				return
			}
			require.NoError(t, err)
			n += inputs[0].Shape().Dimensions[0]
		}
	}
	assert.Equal(t, 16, countExamples(trainEvalDS))
	assert.Equal(t, 2, countExamples(validationDS))
	assert.Equal(t, 2, countExamples(testDS))

	_, inputs, _, err := trainDS.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8, 3}, inputs[0].Shape().Dimensions)
}

func TestLoadSplitsEmpty(t *testing.T) {
	baseDir := t.TempDir()
	writeFakeDataset(t, baseDir, 10)
	cfg := DefaultConfig
	cfg.DataDir = baseDir

	cfg.MaxExamples = 4
	_, err := LoadSplits(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_examples=4")

	cfg.MaxExamples = 0
	cfg.Split = SplitRatios{Train: 1}
	_, err = LoadSplits(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the validation split")

	cfg.Split = DefaultSplitRatios
	splits, err := LoadSplits(&cfg)
	require.NoError(t, err)
	assert.Len(t, splits.Validation, 2)
}
