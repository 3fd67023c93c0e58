package training

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/malaria/dataset"
	"github.com/gomlx/malaria/lrschedule"
	"github.com/gomlx/malaria/models"
	"github.com/gomlx/malaria/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(2, 0.01)
	_, _, ok := es.Best()
	assert.False(t, ok)

	improved, stop := es.Observe(10, 0.7)
	assert.True(t, improved)
	assert.False(t, stop)
	improved, stop = es.Observe(20, 0.5)
	assert.True(t, improved)
	assert.False(t, stop)

	// Improvements smaller than MinDelta don't count.
	improved, stop = es.Observe(30, 0.495)
	assert.False(t, improved)
	assert.False(t, stop)
	improved, stop = es.Observe(40, math.NaN())
	assert.False(t, improved)
	assert.True(t, stop)

	loss, step, ok := es.Best()
	require.True(t, ok)
	assert.Equal(t, 0.5, loss)
	assert.Equal(t, 20, step)
	stopped, stopStep := es.Stopped()
	assert.True(t, stopped)
	assert.Equal(t, 40, stopStep)

	// Without patience it never stops.
	es = NewEarlyStopping(0, 0)
	for ii := range 10 {
		_, stop = es.Observe(ii, 1.0)
		assert.False(t, stop)
	}
	stopped, _ = es.Stopped()
	assert.False(t, stopped)
}

func TestWeightsSnapshot(t *testing.T) {
	ctx := context.New()
	w := ctx.In("dense").VariableWithValue("weights", []float32{1, 2})
	globalStepVar := optimizers.GetGlobalStepVar(ctx)
	require.NoError(t, globalStepVar.SetValue(tensors.FromScalar(int64(10))))

	snapshot, err := SnapshotWeights(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, snapshot.Step)
	assert.Equal(t, 1, snapshot.Len(), "global step should not be part of the snapshot")

	require.NoError(t, w.SetValue(tensors.FromValue([]float32{5, 6})))
	require.NoError(t, globalStepVar.SetValue(tensors.FromScalar(int64(20))))
	require.NoError(t, snapshot.Restore(ctx))
	assert.Equal(t, []float32{1, 2}, w.MustValue().Value())
	assert.Equal(t, int64(20), optimizers.GetGlobalStep(ctx))

	// It can be restored again.
	require.NoError(t, w.SetValue(tensors.FromValue([]float32{7, 8})))
	require.NoError(t, snapshot.Restore(ctx))
	assert.Equal(t, []float32{1, 2}, w.MustValue().Value())
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, "cnn", context.GetParamOr(ctx, models.ParamModel, ""))
	assert.Equal(t, "exponential", context.GetParamOr(ctx, lrschedule.ParamSchedule, ""))

	cfg, err := dataset.NewConfigFromContext(ctx, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, dataset.DefaultConfig.BatchSize, cfg.BatchSize)
	assert.Equal(t, 64, models.ModelImageSize(ctx))

	trackingCfg, err := tracking.ConfigFromContext(ctx, "runs.db")
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite"}, trackingCfg.Backends)
	assert.Equal(t, "runs.db", trackingCfg.SQLitePath)

	// Every param excluded from checkpoints is a known param.
	for _, name := range ExcludedParams {
		if name == "data_dir" {
			continue
		}
		_, found := ctx.GetParam(name)
		assert.True(t, found, "param %q", name)
	}
}

// writeFakeDataset creates numPerClass small images for each class, with the layout of the unzipped
// archive. Parasitized cells are red, uninfected are blue, so the model can learn them quickly.
func writeFakeDataset(t *testing.T, baseDir string, numPerClass int) {
	for labelIdx, subDir := range dataset.LabelNames {
		dir := path.Join(baseDir, dataset.LocalZipDir, subDir)
		require.NoError(t, os.MkdirAll(dir, 0777))
		c := color.RGBA{R: 200, G: 40, B: 40, A: 255}
		if dataset.Label(labelIdx) == dataset.Uninfected {
			c = color.RGBA{R: 40, G: 40, B: 200, A: 255}
		}
		for ii := range numPerClass {
			img := image.NewRGBA(image.Rect(0, 0, 12, 12))
			for y := range 12 {
				for x := range 12 {
					img.Set(x, y, c)
				}
			}
			f, err := os.Create(path.Join(dir, fmt.Sprintf("cell_%03d.png", ii)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
}

func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	dataDir := t.TempDir()
	writeFakeDataset(t, dataDir, 16)

	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:            30,
		models.ParamImageSize:      16,
		dataset.ParamBatchSize:     4,
		dataset.ParamEvalBatchSize: 4,
		dataset.ParamSplitTrain:    0.5,
		dataset.ParamSplitVal:      0.25,
		dataset.ParamSplitTest:     0.25,
		dataset.ParamParallelism:   false,
		lrschedule.ParamHoldSteps:  0,
		tracking.ParamEvalSteps:    10,
		plotly.ParamPlots:          true,

		// Without batch normalization the final evaluation sees exactly the weights evaluated by early stopping.
		models.ParamCnnNormalization: "none",

		// The first evaluation is always an improvement, and no other can be: it stops at the 2nd evaluation.
		ParamEarlyStoppingPatience:  1,
		ParamEarlyStoppingEvalSteps: 10,
		ParamEarlyStoppingMinDelta:  1e9,
	})

	tracker, err := tracking.NewSQLiteTracker(path.Join(dataDir, "runs.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, tracker.Close()) }()

	result, err := TrainModel(ctx, dataDir, "checkpoint", Options{
		RunName:       "test",
		Tags:          []string{"test"},
		Backend:       graphtest.BuildTestBackend(),
		Tracker:       tracker,
		NoProgressBar: true,
	})
	require.NoError(t, err)

	assert.True(t, result.StoppedEarly)
	assert.Equal(t, 20, result.StopStep)
	assert.Equal(t, 20, result.GlobalStep)
	assert.Equal(t, 10, result.BestStep)

	// The final evaluation uses the weights of the best step, not of the last one.
	assert.Equal(t, 10, result.RestoredBestStep)
	assert.InDelta(t, result.BestValidationLoss, result.ValidationReport.LogLoss, 1e-3)
	assert.Equal(t, path.Join(dataDir, "checkpoint"), result.CheckpointDir)

	require.NotNil(t, result.TestReport)
	assert.Equal(t, "test-eval", result.TestReport.Dataset)
	assert.Equal(t, 8, result.TestReport.Confusion.Total())
	assert.Equal(t, "valid-eval", result.ValidationReport.Dataset)
	for _, name := range []string{
		"confusion_matrix_valid-eval.png", "roc_valid-eval.png",
		"confusion_matrix_test-eval.png", "roc_test-eval.png",
	} {
		filePath := path.Join(result.CheckpointDir, name)
		assert.Contains(t, result.ReportFiles, filePath)
		assert.FileExists(t, filePath)
	}

	// Tracked run.
	runs, err := tracker.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].ID)
	assert.Equal(t, "test", runs[0].Name)
	assert.Equal(t, tracking.Finished, runs[0].Status)

	params, err := tracker.Params(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "cnn", params[models.ParamModel])
	assert.Equal(t, "test", params["tags"])

	summary, err := tracker.Summary(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, summary["global_step"])
	assert.Equal(t, 1.0, summary["stopped_early"])
	assert.Contains(t, summary, "test_auc")
	assert.Contains(t, summary, "validation_accuracy")

	keys, err := tracker.MetricKeys(result.RunID)
	require.NoError(t, err)
	assert.Contains(t, keys, "mean_accuracy_on_valid-eval")
	points, err := tracker.Metrics(result.RunID, "mean_accuracy_on_valid-eval")
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.Equal(t, int64(10), points[0].Step)
}
