package models

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestCnnModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamCnnDropoutRate, 0.1)
	imagesT := tensors.FromFlatDataAndDimensions(make([]float32, 2*32*32*3), 2, 32, 32, 3)
	logits, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return CnnModelGraph(ctx, nil, []*Node{images})[0]
	}, imagesT)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, logits.Shape().Dimensions)

	// All trainable variables are under the model scope.
	var numVars int
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		assert.Contains(t, v.Scope(), "/"+ModelScope)
		numVars++
	}
	assert.Greater(t, numVars, 0)
}

func TestSelect(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamModel, "resnet")
	_, err := Select(ctx, t.TempDir(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cnn")

	ctx.SetParam(ParamModel, "cnn")
	modelFn, err := Select(ctx, t.TempDir(), nil)
	require.NoError(t, err)
	require.NotNil(t, modelFn)

	assert.Equal(t, []string{"cnn", "inception", "onnx"}, ValidModels())
}

func TestModelImageSize(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, 64, ModelImageSize(ctx))
	ctx.SetParam(ParamModel, "inception")
	assert.Equal(t, 224, ModelImageSize(ctx))
	ctx.SetParam(ParamImageSize, 96)
	assert.Equal(t, 96, ModelImageSize(ctx))

	// Inception rejects small images before downloading anything.
	ctx.SetParam(ParamImageSize, 32)
	_, err := Select(ctx, t.TempDir(), nil)
	require.Error(t, err)
}

func TestHead(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamHeadHiddenLayers: 2,
		ParamHeadHiddenNodes:  8,
		ParamHeadDropoutRate:  0.0,
	})
	embeddings := tensors.FromFlatDataAndDimensions(make([]float32, 3*4*5), 3, 4, 5)
	logits, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Head(ctx, x)
	}, embeddings)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, logits.Shape().Dimensions)
}

func TestNormalizeImageNet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	pixel := tensors.FromValue([][][][]float32{{{{0.485, 0.456 + 0.224, 0.406 - 0.225}}}})
	output, err := ExecOnce(backend, NormalizeImageNet, pixel)
	require.NoError(t, err)
	got := tensors.MustCopyFlatData[float32](output)
	assert.InDeltaSlice(t, []float32{0, 1, -1}, got, 1e-5)
}

func TestPickName(t *testing.T) {
	name, err := pickName("input", "", []string{"pixel_values"})
	require.NoError(t, err)
	assert.Equal(t, "pixel_values", name)
	name, err = pickName("output", "pooler_output", []string{"last_hidden_state", "pooler_output"})
	require.NoError(t, err)
	assert.Equal(t, "pooler_output", name)
	_, err = pickName("output", "logits", []string{"last_hidden_state"})
	require.Error(t, err)
	_, err = pickName("input", "", nil)
	require.Error(t, err)
}

func TestFreezeVariables(t *testing.T) {
	ctx := context.New()
	backbone := ctx.In(ModelScope).In(BackboneScope)
	backbone.VariableWithValue("w", []float32{1, 2})
	backbone.In("layer").VariableWithValue("b", float32(0))
	head := ctx.In(ModelScope).In("head").VariableWithValue("w", []float32{1})

	frozen := FreezeVariables(backbone)
	assert.Len(t, frozen, 2)
	for _, v := range frozen {
		assert.False(t, v.Trainable)
	}
	assert.True(t, head.Trainable)
}
