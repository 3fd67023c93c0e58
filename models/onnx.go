package models

import (
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamOnnxRepo is the HuggingFace Hub repository with the ONNX image model.
	ParamOnnxRepo = "onnx_repo"

	// ParamOnnxFile is the path of the ONNX file within the repository.
	ParamOnnxFile = "onnx_file"

	// ParamOnnxInput is the name of the images input of the ONNX model. If empty, the first input is used.
	ParamOnnxInput = "onnx_input"

	// ParamOnnxOutput is the name of the output used as embeddings. If empty, the first output is used.
	ParamOnnxOutput = "onnx_output"

	DefaultOnnxRepo = "Xenova/resnet-50"
	DefaultOnnxFile = "onnx/model.onnx"

	// BackboneScope is where the ONNX model variables are loaded, under ModelScope.
	BackboneScope = "backbone"
)

var (
	// ImageNetMean and ImageNetStdDev are used to normalize the RGB channels of the images fed to
	// ONNX backbones trained on ImageNet.
	ImageNetMean   = []float32{0.485, 0.456, 0.406}
	ImageNetStdDev = []float32{0.229, 0.224, 0.225}
)

// OnnxModelPrep downloads the ONNX model from the HuggingFace Hub, loads its weights into the context (under
// /model/backbone) and freezes them. The frozen backbone variables are excluded from the checkpoints, since
// they are loaded again from the ONNX file on every run.
func OnnxModelPrep(ctx *context.Context, _ string, checkpoint *checkpoints.Handler) (train.ModelFn, error) {
	repoID := context.GetParamOr(ctx, ParamOnnxRepo, DefaultOnnxRepo)
	onnxFile := context.GetParamOr(ctx, ParamOnnxFile, DefaultOnnxFile)
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	onnxPath, err := repo.DownloadFile(onnxFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from HuggingFace repo %q", onnxFile, repoID)
	}
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model from %q", onnxPath)
	}

	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	inputName, err := pickName("input", context.GetParamOr(ctx, ParamOnnxInput, ""), inputNames)
	if err != nil {
		return nil, err
	}
	outputName, err := pickName("output", context.GetParamOr(ctx, ParamOnnxOutput, ""), outputNames)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("ONNX backbone %s/%s: input %q, output %q", repoID, onnxFile, inputName, outputName)

	backboneCtx := ctx.In(ModelScope).In(BackboneScope)
	if err = model.VariablesToContext(backboneCtx); err != nil {
		return nil, errors.WithMessagef(err, "failed to load ONNX model variables from %q", onnxPath)
	}
	frozen := FreezeVariables(backboneCtx)
	if checkpoint != nil {
		checkpoint.ExcludeVarsFromSaving(frozen...)
	}
	klog.V(1).Infof("ONNX backbone: %d frozen variables", len(frozen))

	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return OnnxModelGraph(ctx, model, inputName, outputName, inputs)
	}, nil
}

// pickName returns name if it is one of the valid ones, or the first valid name if name is empty.
func pickName(kind, name string, valid []string) (string, error) {
	if len(valid) == 0 {
		return "", errors.Errorf("ONNX model has no %ss", kind)
	}
	if name == "" {
		return valid[0], nil
	}
	if !slices.Contains(valid, name) {
		return "", errors.Errorf("ONNX model has no %s named %q, valid values are %q", kind, name, valid)
	}
	return name, nil
}

// FreezeVariables marks all variables under the scope of ctx as not trainable, and returns them.
func FreezeVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariablesInScope() {
		v.SetTrainable(false)
		vars = append(vars, v)
	}
	return vars
}

// NormalizeImageNet normalizes images shaped [batch_size, height, width, 3], with values from 0 to 1, using
// the ImageNet channels mean and standard deviation.
func NormalizeImageNet(images *Node) *Node {
	g := images.Graph()
	dtype := images.DType()
	mean := ConvertDType(Reshape(Const(g, ImageNetMean), 1, 1, 1, 3), dtype)
	stddev := ConvertDType(Reshape(Const(g, ImageNetStdDev), 1, 1, 1, 3), dtype)
	return Div(Sub(images, mean), stddev)
}

// OnnxModelGraph uses the ONNX model as a frozen backbone: the images are normalized, converted to channels-first
// and fed to the model. Its output is flattened and used as embeddings for a Head.
func OnnxModelGraph(ctx *context.Context, model *onnx.Model, inputName, outputName string, inputs []*Node) []*Node {
	ctx = ctx.In(ModelScope)
	images := inputs[0]
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("ONNX backbone expects images shaped [batch_size, height, width, 3], got %s", images.Shape())
	}
	x := NormalizeImageNet(images)
	x = TransposeAllDims(x, 0, 3, 1, 2) // Channels first: [batch_size, 3, height, width].
	outputs := model.CallGraph(ctx.In(BackboneScope), g, map[string]*Node{inputName: x}, outputName)
	embeddings := StopGradient(ConvertDType(outputs[0], images.DType()))
	embeddings = Reshape(embeddings, batchSize, -1)
	return []*Node{Head(ctx, embeddings)}
}
