package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/malaria/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
name: inception-finetune
description: Fine-tune the last layers.
tags: [inception, augmentation]
params:
  model: inception
  train_steps: 5000
  learning_rate: 1
  use_augmentation: false
  hidden_layers: [64, 32.0]
  /model/head/dropout_rate: 0.3
tracking:
  backends: [sqlite, mlflow]
  mlflow_uri: http://localhost:5000
  sqlite_path: /tmp/runs.db
`

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"model":                        "cnn",
		"train_steps":                  1000,
		"learning_rate":                0.001,
		"use_augmentation":             true,
		"hidden_layers":                []int{128},
		"dropout_rate":                 0.1,
		tracking.ParamTracking:         "sqlite",
		tracking.ParamSQLitePath:       "",
		tracking.ParamMLflowURI:        "",
		tracking.ParamMLflowExperiment: tracking.DefaultMLflowExperiment,
		tracking.ParamMLflowTokenEnv:   tracking.DefaultMLflowTokenEnv,
		tracking.ParamRedisAddr:        tracking.DefaultRedisAddr,
	})
	return ctx
}

func TestLoadAndApply(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(testConfig), 0644))
	exp, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, "inception-finetune", exp.Name)
	assert.Equal(t, []string{"inception", "augmentation"}, exp.Tags)
	require.NotNil(t, exp.Tracking)
	assert.Equal(t, []string{"sqlite", "mlflow"}, exp.Tracking.Backends)

	ctx := createTestContext()
	paramsSet, err := exp.ApplyParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/model/head/dropout_rate", "hidden_layers", "learning_rate", "model",
		tracking.ParamTracking, tracking.ParamMLflowURI, tracking.ParamSQLitePath,
		"train_steps", "use_augmentation",
	}, paramsSet)

	assert.Equal(t, "inception", context.GetParamOr(ctx, "model", ""))
	assert.Equal(t, 5000, context.GetParamOr(ctx, "train_steps", 0))
	assert.Equal(t, 1.0, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, false, context.GetParamOr(ctx, "use_augmentation", true))
	assert.Equal(t, []int{64, 32}, context.GetParamOr(ctx, "hidden_layers", []int(nil)))
	assert.Equal(t, 0.1, context.GetParamOr(ctx, "dropout_rate", 0.0))
	assert.Equal(t, 0.3, context.GetParamOr(ctx.In("model").In("head"), "dropout_rate", 0.0))
	assert.Equal(t, "sqlite,mlflow", context.GetParamOr(ctx, tracking.ParamTracking, ""))

	trackingCfg, err := tracking.ConfigFromContext(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/runs.db", trackingCfg.SQLitePath)
	assert.Equal(t, "http://localhost:5000", trackingCfg.MLflowURI)
}

func TestParseErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"missing name":       "params: {model: cnn}",
		"unknown field":      "name: x\nepochs: 3",
		"invalid backend":    "name: x\ntracking: {backends: [wandb]}",
		"mlflow without uri": "name: x\ntracking: {backends: [mlflow]}",
		"invalid uri":        "name: x\ntracking: {backends: [mlflow], mlflow_uri: 'not a url'}",
		"empty tag":          "name: x\ntags: ['']",
		"not yaml":           "name: [x",
	} {
		_, err := Parse([]byte(contents))
		assert.Error(t, err, "case %q should fail", name)
	}

	exp, err := Parse([]byte("name: x\ntracking: {backends: []}"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{tracking.ParamTracking: "none"}, exp.TrackingParams())
}

func TestApplyParamsErrors(t *testing.T) {
	ctx := createTestContext()
	_, err := (&Experiment{Name: "x", Params: map[string]any{"epochs": 3}}).ApplyParams(ctx)
	require.Error(t, err)
	_, err = (&Experiment{Name: "x", Params: map[string]any{"train_steps": 1.5}}).ApplyParams(ctx)
	require.Error(t, err)
	_, err = (&Experiment{Name: "x", Params: map[string]any{"use_augmentation": "yes"}}).ApplyParams(ctx)
	require.Error(t, err)
	_, err = (&Experiment{Name: "x", Params: map[string]any{"hidden_layers": []any{"a"}}}).ApplyParams(ctx)
	require.Error(t, err)
}

func TestConvertToTypeOf(t *testing.T) {
	v, err := ConvertToTypeOf(3, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	v, err = ConvertToTypeOf(2.0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	v, err = ConvertToTypeOf(64, "")
	require.NoError(t, err)
	assert.Equal(t, "64", v)
	v, err = ConvertToTypeOf([]any{"a", "b"}, []string{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v)
	v, err = ConvertToTypeOf(0.5, float32(0))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)
	_, err = ConvertToTypeOf(1, struct{}{})
	require.Error(t, err)
}
