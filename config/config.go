// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads experiment configuration files (YAML) and applies them to the context hyperparameters.
//
// Example:
//
//	name: inception-finetune
//	tags: [inception, augmentation]
//	params:
//	  model: inception
//	  train_steps: 5000
//	  learning_rate: 0.0001
//	  /model/head/head_dropout_rate: 0.3
//	tracking:
//	  backends: [sqlite, mlflow]
//	  mlflow_uri: http://localhost:5000
package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/malaria/tracking"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Experiment configuration.
type Experiment struct {
	// Name of the experiment, used as the name of the tracked runs.
	Name string `yaml:"name" validate:"required"`

	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags" validate:"dive,required"`

	// Params are hyperparameters to set in the context. Keys can be scoped with absolute paths,
	// e.g. "/model/head/head_dropout_rate".
	Params map[string]any `yaml:"params"`

	// Tracking configuration, converted to the "tracking*" hyperparameters.
	Tracking *tracking.Config `yaml:"tracking"`
}

// Load reads and validates the experiment configuration from the YAML file.
func Load(filePath string) (*Experiment, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read experiment configuration %q", filePath)
	}
	exp, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "experiment configuration %q", filePath)
	}
	return exp, nil
}

// Parse and validate the experiment configuration.
func Parse(contents []byte) (*Experiment, error) {
	exp := &Experiment{}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(exp); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate the experiment configuration.
func (e *Experiment) Validate() error {
	if err := validator.New().Struct(e); err != nil {
		return errors.Wrap(err, "invalid experiment configuration")
	}
	if e.Tracking != nil && slices.Contains(e.Tracking.Backends, "mlflow") && e.Tracking.MLflowURI == "" {
		return errors.New("invalid experiment configuration: tracking with mlflow requires mlflow_uri")
	}
	return nil
}

// TrackingParams returns the hyperparameters corresponding to the tracking configuration. Empty fields
// are omitted.
func (e *Experiment) TrackingParams() map[string]any {
	params := make(map[string]any)
	t := e.Tracking
	if t == nil {
		return params
	}
	if len(t.Backends) == 0 {
		params[tracking.ParamTracking] = "none"
	} else {
		params[tracking.ParamTracking] = strings.Join(t.Backends, ",")
	}
	for key, value := range map[string]string{
		tracking.ParamSQLitePath:       t.SQLitePath,
		tracking.ParamMLflowURI:        t.MLflowURI,
		tracking.ParamMLflowExperiment: t.MLflowExperiment,
		tracking.ParamMLflowTokenEnv:   t.MLflowTokenEnv,
		tracking.ParamRedisAddr:        t.RedisAddr,
	} {
		if value != "" {
			params[key] = value
		}
	}
	return params
}

// ApplyParams sets the experiment params and tracking configuration in the context. Every param must already
// be defined, with its default value, in the root scope of ctx: its value is converted to the type of the default.
//
// It returns the list of params set, sorted, in the same format as commandline.ParseContextSettings.
func (e *Experiment) ApplyParams(ctx *context.Context) ([]string, error) {
	all := make(map[string]any, len(e.Params))
	for key, value := range e.TrackingParams() {
		all[key] = value
	}
	for key, value := range e.Params {
		all[key] = value
	}
	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, paramPath := range keys {
		scope, name := context.SplitScope(paramPath)
		defaultValue, found := ctx.GetParam(name)
		if !found {
			return nil, errors.Errorf("unknown param %q in experiment configuration", paramPath)
		}
		value, err := ConvertToTypeOf(all[paramPath], defaultValue)
		if err != nil {
			return nil, errors.WithMessagef(err, "param %q", paramPath)
		}
		ctxInScope := ctx
		if scope != "" {
			ctxInScope = ctx.InAbsPath(scope)
		}
		ctxInScope.SetParam(name, value)
	}
	return keys, nil
}

// ConvertToTypeOf converts a value decoded from YAML to the type of defaultValue.
func ConvertToTypeOf(value, defaultValue any) (any, error) {
	switch defaultValue.(type) {
	case int:
		switch v := value.(type) {
		case int:
			return v, nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
	case float64:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case float64:
			return v, nil
		}
	case float32:
		switch v := value.(type) {
		case int:
			return float32(v), nil
		case float64:
			return float32(v), nil
		}
	case bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case string:
		switch v := value.(type) {
		case string:
			return v, nil
		case int, float64, bool:
			return fmt.Sprint(v), nil
		}
	case []int:
		return convertList(value, func(v any) (int, bool) {
			switch n := v.(type) {
			case int:
				return n, true
			case float64:
				return int(n), n == float64(int(n))
			}
			return 0, false
		})
	case []float64:
		return convertList(value, func(v any) (float64, bool) {
			switch n := v.(type) {
			case int:
				return float64(n), true
			case float64:
				return n, true
			}
			return 0, false
		})
	case []string:
		return convertList(value, func(v any) (string, bool) {
			s, ok := v.(string)
			return s, ok
		})
	default:
		return nil, errors.Errorf("don't know how to convert to type %T", defaultValue)
	}
	return nil, errors.Errorf("value %#v (%T) can't be converted to %T", value, value, defaultValue)
}

func convertList[T any](value any, convertFn func(v any) (T, bool)) ([]T, error) {
	list, ok := value.([]any)
	if !ok {
		var zero T
		return nil, errors.Errorf("value %#v (%T) is not a list of %T", value, value, zero)
	}
	converted := make([]T, len(list))
	for ii, v := range list {
		if converted[ii], ok = convertFn(v); !ok {
			return nil, errors.Errorf("element #%d (%#v) of list can't be converted to %T", ii, v, converted[ii])
		}
	}
	return converted, nil
}
