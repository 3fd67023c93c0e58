// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking logs training runs (parameters, metrics over time and a final summary) to one or more
// experiment-tracking backends: a local SQLite store, a remote MLflow tracking server or Redis.
package tracking

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Status of a run.
type Status string

const (
	Running  Status = "RUNNING"
	Finished Status = "FINISHED"
	Failed   Status = "FAILED"
	Killed   Status = "KILLED"
)

// Tracker records one run at a time.
type Tracker interface {
	// StartRun starts a new run, identified by runID (see NewRunID), with the given parameters.
	StartRun(runID, name string, params map[string]any) error

	// LogMetrics logs the values of the metrics at the given global step.
	LogMetrics(step int64, values map[string]float64) error

	// SetSummary sets the final values of the run, typically the evaluation results.
	SetSummary(values map[string]float64) error

	// Finish marks the run with the final status.
	Finish(status Status) error

	// Close releases the resources of the tracker.
	Close() error
}

// NewRunID returns a new unique run id.
func NewRunID() string {
	return uuid.NewString()
}

// Run describes a tracked run.
type Run struct {
	ID, Name           string
	Status             Status
	StartTime, EndTime time.Time
}

// MetricPoint is one logged value of a metric.
type MetricPoint struct {
	Step      int64
	Value     float64
	Timestamp time.Time
}

const (
	// ParamTracking is a comma-separated list of backends to track the runs: "sqlite", "mlflow", "redis".
	// Use "none" (or empty) to disable tracking.
	ParamTracking = "tracking"

	// ParamSQLitePath is the path of the SQLite tracking store. If empty, it defaults to "runs.db" in the
	// data directory.
	ParamSQLitePath = "tracking_sqlite_path"

	// ParamMLflowURI is the base URI of the MLflow tracking server, e.g.: "http://localhost:5000".
	ParamMLflowURI = "tracking_mlflow_uri"

	// ParamMLflowExperiment is the name of the MLflow experiment where runs are created.
	ParamMLflowExperiment = "tracking_mlflow_experiment"

	// ParamMLflowTokenEnv is the name of the environment variable holding the MLflow bearer token, if any.
	ParamMLflowTokenEnv = "tracking_mlflow_token_env"

	// ParamRedisAddr is the address ("host:port") of the Redis server.
	ParamRedisAddr = "tracking_redis_addr"

	// ParamEvalSteps is how often, in steps, the metrics are evaluated and logged.
	ParamEvalSteps = "tracking_eval_steps"

	DefaultSQLiteFile       = "runs.db"
	DefaultMLflowExperiment = "malaria"
	DefaultMLflowTokenEnv   = "MLFLOW_TRACKING_TOKEN"
	DefaultRedisAddr        = "localhost:6379"
)

// ValidBackends that can be listed in Config.Backends.
var ValidBackends = []string{"sqlite", "mlflow", "redis"}

// Config of the trackers to use.
type Config struct {
	Backends         []string      `yaml:"backends" validate:"dive,oneof=sqlite mlflow redis"`
	SQLitePath       string        `yaml:"sqlite_path"`
	MLflowURI        string        `yaml:"mlflow_uri" validate:"omitempty,url"`
	MLflowExperiment string        `yaml:"mlflow_experiment"`
	MLflowTokenEnv   string        `yaml:"mlflow_token_env"`
	RedisAddr        string        `yaml:"redis_addr"`
	Timeout          time.Duration `yaml:"-"`
}

// ParseBackends splits a comma-separated list of backends, dropping empty entries and "none".
func ParseBackends(list string) ([]string, error) {
	var backends []string
	for _, b := range strings.Split(list, ",") {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" || b == "none" {
			continue
		}
		if !slices.Contains(ValidBackends, b) {
			return nil, errors.Errorf("unknown tracking backend %q, valid values are %q or \"none\"", b, ValidBackends)
		}
		if !slices.Contains(backends, b) {
			backends = append(backends, b)
		}
	}
	return backends, nil
}

// ConfigFromContext creates the Config from the context hyperparameters.
// An empty ParamSQLitePath is replaced by defaultSQLitePath.
func ConfigFromContext(ctx *context.Context, defaultSQLitePath string) (*Config, error) {
	backends, err := ParseBackends(context.GetParamOr(ctx, ParamTracking, "sqlite"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Backends:         backends,
		SQLitePath:       context.GetParamOr(ctx, ParamSQLitePath, ""),
		MLflowURI:        context.GetParamOr(ctx, ParamMLflowURI, ""),
		MLflowExperiment: context.GetParamOr(ctx, ParamMLflowExperiment, DefaultMLflowExperiment),
		MLflowTokenEnv:   context.GetParamOr(ctx, ParamMLflowTokenEnv, DefaultMLflowTokenEnv),
		RedisAddr:        context.GetParamOr(ctx, ParamRedisAddr, DefaultRedisAddr),
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	return cfg, nil
}

// FromConfig creates the trackers configured. It returns NoOp if no backend is configured, and
// a Multi tracker if more than one is.
func FromConfig(cfg *Config) (Tracker, error) {
	var trackers []Tracker
	closeAll := func() {
		for _, t := range trackers {
			_ = t.Close()
		}
	}
	for _, backend := range cfg.Backends {
		var t Tracker
		var err error
		switch backend {
		case "sqlite":
			if cfg.SQLitePath == "" {
				err = errors.New("sqlite tracking requires a path to the database file")
				break
			}
			t, err = NewSQLiteTracker(cfg.SQLitePath)
		case "mlflow":
			if cfg.MLflowURI == "" {
				err = errors.Errorf("mlflow tracking requires %q to be set", ParamMLflowURI)
				break
			}
			t = NewMLflowTracker(cfg.MLflowURI, cfg.MLflowExperiment, cfg.MLflowTokenEnv, cfg.Timeout)
		case "redis":
			t, err = NewRedisTracker(cfg.RedisAddr, cfg.Timeout)
		default:
			err = errors.Errorf("unknown tracking backend %q", backend)
		}
		if err != nil {
			closeAll()
			return nil, errors.WithMessagef(err, "failed to create %q tracker", backend)
		}
		klog.V(1).Infof("tracking runs with %q", backend)
		trackers = append(trackers, t)
	}
	switch len(trackers) {
	case 0:
		return NoOp{}, nil
	case 1:
		return trackers[0], nil
	}
	return Multi(trackers...), nil
}

// ParamsToStrings converts the parameter values to strings.
func ParamsToStrings(params map[string]any) map[string]string {
	converted := make(map[string]string, len(params))
	for key, value := range params {
		converted[key] = fmt.Sprint(value)
	}
	return converted
}

// ContextParams returns all the hyperparameters of the context. Parameters in the root scope are keyed by
// their name, the others by their absolute path (e.g. "/model/layers").
func ContextParams(ctx *context.Context) map[string]any {
	params := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			key = context.JoinScope(scope, key)
		}
		params[key] = value
	})
	return params
}

// NoOp tracker does nothing.
type NoOp struct{}

var _ Tracker = NoOp{}

func (NoOp) StartRun(string, string, map[string]any) error { return nil }
func (NoOp) LogMetrics(int64, map[string]float64) error    { return nil }
func (NoOp) SetSummary(map[string]float64) error           { return nil }
func (NoOp) Finish(Status) error                           { return nil }
func (NoOp) Close() error                                  { return nil }

// multi fans out to several trackers.
type multi []Tracker

// Multi returns a Tracker that forwards every call to all the given trackers. All trackers are called
// even if some fail, and the first error is returned.
func Multi(trackers ...Tracker) Tracker {
	return multi(trackers)
}

func (m multi) each(fn func(t Tracker) error) error {
	var firstErr error
	for _, t := range m {
		if err := fn(t); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				klog.Errorf("tracking error: %v", err)
			}
		}
	}
	return firstErr
}

func (m multi) StartRun(runID, name string, params map[string]any) error {
	return m.each(func(t Tracker) error { return t.StartRun(runID, name, params) })
}

func (m multi) LogMetrics(step int64, values map[string]float64) error {
	return m.each(func(t Tracker) error { return t.LogMetrics(step, values) })
}

func (m multi) SetSummary(values map[string]float64) error {
	return m.each(func(t Tracker) error { return t.SetSummary(values) })
}

func (m multi) Finish(status Status) error {
	return m.each(func(t Tracker) error { return t.Finish(status) })
}

func (m multi) Close() error {
	return m.each(func(t Tracker) error { return t.Close() })
}
