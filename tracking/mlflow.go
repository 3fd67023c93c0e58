package tracking

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTimeout of requests to remote trackers.
const DefaultTimeout = 30 * time.Second

// Limits of the MLflow runs/log-batch API.
const (
	mlflowMaxParamsPerBatch  = 100
	mlflowMaxMetricsPerBatch = 1000
	mlflowMaxParamValueLen   = 6000
)

// RunIDTag is the MLflow tag holding the run id given to StartRun, since MLflow creates its own run ids.
const RunIDTag = "malaria.run_id"

// MLflowTracker logs runs to a remote MLflow tracking server, using its REST API.
type MLflowTracker struct {
	baseURI, experiment, token string
	client                     *http.Client

	mu          sync.Mutex
	mlflowRunID string
	lastStep    int64
}

var _ Tracker = (*MLflowTracker)(nil)

// NewMLflowTracker creates a tracker for the MLflow server at baseURI (e.g. "http://localhost:5000"),
// creating runs in the given experiment (created if it doesn't exist).
//
// If tokenEnv is not empty and the environment variable is set, it is used as the bearer token.
// If timeout is 0, DefaultTimeout is used.
func NewMLflowTracker(baseURI, experiment, tokenEnv string, timeout time.Duration) *MLflowTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var token string
	if tokenEnv != "" {
		token = os.Getenv(tokenEnv)
	}
	return &MLflowTracker{
		baseURI:    strings.TrimSuffix(baseURI, "/"),
		experiment: experiment,
		token:      token,
		client:     &http.Client{Timeout: timeout},
	}
}

// mlflowError is the error body returned by MLflow.
type mlflowError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// call sends a request to the MLflow API endpoint (e.g. "runs/create"). If request is nil it uses GET,
// otherwise POST with the request JSON encoded. The response is decoded into response, if not nil.
func (m *MLflowTracker) call(endpoint string, query url.Values, request, response any) (errorCode string, err error) {
	uri := m.baseURI + "/api/2.0/mlflow/" + endpoint
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	method := http.MethodGet
	var body io.Reader
	if request != nil {
		method = http.MethodPost
		encoded, err := json.Marshal(request)
		if err != nil {
			return "", errors.Wrapf(err, "failed to encode MLflow %s request", endpoint)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create MLflow %s request", endpoint)
	}
	if request != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "MLflow %s request failed", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read MLflow %s response", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var mErr mlflowError
		_ = json.Unmarshal(contents, &mErr)
		return mErr.ErrorCode, errors.Errorf("MLflow %s returned %s: %s %s", endpoint, resp.Status, mErr.ErrorCode, mErr.Message)
	}
	if response != nil && len(contents) > 0 {
		if err := json.Unmarshal(contents, response); err != nil {
			return "", errors.Wrapf(err, "failed to decode MLflow %s response", endpoint)
		}
	}
	return "", nil
}

// experimentID returns the id of the experiment, creating it if needed.
func (m *MLflowTracker) experimentID() (string, error) {
	var getResp struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	errorCode, err := m.call("experiments/get-by-name", url.Values{"experiment_name": {m.experiment}}, nil, &getResp)
	if err == nil {
		return getResp.Experiment.ExperimentID, nil
	}
	if errorCode != "RESOURCE_DOES_NOT_EXIST" {
		return "", err
	}
	var createResp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if _, err = m.call("experiments/create", nil, map[string]any{"name": m.experiment}, &createResp); err != nil {
		return "", err
	}
	klog.V(1).Infof("created MLflow experiment %q (id=%s)", m.experiment, createResp.ExperimentID)
	return createResp.ExperimentID, nil
}

type mlflowKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

func (m *MLflowTracker) StartRun(runID, name string, params map[string]any) error {
	experimentID, err := m.experimentID()
	if err != nil {
		return err
	}
	var createResp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	_, err = m.call("runs/create", nil, map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
		"tags":          []mlflowKeyValue{{Key: RunIDTag, Value: runID}},
	}, &createResp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.mlflowRunID = createResp.Run.Info.RunID
	m.lastStep = 0
	m.mu.Unlock()

	stringParams := ParamsToStrings(params)
	keys := slices.Sorted(maps.Keys(stringParams))
	for start := 0; start < len(keys); start += mlflowMaxParamsPerBatch {
		batch := make([]mlflowKeyValue, 0, mlflowMaxParamsPerBatch)
		for _, key := range keys[start:min(start+mlflowMaxParamsPerBatch, len(keys))] {
			value := stringParams[key]
			value = truncateUTF8(value, mlflowMaxParamValueLen)
			batch = append(batch, mlflowKeyValue{Key: key, Value: value})
		}
		if err := m.logBatch(map[string]any{"params": batch}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MLflowTracker) currentRun() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mlflowRunID == "" {
		return "", errors.New("no run started in MLflow tracker")
	}
	return m.mlflowRunID, nil
}

func (m *MLflowTracker) logBatch(request map[string]any) error {
	runID, err := m.currentRun()
	if err != nil {
		return err
	}
	request["run_id"] = runID
	_, err = m.call("runs/log-batch", nil, request, nil)
	return err
}

func (m *MLflowTracker) logMetrics(step int64, values map[string]float64) error {
	now := time.Now().UnixMilli()
	keys := slices.Sorted(maps.Keys(values))
	for start := 0; start < len(keys); start += mlflowMaxMetricsPerBatch {
		batch := make([]mlflowMetric, 0, mlflowMaxMetricsPerBatch)
		for _, key := range keys[start:min(start+mlflowMaxMetricsPerBatch, len(keys))] {
			batch = append(batch, mlflowMetric{Key: key, Value: values[key], Timestamp: now, Step: step})
		}
		if err := m.logBatch(map[string]any{"metrics": batch}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MLflowTracker) LogMetrics(step int64, values map[string]float64) error {
	m.mu.Lock()
	m.lastStep = max(m.lastStep, step)
	m.mu.Unlock()
	return m.logMetrics(step, values)
}

// SetSummary logs the values as metrics at the last step logged: MLflow shows the latest value of each
// metric as its summary.
func (m *MLflowTracker) SetSummary(values map[string]float64) error {
	m.mu.Lock()
	step := m.lastStep
	m.mu.Unlock()
	return m.logMetrics(step, values)
}

func (m *MLflowTracker) Finish(status Status) error {
	runID, err := m.currentRun()
	if err != nil {
		return err
	}
	_, err = m.call("runs/update", nil, map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}, nil)
	return err
}

func (m *MLflowTracker) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

// truncateUTF8 cuts value to at most maxLen bytes, without splitting a multi-byte character.
func truncateUTF8(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	end := maxLen
	for end > 0 && !utf8.RuneStart(value[end]) {
		end--
	}
	return value[:end]
}
