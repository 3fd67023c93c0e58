package tracking

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix of all keys written by RedisTracker.
const RedisKeyPrefix = "malaria:"

// RedisRunsKey is the sorted set of run ids, scored by their start time in milliseconds.
const RedisRunsKey = RedisKeyPrefix + "runs"

// RedisRunKey returns the key of the hash with the run information (name, status, start_time, end_time).
// The params, summary (hashes) and metrics (stream) of the run are stored in the keys with the suffixes
// ":params", ":summary" and ":metrics".
func RedisRunKey(runID string) string {
	return RedisKeyPrefix + "run:" + runID
}

// RedisTracker publishes runs to a Redis server, so they can be followed live by other processes.
type RedisTracker struct {
	client  *redis.Client
	timeout time.Duration

	mu    sync.Mutex
	runID string
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker connects to the Redis server at addr. If timeout is 0, DefaultTimeout is used.
func NewRedisTracker(addr string, timeout time.Duration) (*RedisTracker, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &RedisTracker{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		timeout: timeout,
	}
	ctx, cancel := r.context()
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, errors.Wrapf(err, "failed to connect to Redis at %q", addr)
	}
	return r, nil
}

func (r *RedisTracker) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisTracker) currentRun() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return "", errors.New("no run started in Redis tracker")
	}
	return r.runID, nil
}

func (r *RedisTracker) StartRun(runID, name string, params map[string]any) error {
	ctx, cancel := r.context()
	defer cancel()
	start := time.Now().UnixMilli()
	key := RedisRunKey(runID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"name":       name,
			"status":     string(Running),
			"start_time": start,
		})
		if len(params) > 0 {
			values := make(map[string]any, len(params))
			for k, v := range ParamsToStrings(params) {
				values[k] = v
			}
			pipe.HSet(ctx, key+":params", values)
		}
		pipe.ZAdd(ctx, RedisRunsKey, redis.Z{Score: float64(start), Member: runID})
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to start run %q in Redis", runID)
	}
	r.mu.Lock()
	r.runID = runID
	r.mu.Unlock()
	return nil
}

// LogMetrics adds one entry to the run's metrics stream, with the "step" and the metrics as fields.
func (r *RedisTracker) LogMetrics(step int64, values map[string]float64) error {
	runID, err := r.currentRun()
	if err != nil {
		return err
	}
	ctx, cancel := r.context()
	defer cancel()
	fields := make(map[string]any, len(values)+1)
	for k, v := range values {
		fields[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	fields["step"] = step
	err = r.client.XAdd(ctx, &redis.XAddArgs{Stream: RedisRunKey(runID) + ":metrics", Values: fields}).Err()
	return errors.Wrapf(err, "failed to log metrics of run %q in Redis", runID)
}

func (r *RedisTracker) SetSummary(values map[string]float64) error {
	runID, err := r.currentRun()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := r.context()
	defer cancel()
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	err = r.client.HSet(ctx, RedisRunKey(runID)+":summary", fields).Err()
	return errors.Wrapf(err, "failed to set summary of run %q in Redis", runID)
}

func (r *RedisTracker) Finish(status Status) error {
	runID, err := r.currentRun()
	if err != nil {
		return err
	}
	ctx, cancel := r.context()
	defer cancel()
	err = r.client.HSet(ctx, RedisRunKey(runID), "status", string(status), "end_time", time.Now().UnixMilli()).Err()
	return errors.Wrapf(err, "failed to finish run %q in Redis", runID)
}

func (r *RedisTracker) Close() error {
	return r.client.Close()
}
