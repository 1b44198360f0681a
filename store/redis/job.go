package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

// Create stores the record as a Hash and indexes it.
func (s *Store) Create(ctx context.Context, r *job.Record) error {
	key := jobKey(r.ID.String())

	txf := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("imgdispatch/redis: create check exists: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", imgdispatch.ErrJobAlreadyExists, r.ID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, recordToMap(r))
			pipe.SAdd(ctx, queuesKey, r.Queue)
			index(ctx, pipe, r)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("%w: %s", imgdispatch.ErrJobAlreadyExists, r.ID)
	case errors.Is(err, imgdispatch.ErrJobAlreadyExists):
		return err
	default:
		return fmt.Errorf("imgdispatch/redis: create job: %w", err)
	}
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return getRecord(ctx, s.client, jobKey(jobID.String()))
}

// CompareAndSwapState applies mut under WATCH. A concurrent write to the
// record aborts EXEC and surfaces as ErrStoreConflict.
func (s *Store) CompareAndSwapState(ctx context.Context, jobID id.JobID, expected job.State, mut job.Mutation) (*job.Record, error) {
	key := jobKey(jobID.String())

	var next *job.Record
	txf := func(tx *goredis.Tx) error {
		cur, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}

		n, err := job.Apply(cur, expected, mut, s.now())
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, recordToMap(n))
			unindex(ctx, pipe, cur)
			index(ctx, pipe, n)
			return nil
		})
		if err != nil {
			return err
		}
		next = n
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return nil, fmt.Errorf("%w: %s changed during swap", imgdispatch.ErrStoreConflict, jobID)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ListByState reads the state index up to before, oldest first.
func (s *Store) ListByState(ctx context.Context, state job.State, before time.Time, limit int) ([]*job.Record, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMicro(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, stateKey(string(state)), by).Result()
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/redis: list by state: %w", err)
	}

	records := make([]*job.Record, 0, len(ids))
	for _, jID := range ids {
		r, getErr := getRecord(ctx, s.client, jobKey(jID))
		if getErr != nil {
			// Removed or re-indexed between the range read and the fetch.
			continue
		}
		if r.State != state {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Count sums the cardinality of the matching index sets.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	states := job.AllStates
	if opts.State != "" {
		states = []job.State{opts.State}
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.IntCmd, 0, len(states))
	for _, st := range states {
		if opts.Queue != "" {
			cmds = append(cmds, pipe.ZCard(ctx, queueStateKey(opts.Queue, string(st))))
		} else {
			cmds = append(cmds, pipe.ZCard(ctx, stateKey(string(st))))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("imgdispatch/redis: count: %w", err)
	}

	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ── helpers ──

func indexScore(r *job.Record) float64 {
	return float64(r.IndexTime().UnixMicro())
}

func index(ctx context.Context, pipe goredis.Pipeliner, r *job.Record) {
	z := goredis.Z{Score: indexScore(r), Member: r.ID.String()}
	pipe.ZAdd(ctx, stateKey(string(r.State)), z)
	pipe.ZAdd(ctx, queueStateKey(r.Queue, string(r.State)), z)
}

func unindex(ctx context.Context, pipe goredis.Pipeliner, r *job.Record) {
	pipe.ZRem(ctx, stateKey(string(r.State)), r.ID.String())
	pipe.ZRem(ctx, queueStateKey(r.Queue, string(r.State)), r.ID.String())
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func getRecord(ctx context.Context, c hashReader, key string) (*job.Record, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", imgdispatch.ErrJobNotFound, key)
	}
	return mapToRecord(vals)
}

// recordToMap renders every field, empty ones included, so HSET clears
// values a mutation removed.
func recordToMap(r *job.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":               r.ID.String(),
		"kind":             string(r.Kind),
		"queue":            r.Queue,
		"state":            string(r.State),
		"input_ref":        r.InputRef,
		"params":           marshalJSON(r.Params),
		"not_before":       formatTime(r.NotBefore),
		"retry_at":         formatTimePtr(r.RetryAt),
		"attempt_count":    strconv.Itoa(r.AttemptCount),
		"max_attempts":     strconv.Itoa(r.MaxAttempts),
		"result":           marshalResult(r.Result),
		"error":            r.Error,
		"last_error":       r.LastError,
		"worker_id":        r.WorkerID.String(),
		"cancel_requested": strconv.FormatBool(r.CancelRequested),
		"started_at":       formatTimePtr(r.StartedAt),
		"completed_at":     formatTimePtr(r.CompletedAt),
		"heartbeat_at":     formatTimePtr(r.HeartbeatAt),
		"created_at":       formatTime(r.CreatedAt),
		"updated_at":       formatTime(r.UpdatedAt),
		"version":          strconv.FormatInt(r.Version, 10),
	}
}

func mapToRecord(m map[string]string) (*job.Record, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/redis: parse job id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempt_count"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])         //nolint:errcheck // best-effort parse from trusted Redis data
	version, _ := strconv.ParseInt(m["version"], 10, 64)      //nolint:errcheck // best-effort parse from trusted Redis data
	cancelReq, _ := strconv.ParseBool(m["cancel_requested"]) //nolint:errcheck // best-effort parse from trusted Redis data

	r := &job.Record{
		ID:              jID,
		Kind:            job.Kind(m["kind"]),
		Queue:           m["queue"],
		State:           job.State(m["state"]),
		InputRef:        m["input_ref"],
		NotBefore:       parseTime(m["not_before"]),
		RetryAt:         parseTimePtr(m["retry_at"]),
		AttemptCount:    attempts,
		MaxAttempts:     maxAttempts,
		Error:           m["error"],
		LastError:       m["last_error"],
		CancelRequested: cancelReq,
		StartedAt:       parseTimePtr(m["started_at"]),
		CompletedAt:     parseTimePtr(m["completed_at"]),
		HeartbeatAt:     parseTimePtr(m["heartbeat_at"]),
		CreatedAt:       parseTime(m["created_at"]),
		UpdatedAt:       parseTime(m["updated_at"]),
		Version:         version,
	}

	if err := json.Unmarshal([]byte(m["params"]), &r.Params); err != nil {
		return nil, fmt.Errorf("imgdispatch/redis: parse params of %s: %w", jID, err)
	}
	if v := m["result"]; v != "" {
		var res job.Result
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, fmt.Errorf("imgdispatch/redis: parse result of %s: %w", jID, err)
		}
		r.Result = &res
	}
	if wid := m["worker_id"]; wid != "" {
		r.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return r, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseTime(v)
	return &t
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for plain structs
	return string(b)
}

func marshalResult(r *job.Result) string {
	if r == nil {
		return ""
	}
	return marshalJSON(r)
}
