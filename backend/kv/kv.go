package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

const (
	workflowKeyPrefix = "gleitzeit:workflow:"
	taskKeyPrefix     = "gleitzeit:task:"
	queueLiveKey      = "gleitzeit:queue:live"
	queueInflightKey  = "gleitzeit:queue:inflight"
	queueMetaPrefix   = "gleitzeit:queue:meta:"
	queueSeqKey       = "gleitzeit:queue:seq"
)

// Store implements backend.Backend against Redis.
type Store struct {
	rdb *redis.Client
}

// New returns a Store using rdb as its connection.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close closes the underlying redis.Client.
func (s *Store) Close(ctx context.Context) error {
	return s.rdb.Close()
}

type queueMeta struct {
	PriorityRank int    `json:"priority_rank"`
	EnqueueSeq   int64  `json:"enqueue_seq"`
	Attempts     uint32 `json:"attempts"`
}

// score packs priorityRank (coarse ordering) and enqueueSeq (FIFO
// tiebreaker) into a single float64 sortable score: the rank is scaled
// by 1e12 and the sequence added, so a lower priority rank sorts before
// any enqueue sequence difference while the sequence stays below 1e12.
func score(priorityRank int, enqueueSeq int64) float64 {
	return float64(priorityRank)*1e12 + float64(enqueueSeq)
}

func (s *Store) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	key := workflowKeyPrefix + w.Id.String()
	ok, err := s.rdb.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return backend.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	data, err := s.rdb.Get(ctx, workflowKeyPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrNotFound
		}
		return nil, mapErr(err)
	}
	var w workflow.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendCorrupted, err)
	}
	return &w, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	key := workflowKeyPrefix + w.Id.String()
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return mapErr(err)
	}
	if exists == 0 {
		return backend.ErrNotFound
	}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return mapErr(s.rdb.Set(ctx, key, data, 0).Err())
}

// ListWorkflows scans every workflow key. Redis is not the intended
// backend for administrative listing at scale; this is a best-effort
// SCAN, acceptable for the KV backend's role as a remote shared store
// for small-to-medium deployments.
func (s *Store) ListWorkflows(ctx context.Context, filter backend.WorkflowFilter) ([]*workflow.Workflow, error) {
	var out []*workflow.Workflow
	iter := s.rdb.Scan(ctx, 0, workflowKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var w workflow.Workflow
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		if filter.Status != 0 && w.Status != filter.Status {
			continue
		}
		out = append(out, &w)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, iter.Err()
}

func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := taskKeyPrefix + t.Id.String()
	ok, err := s.rdb.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return backend.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	data, err := s.rdb.Get(ctx, taskKeyPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrNotFound
		}
		return nil, mapErr(err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendCorrupted, err)
	}
	return &t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	key := taskKeyPrefix + t.Id.String()
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return mapErr(err)
	}
	if exists == 0 {
		return backend.ErrNotFound
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return mapErr(s.rdb.Set(ctx, key, data, 0).Err())
}

func (s *Store) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*task.Task, error) {
	var out []*task.Task
	iter := s.rdb.Scan(ctx, 0, taskKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		if filter.WorkflowId != uuid.Nil && t.WorkflowId != filter.WorkflowId {
			continue
		}
		if filter.Status != 0 && t.Status != filter.Status {
			continue
		}
		out = append(out, &t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, iter.Err()
}

func (s *Store) Enqueue(ctx context.Context, taskId uuid.UUID, priorityRank int) error {
	member := taskId.String()
	metaKey := queueMetaPrefix + member

	exists, err := s.rdb.Exists(ctx, metaKey).Result()
	if err != nil {
		return mapErr(err)
	}
	if exists != 0 {
		return backend.ErrAlreadyExists
	}

	seq, err := s.rdb.Incr(ctx, queueSeqKey).Result()
	if err != nil {
		return mapErr(err)
	}
	meta := queueMeta{PriorityRank: priorityRank, EnqueueSeq: seq}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, metaKey, data, 0)
	pipe.ZAdd(ctx, queueLiveKey, redis.Z{Score: score(priorityRank, seq), Member: member})
	_, err = pipe.Exec(ctx)
	return mapErr(err)
}

func (s *Store) loadMeta(ctx context.Context, taskId uuid.UUID) (*queueMeta, error) {
	data, err := s.rdb.Get(ctx, queueMetaPrefix+taskId.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrClaimLost
		}
		return nil, mapErr(err)
	}
	var meta queueMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendCorrupted, err)
	}
	return &meta, nil
}

func (s *Store) saveMeta(ctx context.Context, taskId uuid.UUID, meta *queueMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return mapErr(s.rdb.Set(ctx, queueMetaPrefix+taskId.String(), data, 0).Err())
}

// ClaimNext first reclaims entries whose lease in queue:inflight has
// expired, then pops the lowest-scoring remaining entries from
// queue:live, moving each into queue:inflight with a fresh lease.
func (s *Store) ClaimNext(ctx context.Context, batch int, lock time.Duration) ([]*backend.QueueEntry, error) {
	now := time.Now()
	var out []*backend.QueueEntry

	expired, err := s.rdb.ZRangeByScore(ctx, queueInflightKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()), Count: int64(batch),
	}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	for _, member := range expired {
		if len(out) >= batch {
			break
		}
		entry, err := s.reclaim(ctx, member, lock, now)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}

	for len(out) < batch {
		members, err := s.rdb.ZPopMin(ctx, queueLiveKey, int64(batch-len(out))).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		if len(members) == 0 {
			break
		}
		for _, z := range members {
			member := z.Member.(string)
			entry, err := s.reclaim(ctx, member, lock, now)
			if err != nil {
				continue
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) reclaim(ctx context.Context, member string, lock time.Duration, now time.Time) (*backend.QueueEntry, error) {
	taskId, err := uuid.Parse(member)
	if err != nil {
		return nil, err
	}
	meta, err := s.loadMeta(ctx, taskId)
	if err != nil {
		return nil, err
	}
	meta.Attempts++
	until := now.Add(lock)

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, queueLiveKey, member)
	pipe.ZAdd(ctx, queueInflightKey, redis.Z{Score: float64(until.UnixNano()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapErr(err)
	}
	if err := s.saveMeta(ctx, taskId, meta); err != nil {
		return nil, err
	}
	return &backend.QueueEntry{
		TaskId:       taskId,
		PriorityRank: meta.PriorityRank,
		EnqueueSeq:   meta.EnqueueSeq,
		Attempts:     meta.Attempts,
		LockedUntil:  &until,
	}, nil
}

func (s *Store) ExtendClaim(ctx context.Context, entry *backend.QueueEntry, lock time.Duration) error {
	member := entry.TaskId.String()
	if _, err := s.rdb.ZScore(ctx, queueInflightKey, member).Result(); err != nil {
		return backend.ErrClaimLost
	}
	until := time.Now().Add(lock)
	if err := s.rdb.ZAdd(ctx, queueInflightKey, redis.Z{Score: float64(until.UnixNano()), Member: member}).Err(); err != nil {
		return mapErr(err)
	}
	entry.LockedUntil = &until
	return nil
}

func (s *Store) Ack(ctx context.Context, entry *backend.QueueEntry) error {
	member := entry.TaskId.String()
	removed, err := s.rdb.ZRem(ctx, queueInflightKey, member).Result()
	if err != nil {
		return mapErr(err)
	}
	if removed == 0 {
		return backend.ErrClaimLost
	}
	return mapErr(s.rdb.Del(ctx, queueMetaPrefix+member).Err())
}

func (s *Store) Nack(ctx context.Context, entry *backend.QueueEntry, delay time.Duration) error {
	member := entry.TaskId.String()
	removed, err := s.rdb.ZRem(ctx, queueInflightKey, member).Result()
	if err != nil {
		return mapErr(err)
	}
	if removed == 0 {
		return backend.ErrClaimLost
	}
	if delay > 0 {
		until := time.Now().Add(delay)
		return mapErr(s.rdb.ZAdd(ctx, queueInflightKey, redis.Z{Score: float64(until.UnixNano()), Member: member}).Err())
	}
	meta, err := s.loadMeta(ctx, entry.TaskId)
	if err != nil {
		return err
	}
	return mapErr(s.rdb.ZAdd(ctx, queueLiveKey, redis.Z{Score: score(meta.PriorityRank, meta.EnqueueSeq), Member: member}).Err())
}

func (s *Store) Remove(ctx context.Context, taskId uuid.UUID) error {
	member := taskId.String()
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, queueLiveKey, member)
	pipe.ZRem(ctx, queueInflightKey, member)
	pipe.Del(ctx, queueMetaPrefix+member)
	_, err := pipe.Exec(ctx)
	return mapErr(err)
}

func (s *Store) LoadPending(ctx context.Context) ([]*backend.QueueEntry, error) {
	var out []*backend.QueueEntry
	for _, key := range []string{queueLiveKey, queueInflightKey} {
		members, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, z := range members {
			taskId, err := uuid.Parse(z.Member.(string))
			if err != nil {
				continue
			}
			meta, err := s.loadMeta(ctx, taskId)
			if err != nil {
				continue
			}
			entry := &backend.QueueEntry{
				TaskId:       taskId,
				PriorityRank: meta.PriorityRank,
				EnqueueSeq:   meta.EnqueueSeq,
				Attempts:     meta.Attempts,
			}
			if key == queueInflightKey {
				until := time.Unix(0, int64(z.Score))
				entry.LockedUntil = &until
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityRank != out[j].PriorityRank {
			return out[i].PriorityRank < out[j].PriorityRank
		}
		return out[i].EnqueueSeq < out[j].EnqueueSeq
	})
	return out, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return backend.ErrNotFound
	}
	return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
}
