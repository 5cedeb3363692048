package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

// Store implements backend.Backend using a bun-backed relational
// database. It performs atomic queue-claim transitions with a single
// UPDATE ... RETURNING statement.
type Store struct {
	db *bun.DB
}

// New returns a Store backed by db. The caller must have already run
// InitDB against db.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying *bun.DB.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *Store) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	_, err := s.db.NewInsert().Model(fromWorkflow(w)).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return backend.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	var wm workflowModel
	err := s.db.NewSelect().Model(&wm).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, dbsql.ErrNoRows) {
			return nil, backend.ErrNotFound
		}
		return nil, err
	}
	return wm.toWorkflow(), nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	res, err := s.db.NewUpdate().Model(fromWorkflow(w)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return backend.ErrNotFound
	}
	return nil
}

func (s *Store) ListWorkflows(ctx context.Context, filter backend.WorkflowFilter) ([]*workflow.Workflow, error) {
	var models []*workflowModel
	query := s.db.NewSelect().Model(&models)
	if filter.Status != 0 {
		query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query.Limit(filter.Limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*workflow.Workflow, len(models))
	for i, m := range models {
		out[i] = m.toWorkflow()
	}
	return out, nil
}

func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.NewInsert().Model(fromTask(t)).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return backend.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	var tm taskModel
	err := s.db.NewSelect().Model(&tm).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, dbsql.ErrNoRows) {
			return nil, backend.ErrNotFound
		}
		return nil, err
	}
	return tm.toTask(), nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	res, err := s.db.NewUpdate().Model(fromTask(t)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return backend.ErrNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*task.Task, error) {
	var models []*taskModel
	query := s.db.NewSelect().Model(&models)
	if filter.WorkflowId != uuid.Nil {
		query.Where("workflow_id = ?", filter.WorkflowId)
	}
	if filter.Status != 0 {
		query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query.Limit(filter.Limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*task.Task, len(models))
	for i, m := range models {
		out[i] = m.toTask()
	}
	return out, nil
}

func (s *Store) Enqueue(ctx context.Context, taskId uuid.UUID, priorityRank int) error {
	_, err := s.db.NewInsert().Model(&queueEntryModel{
		TaskId:       taskId,
		PriorityRank: priorityRank,
	}).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return backend.ErrAlreadyExists
	}
	return err
}

// ClaimNext selects up to batch entries eligible for claim — not
// in-flight, or in-flight with an expired lease — ordered by
// (priority_rank, enqueue_seq), and atomically marks them in-flight
// with a fresh lease. A single UPDATE ... WHERE enqueue_seq IN
// (subquery) ... RETURNING avoids the select/transition race.
func (s *Store) ClaimNext(ctx context.Context, batch int, lock time.Duration) ([]*backend.QueueEntry, error) {
	now := time.Now()
	lockUntil := now.Add(lock)
	subQuery := s.db.NewSelect().
		Model((*queueEntryModel)(nil)).
		Column("enqueue_seq").
		WhereGroup("AND", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where("in_flight = ?", false).
				WhereOr("in_flight = ? AND locked_until < ?", true, now)
		}).
		Order("priority_rank ASC", "enqueue_seq ASC").
		Limit(batch)

	var models []*queueEntryModel
	err := s.db.NewUpdate().
		Model((*queueEntryModel)(nil)).
		Set("in_flight = ?", true).
		Set("attempts = attempts + 1").
		Set("locked_until = ?", lockUntil).
		Where("enqueue_seq IN (?)", subQuery).
		Returning("*").
		Scan(ctx, &models)
	if err != nil {
		return nil, err
	}
	out := make([]*backend.QueueEntry, len(models))
	for i, m := range models {
		out[i] = m.toEntry()
	}
	return out, nil
}

func (s *Store) ExtendClaim(ctx context.Context, entry *backend.QueueEntry, lock time.Duration) error {
	until := time.Now().Add(lock)
	res, err := s.db.NewUpdate().
		Model((*queueEntryModel)(nil)).
		Set("locked_until = ?", until).
		Where("task_id = ?", entry.TaskId).
		Where("in_flight = ?", true).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return backend.ErrClaimLost
	}
	entry.LockedUntil = &until
	return nil
}

func (s *Store) Ack(ctx context.Context, entry *backend.QueueEntry) error {
	res, err := s.db.NewDelete().
		Model((*queueEntryModel)(nil)).
		Where("task_id = ?", entry.TaskId).
		Where("in_flight = ?", true).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return backend.ErrClaimLost
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, entry *backend.QueueEntry, delay time.Duration) error {
	query := s.db.NewUpdate().Model((*queueEntryModel)(nil))
	if delay > 0 {
		until := time.Now().Add(delay)
		query.Set("locked_until = ?", until)
	} else {
		query.Set("in_flight = ?", false).Set("locked_until = NULL")
	}
	res, err := query.
		Where("task_id = ?", entry.TaskId).
		Where("in_flight = ?", true).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return backend.ErrClaimLost
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, taskId uuid.UUID) error {
	_, err := s.db.NewDelete().
		Model((*queueEntryModel)(nil)).
		Where("task_id = ?", taskId).
		Exec(ctx)
	return err
}

func (s *Store) LoadPending(ctx context.Context) ([]*backend.QueueEntry, error) {
	var models []*queueEntryModel
	err := s.db.NewSelect().
		Model(&models).
		Order("priority_rank ASC", "enqueue_seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*backend.QueueEntry, len(models))
	for i, m := range models {
		out[i] = m.toEntry()
	}
	return out, nil
}

// isUniqueViolation recognizes dialect-specific unique-constraint
// errors (sqlite3 and pq both surface them as plain strings rather
// than a shared typed error) without importing both drivers' error
// packages directly.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
