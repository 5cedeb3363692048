package sql

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

type workflowModel struct {
	bun.BaseModel `bun:"table:workflows"`

	Id              uuid.UUID               `bun:"id,pk,type:uuid"`
	Name            string                  `bun:"name,notnull"`
	Description     string                  `bun:"description"`
	FailureStrategy workflow.FailureStrategy `bun:"failure_strategy,notnull,default:0"`
	TaskOrder       []uuid.UUID             `bun:"task_order,type:jsonb"`
	Status          workflow.Status         `bun:"status,notnull,default:0"`
	Total           int                     `bun:"counter_total,notnull,default:0"`
	Completed       int                     `bun:"counter_completed,notnull,default:0"`
	Failed          int                     `bun:"counter_failed,notnull,default:0"`
	Skipped         int                     `bun:"counter_skipped,notnull,default:0"`
	Cancelled       int                     `bun:"counter_cancelled,notnull,default:0"`
	CreatedAt       time.Time               `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	FinishedAt      *time.Time              `bun:"finished_at,nullzero"`
}

func fromWorkflow(w *workflow.Workflow) *workflowModel {
	return &workflowModel{
		Id:              w.Id,
		Name:            w.Name,
		Description:     w.Description,
		FailureStrategy: w.FailureStrategy,
		TaskOrder:       w.TaskOrder,
		Status:          w.Status,
		Total:           w.Counters.Total,
		Completed:       w.Counters.Completed,
		Failed:          w.Counters.Failed,
		Skipped:         w.Counters.Skipped,
		Cancelled:       w.Counters.Cancelled,
		CreatedAt:       w.CreatedAt,
		FinishedAt:      w.FinishedAt,
	}
}

func (wm *workflowModel) toWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Id:              wm.Id,
		Name:            wm.Name,
		Description:     wm.Description,
		FailureStrategy: wm.FailureStrategy,
		TaskOrder:       wm.TaskOrder,
		Status:          wm.Status,
		Counters: workflow.Counters{
			Total:     wm.Total,
			Completed: wm.Completed,
			Failed:    wm.Failed,
			Skipped:   wm.Skipped,
			Cancelled: wm.Cancelled,
		},
		CreatedAt:  wm.CreatedAt,
		FinishedAt: wm.FinishedAt,
	}
}

type taskModel struct {
	bun.BaseModel `bun:"table:tasks"`

	Id             uuid.UUID      `bun:"id,pk,type:uuid"`
	WorkflowId     uuid.UUID      `bun:"workflow_id,notnull,type:uuid"`
	Method         string         `bun:"method,notnull"`
	Params         map[string]any `bun:"params,type:jsonb"`
	Priority       task.Priority  `bun:"priority,notnull,default:1"`
	Dependencies   []uuid.UUID    `bun:"dependencies,type:jsonb"`
	TimeoutSeconds int64          `bun:"timeout_seconds,notnull,default:0"`

	RetryMaxAttempts  uint32        `bun:"retry_max_attempts,notnull,default:1"`
	RetryBackoffBase  time.Duration `bun:"retry_backoff_base,notnull,default:0"`
	RetryBackoffCap   time.Duration `bun:"retry_backoff_cap,notnull,default:0"`
	RetryJitter       bool          `bun:"retry_jitter,notnull,default:false"`

	Status       task.Status    `bun:"status,notnull,default:0"`
	AttemptCount uint32         `bun:"attempt_count,notnull,default:0"`
	Result       map[string]any `bun:"result,type:jsonb"`
	ErrorCode    *string        `bun:"error_code"`
	ErrorMessage *string        `bun:"error_message"`
	ErrorRetry   bool           `bun:"error_retryable,notnull,default:false"`
	ErrorData    map[string]any `bun:"error_data,type:jsonb"`

	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	QueuedAt   *time.Time `bun:"queued_at,nullzero"`
	StartedAt  *time.Time `bun:"started_at,nullzero"`
	FinishedAt *time.Time `bun:"finished_at,nullzero"`
}

func fromTask(t *task.Task) *taskModel {
	tm := &taskModel{
		Id:               t.Id,
		WorkflowId:       t.WorkflowId,
		Method:           t.Method,
		Params:           t.Params,
		Priority:         t.Priority,
		Dependencies:     t.Dependencies,
		TimeoutSeconds:   t.TimeoutSeconds,
		RetryMaxAttempts: t.Retry.MaxAttempts,
		RetryBackoffBase: t.Retry.BackoffBase,
		RetryBackoffCap:  t.Retry.BackoffCap,
		RetryJitter:      t.Retry.Jitter,
		Status:           t.Status,
		AttemptCount:     t.AttemptCount,
		Result:           t.Result,
		CreatedAt:        t.CreatedAt,
		QueuedAt:         t.QueuedAt,
		StartedAt:        t.StartedAt,
		FinishedAt:       t.FinishedAt,
	}
	if t.Error != nil {
		tm.ErrorCode = &t.Error.Code
		tm.ErrorMessage = &t.Error.Message
		tm.ErrorRetry = t.Error.Retryable
		tm.ErrorData = t.Error.Data
	}
	return tm
}

func (tm *taskModel) toTask() *task.Task {
	t := &task.Task{
		Id:             tm.Id,
		WorkflowId:     tm.WorkflowId,
		Method:         tm.Method,
		Params:         tm.Params,
		Priority:       tm.Priority,
		Dependencies:   tm.Dependencies,
		TimeoutSeconds: tm.TimeoutSeconds,
		Retry: task.RetryPolicy{
			MaxAttempts: tm.RetryMaxAttempts,
			BackoffBase: tm.RetryBackoffBase,
			BackoffCap:  tm.RetryBackoffCap,
			Jitter:      tm.RetryJitter,
		},
		Status:       tm.Status,
		AttemptCount: tm.AttemptCount,
		Result:       tm.Result,
		CreatedAt:    tm.CreatedAt,
		QueuedAt:     tm.QueuedAt,
		StartedAt:    tm.StartedAt,
		FinishedAt:   tm.FinishedAt,
	}
	if tm.ErrorCode != nil {
		t.Error = &task.Error{
			Code:      *tm.ErrorCode,
			Message:   *tm.ErrorMessage,
			Retryable: tm.ErrorRetry,
			Data:      tm.ErrorData,
		}
	}
	return t
}

// queueEntryModel's primary key is the autoincrementing EnqueueSeq,
// not TaskId: bun/sqlite only support AUTOINCREMENT on an integer
// primary key, and EnqueueSeq doubles as the FIFO tiebreaker the
// Backend contract requires, so it is the natural surrogate key.
type queueEntryModel struct {
	bun.BaseModel `bun:"table:queue_entries"`

	EnqueueSeq   int64      `bun:"enqueue_seq,pk,autoincrement"`
	TaskId       uuid.UUID  `bun:"task_id,notnull,unique,type:uuid"`
	PriorityRank int        `bun:"priority_rank,notnull"`
	Attempts     uint32     `bun:"attempts,notnull,default:0"`
	InFlight     bool       `bun:"in_flight,notnull,default:false"`
	LockedUntil  *time.Time `bun:"locked_until,nullzero"`
}

func (qm *queueEntryModel) toEntry() *backend.QueueEntry {
	return &backend.QueueEntry{
		TaskId:       qm.TaskId,
		PriorityRank: qm.PriorityRank,
		EnqueueSeq:   qm.EnqueueSeq,
		Attempts:     qm.Attempts,
		LockedUntil:  qm.LockedUntil,
	}
}
