package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Counters tracks per-status task totals for a workflow. The engine
// sets Total at submission; the per-status counts are not updated as
// tasks change status.
type Counters struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
}

// Workflow is a DAG of tasks submitted and observed as a unit.
//
// Workflow owns the ids of its tasks; the tasks themselves live in the
// backend, keyed by WorkflowId. TaskOrder preserves the order tasks
// were declared in the submission for display purposes only — it is
// never consulted for scheduling.
type Workflow struct {
	Id              uuid.UUID
	Name            string
	Description     string
	FailureStrategy FailureStrategy
	TaskOrder       []uuid.UUID
	Status          Status
	Counters        Counters
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// New creates a Workflow in the Pending state with a freshly generated
// id.
func New(name, description string, strategy FailureStrategy) *Workflow {
	return &Workflow{
		Id:              uuid.New(),
		Name:            name,
		Description:     description,
		FailureStrategy: strategy,
		Status:          Pending,
		CreatedAt:       time.Now(),
	}
}
