package resolver

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/substitution"
	"github.com/leifmarkthaler/gleitzeit/task"
)

// ErrCycle is returned by New when a workflow's tasks (explicit
// dependencies plus references derived from substitution params) form
// a cycle, making the workflow unschedulable.
var ErrCycle = errors.New("dependency cycle detected")

// ErrUnknownDependency is returned by New when a task declares a
// dependency, explicit or implicit, on a task id not present in the
// same workflow.
var ErrUnknownDependency = errors.New("dependency on unknown task")

// Resolver tracks one workflow's dependency DAG and the live set of
// in-degree counts Kahn's algorithm consumes as tasks complete.
//
// Resolver is not safe for concurrent use; callers serialize access to
// a given workflow's Resolver (the execution engine does this per
// workflow).
type Resolver struct {
	graph    map[uuid.UUID][]uuid.UUID // dependency -> dependents
	inDegree map[uuid.UUID]int
	ids      map[uuid.UUID]struct{}
}

// New builds a Resolver over tasks, merging each task's explicit
// Dependencies with implicit dependencies discovered in its Params via
// substitution.References. It returns ErrUnknownDependency if any
// dependency does not name another task in tasks, and ErrCycle if the
// resulting graph is not a DAG.
func New(tasks []*task.Task) (*Resolver, error) {
	r := &Resolver{
		graph:    make(map[uuid.UUID][]uuid.UUID),
		inDegree: make(map[uuid.UUID]int),
		ids:      make(map[uuid.UUID]struct{}, len(tasks)),
	}
	for _, t := range tasks {
		r.ids[t.Id] = struct{}{}
		r.inDegree[t.Id] = 0
	}

	for _, t := range tasks {
		deps := mergeDeps(t.Dependencies, substitution.References(t.Params))
		for _, dep := range deps {
			if _, ok := r.ids[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.Id, dep)
			}
			r.graph[dep] = append(r.graph[dep], t.Id)
			r.inDegree[t.Id]++
		}
	}

	if err := r.checkAcyclic(); err != nil {
		return nil, err
	}
	return r, nil
}

func mergeDeps(explicit, implicit []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(explicit)+len(implicit))
	out := make([]uuid.UUID, 0, len(explicit)+len(implicit))
	for _, id := range explicit {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range implicit {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// checkAcyclic runs Kahn's algorithm over a scratch copy of in-degree
// counts without mutating r's live state, to validate the graph at
// construction time.
func (r *Resolver) checkAcyclic() error {
	degree := make(map[uuid.UUID]int, len(r.inDegree))
	for id, d := range r.inDegree {
		degree[id] = d
	}
	var queue []uuid.UUID
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range r.graph[id] {
			degree[dependent]--
			if degree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(r.ids) {
		return ErrCycle
	}
	return nil
}

// AllIds returns every task id tracked by this Resolver, in no
// particular order. The execution engine uses it under
// StopOnFirstFailure to cascade-skip the whole workflow rather than
// only the failed task's dependents.
func (r *Resolver) AllIds() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}

// Ready returns the ids of tasks with no outstanding dependencies,
// i.e. the workflow's initial dispatch set.
func (r *Resolver) Ready() []uuid.UUID {
	var out []uuid.UUID
	for id, d := range r.inDegree {
		if d == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Complete records that taskId finished successfully, decrementing
// its dependents' in-degree, and returns the dependents that became
// newly ready (in-degree reached zero) as a result.
func (r *Resolver) Complete(taskId uuid.UUID) []uuid.UUID {
	var newlyReady []uuid.UUID
	for _, dependent := range r.graph[taskId] {
		r.inDegree[dependent]--
		if r.inDegree[dependent] == 0 {
			newlyReady = append(newlyReady, dependent)
		}
	}
	return newlyReady
}

// CascadeSkip walks every transitive dependent of failedTaskId and
// returns their ids in breadth-first order, for the caller to mark
// Skipped. It does not itself mutate task state or consult the
// workflow's failure strategy — the engine calls CascadeSkip when the
// workflow's strategy is SkipDependents or ContinueOnError, and uses
// every task id instead under StopOnFirstFailure.
func (r *Resolver) CascadeSkip(failedTaskId uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	visited := map[uuid.UUID]struct{}{failedTaskId: {}}
	queue := append([]uuid.UUID(nil), r.graph[failedTaskId]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		out = append(out, id)
		queue = append(queue, r.graph[id]...)
	}
	return out
}
