// Package resolver builds a workflow's dependency graph from its
// tasks' explicit Dependencies plus any implicit dependencies derived
// from "${task_id.path}" substitution references in their Params, and
// drives Kahn's-algorithm scheduling over it: computing the initial
// ready set, recomputing newly-ready tasks as dependencies complete,
// detecting cycles up front, and listing a failed task's transitive
// dependents for the engine to skip.
package resolver
