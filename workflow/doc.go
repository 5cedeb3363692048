// Package workflow defines the DAG-of-tasks unit submitted to and
// observed from the gleitzeit kernel.
//
// A Workflow owns its tasks for their entire lifetime, from submission
// until every task reaches a terminal status. Task ordering within a
// Workflow is advisory only; actual execution order is derived from
// each task's dependencies by package resolver.
package workflow
