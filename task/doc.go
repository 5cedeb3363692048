// Package task defines the stateful representation of a unit of work
// scheduled by the gleitzeit kernel.
//
// A Task is one invocation of a <protocol>/<verb> method, identified by
// a stable Id and owned by exactly one workflow. Unlike the submitted
// task descriptor a caller provides, Task carries the state-machine
// fields (Status, AttemptCount, timestamps, Result/Error) maintained by the
// scheduler and execution engine.
//
// Task values returned from a Backend are snapshots of storage state.
// Mutating them directly does not change the underlying persisted
// state; transitions must be performed through the Backend interface.
package task
