// Package substitution resolves "${task_id.path}" references inside a
// task's Params against the recorded Result trees of its dependency
// tasks.
//
// A reference that is the entire value of a string field is replaced
// by the referenced value as-is, preserving its type (number, bool,
// list, map, ...). A reference embedded inside a larger string is
// stringified and substituted in place, alongside any other text.
// Substitution is a single pass: the output of one reference is never
// itself re-scanned for further references.
package substitution
