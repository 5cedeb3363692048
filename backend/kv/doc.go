// Package kv implements backend.Backend against a Redis instance via
// go-redis/v9.
//
// Workflows and tasks are stored as JSON-encoded strings keyed by id.
// The durable queue is modeled with two sorted sets: "queue:live"
// (score = priorityRank*1e12 + enqueue sequence, member = taskId, so
// ties within a rank are broken by the monotonically increasing
// enqueue sequence) and "queue:inflight" (score = lease deadline unix
// nanos, member = taskId), plus a JSON-encoded string of per-entry
// bookkeeping (priority rank, enqueue sequence, attempt count) keyed
// by taskId.
//
// ClaimNext is not a single atomic round trip — go-redis/v9 is used
// here without Lua scripting, matching the dependency's own idiomatic
// client usage rather than reaching for EVAL — so it can race with a
// concurrent claimant between its ZRANGEBYSCORE and ZADD/ZREM calls
// under high contention. This is an accepted limitation for a KV
// backend whose primary purpose in this module is a remote shared
// store option, not a transactional guarantee stronger than the SQL
// backend's.
package kv
