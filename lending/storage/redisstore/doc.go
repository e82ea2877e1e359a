// Package redisstore is a storage.Store on Redis.
//
// Each partition is one hash whose fields are the clustering keys; rows with an age are also
// indexed in a per-table sorted set. Conditional batches are evaluated in Go against a snapshot
// of the referenced fields and committed with a compare-and-set Lua script that re-checks the
// snapshot atomically, retrying on interference.
package redisstore
