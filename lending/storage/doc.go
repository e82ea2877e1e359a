// Package storage defines the contract between the lending services and a partition-oriented store.
//
// The store is modeled after wide-column databases: every table is split into partitions, a partition
// holds rows ordered by a clustering key, and the empty clustering key addresses the partition's static row.
// Only three kinds of writes exist:
//
//   - Write: an unconditional, idempotent upsert of one row.
//   - Delete: an idempotent removal of one row.
//   - ConditionalWrite: a Batch of mutations confined to ONE partition that applies atomically
//     if, and only if, all of its conditions hold. This is the only linearizable primitive.
//
// There is no cross-partition atomicity and no cross-table transaction. ScanOlderThan lists rows of a
// table by age and exists for small bookkeeping tables like the pending fan-out index, not for full scans.
//
// Implementations live in the sub-packages memstore, sqlstore and redisstore.
// All of them share the value codec in this package, so a Row reads the same regardless of the engine.
package storage
