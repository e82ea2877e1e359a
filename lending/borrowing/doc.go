// Package borrowing implements the borrow lifecycle on a partitioned store without
// multi-table transactions.
//
// A borrow is a saga. The Coordinator claims a copy with one conditional batch on the
// book's availability partition, which is the only strongly consistent step. The FanOutWriter
// then writes the denormalized views with idempotent writes keyed by the borrow id and flips
// the Borrow to ACTIVE once every view exists. Before touching the ledger the Engine records
// an entry in the pending fan-out index; the Sweeper scans entries older than a grace period
// and converges each borrow: it finishes fan-outs, re-drives returns, and after a bounded
// number of attempts compensates a RESERVED borrow by marking it FAILED and restoring the copy.
package borrowing
