// Package storetest provides a conformance suite for storage.Store implementations.
//
// Every engine runs the same suite, so the lending services can rely on identical semantics for
// conditional batches, merge-on-write, partition ordering and age scans regardless of the backend.
package storetest
