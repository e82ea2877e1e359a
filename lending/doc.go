// Package lending holds the shared vocabulary of the library lending system:
// the Borrow lifecycle (RESERVED, ACTIVE, RETURNED, FAILED), catalog and membership entities,
// the denormalized views a borrow fans out to, the error taxonomy, and dependency-free
// observability interfaces that storage engines and services accept as options.
//
// The storage contract lives in package storage; the lifecycle engine lives in package borrowing.
package lending
