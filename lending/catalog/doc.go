// Package catalog serves the catalog and membership operations. Every operation is a single-table
// read or write against a view keyed for it; none of them touches available_copies after a book is added.
package catalog
