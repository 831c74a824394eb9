// Package data defines the request envelopes of the data store: LoadContext
// and ValueLoadContext for reads, CommitContext for writes, and the Query and
// Sort values they carry.
package data
