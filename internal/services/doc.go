// Package services is the entry point the rest of the assistant talks to.
//
// Service exposes context retrieval, bulk vectorization, invalidation,
// statistics and change notification over the ingest, retrieval, assemble,
// bulk and staleness packages. Registry builds a Service and every
// component behind it from configuration and owns their shutdown.
package services
