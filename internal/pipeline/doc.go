// Package pipeline drives a proof request end to end: access and rate-limit
// checks, proof cache lookup, queueing, dispatch to the worker pool with
// retry/fallback/resource recovery, validation, tamper detection, persistence
// and audit logging.
//
// A Pipeline must be started with Run before Generate can make progress;
// Submit only enqueues and returns the request ID.
package pipeline
