// Package api exposes the TrustProof REST interface: reputation scoring,
// asynchronous proof generation and lookup, queue and metrics snapshots, and
// worker registration for the proof worker pool.
package api
