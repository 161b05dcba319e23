// Package validator checks generated proofs before they leave the pipeline:
// structural validation, submission-time numeric checks, tamper detection
// against the integrity hash, plus the access-control and audit-trail helpers
// that guard proof generation.
package validator
