// Package attestation provides the sources that supply trust attestations to
// the fusion engine: a static in-memory set, a JSON file, a remote HTTP
// endpoint and a fallback wrapper that substitutes a deterministic mock set
// when the underlying transport fails.
package attestation
