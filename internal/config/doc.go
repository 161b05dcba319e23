// Package config loads the TrustProof runtime configuration from a YAML file,
// applies TRUSTPROOF_* environment overrides and fills in defaults for every
// section (server, logging, ebsl, queue, pool, recovery, metrics, pipeline,
// storage, events and attestations).
package config
