// Package proofs holds the value types shared by the proof generation
// control plane: request priorities and states, proof types, generated
// results and the integrity hash that binds a proof to its fused opinion.
package proofs
