// Package ebsl implements evidence-based subjective logic fusion. It turns
// weighted trust attestations into a reputation opinion and score, partitions
// large attestation sets for bounded-cost fusion, and derives the set
// membership commitments used as public inputs of reputation proofs.
package ebsl
