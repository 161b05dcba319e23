package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"TrustProof-Chain/sdk/go/trustproof"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "trustproofd base url")
	flag.Parse()

	client, err := trustproof.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	target := "0x2222222222222222222222222222222222222222"
	attestations := []trustproof.Attestation{
		{
			Source:          "0x3333333333333333333333333333333333333333",
			Target:          target,
			Opinion:         trustproof.Opinion{Belief: 0.8, Disbelief: 0.1, Uncertainty: 0.1, BaseRate: 0.5},
			AttestationType: "trust",
			Weight:          1,
		},
		{
			Source:          "0x4444444444444444444444444444444444444444",
			Target:          target,
			Opinion:         trustproof.Opinion{Belief: 0.6, Disbelief: 0.1, Uncertainty: 0.3, BaseRate: 0.5},
			AttestationType: "skill",
			Weight:          0.8,
		},
	}

	rep, err := client.ComputeReputation(ctx, trustproof.ReputationRequest{Address: target, Attestations: attestations})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("reputation of %s: score=%d confidence=%.2f\n", rep.UserAddress, rep.Score, rep.Confidence)

	threshold := int64(500000)
	submitted, err := client.SubmitProof(ctx, trustproof.ProofSubmission{
		UserID:       "demo",
		Attestations: attestations,
		ProofType:    trustproof.ProofThreshold,
		Threshold:    &threshold,
		Priority:     trustproof.PriorityHigh,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted proof request %s (status=%s)\n", submitted.RequestID, submitted.Status)

	done, err := client.WaitForProof(ctx, submitted.RequestID, time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("proof %s completed: hash=%s public_inputs=%v\n", done.ID, done.Result.Hash, done.Result.PublicInputs)
}
