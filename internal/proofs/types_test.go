package proofs

import (
	"encoding/json"
	"strings"
	"testing"

	"TrustProof-Chain/internal/ebsl"
)

func TestPriorityJSON(t *testing.T) {
	var p Priority
	if err := json.Unmarshal([]byte(`"high"`), &p); err != nil || p != PriorityHigh {
		t.Fatalf("unexpected priority %v err %v", p, err)
	}
	if err := json.Unmarshal([]byte(`3`), &p); err != nil || p != PriorityCritical {
		t.Fatalf("numeric priority not accepted: %v %v", p, err)
	}
	if err := json.Unmarshal([]byte(`"urgent"`), &p); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
	if err := json.Unmarshal([]byte(`0`), &p); err != nil || p != PriorityLow {
		t.Fatalf("numeric level 0 should be LOW: %v %v", p, err)
	}
	var zero Priority
	if zero != PriorityNormal || zero.Level() != 1 {
		t.Fatalf("zero priority should be NORMAL, got %v", zero)
	}
	raw, _ := json.Marshal(PriorityLow)
	if string(raw) != `"LOW"` {
		t.Fatalf("unexpected encoding %s", raw)
	}
}

func TestRequestCloneIsDeep(t *testing.T) {
	threshold := int64(700000)
	req := &Request{
		ID:        "r1",
		Threshold: &threshold,
		Result:    &Result{Proof: []float64{1, 2}},
	}
	clone := req.Clone()
	*clone.Threshold = 1
	clone.Result.Proof[0] = 99
	if *req.Threshold != 700000 || req.Result.Proof[0] != 1 {
		t.Fatalf("clone shares state with original")
	}
	if (&Request{}).ThresholdOrDefault() != DefaultThreshold {
		t.Fatalf("default threshold not applied")
	}
}

func TestHashFormatAndSensitivity(t *testing.T) {
	opinion := ebsl.Opinion{Belief: 0.5, Disbelief: 0.3, Uncertainty: 0.2, BaseRate: 0.5}
	h := Hash([]float64{1, 2, 3}, opinion)
	if len(h) != 66 || !strings.HasPrefix(h, "0x") {
		t.Fatalf("unexpected hash format %s", h)
	}
	if Hash([]float64{1, 2, 3}, opinion) != h {
		t.Fatalf("hash is not deterministic")
	}
	if Hash([]float64{1, 2, 4}, opinion) == h {
		t.Fatalf("hash ignores proof elements")
	}
	opinion.BaseRate = 0.6
	if Hash([]float64{1, 2, 3}, opinion) == h {
		t.Fatalf("hash ignores opinion")
	}
}
