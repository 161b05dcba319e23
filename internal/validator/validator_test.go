package validator

import (
	"math"
	"strings"
	"testing"
	"time"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

func validResult() proofs.Result {
	opinion := ebsl.Opinion{Belief: 0.5, Disbelief: 0.3, Uncertainty: 0.2, BaseRate: 0.5}
	proof := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	return proofs.Result{
		Proof:        proof,
		PublicInputs: []float64{600000},
		Hash:         proofs.Hash(proof, opinion),
		FusedOpinion: opinion,
	}
}

func contains(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestValidateProofAcceptsWellFormedResult(t *testing.T) {
	res := New().ValidateProof(validResult())
	if !res.Valid || len(res.Errors) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", res)
	}
	if res.Err() != nil {
		t.Fatalf("valid result should not produce an error")
	}
}

func TestValidateProofReportsProblems(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*proofs.Result)
		errMsg  string
		warnMsg string
	}{
		{"missing proof", func(r *proofs.Result) { r.Proof = nil }, "missing", ""},
		{"empty proof", func(r *proofs.Result) { r.Proof = []float64{} }, "empty", ""},
		{"small proof", func(r *proofs.Result) { r.Proof = []float64{1, 2} }, "", "unusually small"},
		{"large proof", func(r *proofs.Result) { r.Proof = make([]float64, 21) }, "", "unusually large"},
		{"empty inputs", func(r *proofs.Result) { r.PublicInputs = []float64{} }, "public inputs array is empty", ""},
		{"missing hash", func(r *proofs.Result) { r.Hash = "" }, "hash is missing", ""},
		{"bad prefix", func(r *proofs.Result) { r.Hash = "abc" }, "start with '0x'", ""},
		{"short hash", func(r *proofs.Result) { r.Hash = "0x1234" }, "", "non-standard"},
		{"missing opinion", func(r *proofs.Result) { r.FusedOpinion = ebsl.Opinion{} }, "missing", ""},
		{"out of range", func(r *proofs.Result) { r.FusedOpinion.BaseRate = 1.5 }, "between 0 and 1", ""},
		{"bad sum", func(r *proofs.Result) { r.FusedOpinion.Belief = 0.6 }, "sum to 1 (got 1.1000)", ""},
	}
	for _, tc := range cases {
		r := validResult()
		tc.mutate(&r)
		res := New().ValidateProof(r)
		if tc.errMsg != "" && (res.Valid || !contains(res.Errors, tc.errMsg)) {
			t.Fatalf("%s: expected error %q, got %+v", tc.name, tc.errMsg, res)
		}
		if tc.warnMsg != "" && (!res.Valid || !contains(res.Warnings, tc.warnMsg)) {
			t.Fatalf("%s: expected warning %q only, got %+v", tc.name, tc.warnMsg, res)
		}
	}
}

func TestValidateForSubmission(t *testing.T) {
	v := New()
	r := validResult()
	r.Proof[3] = -1
	res := v.ValidateForSubmission(r)
	if res.Valid || !contains(res.Errors, "negative") {
		t.Fatalf("negative element should be rejected: %+v", res)
	}

	r = validResult()
	r.Proof[0] = math.Inf(1)
	if res := v.ValidateForSubmission(r); res.Valid || !contains(res.Errors, "non-finite elements") {
		t.Fatalf("infinite element should be rejected: %+v", res)
	}

	r = validResult()
	r.PublicInputs[0] = math.NaN()
	res = v.ValidateForSubmission(r)
	if res.Valid || !contains(res.Errors, "public inputs contain non-finite") {
		t.Fatalf("NaN public input should be rejected: %+v", res)
	}
	if xerrors.TypeOf(res.Err()) != xerrors.TypeProofValidationFailed {
		t.Fatalf("unexpected error type: %v", res.Err())
	}

	r = validResult()
	r.Hash = ""
	if res := v.ValidateForSubmission(r); res.Valid || len(res.Errors) != 1 {
		t.Fatalf("structural failure should short-circuit: %+v", res)
	}
}

func TestDetectTampering(t *testing.T) {
	v := New()
	opinion := ebsl.Opinion{Belief: 0.5, Disbelief: 0.3, Uncertainty: 0.2, BaseRate: 0.5}
	hash := v.ComputeProofHash([]float64{1, 2, 3}, opinion)

	if v.DetectTampering(hash, []float64{1, 2, 3}, opinion) {
		t.Fatalf("untouched proof reported as tampered")
	}
	if !v.DetectTampering(hash, []float64{1, 2, 4}, opinion) {
		t.Fatalf("modified proof not detected")
	}
	opinion.Belief = 0.6
	opinion.Disbelief = 0.2
	if !v.DetectTampering(hash, []float64{1, 2, 3}, opinion) {
		t.Fatalf("modified opinion not detected")
	}
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestAccessControlRateLimit(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	ac := NewAccessControl(WithRequestsPerHour(3), WithAccessClock(clock.Now))

	if ac.RemainingRequests("0xAbC") != 3 {
		t.Fatalf("new user should have full quota")
	}
	for i := 0; i < 3; i++ {
		if !ac.CheckRateLimit("0xabc") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ac.CheckRateLimit("0xABC") {
		t.Fatalf("fourth request within the hour should be rejected")
	}
	if ac.RemainingRequests("0xabc") != 0 {
		t.Fatalf("quota should be exhausted")
	}
	if !ac.CheckRateLimit("0xdef") {
		t.Fatalf("limits must be per user")
	}

	clock.now = clock.now.Add(time.Hour)
	if !ac.CheckRateLimit("0xabc") {
		t.Fatalf("quota should refill after an hour")
	}
}

func TestAccessControlAllowList(t *testing.T) {
	ac := NewAccessControl()
	if !ac.HasAccess("anyone") {
		t.Fatalf("empty allow list should admit everyone")
	}
	ac.AllowUser("0xAAA")
	if !ac.HasAccess("0xaaa") || ac.HasAccess("0xbbb") {
		t.Fatalf("allow list not applied")
	}
	ac.RevokeUser("0xaaa")
	if !ac.HasAccess("0xbbb") {
		t.Fatalf("revoking the last user should reopen access")
	}
}

func TestAuditTrailBounded(t *testing.T) {
	trail := NewAuditTrail(2)
	trail.Log(AuditEntry{Action: "proof_requested", RequestID: "r1", UserID: "u1", Success: true})
	trail.Log(AuditEntry{Action: "proof_completed", RequestID: "r1", UserID: "u1", Success: true})
	trail.Log(AuditEntry{Action: "proof_failed", RequestID: "r2", UserID: "u2", Error: "boom"})

	recent := trail.Recent(0)
	if len(recent) != 2 || recent[0].Action != "proof_completed" {
		t.Fatalf("oldest entry should be evicted: %+v", recent)
	}
	if got := trail.ForRequest("r2"); len(got) != 1 || got[0].Error != "boom" {
		t.Fatalf("unexpected request filter result: %+v", got)
	}
	if got := trail.ForUser("u1"); len(got) != 1 {
		t.Fatalf("unexpected user filter result: %+v", got)
	}
	if raw, err := trail.Export(); err != nil || !strings.Contains(string(raw), "proof_failed") {
		t.Fatalf("export failed: %v", err)
	}
	trail.Clear()
	if len(trail.Recent(10)) != 0 {
		t.Fatalf("clear should drop entries")
	}
}
