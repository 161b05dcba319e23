package ebsl

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"
)

const target = "0x00000000000000000000000000000000000000aa"

func attest(source string, b, d, u, w float64) Attestation {
	return Attestation{
		Source:          source,
		Target:          target,
		Opinion:         Opinion{Belief: b, Disbelief: d, Uncertainty: u, BaseRate: 0.5},
		AttestationType: AttestationTrust,
		Weight:          w,
		CreatedAt:       1700000000,
		ExpiresAt:       1800000000,
	}
}

func randomOpinion(r *rand.Rand) Opinion {
	b := r.Float64()
	d := r.Float64() * (1 - b)
	return Opinion{Belief: b, Disbelief: d, Uncertainty: math.Max(0, 1-b-d), BaseRate: r.Float64()}
}

func TestValidateOpinion(t *testing.T) {
	cases := []struct {
		name string
		o    Opinion
		want bool
	}{
		{"valid", Opinion{0.5, 0.3, 0.2, 0.5}, true},
		{"vacuous", Vacuous(), true},
		{"sum above one", Opinion{0.5, 0.5, 0.1, 0.5}, false},
		{"negative", Opinion{-0.1, 0.6, 0.5, 0.5}, false},
		{"base rate above one", Opinion{0.5, 0.3, 0.2, 1.5}, false},
		{"nan", Opinion{math.NaN(), 0.5, 0.5, 0.5}, false},
	}
	for _, tc := range cases {
		if got := ValidateOpinion(tc.o); got != tc.want {
			t.Fatalf("%s: ValidateOpinion=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFuseOpinionsInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		a, b := randomOpinion(r), randomOpinion(r)
		if i%10 == 0 {
			a = Opinion{Belief: 0.7, Disbelief: 0.3, BaseRate: 0.5}
		}
		wa, wb := r.Float64(), r.Float64()
		fused, err := FuseOpinions(a, b, wa, wb)
		if err != nil {
			t.Fatalf("fuse failed: %v", err)
		}
		if math.Abs(fused.Sum()-1) > 1e-9 {
			t.Fatalf("sum invariant violated: %+v", fused)
		}
		for _, v := range []float64{fused.Belief, fused.Disbelief, fused.Uncertainty, fused.BaseRate} {
			if v < 0 || v > 1 {
				t.Fatalf("component out of range: %+v", fused)
			}
		}
	}
}

func TestFuseOpinionsRejectsInvalidInput(t *testing.T) {
	good := Opinion{0.5, 0.3, 0.2, 0.5}
	if _, err := FuseOpinions(good, Opinion{0.9, 0.9, 0, 0.5}, 1, 1); err == nil {
		t.Fatalf("expected invalid opinion to be rejected")
	}
	if _, err := FuseOpinions(good, good, 1.5, 1); err == nil {
		t.Fatalf("expected weight above one to be rejected")
	}
}

func TestFuseOpinionsWeights(t *testing.T) {
	a := Opinion{0.6, 0.2, 0.2, 0.5}
	b := Opinion{0.1, 0.7, 0.2, 0.5}

	onlyA, err := FuseOpinions(a, b, 1, 0)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	if math.Abs(onlyA.Belief-a.Belief) > 1e-9 || math.Abs(onlyA.Uncertainty-a.Uncertainty) > 1e-9 {
		t.Fatalf("zero weight should drop the second opinion: %+v", onlyA)
	}

	if none, _ := FuseOpinions(a, b, 0, 0); none.Uncertainty != 1 {
		t.Fatalf("all-zero weights should be vacuous: %+v", none)
	}

	both, _ := FuseOpinions(a, b, 1, 1)
	if both.Uncertainty >= a.Uncertainty {
		t.Fatalf("fusing evidence should reduce uncertainty: %+v", both)
	}
}

func TestFuseMultipleCertainOpinionsAverages(t *testing.T) {
	beliefs := []float64{0.4, 0.5, 0.6, 0.7, 0.8}
	var atts []Attestation
	for i, b := range beliefs {
		atts = append(atts, attest(string(rune('a'+i)), b, 1-b, 0, 1))
	}
	fused, err := FuseMultipleOpinions(atts)
	if err != nil {
		t.Fatalf("fuse failed: %v", err)
	}
	if math.Abs(fused.Belief-0.6) > 1e-9 {
		t.Fatalf("expected weighted average belief 0.6, got %v", fused.Belief)
	}
	if math.Abs(fused.Sum()-1) > 1e-9 || fused.Uncertainty != 0 {
		t.Fatalf("unexpected fused opinion %+v", fused)
	}
}

func TestFuseMultipleOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	atts := make([]Attestation, 30)
	for i := range atts {
		atts[i] = Attestation{Target: target, Opinion: randomOpinion(r), Weight: r.Float64()}
	}
	forward, _ := FuseMultipleOpinions(atts)
	reversed := make([]Attestation, len(atts))
	for i := range atts {
		reversed[len(atts)-1-i] = atts[i]
	}
	backward, _ := FuseMultipleOpinions(reversed)
	if math.Abs(forward.Belief-backward.Belief) > 1e-9 || math.Abs(forward.Uncertainty-backward.Uncertainty) > 1e-9 {
		t.Fatalf("fold order changed the result: %+v vs %+v", forward, backward)
	}
}

func TestPartitionAttestations(t *testing.T) {
	atts := make([]Attestation, 45)
	parts := PartitionAttestations(atts, 20)
	if len(parts) != 3 || len(parts[0]) != 20 || len(parts[2]) != 5 {
		t.Fatalf("unexpected partition layout: %d parts", len(parts))
	}
}

func TestComputeReputationPartitionedMatchesDirect(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	atts := make([]Attestation, 120)
	for i := range atts {
		b := 0.4 + r.Float64()*0.25
		u := 0.1 + r.Float64()*0.2
		atts[i] = attest("src", b, 1-b-u, u, 0.8+r.Float64()*0.2)
	}

	engine := NewEngine(WithPartitionThreshold(1000))
	ctx := context.Background()
	direct, err := engine.ComputeReputation(ctx, target, atts, false)
	if err != nil {
		t.Fatalf("direct compute failed: %v", err)
	}
	if direct.Metadata.IsPartitioned {
		t.Fatalf("direct computation should not partition")
	}
	partitioned, err := engine.ComputeReputation(ctx, target, atts, true)
	if err != nil {
		t.Fatalf("partitioned compute failed: %v", err)
	}
	if !partitioned.Metadata.IsPartitioned || partitioned.Metadata.PartitionCount != 6 {
		t.Fatalf("unexpected partition metadata: %+v", partitioned.Metadata)
	}
	if diff := direct.Score - partitioned.Score; diff > 10000 || diff < -10000 {
		t.Fatalf("partitioned score %d too far from direct %d", partitioned.Score, direct.Score)
	}
}

func TestComputeReputationAutoPartitions(t *testing.T) {
	atts := make([]Attestation, 51)
	for i := range atts {
		atts[i] = attest("src", 0.5, 0.3, 0.2, 1)
	}
	res, err := NewEngine().ComputeReputation(context.Background(), target, atts, false)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if !res.Metadata.IsPartitioned || res.Metadata.PartitionCount != 3 {
		t.Fatalf("expected automatic partitioning, got %+v", res.Metadata)
	}
}

func TestComputeReputationFiltersAndEmpty(t *testing.T) {
	engine := NewEngine(WithClock(func() time.Time { return time.UnixMilli(1234) }))
	other := attest("src", 0.9, 0.05, 0.05, 1)
	other.Target = "0x00000000000000000000000000000000000000bb"
	broken := attest("src", 0.9, 0.9, 0.9, 1)

	res, err := engine.ComputeReputation(context.Background(), target, []Attestation{other, broken}, false)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if res.Score != 500000 || res.Confidence != 0 || res.Opinion != Vacuous() {
		t.Fatalf("expected neutral default, got %+v", res)
	}
	if res.Metadata.OpinionCount != 0 || res.Metadata.Timestamp != 1234 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}

	if _, err := engine.ComputeReputation(context.Background(), "  ", nil, false); err == nil {
		t.Fatalf("expected empty address to be rejected")
	}
}

func TestIncrementalUpdate(t *testing.T) {
	engine := NewEngine()
	ctx := context.Background()
	base, err := engine.ComputeReputation(ctx, target, []Attestation{attest("a", 0.6, 0.2, 0.2, 1)}, false)
	if err != nil {
		t.Fatalf("base compute failed: %v", err)
	}

	same, err := engine.IncrementalUpdateReputation(ctx, base, nil, engine.BaseWeight())
	if err != nil || same.Metadata.IsIncremental {
		t.Fatalf("empty update should return base unchanged: %+v %v", same, err)
	}

	updated, err := engine.IncrementalUpdateReputation(ctx, base, []Attestation{attest("b", 0.9, 0.05, 0.05, 1)}, engine.BaseWeight())
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.Metadata.IsIncremental || updated.Metadata.BaseReputation == nil {
		t.Fatalf("expected incremental metadata: %+v", updated.Metadata)
	}
	if updated.Metadata.BaseReputation.Score != base.Score || updated.Metadata.OpinionCount != 2 {
		t.Fatalf("base reputation not retained: %+v", updated.Metadata)
	}
	if updated.Score <= base.Score {
		t.Fatalf("positive evidence should raise the score: %d <= %d", updated.Score, base.Score)
	}

	if _, err := engine.IncrementalUpdateReputation(ctx, base, nil, 1.2); err == nil {
		t.Fatalf("expected out of range base weight to be rejected")
	}
}

func TestOpinionToReputation(t *testing.T) {
	if got := OpinionToReputation(Opinion{0.5, 0.3, 0.2, 0.5}); got != 600000 {
		t.Fatalf("unexpected score %d", got)
	}
	if got := OpinionToReputation(Opinion{1, 0, 0, 0.5}); got != 1000000 {
		t.Fatalf("unexpected score %d", got)
	}
}

func TestComputeConfidence(t *testing.T) {
	certain := Opinion{0.7, 0.3, 0, 0.5}
	if ComputeConfidence(certain, 0) <= ComputeConfidence(Vacuous(), 0) {
		t.Fatalf("certain opinion must be more confident than vacuous")
	}
	prev := -1.0
	for n := 0; n <= 20; n++ {
		c := ComputeConfidence(Opinion{0.5, 0.3, 0.2, 0.5}, n)
		if c < prev {
			t.Fatalf("confidence decreased at count %d", n)
		}
		prev = c
	}
}

func TestSetMembershipInputs(t *testing.T) {
	engine := NewEngine()
	atts := []Attestation{attest("a", 0.6, 0.2, 0.2, 1), attest("b", 0.5, 0.3, 0.2, 0.5)}

	first, err := engine.ComputeSetMembershipInputs(atts, &atts[1])
	if err != nil {
		t.Fatalf("membership failed: %v", err)
	}
	second, _ := engine.ComputeSetMembershipInputs(atts, &atts[1])
	if first.Commitment != second.Commitment || len(first.Commitment) != 66 {
		t.Fatalf("commitment not deterministic: %s vs %s", first.Commitment, second.Commitment)
	}
	if first.MemberHash != first.MemberHashes[1] {
		t.Fatalf("member hash should match its position in the set")
	}

	changed := append([]Attestation(nil), atts...)
	changed[0].Weight = 0.9
	third, _ := engine.ComputeSetMembershipInputs(changed, nil)
	if third.Commitment == first.Commitment || third.MemberHash != "" {
		t.Fatalf("different sets must commit differently")
	}

	retyped := append([]Attestation(nil), atts...)
	retyped[1].AttestationType = AttestationSkill
	if retyped[1].AttestationType == atts[1].AttestationType {
		retyped[1].AttestationType = AttestationTrust
	}
	fourth, _ := engine.ComputeSetMembershipInputs(retyped, &retyped[1])
	if fourth.MemberHash == first.MemberHash || fourth.Commitment == first.Commitment {
		t.Fatalf("attestation type must be part of the member hash")
	}

	if _, err := engine.ComputeSetMembershipInputs(nil, nil); err == nil {
		t.Fatalf("expected empty set to be rejected")
	}
}
