package ebsl

import (
	"fmt"
	"math"

	xerrors "TrustProof-Chain/internal/errors"
)

// evidencePrior 是观点与证据互换时使用的无信息先验权重 W。
const evidencePrior = 2.0

// accumulator 把加权观点累加为证据总量。
//
// 非教条观点按权重贡献正负证据 r = W*b/u, s = W*d/u。
// 教条观点（u 近似 0）证据无穷大，一旦出现，结果取它们的加权平均且 u = 0。
type accumulator struct {
	positive float64
	negative float64

	dogmaticBelief    float64
	dogmaticDisbelief float64
	dogmaticWeight    float64

	baseRateSum float64
	weight      float64
	count       int
}

func (a *accumulator) add(o Opinion, w float64) {
	a.count++
	if w <= 0 {
		return
	}
	a.weight += w
	a.baseRateSum += w * o.BaseRate
	if o.Uncertainty < certaintyEpsilon {
		a.dogmaticBelief += w * o.Belief
		a.dogmaticDisbelief += w * o.Disbelief
		a.dogmaticWeight += w
		return
	}
	a.positive += w * evidencePrior * o.Belief / o.Uncertainty
	a.negative += w * evidencePrior * o.Disbelief / o.Uncertainty
}

func (a *accumulator) opinion() Opinion {
	if a.weight <= 0 {
		return Vacuous()
	}
	baseRate := a.baseRateSum / a.weight
	if a.dogmaticWeight > 0 {
		return Opinion{
			Belief:    a.dogmaticBelief / a.dogmaticWeight,
			Disbelief: a.dogmaticDisbelief / a.dogmaticWeight,
			BaseRate:  baseRate,
		}.normalize()
	}
	denom := a.positive + a.negative + evidencePrior
	return Opinion{
		Belief:      a.positive / denom,
		Disbelief:   a.negative / denom,
		Uncertainty: evidencePrior / denom,
		BaseRate:    baseRate,
	}.normalize()
}

func validateWeight(w float64) error {
	if math.IsNaN(w) || w < 0 || w > 1 {
		return xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("权重 %v 超出 [0,1]", w))
	}
	return nil
}

// FuseOpinions 按给定权重融合两个观点。
// 权重为 0 的观点不参与贡献；两者都为 0 时返回空观点。
func FuseOpinions(a, b Opinion, wa, wb float64) (Opinion, error) {
	for _, o := range []Opinion{a, b} {
		if err := o.Validate(); err != nil {
			return Opinion{}, err
		}
	}
	for _, w := range []float64{wa, wb} {
		if err := validateWeight(w); err != nil {
			return Opinion{}, err
		}
	}
	var acc accumulator
	acc.add(a, wa)
	acc.add(b, wb)
	return acc.opinion(), nil
}

// FuseMultipleOpinions 从左到右折叠证明，每个观点按证明权重加权。
// 中间状态保存累计证据，因此结果与证明顺序无关。
func FuseMultipleOpinions(attestations []Attestation) (Opinion, error) {
	var acc accumulator
	for i, att := range attestations {
		if err := att.Opinion.Validate(); err != nil {
			return Opinion{}, xerrors.Wrap(xerrors.TypeInvalidArgument, err, fmt.Sprintf("attestation %d", i))
		}
		if err := validateWeight(att.Weight); err != nil {
			return Opinion{}, xerrors.Wrap(xerrors.TypeInvalidArgument, err, fmt.Sprintf("attestation %d", i))
		}
		acc.add(att.Opinion, att.Weight)
	}
	return acc.opinion(), nil
}

// FuseSubjectiveOpinions 以等权重融合观点。
func FuseSubjectiveOpinions(opinions []Opinion) (Opinion, error) {
	var acc accumulator
	for i, o := range opinions {
		if err := o.Validate(); err != nil {
			return Opinion{}, xerrors.Wrap(xerrors.TypeInvalidArgument, err, fmt.Sprintf("opinion %d", i))
		}
		acc.add(o, 1)
	}
	return acc.opinion(), nil
}

// PartitionAttestations 将证明切分为不超过 maxSize 的连续分块。
func PartitionAttestations(attestations []Attestation, maxSize int) [][]Attestation {
	if maxSize <= 0 {
		maxSize = DefaultMaxPartitionSize
	}
	partitions := make([][]Attestation, 0, (len(attestations)+maxSize-1)/maxSize)
	for start := 0; start < len(attestations); start += maxSize {
		end := start + maxSize
		if end > len(attestations) {
			end = len(attestations)
		}
		partitions = append(partitions, attestations[start:end:end])
	}
	return partitions
}
