package ebsl

import (
	"fmt"
	"math"

	xerrors "TrustProof-Chain/internal/errors"
)

const (
	// ValidationEpsilon 输入观点求和校验的容差。
	ValidationEpsilon = 1e-6
	// ResultEpsilon 计算结果求和校验的容差。
	ResultEpsilon = 1e-3

	certaintyEpsilon = 1e-9
)

// Opinion 是主观观点：信任、不信任、不确定度与基础率。
type Opinion struct {
	Belief      float64 `json:"belief"`
	Disbelief   float64 `json:"disbelief"`
	Uncertainty float64 `json:"uncertainty"`
	BaseRate    float64 `json:"base_rate"`
}

// Vacuous 返回不含任何证据的空观点。
func Vacuous() Opinion {
	return Opinion{Belief: 0, Disbelief: 0, Uncertainty: 1, BaseRate: 0.5}
}

// Sum 返回 belief + disbelief + uncertainty。
func (o Opinion) Sum() float64 {
	return o.Belief + o.Disbelief + o.Uncertainty
}

// ExpectedValue 返回 belief + uncertainty * base rate。
func (o Opinion) ExpectedValue() float64 {
	return o.Belief + o.Uncertainty*o.BaseRate
}

// Validate 返回观点不合法的原因，合法时返回 nil。
func (o Opinion) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"belief", o.Belief},
		{"disbelief", o.Disbelief},
		{"uncertainty", o.Uncertainty},
		{"base_rate", o.BaseRate},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || f.value < 0 || f.value > 1 {
			return xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("观点分量 %s=%v 超出 [0,1]", f.name, f.value))
		}
	}
	if math.Abs(o.Sum()-1) > ValidationEpsilon {
		return xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("观点分量之和为 %v", o.Sum()))
	}
	return nil
}

// ValidateOpinion 判断 o 是否为合法观点。
func ValidateOpinion(o Opinion) bool {
	return o.Validate() == nil
}

// normalize 将各分量截断到 [0,1]，并缩放 b、d、u 使其和恰为 1。
func (o Opinion) normalize() Opinion {
	o.Belief = clamp01(o.Belief)
	o.Disbelief = clamp01(o.Disbelief)
	o.Uncertainty = clamp01(o.Uncertainty)
	o.BaseRate = clamp01(o.BaseRate)
	sum := o.Sum()
	if sum <= 0 {
		return Opinion{Uncertainty: 1, BaseRate: o.BaseRate}
	}
	o.Belief /= sum
	o.Disbelief /= sum
	o.Uncertainty = 1 - o.Belief - o.Disbelief
	if o.Uncertainty < 0 {
		o.Uncertainty = 0
	}
	return o
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// AttestationType 表示证明声明的类别。
type AttestationType string

const (
	AttestationTrust       AttestationType = "trust"
	AttestationSkill       AttestationType = "skill"
	AttestationVouch       AttestationType = "vouch"
	AttestationEndorsement AttestationType = "endorsement"
)

// Valid 判断 t 是否为已知的证明类型。
func (t AttestationType) Valid() bool {
	switch t {
	case AttestationTrust, AttestationSkill, AttestationVouch, AttestationEndorsement:
		return true
	default:
		return false
	}
}

// Attestation 是 Source 对 Target 的加权信任声明。
// CreatedAt 与 ExpiresAt 为 unix 秒，过期判断由调用方负责。
type Attestation struct {
	Source          string          `json:"source"`
	Target          string          `json:"target"`
	Opinion         Opinion         `json:"opinion"`
	AttestationType AttestationType `json:"attestation_type"`
	Weight          float64         `json:"weight"`
	CreatedAt       int64           `json:"created_at"`
	ExpiresAt       int64           `json:"expires_at"`
}

// Metadata 记录声誉结果的计算方式。
type Metadata struct {
	AlgorithmVersion string            `json:"algorithm_version"`
	OpinionCount     int               `json:"opinion_count"`
	Timestamp        int64             `json:"timestamp"`
	IsPartitioned    bool              `json:"is_partitioned,omitempty"`
	PartitionCount   int               `json:"partition_count,omitempty"`
	IsIncremental    bool              `json:"is_incremental,omitempty"`
	BaseReputation   *ReputationResult `json:"base_reputation,omitempty"`
}

// ReputationResult 是一次声誉计算的结果。
type ReputationResult struct {
	UserAddress string   `json:"user_address"`
	Score       int64    `json:"score"`
	Opinion     Opinion  `json:"opinion"`
	Confidence  float64  `json:"confidence"`
	Metadata    Metadata `json:"computation_metadata"`
}
