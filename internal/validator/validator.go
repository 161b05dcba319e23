package validator

import (
	"fmt"
	"math"
	"strings"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

const (
	hashLength   = 66
	minProofSize = 5
	maxProofSize = 20
	sumTolerance = ebsl.ResultEpsilon
)

// Result 汇总一次校验的错误与警告，只有 Errors 为空时才视为有效。
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *Result) fail(msg string) { r.Errors = append(r.Errors, msg) }
func (r *Result) warn(msg string) { r.Warnings = append(r.Warnings, msg) }
func (r *Result) finish() Result {
	r.Valid = len(r.Errors) == 0
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	return *r
}

// Err 将无效的校验结果转换为 PROOF_VALIDATION_FAILED 错误。
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return xerrors.New(xerrors.TypeProofValidationFailed, strings.Join(r.Errors, "; "),
		xerrors.WithMetadata("errors", fmt.Sprint(len(r.Errors))))
}

// Validator 是无状态的证明校验器。
type Validator struct{}

// New 返回校验器。
func New() *Validator { return &Validator{} }

// ValidateProof 检查证明结构、公开输入、哈希格式与融合观点。
func (v *Validator) ValidateProof(result proofs.Result) Result {
	var r Result

	switch n := len(result.Proof); {
	case result.Proof == nil:
		r.fail("proof data is missing")
	case n == 0:
		r.fail("proof array is empty")
	default:
		if n > maxProofSize {
			r.warn("proof size is unusually large")
		}
		if n < minProofSize {
			r.warn("proof size is unusually small")
		}
	}

	switch {
	case result.PublicInputs == nil:
		r.fail("public inputs are missing")
	case len(result.PublicInputs) == 0:
		r.fail("public inputs array is empty")
	}

	switch {
	case result.Hash == "":
		r.fail("proof hash is missing")
	case !strings.HasPrefix(result.Hash, "0x"):
		r.fail("proof hash must start with '0x'")
	case len(result.Hash) != hashLength:
		r.warn("proof hash length is non-standard")
	}

	o := result.FusedOpinion
	if o == (ebsl.Opinion{}) {
		r.fail("fused opinion is missing")
	} else {
		for _, c := range []float64{o.Belief, o.Disbelief, o.Uncertainty, o.BaseRate} {
			if math.IsNaN(c) || c < 0 || c > 1 {
				r.fail("fused opinion values must be between 0 and 1")
				break
			}
		}
		if sum := o.Sum(); math.Abs(sum-1) > sumTolerance {
			r.fail(fmt.Sprintf("fused opinion components must sum to 1 (got %.4f)", sum))
		}
	}
	return r.finish()
}

// ValidateForSubmission 在结构校验通过后，额外检查链上提交要求的数值范围。
func (v *Validator) ValidateForSubmission(result proofs.Result) Result {
	base := v.ValidateProof(result)
	if !base.Valid {
		return base
	}
	r := Result{Warnings: base.Warnings}
	for _, e := range result.Proof {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			r.fail("proof contains non-finite elements")
			break
		}
		if e < 0 {
			r.fail("proof contains negative elements")
			break
		}
	}
	for _, in := range result.PublicInputs {
		if math.IsNaN(in) || math.IsInf(in, 0) {
			r.fail("public inputs contain non-finite values")
			break
		}
	}
	return r.finish()
}

// DetectTampering 重新计算哈希，与 originalHash 不一致时返回 true。
func (v *Validator) DetectTampering(originalHash string, proof []float64, opinion ebsl.Opinion) bool {
	return v.ComputeProofHash(proof, opinion) != originalHash
}

// ComputeProofHash 与 worker 使用相同的算法计算完整性哈希。
func (v *Validator) ComputeProofHash(proof []float64, opinion ebsl.Opinion) string {
	return proofs.Hash(proof, opinion)
}
