package proofs

import (
	"fmt"
	"math"

	"TrustProof-Chain/internal/ebsl"
)

const opinionScale = 1e6

// Hash 计算证明与融合观点的完整性摘要。
//
// 对 proof 以及放大 1e6 倍的 belief、disbelief、uncertainty、base_rate
// 依次做 h = h*31 + round(v)（uint64 溢出回绕），输出 0x 加 64 位十六进制。
// 该摘要只用于检测篡改，不是密码学承诺。
func Hash(proof []float64, opinion ebsl.Opinion) string {
	var h uint64
	add := func(v float64) {
		h = h*31 + uint64(int64(math.Round(v)))
	}
	for _, v := range proof {
		add(v)
	}
	add(opinion.Belief * opinionScale)
	add(opinion.Disbelief * opinionScale)
	add(opinion.Uncertainty * opinionScale)
	add(opinion.BaseRate * opinionScale)
	return fmt.Sprintf("0x%064x", h)
}
