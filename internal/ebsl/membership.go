package ebsl

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "TrustProof-Chain/internal/errors"
)

// Hasher 是构造集合成员承诺所用的哈希原语。
type Hasher func(data ...[]byte) []byte

// Keccak256 是默认的 Hasher。
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// MembershipInputs 是集合成员证明的公开输入。
type MembershipInputs struct {
	Commitment   string   `json:"commitment"`
	MemberHashes []string `json:"member_hashes"`
	MemberHash   string   `json:"member_hash,omitempty"`
}

// canonicalAttestation 固定参与哈希的字段顺序。
type canonicalAttestation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"attestation_type"`
	Belief      float64 `json:"belief"`
	Disbelief   float64 `json:"disbelief"`
	Uncertainty float64 `json:"uncertainty"`
	BaseRate    float64 `json:"base_rate"`
	Weight      float64 `json:"weight"`
	CreatedAt   int64   `json:"created_at"`
	ExpiresAt   int64   `json:"expires_at"`
}

func (e *Engine) hashAttestation(att Attestation) ([]byte, error) {
	encoded, err := json.Marshal(canonicalAttestation{
		Source:      att.Source,
		Target:      att.Target,
		Type:        string(att.AttestationType),
		Belief:      att.Opinion.Belief,
		Disbelief:   att.Opinion.Disbelief,
		Uncertainty: att.Opinion.Uncertainty,
		BaseRate:    att.Opinion.BaseRate,
		Weight:      att.Weight,
		CreatedAt:   att.CreatedAt,
		ExpiresAt:   att.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("编码证明失败: %w", err)
	}
	return e.hasher(encoded), nil
}

// ComputeSetMembershipInputs 为证明集合生成承诺：每条证明按规范编码求哈希，
// 承诺为全部成员哈希拼接后的哈希。member 非空时同时返回其哈希。
func (e *Engine) ComputeSetMembershipInputs(attestations []Attestation, member *Attestation) (MembershipInputs, error) {
	if len(attestations) == 0 {
		return MembershipInputs{}, xerrors.New(xerrors.TypeInvalidArgument, "集合成员证明缺少证明数据")
	}

	hashes := make([][]byte, 0, len(attestations))
	inputs := MembershipInputs{MemberHashes: make([]string, 0, len(attestations))}
	for _, att := range attestations {
		h, err := e.hashAttestation(att)
		if err != nil {
			return MembershipInputs{}, err
		}
		hashes = append(hashes, h)
		inputs.MemberHashes = append(inputs.MemberHashes, hexutil.Encode(h))
	}
	inputs.Commitment = hexutil.Encode(e.hasher(hashes...))

	if member != nil {
		h, err := e.hashAttestation(*member)
		if err != nil {
			return MembershipInputs{}, err
		}
		inputs.MemberHash = hexutil.Encode(h)
	}
	return inputs, nil
}
