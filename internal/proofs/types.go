package proofs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
)

// Priority 决定请求的出队顺序，数值越大越先处理。零值为 NORMAL。
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Level 返回对外使用的数值等级：LOW=0 … CRITICAL=3，用于 JSON 数值与数据库列。
func (p Priority) Level() int { return int(p) + 1 }

// PriorityFromLevel 是 Level 的逆运算。
func PriorityFromLevel(level int) (Priority, bool) {
	p := Priority(level - 1)
	_, ok := priorityNames[p]
	return p, ok
}

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority 解析优先级名称，空字符串视为 NORMAL。
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityNormal, xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("未知的优先级: %s", s))
}

// MarshalJSON 以名称形式输出优先级。
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON 同时接受名称与数值。
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed, ok := PriorityFromLevel(n)
		if !ok {
			return xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("未知的优先级: %d", n))
		}
		*p = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status 表示证明请求在生命周期中的状态。
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type 指定证明的语义：精确分数或是否超过阈值。
type Type string

const (
	TypeExact     Type = "exact"
	TypeThreshold Type = "threshold"
)

// Valid 判断证明类型是否受支持。
func (t Type) Valid() bool {
	return t == TypeExact || t == TypeThreshold
}

// DefaultThreshold 为阈值证明未指定阈值时使用的分数（1e6 刻度）。
const DefaultThreshold int64 = 600000

// Result 是 worker 返回的证明结果。
type Result struct {
	Proof        []float64    `json:"proof"`
	PublicInputs []float64    `json:"public_inputs"`
	Hash         string       `json:"hash"`
	FusedOpinion ebsl.Opinion `json:"fused_opinion"`
}

// Clone 返回深拷贝。
func (r Result) Clone() Result {
	out := r
	out.Proof = append([]float64(nil), r.Proof...)
	out.PublicInputs = append([]float64(nil), r.PublicInputs...)
	return out
}

// Request 描述一次排队中的证明生成请求。
type Request struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id,omitempty"`
	Priority            Priority           `json:"priority"`
	Attestations        []ebsl.Attestation `json:"attestations"`
	ProofType           Type               `json:"proof_type"`
	Threshold           *int64             `json:"threshold,omitempty"`
	CircuitType         string             `json:"circuit_type,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	StartedAt           *time.Time         `json:"started_at,omitempty"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	Status              Status             `json:"status"`
	Progress            float64            `json:"progress"`
	EstimatedDurationMs int64              `json:"estimated_duration_ms,omitempty"`
	Result              *Result            `json:"result,omitempty"`
	Error               string             `json:"error,omitempty"`
	ErrorType           string             `json:"error_type,omitempty"`
}

// Clone 返回深拷贝，调用方可以随意修改。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Attestations = append([]ebsl.Attestation(nil), r.Attestations...)
	if r.Threshold != nil {
		v := *r.Threshold
		out.Threshold = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}
	if r.Result != nil {
		v := r.Result.Clone()
		out.Result = &v
	}
	return &out
}

// ThresholdOrDefault 返回请求的阈值，未设置时返回 DefaultThreshold。
func (r *Request) ThresholdOrDefault() int64 {
	if r == nil || r.Threshold == nil {
		return DefaultThreshold
	}
	return *r.Threshold
}
