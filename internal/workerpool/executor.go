package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

// ExecutePath 是 worker 接收证明任务的端点。
const ExecutePath = "/v1/proofs"

// HTTPExecutor 通过 HTTP 将任务发送给 worker 的执行端点。
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor 创建 HTTP 执行器，client 为空时使用默认超时的客户端。
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: DefaultExecutionTimeout}
	}
	return &HTTPExecutor{client: client}
}

type executeRequest struct {
	TaskID       string             `json:"task_id"`
	Attestations []ebsl.Attestation `json:"attestations"`
	ProofType    proofs.Type        `json:"proof_type"`
	Threshold    *int64             `json:"threshold,omitempty"`
	CircuitType  string             `json:"circuit_type,omitempty"`
}

type workerErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// RemoteError 是 worker 返回的结构化错误，携带的类型会被错误分类器直接采用。
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("worker error (%d): %s", e.StatusCode, e.Message)
}

// ProofErrorType 实现 errors.Typed。
func (e *RemoteError) ProofErrorType() string {
	if e.Code != "" {
		return e.Code
	}
	if e.StatusCode >= http.StatusInternalServerError {
		return string(xerrors.TypeAPIError)
	}
	return ""
}

// Execute 实现 Executor。
func (e *HTTPExecutor) Execute(ctx context.Context, worker Worker, task Task) (proofs.Result, error) {
	payload, err := json.Marshal(executeRequest{
		TaskID:       task.ID,
		Attestations: task.Attestations,
		ProofType:    task.ProofType,
		Threshold:    task.Threshold,
		CircuitType:  task.CircuitType,
	})
	if err != nil {
		return proofs.Result{}, xerrors.Wrap(xerrors.TypeInvalidWitnessData, err, "序列化任务失败")
	}

	endpoint := strings.TrimRight(worker.URL, "/") + ExecutePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return proofs.Result{}, xerrors.Wrap(xerrors.TypeInvalidArgument, err, "构造 worker 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return proofs.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return proofs.Result{}, fmt.Errorf("network read failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remote := &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed workerErrorBody
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			remote.Code = parsed.Error.Type
			remote.Message = parsed.Error.Message
		}
		return proofs.Result{}, remote
	}

	var result proofs.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return proofs.Result{}, xerrors.Wrap(xerrors.TypeAPIError, err, "解析 worker 响应失败")
	}
	return result, nil
}

// SimulatedExecutor 在本地融合观点并生成模拟证明，用于开发与测试。
type SimulatedExecutor struct {
	Delay       time.Duration
	FailureRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedExecutor 创建模拟执行器，seed 固定时输出可复现。
func NewSimulatedExecutor(delay time.Duration, failureRate float64, seed int64) *SimulatedExecutor {
	return &SimulatedExecutor{Delay: delay, FailureRate: failureRate, rnd: rand.New(rand.NewSource(seed))}
}

// Execute 实现 Executor。
func (e *SimulatedExecutor) Execute(ctx context.Context, _ Worker, task Task) (proofs.Result, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return proofs.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if e.roll() < e.FailureRate {
		return proofs.Result{}, xerrors.New(xerrors.TypeProofGenerationFailed, "模拟 worker 执行失败")
	}
	return BuildResult(task, e.randomElement)
}

func (e *SimulatedExecutor) roll() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e.rnd.Float64()
}

func (e *SimulatedExecutor) randomElement() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return float64(e.rnd.Intn(1000000))
}

// BuildResult 按 worker 的约定组装证明结果：exact 证明 8 个元素、公开输入为分数；
// threshold 证明 10 个元素、公开输入为阈值与是否达标。
func BuildResult(task Task, element func() float64) (proofs.Result, error) {
	opinion := ebsl.Vacuous()
	if len(task.Attestations) > 0 {
		fused, err := ebsl.FuseMultipleOpinions(task.Attestations)
		if err != nil {
			return proofs.Result{}, xerrors.Wrap(xerrors.TypeInvalidWitnessData, err, "witness 数据无效")
		}
		opinion = fused
	}
	score := ebsl.OpinionToReputation(opinion)

	size := 8
	var publicInputs []float64
	switch task.ProofType {
	case proofs.TypeExact:
		publicInputs = []float64{float64(score)}
	case proofs.TypeThreshold:
		size = 10
		threshold := proofs.DefaultThreshold
		if task.Threshold != nil {
			threshold = *task.Threshold
		}
		above := 0.0
		if score >= threshold {
			above = 1
		}
		publicInputs = []float64{float64(threshold), above}
	default:
		return proofs.Result{}, xerrors.New(xerrors.TypeInvalidCircuitParameters, fmt.Sprintf("不支持的证明类型: %q", task.ProofType))
	}

	proof := make([]float64, size)
	for i := range proof {
		proof[i] = element()
	}
	return proofs.Result{
		Proof:        proof,
		PublicInputs: publicInputs,
		Hash:         proofs.Hash(proof, opinion),
		FusedOpinion: opinion,
	}, nil
}
