package workerpool

import (
	"context"
	"time"

	"TrustProof-Chain/internal/ebsl"
	"TrustProof-Chain/internal/proofs"
)

// Status 表示 worker 的可用状态。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Worker 是注册到池中的远程证明节点，仅由池的协调 goroutine 修改。
type Worker struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Status         Status    `json:"status"`
	ActiveJobs     int       `json:"active_jobs"`
	MaxConcurrency int       `json:"max_concurrency"`
	TotalProcessed int       `json:"total_processed"`
	TotalFailed    int       `json:"total_failed"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

func (w *Worker) loadRatio() float64 {
	if w.MaxConcurrency <= 0 {
		return 1
	}
	return float64(w.ActiveJobs) / float64(w.MaxConcurrency)
}

func (w *Worker) available() bool {
	return w.Status != StatusOffline && w.ActiveJobs < w.MaxConcurrency
}

func (w *Worker) refreshStatus() {
	if w.Status == StatusOffline {
		return
	}
	if w.ActiveJobs >= w.MaxConcurrency {
		w.Status = StatusBusy
	} else {
		w.Status = StatusIdle
	}
}

// TaskSpec 描述提交给池的证明任务。
type TaskSpec struct {
	RequestID    string
	Attestations []ebsl.Attestation
	ProofType    proofs.Type
	Threshold    *int64
	CircuitType  string
	Priority     proofs.Priority
}

// Task 是池内部跟踪的任务，也是发送给 worker 的负载。
type Task struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"request_id,omitempty"`
	Attestations []ebsl.Attestation `json:"attestations"`
	ProofType    proofs.Type        `json:"proof_type"`
	Threshold    *int64             `json:"threshold,omitempty"`
	CircuitType  string             `json:"circuit_type,omitempty"`
	Priority     proofs.Priority    `json:"priority"`
	AssignedTo   string             `json:"assigned_to,omitempty"`
	StartTime    *time.Time         `json:"start_time,omitempty"`
	Retries      int                `json:"retries"`
}

// Executor 在指定 worker 上执行任务。
type Executor interface {
	Execute(ctx context.Context, worker Worker, task Task) (proofs.Result, error)
}

// ExecutorFunc 允许普通函数实现 Executor。
type ExecutorFunc func(ctx context.Context, worker Worker, task Task) (proofs.Result, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, worker Worker, task Task) (proofs.Result, error) {
	return f(ctx, worker, task)
}

// Stats 汇总池的运行状态。
type Stats struct {
	TotalWorkers   int     `json:"total_workers"`
	ActiveWorkers  int     `json:"active_workers"`
	IdleWorkers    int     `json:"idle_workers"`
	BusyWorkers    int     `json:"busy_workers"`
	OfflineWorkers int     `json:"offline_workers"`
	PendingTasks   int     `json:"pending_tasks"`
	ActiveTasks    int     `json:"active_tasks"`
	TotalProcessed int     `json:"total_processed"`
	TotalFailed    int     `json:"total_failed"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	Utilization    float64 `json:"utilization"`
}

// Observer 接收池的汇总状态，用于导出指标。
type Observer interface {
	SetWorkers(idle, busy, offline int)
	ObserveScaleIntent(direction string)
}

// TaskHandle 是提交任务后返回的 future。
type TaskHandle struct {
	id     string
	done   chan struct{}
	result proofs.Result
	err    error
}

func newHandle(id string) *TaskHandle {
	return &TaskHandle{id: id, done: make(chan struct{})}
}

// ID 返回任务 ID。
func (h *TaskHandle) ID() string { return h.id }

// Done 在任务结束时关闭。
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait 阻塞直到任务结束或 ctx 取消。
func (h *TaskHandle) Wait(ctx context.Context) (proofs.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return proofs.Result{}, ctx.Err()
	}
}

// 只能由协调 goroutine 调用一次。
func (h *TaskHandle) resolve(result proofs.Result, err error) {
	h.result = result
	h.err = err
	close(h.done)
}
