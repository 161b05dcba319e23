package metrics

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultMaxStored 是保留的历史记录条数上限。
const DefaultMaxStored = 1000

// Stage 表示证明生成过程中的阶段。
type Stage string

const (
	StageWitnessPreparation Stage = "witness_preparation"
	StageCircuitLoading     Stage = "circuit_loading"
	StageProofGeneration    Stage = "proof_generation"
	StageValidation         Stage = "validation"
)

// ResourceUsage 记录单次证明的资源占用。
type ResourceUsage struct {
	PeakMemoryMB  float64 `json:"peak_memory_mb"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	DiskUsageMB   float64 `json:"disk_usage_mb,omitempty"`
}

// ProofMetrics 记录单次证明生成的耗时与资源数据。
type ProofMetrics struct {
	ProofID       string          `json:"proof_id"`
	CircuitType   string          `json:"circuit_type"`
	NetworkSize   int             `json:"network_size"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
	Stages        map[Stage]int64 `json:"stages,omitempty"`
}

func (m *ProofMetrics) clone() ProofMetrics {
	out := *m
	if m.EndTime != nil {
		end := *m.EndTime
		out.EndTime = &end
	}
	if m.Stages != nil {
		out.Stages = make(map[Stage]int64, len(m.Stages))
		for k, v := range m.Stages {
			out.Stages[k] = v
		}
	}
	return out
}

// Snapshot 是某一时刻的聚合指标。
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	ActiveProofs    int       `json:"active_proofs"`
	CompletedProofs int       `json:"completed_proofs"`
	FailedProofs    int       `json:"failed_proofs"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	P50DurationMs   int64     `json:"p50_duration_ms"`
	P95DurationMs   int64     `json:"p95_duration_ms"`
	P99DurationMs   int64     `json:"p99_duration_ms"`
	SuccessRate     float64   `json:"success_rate"`
	QueueLength     int       `json:"queue_length"`
	MemoryMB        float64   `json:"memory_mb"`
	CPUPercent      float64   `json:"cpu_percent"`
}

// Prediction 是对证明耗时的估计。
type Prediction struct {
	EstimatedDurationMs int64   `json:"estimated_duration_ms"`
	Confidence          float64 `json:"confidence"`
	BasedOnSamples      int     `json:"based_on_samples"`
}

// Benchmark 汇总某类电路的历史表现。
type Benchmark struct {
	AvgDurationMs float64 `json:"avg_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
	SampleCount   int     `json:"sample_count"`
}

// Observer 接收每次证明完成的结果，用于导出到外部监控系统。
type Observer interface {
	ObserveProof(circuitType string, success bool, duration time.Duration)
	ObserveStage(stage string, duration time.Duration)
}

// Collector 追踪进行中的证明并保存有限的历史记录。
type Collector struct {
	mu        sync.RWMutex
	active    map[string]*ProofMetrics
	history   []ProofMetrics
	maxStored int

	now        func() time.Time
	queueDepth func() int
	observer   Observer
}

// Option 定义 Collector 的可选配置。
type Option func(*Collector)

// WithMaxStored 设置历史记录上限。
func WithMaxStored(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxStored = n
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithQueueDepth 指定快照中队列长度的来源。
func WithQueueDepth(fn func() int) Option {
	return func(c *Collector) {
		c.queueDepth = fn
	}
}

// WithObserver 将完成事件同步给外部观察者。
func WithObserver(o Observer) Option {
	return func(c *Collector) {
		c.observer = o
	}
}

// NewCollector 创建 Collector。
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		active:    make(map[string]*ProofMetrics),
		maxStored: DefaultMaxStored,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StartProof 开始追踪一次证明生成。
func (c *Collector) StartProof(proofID, circuitType string, networkSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[proofID] = &ProofMetrics{
		ProofID:     proofID,
		CircuitType: circuitType,
		NetworkSize: networkSize,
		StartTime:   c.now(),
		Stages:      make(map[Stage]int64),
	}
}

// RecordStage 记录阶段耗时，未追踪的证明将被忽略。
func (c *Collector) RecordStage(proofID string, stage Stage, duration time.Duration) {
	c.mu.Lock()
	m, ok := c.active[proofID]
	if ok {
		m.Stages[stage] = duration.Milliseconds()
	}
	observer := c.observer
	c.mu.Unlock()
	if ok && observer != nil {
		observer.ObserveStage(string(stage), duration)
	}
}

// UpdateResourceUsage 更新峰值内存与 CPU 平均值。
func (c *Collector) UpdateResourceUsage(proofID string, memoryMB, cpuPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.active[proofID]
	if !ok {
		return
	}
	m.ResourceUsage.PeakMemoryMB = math.Max(m.ResourceUsage.PeakMemoryMB, memoryMB)
	if m.ResourceUsage.AvgCPUPercent == 0 {
		m.ResourceUsage.AvgCPUPercent = cpuPercent
	} else {
		m.ResourceUsage.AvgCPUPercent = (m.ResourceUsage.AvgCPUPercent + cpuPercent) / 2
	}
}

// CompleteProof 结束追踪并写入历史，超出上限时淘汰最旧记录。
func (c *Collector) CompleteProof(proofID string, success bool, errMsg string) {
	c.mu.Lock()
	m, ok := c.active[proofID]
	if !ok {
		c.mu.Unlock()
		return
	}
	end := c.now()
	m.EndTime = &end
	m.DurationMs = end.Sub(m.StartTime).Milliseconds()
	m.Success = success
	m.Error = errMsg
	delete(c.active, proofID)

	c.history = append(c.history, *m)
	if overflow := len(c.history) - c.maxStored; overflow > 0 {
		c.history = append([]ProofMetrics(nil), c.history[overflow:]...)
	}
	observer := c.observer
	circuit, duration := m.CircuitType, end.Sub(m.StartTime)
	c.mu.Unlock()

	if observer != nil {
		observer.ObserveProof(circuit, success, duration)
	}
}

// Snapshot 计算当前的聚合指标。
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	snap := c.snapshotLocked()
	c.mu.RUnlock()
	if c.queueDepth != nil {
		snap.QueueLength = c.queueDepth()
	}
	return snap
}

func (c *Collector) snapshotLocked() Snapshot {
	snap := Snapshot{Timestamp: c.now(), ActiveProofs: len(c.active)}

	durations := make([]int64, 0, len(c.history))
	var total float64
	for _, m := range c.history {
		if m.Success {
			snap.CompletedProofs++
		} else {
			snap.FailedProofs++
		}
		durations = append(durations, m.DurationMs)
		total += float64(m.DurationMs)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	if n := len(durations); n > 0 {
		snap.AvgDurationMs = total / float64(n)
		snap.SuccessRate = float64(snap.CompletedProofs) / float64(n)
	}
	snap.P50DurationMs = Percentile(durations, 0.5)
	snap.P95DurationMs = Percentile(durations, 0.95)
	snap.P99DurationMs = Percentile(durations, 0.99)

	if n := len(c.active); n > 0 {
		for _, m := range c.active {
			snap.MemoryMB += m.ResourceUsage.PeakMemoryMB
			snap.CPUPercent += m.ResourceUsage.AvgCPUPercent
		}
		snap.MemoryMB /= float64(n)
		snap.CPUPercent /= float64(n)
	}
	return snap
}

// PredictDuration 基于同类电路、规模相近（30% 以内）的成功记录估计耗时。
func (c *Collector) PredictDuration(circuitType string, networkSize int) Prediction {
	c.mu.RLock()
	durations := make([]int64, 0)
	for _, m := range c.history {
		if m.CircuitType != circuitType || !m.Success {
			continue
		}
		if math.Abs(float64(m.NetworkSize-networkSize)) >= 0.3*float64(networkSize) {
			continue
		}
		durations = append(durations, m.DurationMs)
	}
	c.mu.RUnlock()

	if len(durations) == 0 {
		return Prediction{
			EstimatedDurationMs: 5000 + int64(networkSize)*10,
			Confidence:          0.1,
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	median := float64(Percentile(durations, 0.5))
	variance := Variance(durations)
	varianceTerm := 0.1
	if median > 0 && variance > 0 {
		varianceTerm = (1 / (1 + variance/median)) * 0.2
	}
	confidence := math.Min(0.9, 0.3+float64(len(durations))/100*0.5+varianceTerm)

	return Prediction{
		EstimatedDurationMs: Percentile(durations, 0.75),
		Confidence:          confidence,
		BasedOnSamples:      len(durations),
	}
}

// BenchmarksByCircuit 汇总某类电路的历史表现。
func (c *Collector) BenchmarksByCircuit(circuitType string) Benchmark {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var (
		bench   Benchmark
		success int
		total   float64
	)
	for _, m := range c.history {
		if m.CircuitType != circuitType {
			continue
		}
		bench.SampleCount++
		total += float64(m.DurationMs)
		if m.Success {
			success++
		}
	}
	if bench.SampleCount == 0 {
		return bench
	}
	bench.AvgDurationMs = total / float64(bench.SampleCount)
	bench.SuccessRate = float64(success) / float64(bench.SampleCount)
	return bench
}

// History 返回最近 limit 条历史记录，limit<=0 时默认 100。
func (c *Collector) History(limit int) []ProofMetrics {
	if limit <= 0 {
		limit = 100
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := len(c.history) - limit
	if start < 0 {
		start = 0
	}
	out := make([]ProofMetrics, 0, len(c.history)-start)
	for i := start; i < len(c.history); i++ {
		out = append(out, c.history[i].clone())
	}
	return out
}

// Active 返回进行中的证明记录。
func (c *Collector) Active() []ProofMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProofMetrics, 0, len(c.active))
	for _, m := range c.active {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Export 将当前状态序列化为 JSON。
func (c *Collector) Export() ([]byte, error) {
	payload := struct {
		ActiveProofs     []ProofMetrics `json:"active_proofs"`
		CompletedMetrics []ProofMetrics `json:"completed_metrics"`
		Snapshot         Snapshot       `json:"snapshot"`
	}{
		ActiveProofs:     c.Active(),
		CompletedMetrics: c.History(c.maxStored),
		Snapshot:         c.Snapshot(),
	}
	return json.Marshal(payload)
}

// Clear 清空全部记录。
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.active = make(map[string]*ProofMetrics)
}

// Percentile 对已排序的切片按最近秩法取分位数。
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Variance 返回总体方差。
func Variance(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := float64(v) - mean
		sq += d * d
	}
	return sq / float64(len(values))
}
