package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
	"TrustProof-Chain/pkg/logger"
)

const (
	DefaultMaxQueueSize     = 100
	DefaultMaxConcurrent    = 4
	DefaultMaxCompleted     = 50
	subscriptionBufferDepth = 1
)

// Params 描述入队时的请求参数。
type Params struct {
	UserID       string
	Attestations []ebsl.Attestation
	ProofType    proofs.Type
	Priority     proofs.Priority
	Threshold    *int64
	CircuitType  string
}

// Stats 汇总队列当前的统计信息。
type Stats struct {
	TotalQueued             int     `json:"total_queued"`
	TotalProcessing         int     `json:"total_processing"`
	TotalCompleted          int     `json:"total_completed"`
	TotalFailed             int     `json:"total_failed"`
	TotalCancelled          int     `json:"total_cancelled"`
	AverageWaitTimeMs       float64 `json:"average_wait_time_ms"`
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
}

// Snapshot 是队列状态的只读投影。
type Snapshot struct {
	Queued     []*proofs.Request `json:"queued"`
	Processing []*proofs.Request `json:"processing"`
	Completed  []*proofs.Request `json:"completed"`
}

// Queue 是带优先级的证明请求队列。
//
// 所有状态变更都在 mu 保护下串行执行；对外返回的请求均为副本。
type Queue struct {
	mu         sync.Mutex
	queued     []*proofs.Request
	processing map[string]*proofs.Request
	completed  []*proofs.Request

	maxQueueSize  int
	maxConcurrent int
	maxCompleted  int

	now   func() time.Time
	newID func() string

	subs    map[int]chan Snapshot
	nextSub int
}

// Option 定义可选配置。
type Option func(*Queue)

// WithMaxQueueSize 设置排队请求的上限。
func WithMaxQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxQueueSize = n
		}
	}
}

// WithMaxConcurrent 设置同时处理的请求上限。
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// WithMaxCompleted 设置终态请求的历史保留数量。
func WithMaxCompleted(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxCompleted = n
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithIDGenerator 替换请求 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// New 创建队列。
func New(opts ...Option) *Queue {
	q := &Queue{
		processing:    make(map[string]*proofs.Request),
		maxQueueSize:  DefaultMaxQueueSize,
		maxConcurrent: DefaultMaxConcurrent,
		maxCompleted:  DefaultMaxCompleted,
		now:           time.Now,
		newID:         func() string { return "proof-" + uuid.NewString() },
		subs:          make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue 按优先级插入新请求，返回请求 ID。队列已满时返回 SYSTEM_OVERLOAD 错误。
func (q *Queue) Enqueue(p Params) (string, error) {
	if !p.ProofType.Valid() {
		return "", xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("不支持的证明类型: %q", p.ProofType))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queued) >= q.maxQueueSize {
		return "", xerrors.Wrap(xerrors.TypeSystemOverload, xerrors.ErrQueueFull, "证明队列已满",
			xerrors.WithMetadata("max_queue_size", fmt.Sprint(q.maxQueueSize)))
	}

	req := &proofs.Request{
		ID:           q.newID(),
		UserID:       p.UserID,
		Priority:     p.Priority,
		Attestations: append([]ebsl.Attestation(nil), p.Attestations...),
		ProofType:    p.ProofType,
		CircuitType:  p.CircuitType,
		CreatedAt:    q.now(),
		Status:       proofs.StatusQueued,
	}
	if p.Threshold != nil {
		v := *p.Threshold
		req.Threshold = &v
	}
	q.insertByPriority(req)
	q.publishLocked()

	logger.L().Debug("证明请求入队",
		slog.String("request_id", req.ID),
		slog.String("priority", req.Priority.String()),
		slog.Int("queue_length", len(q.queued)))
	return req.ID, nil
}

// 插入位置为第一个优先级严格更低的请求之前，相同优先级保持 FIFO。
func (q *Queue) insertByPriority(req *proofs.Request) {
	idx := len(q.queued)
	for i, existing := range q.queued {
		if req.Priority > existing.Priority {
			idx = i
			break
		}
	}
	q.queued = append(q.queued, nil)
	copy(q.queued[idx+1:], q.queued[idx:])
	q.queued[idx] = req
}

// Dequeue 弹出队首请求并标记为处理中；并发已满或队列为空时返回 false。
func (q *Queue) Dequeue() (*proofs.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.processing) >= q.maxConcurrent || len(q.queued) == 0 {
		return nil, false
	}
	req := q.queued[0]
	q.queued[0] = nil
	q.queued = q.queued[1:]

	started := q.now()
	req.Status = proofs.StatusProcessing
	req.StartedAt = &started
	q.processing[req.ID] = req
	q.publishLocked()
	return req.Clone(), true
}

// UpdateProgress 更新处理中请求的进度（截断到 [0,100]），etaMs<=0 时不修改预计耗时。
func (q *Queue) UpdateProgress(id string, progress float64, etaMs int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.processing[id]
	if !ok {
		return false
	}
	req.Progress = clampProgress(progress)
	if etaMs > 0 {
		req.EstimatedDurationMs = etaMs
	}
	q.publishLocked()
	return true
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0 || p != p:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Complete 将处理中的请求标记为完成。
func (q *Queue) Complete(id string, result proofs.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.processing[id]
	if !ok {
		return false
	}
	res := result.Clone()
	req.Status = proofs.StatusCompleted
	req.Progress = 100
	req.Result = &res
	q.finishLocked(req)
	return true
}

// Fail 将处理中的请求标记为失败。
func (q *Queue) Fail(id string, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.processing[id]
	if !ok {
		return false
	}
	req.Status = proofs.StatusFailed
	if err != nil {
		req.Error = err.Error()
		if typed, ok := xerrors.From(err); ok {
			req.Error = typed.Message()
			req.ErrorType = string(typed.Type())
		}
	}
	q.finishLocked(req)
	return true
}

func (q *Queue) finishLocked(req *proofs.Request) {
	completed := q.now()
	req.CompletedAt = &completed
	delete(q.processing, req.ID)
	q.addCompletedLocked(req)
	q.publishLocked()
}

// Cancel 只能取消仍在排队的请求；已出队的请求返回 false。
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.queued {
		if req.ID != id {
			continue
		}
		q.queued = append(q.queued[:i], q.queued[i+1:]...)
		completed := q.now()
		req.Status = proofs.StatusCancelled
		req.CompletedAt = &completed
		q.addCompletedLocked(req)
		q.publishLocked()
		return true
	}
	return false
}

func (q *Queue) addCompletedLocked(req *proofs.Request) {
	q.completed = append(q.completed, req)
	if overflow := len(q.completed) - q.maxCompleted; overflow > 0 {
		for i := 0; i < overflow; i++ {
			q.completed[i] = nil
		}
		q.completed = q.completed[overflow:]
	}
}

// Get 按 ID 查找请求，依次检查排队、处理中与历史记录。
func (q *Queue) Get(id string) (*proofs.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.queued {
		if req.ID == id {
			return req.Clone(), true
		}
	}
	if req, ok := q.processing[id]; ok {
		return req.Clone(), true
	}
	for i := len(q.completed) - 1; i >= 0; i-- {
		if q.completed[i].ID == id {
			return q.completed[i].Clone(), true
		}
	}
	return nil, false
}

// Stats 返回统计信息。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{TotalQueued: len(q.queued), TotalProcessing: len(q.processing)}
	var waitSum, procSum float64
	var waitN, procN int
	for _, req := range q.completed {
		switch req.Status {
		case proofs.StatusCompleted:
			stats.TotalCompleted++
		case proofs.StatusFailed:
			stats.TotalFailed++
		case proofs.StatusCancelled:
			stats.TotalCancelled++
		}
		if req.StartedAt != nil {
			waitSum += float64(req.StartedAt.Sub(req.CreatedAt).Milliseconds())
			waitN++
		}
		if req.Status == proofs.StatusCompleted && req.StartedAt != nil && req.CompletedAt != nil {
			procSum += float64(req.CompletedAt.Sub(*req.StartedAt).Milliseconds())
			procN++
		}
	}
	if waitN > 0 {
		stats.AverageWaitTimeMs = waitSum / float64(waitN)
	}
	if procN > 0 {
		stats.AverageProcessingTimeMs = procSum / float64(procN)
	}
	return stats
}

// Len 返回排队中的请求数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// ActiveCount 返回处理中的请求数量。
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// AtCapacity 判断队列是否已满。
func (q *Queue) AtCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) >= q.maxQueueSize
}

// ClearCompleted 清空终态请求的历史。
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = nil
	q.publishLocked()
}

// Snapshot 返回当前状态的副本。
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	snap := Snapshot{
		Queued:     make([]*proofs.Request, 0, len(q.queued)),
		Processing: make([]*proofs.Request, 0, len(q.processing)),
		Completed:  make([]*proofs.Request, 0, len(q.completed)),
	}
	for _, req := range q.queued {
		snap.Queued = append(snap.Queued, req.Clone())
	}
	for _, req := range q.processing {
		snap.Processing = append(snap.Processing, req.Clone())
	}
	sort.Slice(snap.Processing, func(i, j int) bool {
		return snap.Processing[i].StartedAt.Before(*snap.Processing[j].StartedAt)
	})
	for _, req := range q.completed {
		snap.Completed = append(snap.Completed, req.Clone())
	}
	return snap
}

// Subscribe 返回一个通道，每次状态变化后推送最新快照，ctx 结束时关闭。
// 消费者跟不上时只保留最新的一份快照。
func (q *Queue) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, subscriptionBufferDepth)

	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch
	ch <- q.snapshotLocked()
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subs, id)
		close(ch)
		q.mu.Unlock()
	}()
	return ch
}

func (q *Queue) publishLocked() {
	if len(q.subs) == 0 {
		return
	}
	snap := q.snapshotLocked()
	for _, ch := range q.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
