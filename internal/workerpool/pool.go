package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/observability/alerting"
	"TrustProof-Chain/internal/proofs"
	"TrustProof-Chain/pkg/logger"
)

const (
	DefaultMinWorkers         = 2
	DefaultMaxWorkers         = 10
	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.2
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultMissedBeats        = 2
	DefaultScalingInterval    = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultMaxConcurrency     = 4
	DefaultExecutionTimeout   = 2 * time.Minute
)

type taskState struct {
	task    Task
	handle  *TaskHandle
	seq     uint64 // 提交顺序
	attempt uint64
	cancel  context.CancelFunc
}

type taskResult struct {
	taskID   string
	workerID string
	attempt  uint64
	result   proofs.Result
	err      error
	duration time.Duration
}

// Pool 管理远程 worker 并把任务分派给负载最低的节点。
//
// worker 注册表与任务表只在 Run 所在的 goroutine 中读写，公开方法通过 cmds
// 投递闭包执行；任务在独立 goroutine 中运行，结果经 results 回到协调 goroutine。
type Pool struct {
	executor   Executor
	dispatcher alerting.Dispatcher
	observer   Observer
	now        func() time.Time
	newID      func() string

	minWorkers         int
	maxWorkers         int
	scaleUpThreshold   float64
	scaleDownThreshold float64
	heartbeatInterval  time.Duration
	missedBeats        int
	scalingInterval    time.Duration
	maxRetries         int
	execTimeout        time.Duration

	cmds    chan func()
	results chan taskResult
	stopped chan struct{}
	running atomic.Bool
	execWG  sync.WaitGroup

	// 以下字段只属于协调 goroutine。
	runCtx  context.Context
	seq     uint64
	workers map[string]*Worker
	order   []string
	tasks   map[string]*taskState
	pending []*taskState
}

// Option 定义可选配置。
type Option func(*Pool)

// WithDispatcher 设置事件通知器。
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(p *Pool) {
		if d != nil {
			p.dispatcher = d
		}
	}
}

// WithObserver 设置指标观察者。
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithScaling 设置扩缩容边界与阈值。
func WithScaling(minWorkers, maxWorkers int, up, down float64) Option {
	return func(p *Pool) {
		if minWorkers > 0 {
			p.minWorkers = minWorkers
		}
		if maxWorkers > 0 {
			p.maxWorkers = maxWorkers
		}
		if up > 0 {
			p.scaleUpThreshold = up
		}
		if down > 0 {
			p.scaleDownThreshold = down
		}
	}
}

// WithHeartbeat 设置心跳检查周期与允许丢失的次数。
func WithHeartbeat(interval time.Duration, missedBeats int) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.heartbeatInterval = interval
		}
		if missedBeats > 0 {
			p.missedBeats = missedBeats
		}
	}
}

// WithScalingInterval 设置周期性扩缩容检查间隔。
func WithScalingInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.scalingInterval = d
		}
	}
}

// WithMaxRetries 设置单个任务的重试上限。
func WithMaxRetries(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithExecutionTimeout 设置单次执行的超时。
func WithExecutionTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.execTimeout = d
		}
	}
}

// New 创建 worker 池，需要调用 Run 后才会处理请求。
func New(executor Executor, opts ...Option) *Pool {
	p := &Pool{
		executor:           executor,
		dispatcher:         alerting.Nop{},
		now:                time.Now,
		newID:              func() string { return "task-" + uuid.NewString() },
		minWorkers:         DefaultMinWorkers,
		maxWorkers:         DefaultMaxWorkers,
		scaleUpThreshold:   DefaultScaleUpThreshold,
		scaleDownThreshold: DefaultScaleDownThreshold,
		heartbeatInterval:  DefaultHeartbeatInterval,
		missedBeats:        DefaultMissedBeats,
		scalingInterval:    DefaultScalingInterval,
		maxRetries:         DefaultMaxRetries,
		execTimeout:        DefaultExecutionTimeout,
		cmds:               make(chan func()),
		results:            make(chan taskResult, 16),
		stopped:            make(chan struct{}),
		workers:            make(map[string]*Worker),
		tasks:              make(map[string]*taskState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run 启动协调循环，直到 ctx 结束。退出时拒绝所有未完成的任务并等待执行中的 goroutine 返回。
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.TypeConflict, "worker 池已在运行")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.runCtx = runCtx

	heartbeat := time.NewTicker(p.heartbeatInterval)
	defer heartbeat.Stop()
	scaling := time.NewTicker(p.scalingInterval)
	defer scaling.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case cmd := <-p.cmds:
			cmd()
		case res := <-p.results:
			p.handleResult(res)
		case <-heartbeat.C:
			p.checkHeartbeats()
		case <-scaling.C:
			p.checkScaling()
		}
	}
}

func (p *Pool) shutdown() {
	close(p.stopped)
	closedErr := xerrors.Wrap(xerrors.TypeWorkerUnavailable, xerrors.ErrPoolClosed, "worker 池已关闭")
	for id, st := range p.tasks {
		if st.cancel != nil {
			st.cancel()
		}
		st.handle.resolve(proofs.Result{}, closedErr)
		delete(p.tasks, id)
	}
	p.pending = nil
	p.execWG.Wait()
}

// do 将闭包交给协调 goroutine 执行并等待完成。
func (p *Pool) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case p.cmds <- cmd:
	case <-p.stopped:
		return xerrors.Wrap(xerrors.TypeWorkerUnavailable, xerrors.ErrPoolClosed, "worker 池已关闭")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (p *Pool) notify(event alerting.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	if event.Severity == "" {
		event.Severity = xerrors.SeverityLow
	}
	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.dispatcher.Notify(ctx, event); err != nil {
		logger.L().Warn("事件通知失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}

// RegisterWorker 注册 worker，maxConcurrency<=0 时使用默认值。
func (p *Pool) RegisterWorker(ctx context.Context, id, url string, maxConcurrency int) error {
	if id == "" || url == "" {
		return xerrors.New(xerrors.TypeInvalidArgument, "worker id 与 url 不能为空")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	var err error
	if doErr := p.do(ctx, func() {
		if _, exists := p.workers[id]; exists {
			err = xerrors.New(xerrors.TypeConflict, fmt.Sprintf("worker %s 已注册", id))
			return
		}
		w := &Worker{
			ID:             id,
			URL:            url,
			Status:         StatusIdle,
			MaxConcurrency: maxConcurrency,
			LastHeartbeat:  p.now(),
		}
		p.workers[id] = w
		p.order = append(p.order, id)
		logger.L().Info("worker 已注册", slog.String("worker_id", id), slog.String("url", url))
		p.notify(alerting.Event{Kind: alerting.KindWorkerRegistered, WorkerID: id, Message: "worker registered"})
		p.assignTasks()
	}); doErr != nil {
		return doErr
	}
	return err
}

// UnregisterWorker 移除 worker，并把其执行中的任务放回待分配队列。
func (p *Pool) UnregisterWorker(ctx context.Context, id string) error {
	var err error
	if doErr := p.do(ctx, func() {
		if _, ok := p.workers[id]; !ok {
			err = xerrors.Wrap(xerrors.TypeNotFound, xerrors.ErrWorkerNotFound, fmt.Sprintf("worker %s 不存在", id))
			return
		}
		delete(p.workers, id)
		for i, wid := range p.order {
			if wid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		logger.L().Info("worker 已注销", slog.String("worker_id", id))
		p.notify(alerting.Event{Kind: alerting.KindWorkerUnregistered, WorkerID: id, Message: "worker unregistered"})
		p.salvage(id)
		p.assignTasks()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Heartbeat 刷新 worker 的心跳时间，离线的 worker 会恢复为可用。
func (p *Pool) Heartbeat(ctx context.Context, id string) error {
	var err error
	if doErr := p.do(ctx, func() {
		w, ok := p.workers[id]
		if !ok {
			err = xerrors.Wrap(xerrors.TypeNotFound, xerrors.ErrWorkerNotFound, fmt.Sprintf("worker %s 不存在", id))
			return
		}
		w.LastHeartbeat = p.now()
		if w.Status == StatusOffline {
			w.Status = StatusIdle
			w.refreshStatus()
			logger.L().Info("worker 恢复在线", slog.String("worker_id", id))
			p.notify(alerting.Event{Kind: alerting.KindWorkerOnline, WorkerID: id, Message: "worker back online"})
			p.assignTasks()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// SubmitTask 提交任务并立即尝试分配，返回可等待结果的 TaskHandle。
func (p *Pool) SubmitTask(ctx context.Context, spec TaskSpec) (*TaskHandle, error) {
	if !spec.ProofType.Valid() {
		return nil, xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("不支持的证明类型: %q", spec.ProofType))
	}
	var handle *TaskHandle
	err := p.do(ctx, func() {
		task := Task{
			ID:           p.newID(),
			RequestID:    spec.RequestID,
			Attestations: spec.Attestations,
			ProofType:    spec.ProofType,
			Threshold:    spec.Threshold,
			CircuitType:  spec.CircuitType,
			Priority:     spec.Priority,
		}
		p.seq++
		st := &taskState{task: task, handle: newHandle(task.ID), seq: p.seq}
		p.tasks[task.ID] = st
		p.insertPending(st, false)
		handle = st.handle
		p.notify(alerting.Event{Kind: alerting.KindTaskSubmitted, TaskID: task.ID, RequestID: task.RequestID, Message: "task submitted"})
		p.assignTasks()
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// insertPending 按优先级插入。ahead 为 true 时排在同优先级任务之前，用于重新入队的任务。
func (p *Pool) insertPending(st *taskState, ahead bool) {
	idx := len(p.pending)
	for i, existing := range p.pending {
		if st.task.Priority > existing.task.Priority || (ahead && st.task.Priority == existing.task.Priority) {
			idx = i
			break
		}
	}
	p.pending = append(p.pending, nil)
	copy(p.pending[idx+1:], p.pending[idx:])
	p.pending[idx] = st
}

func (p *Pool) assignTasks() {
	defer p.publishGauges()
	for len(p.pending) > 0 {
		w := p.selectWorker()
		if w == nil {
			return
		}
		st := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.executeTaskOnWorker(st, w)
	}
}

// selectWorker 选择负载比例最低的可用 worker，平均耗时更短者优先，再按注册顺序。
func (p *Pool) selectWorker() *Worker {
	var best *Worker
	for _, id := range p.order {
		w := p.workers[id]
		if !w.available() {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		ratio, bestRatio := w.loadRatio(), best.loadRatio()
		if ratio < bestRatio || (ratio == bestRatio && w.AvgDurationMs < best.AvgDurationMs) {
			best = w
		}
	}
	return best
}

func (p *Pool) executeTaskOnWorker(st *taskState, w *Worker) {
	start := p.now()
	st.task.AssignedTo = w.ID
	st.task.StartTime = &start
	st.attempt++
	w.ActiveJobs++
	w.refreshStatus()

	execCtx, cancel := context.WithTimeout(p.runCtx, p.execTimeout)
	st.cancel = cancel

	logger.L().Debug("任务已分配",
		slog.String("task_id", st.task.ID),
		slog.String("worker_id", w.ID),
		slog.Int("retries", st.task.Retries))
	p.notify(alerting.Event{
		Kind:      alerting.KindTaskAssigned,
		TaskID:    st.task.ID,
		RequestID: st.task.RequestID,
		WorkerID:  w.ID,
		Attempts:  st.task.Retries,
		Message:   "task assigned",
	})

	workerCopy := *w
	taskCopy := st.task
	attempt := st.attempt
	p.execWG.Add(1)
	go func() {
		defer p.execWG.Done()
		defer cancel()
		began := time.Now()
		result, err := p.executor.Execute(execCtx, workerCopy, taskCopy)
		res := taskResult{
			taskID:   taskCopy.ID,
			workerID: workerCopy.ID,
			attempt:  attempt,
			result:   result,
			err:      err,
			duration: time.Since(began),
		}
		select {
		case p.results <- res:
		case <-p.stopped:
		}
	}()
}

func (p *Pool) handleResult(res taskResult) {
	st, ok := p.tasks[res.taskID]
	if !ok || st.attempt != res.attempt || st.task.AssignedTo != res.workerID {
		logger.L().Debug("丢弃过期的任务结果", slog.String("task_id", res.taskID), slog.String("worker_id", res.workerID))
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}

	w := p.workers[res.workerID]
	if w != nil && w.ActiveJobs > 0 {
		w.ActiveJobs--
	}

	if res.err == nil {
		if w != nil {
			w.TotalProcessed++
			ms := float64(res.duration.Milliseconds())
			w.AvgDurationMs = (w.AvgDurationMs*float64(w.TotalProcessed-1) + ms) / float64(w.TotalProcessed)
			w.refreshStatus()
		}
		delete(p.tasks, res.taskID)
		st.handle.resolve(res.result, nil)
		p.notify(alerting.Event{
			Kind:      alerting.KindTaskCompleted,
			TaskID:    st.task.ID,
			RequestID: st.task.RequestID,
			WorkerID:  res.workerID,
			Message:   "task completed",
		})
		p.assignTasks()
		return
	}

	if w != nil {
		w.TotalFailed++
		w.refreshStatus()
	}
	classified := xerrors.Classify(res.err,
		xerrors.WithAttempt(st.task.Retries),
		xerrors.WithCircuit(st.task.CircuitType),
		xerrors.WithMetadata("worker_id", res.workerID),
		xerrors.WithMetadata("task_id", st.task.ID))
	st.task.Retries++
	st.task.AssignedTo = ""
	st.task.StartTime = nil

	if classified.Retryable() && st.task.Retries < p.maxRetries {
		logger.L().Warn("任务执行失败，重新排队",
			slog.String("task_id", st.task.ID),
			slog.String("worker_id", res.workerID),
			slog.String("error_type", string(classified.Type())),
			slog.Int("retries", st.task.Retries))
		p.insertPending(st, true)
		p.notify(alerting.Event{
			Kind:       alerting.KindTaskRetry,
			TaskID:     st.task.ID,
			RequestID:  st.task.RequestID,
			WorkerID:   res.workerID,
			ErrorType:  classified.Type(),
			Severity:   classified.Severity(),
			Attempts:   st.task.Retries,
			MaxRetries: p.maxRetries,
			Message:    classified.Message(),
		})
		p.assignTasks()
		return
	}

	final := classified
	if classified.Retryable() {
		final = xerrors.Wrap(xerrors.TypeRetriesExhausted, classified, "任务重试次数已耗尽",
			xerrors.WithAttempt(st.task.Retries),
			xerrors.WithCircuit(st.task.CircuitType))
	}
	p.failTask(st, final, res.workerID)
	p.assignTasks()
}

func (p *Pool) failTask(st *taskState, err *xerrors.Error, workerID string) {
	delete(p.tasks, st.task.ID)
	logger.L().Error("任务最终失败",
		slog.String("task_id", st.task.ID),
		slog.String("worker_id", workerID),
		slog.Any("error", err))
	st.handle.resolve(proofs.Result{}, err)
	p.notify(alerting.Event{
		Kind:       alerting.KindTaskFailed,
		TaskID:     st.task.ID,
		RequestID:  st.task.RequestID,
		WorkerID:   workerID,
		ErrorType:  err.Type(),
		Severity:   err.Severity(),
		Attempts:   st.task.Retries,
		MaxRetries: p.maxRetries,
		Message:    err.Message(),
	})
}

// salvage 将分配给 workerID 的任务重新放回待分配队列，重试次数加一。
// 重新入队的任务排在同优先级任务之前，彼此之间保持提交顺序。
func (p *Pool) salvage(workerID string) {
	var owned []*taskState
	for _, st := range p.tasks {
		if st.task.AssignedTo == workerID {
			owned = append(owned, st)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })

	var requeue []*taskState
	for _, st := range owned {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		// 令旧的执行结果失效
		st.attempt++
		st.task.AssignedTo = ""
		st.task.StartTime = nil
		st.task.Retries++
		if st.task.Retries >= p.maxRetries {
			cause := xerrors.New(xerrors.TypeWorkerUnavailable, fmt.Sprintf("worker %s 不可用", workerID))
			p.failTask(st, xerrors.Wrap(xerrors.TypeRetriesExhausted, cause, "任务重试次数已耗尽",
				xerrors.WithAttempt(st.task.Retries)), workerID)
			continue
		}
		requeue = append(requeue, st)
	}
	// 逆序插入到同优先级之前，最终顺序与提交顺序一致。
	for i := len(requeue) - 1; i >= 0; i-- {
		p.insertPending(requeue[i], true)
	}
	for _, st := range requeue {
		p.notify(alerting.Event{
			Kind:       alerting.KindTaskRetry,
			TaskID:     st.task.ID,
			RequestID:  st.task.RequestID,
			WorkerID:   workerID,
			ErrorType:  xerrors.TypeWorkerUnavailable,
			Severity:   xerrors.SeverityMedium,
			Attempts:   st.task.Retries,
			MaxRetries: p.maxRetries,
			Message:    "task reassigned",
		})
	}
	if w, ok := p.workers[workerID]; ok {
		w.ActiveJobs = 0
	}
}

func (p *Pool) checkHeartbeats() {
	deadline := p.heartbeatInterval * time.Duration(p.missedBeats)
	now := p.now()
	changed := false
	for _, id := range p.order {
		w := p.workers[id]
		if w.Status == StatusOffline || now.Sub(w.LastHeartbeat) <= deadline {
			continue
		}
		w.Status = StatusOffline
		changed = true
		logger.L().Warn("worker 心跳超时，标记为离线",
			slog.String("worker_id", id),
			slog.Time("last_heartbeat", w.LastHeartbeat))
		p.notify(alerting.Event{
			Kind:     alerting.KindWorkerOffline,
			WorkerID: id,
			Severity: xerrors.SeverityMedium,
			Message:  "worker missed heartbeats",
		})
		p.salvage(id)
	}
	if changed {
		p.assignTasks()
	}
}

// CheckScaling 立即执行一次扩缩容检查，返回发出的扩缩容意图（可能为 nil）。
func (p *Pool) CheckScaling(ctx context.Context) (*alerting.ScaleIntent, error) {
	var intent *alerting.ScaleIntent
	err := p.do(ctx, func() { intent = p.checkScaling() })
	return intent, err
}

func (p *Pool) checkScaling() *alerting.ScaleIntent {
	online, capacity, active, free := 0, 0, 0, 0
	for _, w := range p.workers {
		if w.Status == StatusOffline {
			continue
		}
		online++
		capacity += w.MaxConcurrency
		active += w.ActiveJobs
		if w.ActiveJobs < w.MaxConcurrency {
			free += w.MaxConcurrency - w.ActiveJobs
		}
	}
	pending := len(p.pending)

	utilization := 0.0
	if capacity > 0 {
		utilization = float64(active) / float64(capacity)
	}
	pressure := utilization
	if pending > 0 && free == 0 {
		pressure = 1
	}

	var kind alerting.Kind
	var target int
	switch {
	case online == 0:
		if pending == 0 {
			return nil
		}
		kind, target = alerting.KindScaleUp, p.minWorkers
	case pressure >= p.scaleUpThreshold && online < p.maxWorkers:
		kind, target = alerting.KindScaleUp, online+1
	case pressure <= p.scaleDownThreshold && pending == 0 && online > p.minWorkers:
		kind, target = alerting.KindScaleDown, online-1
	default:
		return nil
	}

	intent := &alerting.ScaleIntent{Current: online, Target: target, Utilization: utilization, Pending: pending}
	direction := "up"
	if kind == alerting.KindScaleDown {
		direction = "down"
	}
	logger.L().Info("建议调整 worker 数量",
		slog.String("direction", direction),
		slog.Int("current", online),
		slog.Int("target", target),
		slog.Float64("utilization", utilization),
		slog.Int("pending", pending))
	if p.observer != nil {
		p.observer.ObserveScaleIntent(direction)
	}
	p.notify(alerting.Event{Kind: kind, Scale: intent, Severity: xerrors.SeverityMedium, Message: "scale " + direction})
	return intent
}

func (p *Pool) publishGauges() {
	if p.observer == nil {
		return
	}
	idle, busy, offline := 0, 0, 0
	for _, w := range p.workers {
		switch w.Status {
		case StatusIdle:
			idle++
		case StatusBusy:
			busy++
		case StatusOffline:
			offline++
		}
	}
	p.observer.SetWorkers(idle, busy, offline)
}

// Stats 返回池的汇总统计。
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := p.do(ctx, func() {
		capacity, active := 0, 0
		var durationSum float64
		for _, w := range p.workers {
			stats.TotalWorkers++
			switch w.Status {
			case StatusIdle:
				stats.IdleWorkers++
			case StatusBusy:
				stats.BusyWorkers++
			case StatusOffline:
				stats.OfflineWorkers++
			}
			if w.Status != StatusOffline {
				stats.ActiveWorkers++
				capacity += w.MaxConcurrency
				active += w.ActiveJobs
			}
			stats.TotalProcessed += w.TotalProcessed
			stats.TotalFailed += w.TotalFailed
			durationSum += w.AvgDurationMs
		}
		if stats.TotalWorkers > 0 {
			stats.AvgDurationMs = durationSum / float64(stats.TotalWorkers)
		}
		if capacity > 0 {
			stats.Utilization = float64(active) / float64(capacity)
		}
		stats.PendingTasks = len(p.pending)
		stats.ActiveTasks = len(p.tasks) - len(p.pending)
	})
	return stats, err
}

// Workers 按注册顺序返回 worker 的副本。
func (p *Pool) Workers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	err := p.do(ctx, func() {
		out = make([]Worker, 0, len(p.order))
		for _, id := range p.order {
			out = append(out, *p.workers[id])
		}
	})
	return out, err
}

// Task 返回仍在池中跟踪的任务副本。
func (p *Pool) Task(ctx context.Context, id string) (Task, bool, error) {
	var (
		task  Task
		found bool
	)
	err := p.do(ctx, func() {
		if st, ok := p.tasks[id]; ok {
			task, found = st.task, true
		}
	})
	return task, found, err
}
