package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/metrics"
	"TrustProof-Chain/internal/observability/alerting"
	"TrustProof-Chain/internal/proofs"
	"TrustProof-Chain/internal/queue"
	"TrustProof-Chain/internal/recovery"
	proofstore "TrustProof-Chain/internal/storage/mysql"
	proofcache "TrustProof-Chain/internal/storage/redis"
	"TrustProof-Chain/internal/validator"
	"TrustProof-Chain/internal/workerpool"
	"TrustProof-Chain/pkg/logger"
)

const (
	DefaultCircuit    = "default"
	DefaultMaxRetries = 3
	DefaultTimeout    = 2 * time.Minute

	persistTimeout = 5 * time.Second
)

// ErrCancelled 表示请求在出队前被取消。
var ErrCancelled = stdErrors.New("proof request cancelled")

// DefaultFallbackCircuits 是大电路逐级降级到小电路的映射。
func DefaultFallbackCircuits() map[string]string {
	return map[string]string{"large": "medium", "medium": "small"}
}

// Progress 是推送给调用方的进度通知。
type Progress struct {
	RequestID            string        `json:"request_id"`
	Status               proofs.Status `json:"status"`
	Progress             float64       `json:"progress"`
	Stage                string        `json:"stage"`
	EstimatedRemainingMs int64         `json:"estimated_remaining_ms,omitempty"`
	Error                string        `json:"error,omitempty"`
}

// GenerateRequest 描述一次证明生成请求，零值字段使用流水线默认值。
type GenerateRequest struct {
	UserID          string
	Attestations    []ebsl.Attestation
	ProofType       proofs.Type
	Threshold       *int64
	Priority        proofs.Priority
	CircuitType     string
	MaxRetries      int
	Timeout         time.Duration
	DisableFallback bool
	// OnProgress 在处理 goroutine 中同步调用，不应阻塞。
	OnProgress func(Progress)
}

// Outcome 是 Generate 的返回值。
type Outcome struct {
	RequestID string        `json:"request_id"`
	Result    proofs.Result `json:"result"`
	Cached    bool          `json:"cached"`
}

// Prover 接收单次证明任务，通常由 worker 池实现。
type Prover interface {
	SubmitTask(ctx context.Context, spec workerpool.TaskSpec) (*workerpool.TaskHandle, error)
}

// RecoveryObserver 记录恢复策略的执行结果。
type RecoveryObserver interface {
	ObserveRecovery(strategy string, success bool)
}

var _ Prover = (*workerpool.Pool)(nil)

type job struct {
	userID      string
	cacheKey    string
	maxRetries  int
	timeout     time.Duration
	fallback    bool
	onProgress  func(Progress)
	submittedAt time.Time

	// ready 在 QUEUED 进度推送后关闭，保证进度按顺序到达。
	ready   chan struct{}
	done    chan struct{}
	outcome Outcome
	err     error
}

func (j *job) emit(p Progress) {
	if j.onProgress != nil {
		j.onProgress(p)
	}
}

// finish 只能调用一次。
func (j *job) finish(outcome Outcome, err error) {
	j.outcome = outcome
	j.err = err
	close(j.done)
}

// Pipeline 串联队列、worker 池、恢复策略、校验与持久化。
type Pipeline struct {
	queue      *queue.Queue
	prover     Prover
	chain      *recovery.Chain
	collector  *metrics.Collector
	validator  *validator.Validator
	access     *validator.AccessControl
	audit      *validator.AuditTrail
	cache      proofcache.ProofCache
	cacheTTL   time.Duration
	repo       proofstore.ProofRepository
	dispatcher alerting.Dispatcher
	recoveries RecoveryObserver
	telemetry  TelemetrySink
	method     string
	device     DeviceProfile

	sampler        metrics.Sampler
	sampleInterval time.Duration

	defaultCircuit string
	maxRetries     int
	timeout        time.Duration
	fallback       bool

	mu      sync.Mutex
	jobs    map[string]*job
	wake    chan struct{}
	running sync.WaitGroup
}

// Option 定义 Pipeline 的可选配置。
type Option func(*Pipeline)

// WithRecovery 替换默认的恢复策略链。
func WithRecovery(chain *recovery.Chain) Option {
	return func(p *Pipeline) {
		if chain != nil {
			p.chain = chain
		}
	}
}

// WithMetrics 指定指标采集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.collector = c
		}
	}
}

// WithValidator 指定证明校验器。
func WithValidator(v *validator.Validator) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.validator = v
		}
	}
}

// WithAccessControl 指定访问控制与限流。
func WithAccessControl(a *validator.AccessControl) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.access = a
		}
	}
}

// WithAuditTrail 指定审计记录器。
func WithAuditTrail(a *validator.AuditTrail) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.audit = a
		}
	}
}

// WithCache 启用证明缓存，ttl<=0 时使用缓存自身的默认值。
func WithCache(cache proofcache.ProofCache, ttl time.Duration) Option {
	return func(p *Pipeline) {
		p.cache = cache
		p.cacheTTL = ttl
	}
}

// WithRepository 指定终态请求的持久化仓库。
func WithRepository(repo proofstore.ProofRepository) Option {
	return func(p *Pipeline) { p.repo = repo }
}

// WithDispatcher 指定失败告警的分发器。
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.dispatcher = d
		}
	}
}

// WithRecoveryObserver 记录恢复策略执行情况，通常是 Prometheus 导出器。
func WithRecoveryObserver(o RecoveryObserver) Option {
	return func(p *Pipeline) { p.recoveries = o }
}

// WithTelemetry 指定遥测接收方以及证明生成方式（remote 或 simulation）。
func WithTelemetry(sink TelemetrySink, method string, device DeviceProfile) Option {
	return func(p *Pipeline) {
		p.telemetry = sink
		p.method = method
		p.device = device
	}
}

// WithSampler 在证明处理期间按 interval 采样进程资源。
func WithSampler(s metrics.Sampler, interval time.Duration) Option {
	return func(p *Pipeline) {
		p.sampler = s
		p.sampleInterval = interval
	}
}

// WithDefaultCircuit 设置请求未指定电路时使用的电路。
func WithDefaultCircuit(circuit string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(circuit) != "" {
			p.defaultCircuit = circuit
		}
	}
}

// WithMaxRetries 设置单个请求的最大尝试次数。
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithTimeout 设置单次尝试的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFallback 控制是否允许电路降级。
func WithFallback(enabled bool) Option {
	return func(p *Pipeline) { p.fallback = enabled }
}

// New 创建流水线。
func New(q *queue.Queue, prover Prover, opts ...Option) *Pipeline {
	p := &Pipeline{
		queue:  q,
		prover: prover,
		chain: &recovery.Chain{
			Retry:    recovery.NewRetryStrategy(DefaultMaxRetries, time.Second, 30*time.Second),
			Fallback: recovery.NewCircuitFallbackStrategy(DefaultFallbackCircuits()),
			Resource: recovery.NewResourceOptimizationStrategy(),
		},
		collector:      metrics.NewCollector(),
		validator:      validator.New(),
		access:         validator.NewAccessControl(),
		audit:          validator.NewAuditTrail(0),
		dispatcher:     alerting.Nop{},
		defaultCircuit: DefaultCircuit,
		maxRetries:     DefaultMaxRetries,
		timeout:        DefaultTimeout,
		fallback:       true,
		jobs:           make(map[string]*job),
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Metrics 返回流水线使用的指标采集器。
func (p *Pipeline) Metrics() *metrics.Collector { return p.collector }

// Audit 返回审计记录器。
func (p *Pipeline) Audit() *validator.AuditTrail { return p.audit }

// QueueStats 返回队列统计。
func (p *Pipeline) QueueStats() queue.Stats { return p.queue.Stats() }

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run 持续从队列取出请求并交给 worker 池，直到 ctx 结束。
// 返回前等待所有处理中的请求结束，仍在排队的请求以失败结束。
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.running.Wait()
	for {
		p.dispatch(ctx)
		select {
		case <-ctx.Done():
			p.abandonQueued()
			return nil
		case <-p.wake:
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		req, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		j := p.lookupJob(req.ID)
		if j == nil {
			j = p.newJob(GenerateRequest{UserID: req.UserID})
			close(j.ready)
		}
		logger.L().Debug("证明请求出队",
			slog.String("request_id", req.ID),
			slog.String("priority", req.Priority.String()),
			slog.Duration("waited", time.Since(j.submittedAt)))

		p.running.Add(1)
		go func() {
			defer p.running.Done()
			defer p.signal()
			p.process(ctx, req, j)
		}()
	}
}

func (p *Pipeline) abandonQueued() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.jobs))
	for id := range p.jobs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if !p.queue.Cancel(id) {
			continue
		}
		p.collector.CompleteProof(id, false, "pipeline stopped")
		if j := p.takeJob(id); j != nil {
			j.finish(Outcome{RequestID: id}, xerrors.Wrap(xerrors.TypeInternalError, xerrors.ErrPoolClosed, "证明流水线已停止"))
		}
	}
}

func (p *Pipeline) newJob(req GenerateRequest) *job {
	j := &job{
		userID:      req.UserID,
		maxRetries:  req.MaxRetries,
		timeout:     req.Timeout,
		fallback:    p.fallback && !req.DisableFallback,
		onProgress:  req.OnProgress,
		submittedAt: time.Now(),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if j.maxRetries <= 0 {
		j.maxRetries = p.maxRetries
	}
	if j.timeout <= 0 {
		j.timeout = p.timeout
	}
	return j
}

func (p *Pipeline) lookupJob(id string) *job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs[id]
}

func (p *Pipeline) takeJob(id string) *job {
	p.mu.Lock()
	defer p.mu.Unlock()
	j := p.jobs[id]
	delete(p.jobs, id)
	return j
}

// Submit 校验并入队请求，立即返回请求 ID；缓存命中时直接生成已完成的记录。
func (p *Pipeline) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	id, _, err := p.submit(ctx, req)
	return id, err
}

// Generate 提交请求并阻塞到证明完成、失败或 ctx 结束。
// ctx 结束时若请求仍在排队则将其取消。
func (p *Pipeline) Generate(ctx context.Context, req GenerateRequest) (Outcome, error) {
	id, j, err := p.submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case <-j.done:
		return j.outcome, j.err
	case <-ctx.Done():
		p.Cancel(ctx, id)
		return Outcome{RequestID: id}, ctx.Err()
	}
}

func (p *Pipeline) submit(ctx context.Context, req GenerateRequest) (string, *job, error) {
	if len(req.Attestations) == 0 {
		return "", nil, xerrors.New(xerrors.TypeInvalidArgument, "attestations 不能为空")
	}
	if req.ProofType == "" {
		req.ProofType = proofs.TypeExact
	}
	if strings.TrimSpace(req.CircuitType) == "" {
		req.CircuitType = p.defaultCircuit
	}
	if req.UserID != "" {
		if !p.access.HasAccess(req.UserID) {
			p.logAudit("PROOF_DENIED", "", req.UserID, false, nil, "access denied")
			return "", nil, xerrors.New(xerrors.TypeAccessDenied, "用户无权生成证明",
				xerrors.WithMetadata("user_id", req.UserID))
		}
		if !p.access.CheckRateLimit(req.UserID) {
			p.logAudit("PROOF_RATE_LIMITED", "", req.UserID, false, nil, "rate limit exceeded")
			return "", nil, xerrors.New(xerrors.TypeRateLimited, "证明请求过于频繁",
				xerrors.WithMetadata("user_id", req.UserID))
		}
	}

	j := p.newJob(req)
	threshold := proofs.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	j.cacheKey = proofcache.ProofKey(req.Attestations, req.ProofType, threshold)

	if id, ok := p.serveFromCache(ctx, req, j); ok {
		return id, j, nil
	}

	// 持锁入队，dispatch 取出请求时一定能找到对应的 job。
	p.mu.Lock()
	id, err := p.queue.Enqueue(queue.Params{
		UserID:       req.UserID,
		Attestations: req.Attestations,
		ProofType:    req.ProofType,
		Priority:     req.Priority,
		Threshold:    req.Threshold,
		CircuitType:  req.CircuitType,
	})
	if err != nil {
		p.mu.Unlock()
		return "", nil, err
	}
	p.jobs[id] = j
	p.collector.StartProof(id, req.CircuitType, len(req.Attestations))
	p.mu.Unlock()

	p.logAudit("PROOF_REQUESTED", id, req.UserID, true, map[string]string{
		"proof_type": string(req.ProofType),
		"priority":   req.Priority.String(),
		"circuit":    req.CircuitType,
	}, "")
	j.emit(Progress{RequestID: id, Status: proofs.StatusQueued, Stage: "Queued"})
	close(j.ready)
	p.signal()
	return id, j, nil
}

func (p *Pipeline) serveFromCache(ctx context.Context, req GenerateRequest, j *job) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	result, ok, err := p.cache.Get(ctx, j.cacheKey)
	if err != nil {
		logger.L().Warn("读取证明缓存失败", slog.Any("error", err))
		return "", false
	}
	if !ok {
		return "", false
	}

	now := time.Now()
	cached := &proofs.Request{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Priority:     req.Priority,
		Attestations: req.Attestations,
		ProofType:    req.ProofType,
		Threshold:    req.Threshold,
		CircuitType:  req.CircuitType,
		CreatedAt:    now,
		StartedAt:    &now,
		CompletedAt:  &now,
		Status:       proofs.StatusCompleted,
		Progress:     100,
		Result:       &result,
	}
	p.persist(ctx, cached)
	p.logAudit("PROOF_CACHE_HIT", cached.ID, req.UserID, true, map[string]string{"proof_type": string(req.ProofType)}, "")
	j.emit(Progress{RequestID: cached.ID, Status: proofs.StatusCompleted, Progress: 100, Stage: "Completed"})
	j.finish(Outcome{RequestID: cached.ID, Result: result.Clone(), Cached: true}, nil)
	return cached.ID, true
}

// Cancel 取消仍在排队的请求，已出队的请求返回 false。
func (p *Pipeline) Cancel(ctx context.Context, id string) bool {
	if !p.queue.Cancel(id) {
		return false
	}
	p.collector.CompleteProof(id, false, "cancelled")
	j := p.takeJob(id)
	userID := ""
	if j != nil {
		userID = j.userID
	}
	p.logAudit("PROOF_CANCELLED", id, userID, true, nil, "")
	if req, ok := p.queue.Get(id); ok {
		p.persist(ctx, req)
	}
	if j != nil {
		j.emit(Progress{RequestID: id, Status: proofs.StatusCancelled, Stage: "Cancelled"})
		j.finish(Outcome{RequestID: id}, xerrors.Wrap(xerrors.TypeConflict, ErrCancelled, "证明请求已取消"))
	}
	p.signal()
	return true
}

// Lookup 先查队列，再查持久化记录。
func (p *Pipeline) Lookup(ctx context.Context, id string) (*proofs.Request, error) {
	if req, ok := p.queue.Get(id); ok {
		return req, nil
	}
	if p.repo != nil {
		record, err := p.repo.Get(ctx, id)
		if err == nil {
			return record.Request(), nil
		}
		if xerrors.TypeOf(err) != xerrors.TypeNotFound {
			return nil, err
		}
	}
	return nil, xerrors.Wrap(xerrors.TypeNotFound, xerrors.ErrRequestNotFound, fmt.Sprintf("证明请求 %s 不存在", id))
}

// Recent 返回最近持久化的证明记录。
func (p *Pipeline) Recent(ctx context.Context, limit int) ([]proofstore.ProofRecord, error) {
	if p.repo == nil {
		return nil, nil
	}
	return p.repo.ListRecent(ctx, limit)
}

func (p *Pipeline) process(ctx context.Context, req *proofs.Request, j *job) {
	<-j.ready
	if p.sampler != nil {
		trackCtx, stop := context.WithCancel(ctx)
		tracked := make(chan struct{})
		go func() {
			defer close(tracked)
			p.collector.Track(trackCtx, req.ID, p.sampler, p.sampleInterval)
		}()
		defer func() {
			stop()
			<-tracked
		}()
	}

	started := time.Now()
	result, circuit, err := p.processWithRetry(ctx, req, j)
	if err == nil {
		err = p.verify(req.ID, result)
	}
	if err != nil {
		p.fail(ctx, req, j, circuit, err, time.Since(started))
		return
	}
	p.complete(ctx, req, j, result, time.Since(started))
}

func (p *Pipeline) processWithRetry(ctx context.Context, req *proofs.Request, j *job) (proofs.Result, string, *xerrors.Error) {
	circuit := req.CircuitType
	var lastErr *xerrors.Error
	for attempt := 0; attempt < j.maxRetries; {
		prediction := p.collector.PredictDuration(circuit, len(req.Attestations))
		progress := 10 + float64(attempt)/float64(j.maxRetries)*20
		p.queue.UpdateProgress(req.ID, progress, prediction.EstimatedDurationMs)
		j.emit(Progress{
			RequestID:            req.ID,
			Status:               proofs.StatusProcessing,
			Progress:             progress,
			Stage:                fmt.Sprintf("Generating proof (attempt %d/%d)", attempt+1, j.maxRetries),
			EstimatedRemainingMs: prediction.EstimatedDurationMs,
		})

		started := time.Now()
		result, err := p.execute(ctx, req, circuit, j.timeout)
		if err == nil {
			p.collector.RecordStage(req.ID, metrics.StageProofGeneration, time.Since(started))
			p.queue.UpdateProgress(req.ID, 90, 0)
			j.emit(Progress{RequestID: req.ID, Status: proofs.StatusProcessing, Progress: 90, Stage: "Validating proof"})
			return result, circuit, nil
		}

		classified := xerrors.Classify(err).With(xerrors.WithAttempt(attempt), xerrors.WithCircuit(circuit))
		lastErr = classified
		attempt++
		logger.L().Warn("证明生成失败",
			slog.String("request_id", req.ID),
			slog.String("circuit", circuit),
			slog.Int("attempt", attempt),
			slog.Any("error", classified))

		if ctx.Err() != nil || attempt >= j.maxRetries {
			break
		}
		next, ok := p.recover(ctx, req, j, classified)
		if !ok {
			return proofs.Result{}, circuit, classified
		}
		circuit = next
	}
	if lastErr != nil && lastErr.Retryable() && ctx.Err() == nil {
		return proofs.Result{}, circuit, xerrors.Wrap(xerrors.TypeRetriesExhausted, lastErr, "证明重试次数已耗尽",
			xerrors.WithAttempt(j.maxRetries),
			xerrors.WithCircuit(circuit))
	}
	return proofs.Result{}, circuit, lastErr
}

// recover 为错误执行恢复策略，返回下一次尝试使用的电路。
func (p *Pipeline) recover(ctx context.Context, req *proofs.Request, j *job, err *xerrors.Error) (string, bool) {
	strategy := p.chain.Select(err)
	circuit := err.CircuitType()
	if _, ok := strategy.(*recovery.CircuitFallbackStrategy); ok && !j.fallback {
		strategy = nil
		if p.chain.Resource != nil && p.chain.Resource.CanRecover(err) {
			strategy = p.chain.Resource
		}
	}
	if strategy == nil {
		return "", false
	}

	var recoverErr error
	if fallback, ok := strategy.(*recovery.CircuitFallbackStrategy); ok {
		next, _ := fallback.FallbackCircuit(circuit)
		p.logAudit("FALLBACK_CIRCUIT", req.ID, j.userID, true, map[string]string{"from": circuit, "to": next}, "")
		logger.L().Info("切换备用电路",
			slog.String("request_id", req.ID),
			slog.String("from", circuit),
			slog.String("to", next))
		circuit = next
	} else {
		recoverErr = strategy.Recover(ctx, err)
	}
	if p.recoveries != nil {
		p.recoveries.ObserveRecovery(strategy.Name(), recoverErr == nil)
	}
	if recoverErr != nil {
		return "", false
	}
	return circuit, true
}

func (p *Pipeline) execute(ctx context.Context, req *proofs.Request, circuit string, timeout time.Duration) (proofs.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := p.prover.SubmitTask(attemptCtx, workerpool.TaskSpec{
		RequestID:    req.ID,
		Attestations: req.Attestations,
		ProofType:    req.ProofType,
		Threshold:    req.Threshold,
		CircuitType:  circuit,
		Priority:     req.Priority,
	})
	if err == nil {
		var result proofs.Result
		result, err = handle.Wait(attemptCtx)
		if err == nil {
			return result, nil
		}
	}
	if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return proofs.Result{}, xerrors.Wrap(xerrors.TypeProofGenerationTimeout, err,
			fmt.Sprintf("证明生成超时（%s）", timeout), xerrors.WithCircuit(circuit))
	}
	return proofs.Result{}, err
}

func (p *Pipeline) verify(id string, result proofs.Result) *xerrors.Error {
	started := time.Now()
	defer func() {
		p.collector.RecordStage(id, metrics.StageValidation, time.Since(started))
	}()

	// 提交边界无法接受 NaN、Inf 或负数，这里与结构校验一并检查。
	check := p.validator.ValidateForSubmission(result)
	if len(check.Warnings) > 0 {
		logger.L().Warn("证明校验警告", slog.String("request_id", id), slog.Any("warnings", check.Warnings))
	}
	if !check.Valid {
		return xerrors.Classify(check.Err())
	}
	if p.validator.DetectTampering(result.Hash, result.Proof, result.FusedOpinion) {
		return xerrors.New(xerrors.TypeProofValidationFailed, "检测到证明被篡改",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("hash", result.Hash))
	}
	return nil
}

func (p *Pipeline) complete(ctx context.Context, req *proofs.Request, j *job, result proofs.Result, elapsed time.Duration) {
	p.collector.CompleteProof(req.ID, true, "")
	if p.cache != nil {
		if err := p.cache.Set(ctx, j.cacheKey, result, p.cacheTTL); err != nil {
			logger.L().Warn("写入证明缓存失败", slog.String("request_id", req.ID), slog.Any("error", err))
		}
	}
	final := terminal(req, proofs.StatusCompleted)
	res := result.Clone()
	final.Result = &res
	final.Progress = 100
	p.persist(ctx, final)
	p.logAudit("PROOF_COMPLETED", req.ID, j.userID, true, map[string]string{"proof_type": string(req.ProofType)}, "")
	p.queue.Complete(req.ID, result)

	p.track(ctx, len(req.Attestations), elapsed, nil)
	logger.L().Info("证明生成完成",
		slog.String("request_id", req.ID),
		slog.Duration("elapsed", elapsed),
		slog.String("hash", result.Hash))

	p.takeJob(req.ID)
	j.emit(Progress{RequestID: req.ID, Status: proofs.StatusCompleted, Progress: 100, Stage: "Completed"})
	j.finish(Outcome{RequestID: req.ID, Result: result.Clone()}, nil)
}

// terminal 构造终态请求，记录先落库再由队列对外可见。
func terminal(req *proofs.Request, status proofs.Status) *proofs.Request {
	final := req.Clone()
	now := time.Now()
	final.Status = status
	final.CompletedAt = &now
	return final
}

func (p *Pipeline) fail(ctx context.Context, req *proofs.Request, j *job, circuit string, err *xerrors.Error, elapsed time.Duration) {
	p.collector.CompleteProof(req.ID, false, err.Message())
	final := terminal(req, proofs.StatusFailed)
	final.Error = err.Message()
	final.ErrorType = string(err.Type())
	p.persist(ctx, final)
	p.logAudit("PROOF_FAILED", req.ID, j.userID, false, map[string]string{
		"proof_type": string(req.ProofType),
		"error_type": string(err.Type()),
	}, err.Message())
	p.queue.Fail(req.ID, err)
	p.track(ctx, len(req.Attestations), elapsed, err)

	logger.L().Error("证明生成失败",
		slog.String("request_id", req.ID),
		slog.String("error_type", string(err.Type())),
		slog.String("severity", string(err.Severity())),
		slog.Any("error", err))
	if notifyErr := p.dispatcher.Notify(ctx, alerting.Event{
		Kind:      alerting.KindProofFailed,
		Message:   err.Message(),
		Severity:  err.Severity(),
		ErrorType: err.Type(),
		RequestID: req.ID,
		Metadata:  map[string]string{"circuit": circuit},
	}); notifyErr != nil {
		logger.L().Warn("发送失败告警出错", slog.String("request_id", req.ID), slog.Any("error", notifyErr))
	}

	p.takeJob(req.ID)
	j.emit(Progress{RequestID: req.ID, Status: proofs.StatusFailed, Stage: "Failed", Error: err.Message()})
	j.finish(Outcome{RequestID: req.ID}, err)
}

// persist 使用独立的超时，流水线停止时终态记录仍会写入。
func (p *Pipeline) persist(ctx context.Context, req *proofs.Request) {
	if p.repo == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := p.repo.Save(saveCtx, proofstore.RecordFromRequest(req)); err != nil {
		logger.L().Error("保存证明记录失败", slog.String("request_id", req.ID), slog.Any("error", err))
	}
}

func (p *Pipeline) track(ctx context.Context, attestations int, elapsed time.Duration, err *xerrors.Error) {
	if p.telemetry == nil {
		return
	}
	event := TelemetryEvent{
		Method:      p.method,
		DurationMs:  elapsed.Milliseconds(),
		CircuitSize: CircuitSize(attestations),
		Device:      p.device,
		Success:     err == nil,
		Timestamp:   time.Now(),
	}
	if err != nil {
		event.ErrorType = string(err.Type())
	}
	if trackErr := p.telemetry.TrackProof(ctx, event); trackErr != nil {
		logger.L().Debug("上报遥测失败", slog.Any("error", trackErr))
	}
}

func (p *Pipeline) logAudit(action, requestID, userID string, success bool, details map[string]string, errMsg string) {
	p.audit.Log(validator.AuditEntry{
		Action:    action,
		RequestID: requestID,
		UserID:    userID,
		Details:   details,
		Success:   success,
		Error:     errMsg,
	})
}
