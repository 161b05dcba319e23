package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"TrustProof-Chain/internal/attestation"
	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/pipeline"
	"TrustProof-Chain/internal/proofs"
	proofcache "TrustProof-Chain/internal/storage/redis"
	"TrustProof-Chain/internal/workerpool"
	"TrustProof-Chain/pkg/logger"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 4 << 20
)

// HTTPObserver 记录 HTTP 请求指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口，供外部计算信誉并提交证明。
type Server struct {
	addr            string
	shutdownTimeout time.Duration

	engine     *ebsl.Engine
	source     attestation.Source
	reputation proofcache.ReputationCache
	pipeline   *pipeline.Pipeline
	pool       *workerpool.Pool
	observer   HTTPObserver
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithEngine 指定信誉计算引擎。
func WithEngine(e *ebsl.Engine) Option { return func(s *Server) { s.engine = e } }

// WithAttestationSource 指定请求未携带证明时的数据来源。
func WithAttestationSource(src attestation.Source) Option {
	return func(s *Server) { s.source = src }
}

// WithReputationCache 缓存按地址计算的信誉结果。
func WithReputationCache(c proofcache.ReputationCache) Option {
	return func(s *Server) { s.reputation = c }
}

// WithPipeline 指定证明流水线。
func WithPipeline(p *pipeline.Pipeline) Option { return func(s *Server) { s.pipeline = p } }

// WithPool 指定 worker 池。
func WithPool(p *workerpool.Pool) Option { return func(s *Server) { s.pool = p } }

// WithHTTPObserver 记录每个请求的耗时与状态码。
func WithHTTPObserver(o HTTPObserver) Option { return func(s *Server) { s.observer = o } }

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/reputation", s.handleReputation)
		r.Post("/reputation/membership", s.handleMembership)

		r.Post("/proofs", s.handleSubmitProof)
		r.Get("/proofs", s.handleListProofs)
		r.Get("/proofs/{id}", s.handleGetProof)
		r.Delete("/proofs/{id}", s.handleCancelProof)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/metrics/snapshot", s.handleMetricsSnapshot)
		r.Get("/audit", s.handleAudit)

		r.Post("/workers", s.handleRegisterWorker)
		r.Get("/workers", s.handleListWorkers)
		r.Delete("/workers/{id}", s.handleUnregisterWorker)
		r.Post("/workers/{id}/heartbeat", s.handleHeartbeat)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.observer == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.observer.ObserveHTTPRequest(pattern, r.Method, rec.code, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.TypeSystemOverload, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.TypeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor 将错误类型映射为 HTTP 状态码。
func statusFor(typ xerrors.Type) int {
	switch typ {
	case xerrors.TypeInvalidArgument, xerrors.TypeInvalidWitnessData, xerrors.TypeInvalidCircuitParameters:
		return http.StatusBadRequest
	case xerrors.TypeAccessDenied:
		return http.StatusForbidden
	case xerrors.TypeNotFound, xerrors.TypeCircuitNotFound:
		return http.StatusNotFound
	case xerrors.TypeConflict:
		return http.StatusConflict
	case xerrors.TypeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.TypeSystemOverload, xerrors.TypeWorkerUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.TypeNetworkError, xerrors.TypeAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError 以 {"error": {...}} 形式返回结构化错误。
func writeError(w http.ResponseWriter, err error) {
	typed := xerrors.Classify(err)
	status := statusFor(typed.Type())
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求处理失败", slog.Any("error", typed))
	}
	writeJSON(w, status, map[string]any{"error": typed})
}

func unavailable(component string) error {
	return xerrors.New(xerrors.TypeSystemOverload, component+" 未初始化")
}

func limitParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// resolveAttestations 优先使用请求携带的证明，否则按地址从来源拉取。
func (s *Server) resolveAttestations(ctx context.Context, address string, provided []ebsl.Attestation) ([]ebsl.Attestation, error) {
	if len(provided) > 0 {
		return provided, nil
	}
	if strings.TrimSpace(address) == "" {
		return nil, xerrors.New(xerrors.TypeInvalidArgument, "address 与 attestations 不能同时为空")
	}
	if err := attestation.ValidateAddress(address); err != nil {
		return nil, err
	}
	if s.source == nil {
		return nil, unavailable("attestation source")
	}
	return s.source.Fetch(ctx, address)
}

type reputationRequest struct {
	Address        string             `json:"address"`
	Attestations   []ebsl.Attestation `json:"attestations,omitempty"`
	ForcePartition bool               `json:"force_partition,omitempty"`
	// Incremental 为 true 时把 Attestations 并入缓存中的已有结果。
	Incremental bool     `json:"incremental,omitempty"`
	BaseWeight  *float64 `json:"base_weight,omitempty"`
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, unavailable("EBSL engine"))
		return
	}
	var req reputationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	if req.Incremental {
		s.updateReputation(w, r, req)
		return
	}

	// 只缓存从来源拉取的结果，调用方自带的证明集合每次重新计算。
	cacheable := s.reputation != nil && len(req.Attestations) == 0 && !req.ForcePartition
	if cacheable {
		if cached, ok, err := s.reputation.Get(ctx, req.Address); err == nil && ok {
			writeJSON(w, http.StatusOK, cached)
			return
		} else if err != nil {
			logger.L().Warn("读取信誉缓存失败", slog.String("address", req.Address), slog.Any("error", err))
		}
	}

	atts, err := s.resolveAttestations(ctx, req.Address, req.Attestations)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.engine.ComputeReputation(ctx, req.Address, atts, req.ForcePartition)
	if err != nil {
		writeError(w, err)
		return
	}
	if cacheable {
		if err := s.reputation.Set(ctx, req.Address, result, 0); err != nil {
			logger.L().Warn("写入信誉缓存失败", slog.String("address", req.Address), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// updateReputation 以缓存结果为基础增量融合新证明，缓存缺失时退化为全量计算。
func (s *Server) updateReputation(w http.ResponseWriter, r *http.Request, req reputationRequest) {
	if s.reputation == nil {
		writeError(w, unavailable("reputation cache"))
		return
	}
	if len(req.Attestations) == 0 {
		writeError(w, xerrors.New(xerrors.TypeInvalidArgument, "增量更新需要提供 attestations"))
		return
	}
	if err := attestation.ValidateAddress(req.Address); err != nil {
		writeError(w, err)
		return
	}
	weight := s.engine.BaseWeight()
	if req.BaseWeight != nil {
		weight = *req.BaseWeight
	}
	ctx := r.Context()

	base, ok, err := s.reputation.Get(ctx, req.Address)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.TypeNetworkError, err, "读取信誉缓存失败"))
		return
	}
	var result ebsl.ReputationResult
	if ok {
		result, err = s.engine.IncrementalUpdateReputation(ctx, base, req.Attestations, weight)
	} else {
		result, err = s.engine.ComputeReputation(ctx, req.Address, req.Attestations, req.ForcePartition)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.reputation.Set(ctx, req.Address, result, 0); err != nil {
		logger.L().Warn("写入信誉缓存失败", slog.String("address", req.Address), slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, result)
}

type membershipRequest struct {
	Address      string             `json:"address,omitempty"`
	Attestations []ebsl.Attestation `json:"attestations,omitempty"`
	MemberIndex  *int               `json:"member_index,omitempty"`
}

// handleMembership 返回证明集合的承诺及成员哈希，供集合成员电路使用。
func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, unavailable("EBSL engine"))
		return
	}
	var req membershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	atts, err := s.resolveAttestations(r.Context(), req.Address, req.Attestations)
	if err != nil {
		writeError(w, err)
		return
	}
	var member *ebsl.Attestation
	if req.MemberIndex != nil {
		idx := *req.MemberIndex
		if idx < 0 || idx >= len(atts) {
			writeError(w, xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("member_index %d 超出范围 [0,%d)", idx, len(atts))))
			return
		}
		member = &atts[idx]
	}
	inputs, err := s.engine.ComputeSetMembershipInputs(atts, member)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inputs)
}

type proofRequest struct {
	UserID       string             `json:"user_id,omitempty"`
	Address      string             `json:"address,omitempty"`
	Attestations []ebsl.Attestation `json:"attestations,omitempty"`
	ProofType    proofs.Type        `json:"proof_type"`
	Threshold    *int64             `json:"threshold,omitempty"`
	Priority     proofs.Priority    `json:"priority"`
	CircuitType  string             `json:"circuit_type,omitempty"`
	MaxRetries   int                `json:"max_retries,omitempty"`
	TimeoutMs    int64              `json:"timeout_ms,omitempty"`
}

type submitResponse struct {
	RequestID string        `json:"request_id"`
	Status    proofs.Status `json:"status"`
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	req := proofRequest{Priority: proofs.PriorityNormal}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProofType == "" {
		req.ProofType = proofs.TypeExact
	}
	if !req.ProofType.Valid() {
		writeError(w, xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("不支持的证明类型: %q", req.ProofType)))
		return
	}
	ctx := r.Context()
	atts, err := s.resolveAttestations(ctx, req.Address, req.Attestations)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.pipeline.Submit(ctx, pipeline.GenerateRequest{
		UserID:       req.UserID,
		Attestations: atts,
		ProofType:    req.ProofType,
		Threshold:    req.Threshold,
		Priority:     req.Priority,
		CircuitType:  req.CircuitType,
		MaxRetries:   req.MaxRetries,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := proofs.StatusQueued
	if current, err := s.pipeline.Lookup(ctx, id); err == nil {
		status = current.Status
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id, Status: status})
}

func (s *Server) handleListProofs(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	records, err := s.pipeline.Recent(r.Context(), limitParam(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	req, err := s.pipeline.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelProof(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if s.pipeline.Cancel(ctx, id) {
		writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "cancelled": true})
		return
	}
	current, err := s.pipeline.Lookup(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeError(w, xerrors.New(xerrors.TypeConflict,
		fmt.Sprintf("请求 %s 当前状态为 %s，无法取消", id, current.Status)))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	resp := map[string]any{"queue": s.pipeline.QueueStats()}
	if s.pool != nil {
		stats, err := s.pool.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp["pool"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Metrics().Snapshot())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, unavailable("proof pipeline"))
		return
	}
	audit := s.pipeline.Audit()
	query := r.URL.Query()
	switch {
	case query.Get("request_id") != "":
		writeJSON(w, http.StatusOK, audit.ForRequest(query.Get("request_id")))
	case query.Get("user_id") != "":
		writeJSON(w, http.StatusOK, audit.ForUser(query.Get("user_id")))
	default:
		writeJSON(w, http.StatusOK, audit.Recent(limitParam(r, 100)))
	}
}

type workerRequest struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, unavailable("worker pool"))
		return
	}
	var req workerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.pool.RegisterWorker(r.Context(), req.ID, req.URL, req.MaxConcurrency); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, unavailable("worker pool"))
		return
	}
	workers, err := s.pool.Workers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, unavailable("worker pool"))
		return
	}
	if err := s.pool.UnregisterWorker(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, unavailable("worker pool"))
		return
	}
	if err := s.pool.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
