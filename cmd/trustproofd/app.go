package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"TrustProof-Chain/internal/api"
	"TrustProof-Chain/internal/attestation"
	"TrustProof-Chain/internal/config"
	"TrustProof-Chain/internal/ebsl"
	"TrustProof-Chain/internal/metrics"
	"TrustProof-Chain/internal/observability/alerting"
	obsmetrics "TrustProof-Chain/internal/observability/metrics"
	"TrustProof-Chain/internal/pipeline"
	"TrustProof-Chain/internal/queue"
	"TrustProof-Chain/internal/recovery"
	proofstore "TrustProof-Chain/internal/storage/mysql"
	proofcache "TrustProof-Chain/internal/storage/redis"
	"TrustProof-Chain/internal/validator"
	"TrustProof-Chain/internal/workerpool"
	"TrustProof-Chain/pkg/logger"
)

// gaugeInterval 控制队列深度指标的刷新周期。
const gaugeInterval = 5 * time.Second

// app 持有守护进程的全部组件，由 newApp 显式装配。
type app struct {
	cfg *config.Config

	engine     *ebsl.Engine
	source     attestation.Source
	queue      *queue.Queue
	pool       *workerpool.Pool
	pipeline   *pipeline.Pipeline
	exporter   *obsmetrics.Exporter
	reputation proofcache.ReputationCache
	server     *api.Server

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, exporter: obsmetrics.NewExporter()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.engine = newEngine(cfg.EBSL)

	if a.source, err = newSource(cfg.Attestations); err != nil {
		return nil, err
	}

	dispatcher, err := a.newDispatcher(cfg.Events)
	if err != nil {
		return nil, err
	}

	proofCache, reputation, err := a.newCaches(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.reputation = reputation

	repo, err := a.newRepository(ctx, cfg.Storage.Proofs)
	if err != nil {
		return nil, err
	}

	a.queue = queue.New(
		queue.WithMaxQueueSize(cfg.Queue.MaxSize),
		queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
		queue.WithMaxCompleted(cfg.Queue.CompletedHistory),
		queue.WithIDGenerator(uuid.NewString),
	)

	a.pool = workerpool.New(newExecutor(cfg.Pool),
		workerpool.WithDispatcher(dispatcher),
		workerpool.WithObserver(a.exporter),
		workerpool.WithScaling(cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers, cfg.Pool.ScaleUpThreshold, cfg.Pool.ScaleDownThreshold),
		workerpool.WithHeartbeat(cfg.Pool.HeartbeatInterval, cfg.Pool.MissedBeatsAllowed),
		workerpool.WithScalingInterval(cfg.Pool.ScalingInterval),
		workerpool.WithMaxRetries(cfg.Pool.MaxRetries),
		workerpool.WithExecutionTimeout(cfg.Pool.ExecutorTimeout),
	)

	collector := metrics.NewCollector(
		metrics.WithMaxStored(cfg.Metrics.MaxStored),
		metrics.WithObserver(a.exporter),
		metrics.WithQueueDepth(func() int { return a.queue.Stats().TotalQueued }),
	)

	access := validator.NewAccessControl(validator.WithRequestsPerHour(cfg.Pipeline.RateLimitPerHour))
	for _, user := range cfg.Pipeline.AllowedUsers {
		access.AllowUser(user)
	}

	method := pipeline.MethodRemote
	if cfg.Pool.Executor == "simulated" {
		method = pipeline.MethodSimulation
	}

	opts := []pipeline.Option{
		pipeline.WithRecovery(newRecoveryChain(cfg.Recovery)),
		pipeline.WithMetrics(collector),
		pipeline.WithValidator(validator.New()),
		pipeline.WithAccessControl(access),
		pipeline.WithAuditTrail(validator.NewAuditTrail(0)),
		pipeline.WithCache(proofCache, cfg.Pipeline.CacheTTL),
		pipeline.WithRepository(repo),
		pipeline.WithDispatcher(dispatcher),
		pipeline.WithRecoveryObserver(a.exporter),
		pipeline.WithTelemetry(pipeline.LogTelemetry{}, method, pipeline.DetectDevice(ctx)),
		pipeline.WithDefaultCircuit(cfg.Pipeline.DefaultCircuit),
		pipeline.WithMaxRetries(cfg.Recovery.MaxRetries),
		pipeline.WithTimeout(cfg.Pipeline.Timeout),
		pipeline.WithFallback(cfg.Pipeline.FallbackEnabled()),
	}
	if sampler, serr := metrics.NewProcessSampler(); serr != nil {
		logger.L().Warn("资源采样不可用", slog.Any("error", serr))
	} else {
		opts = append(opts, pipeline.WithSampler(sampler, cfg.Metrics.SampleInterval))
	}
	a.pipeline = pipeline.New(a.queue, a.pool, opts...)

	a.server = api.NewServer(cfg.Server.Address,
		api.WithEngine(a.engine),
		api.WithAttestationSource(a.source),
		api.WithReputationCache(reputation),
		api.WithPipeline(a.pipeline),
		api.WithPool(a.pool),
		api.WithHTTPObserver(a.exporter),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	return a, nil
}

func newEngine(cfg config.EBSLConfig) *ebsl.Engine {
	return ebsl.NewEngine(
		ebsl.WithPartitionThreshold(cfg.PartitionThreshold),
		ebsl.WithMaxPartitionSize(cfg.MaxPartitionSize),
		ebsl.WithBaseWeight(cfg.BaseWeight),
		ebsl.WithParallelism(cfg.Parallelism),
	)
}

func newSource(cfg config.AttestationConfig) (attestation.Source, error) {
	var src attestation.Source
	switch cfg.Source {
	case "static", "":
		src = attestation.NewStaticSource()
	case "file":
		src = attestation.NewFileSource(cfg.Path)
	case "http":
		src = attestation.NewHTTPSource(cfg.URL, &http.Client{Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("未知的证明来源: %s", cfg.Source)
	}
	if cfg.Fallback {
		src = attestation.NewFallbackSource(src)
	}
	return src, nil
}

func newExecutor(cfg config.PoolConfig) workerpool.Executor {
	if cfg.Executor == "http" {
		return workerpool.NewHTTPExecutor(&http.Client{Timeout: cfg.ExecutorTimeout})
	}
	return workerpool.NewSimulatedExecutor(200*time.Millisecond, 0, time.Now().UnixNano())
}

func newRecoveryChain(cfg config.RecoveryConfig) *recovery.Chain {
	return &recovery.Chain{
		Retry:    recovery.NewRetryStrategy(cfg.MaxRetries, cfg.BaseDelay, cfg.MaxDelay),
		Fallback: recovery.NewCircuitFallbackStrategy(cfg.FallbackCircuits),
		Resource: recovery.NewResourceOptimizationStrategy(recovery.WithCooldown(cfg.Cooldown)),
	}
}

func (a *app) newDispatcher(cfg config.EventsConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.NewLogNotifier(nil)}
	if cfg.RabbitMQ.Enabled {
		mq, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mq.Close)
		notifiers = append(notifiers, mq)
	}
	return alerting.NewFanout(notifiers...), nil
}

func (a *app) newCaches(ctx context.Context, cfg *config.Config) (proofcache.ProofCache, proofcache.ReputationCache, error) {
	switch cfg.Storage.Cache.Driver {
	case "redis":
		client, err := proofcache.NewClient(ctx, proofcache.Config{
			Address:  cfg.Storage.Cache.Addr,
			Password: cfg.Storage.Cache.Password,
			DB:       cfg.Storage.Cache.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client.Close)
		return proofcache.NewRedisProofCache(client, cfg.Storage.Cache.Prefix, cfg.Pipeline.CacheTTL),
			proofcache.NewRedisReputationCache(client, cfg.Storage.Cache.Prefix, cfg.Pipeline.CacheTTL),
			nil
	default:
		return proofcache.NewMemoryProofCache(proofcache.WithMaxSize(cfg.Pipeline.CacheSize), proofcache.WithTTL(cfg.Pipeline.CacheTTL)),
			proofcache.NewMemoryReputationCache(proofcache.WithTTL(cfg.Pipeline.CacheTTL)),
			nil
	}
}

func (a *app) newRepository(ctx context.Context, cfg config.ProofStoreConfig) (proofstore.ProofRepository, error) {
	switch cfg.Driver {
	case "mysql":
		repo, err := proofstore.NewSQLProofRepository(ctx, proofstore.Config{DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		repo, err := proofstore.NewMemoryProofRepository(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	}
}

// run 启动 worker 池、流水线、指标与 API 服务，任一组件异常退出时整体停止。
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.pool.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.pipeline.Run(gctx)) })

	if err := a.registerWorkers(gctx); err != nil {
		cancel()
		return errors.Join(err, ignoreCanceled(g.Wait()))
	}

	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return ignoreCanceled(a.exporter.StartServer(gctx, a.cfg.Metrics.Address)) })
	}
	g.Go(func() error {
		a.refreshGauges(gctx)
		return nil
	})
	g.Go(func() error { return ignoreCanceled(a.server.Start(gctx)) })

	logger.L().Info("trustproofd 已启动",
		slog.String("address", a.cfg.Server.Address),
		slog.String("executor", a.cfg.Pool.Executor),
		slog.String("proof_store", a.cfg.Storage.Proofs.Driver),
		slog.String("cache", a.cfg.Storage.Cache.Driver),
	)
	return ignoreCanceled(g.Wait())
}

// registerWorkers 注册配置中的静态 worker；模拟执行器且未配置 worker 时注册一个本地 worker。
func (a *app) registerWorkers(ctx context.Context) error {
	workers := a.cfg.Pool.Workers
	if len(workers) == 0 && a.cfg.Pool.Executor == "simulated" {
		workers = []config.WorkerConfig{{ID: "local", URL: "local://simulated", MaxConcurrency: a.cfg.Queue.MaxConcurrent}}
	}
	for _, w := range workers {
		if err := a.pool.RegisterWorker(ctx, w.ID, w.URL, w.MaxConcurrency); err != nil {
			return fmt.Errorf("注册 worker %s 失败: %w", w.ID, err)
		}
	}
	return nil
}

func (a *app) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		a.exporter.SetQueueDepth(a.queue.Stats().TotalQueued)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
