package workerpool

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/observability/alerting"
	"TrustProof-Chain/internal/proofs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startPool(t *testing.T, exec Executor, opts ...Option) *Pool {
	t.Helper()
	pool := New(exec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pool
}

type gateExecutor struct {
	started chan string
	release chan struct{}
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gateExecutor) Execute(ctx context.Context, w Worker, task Task) (proofs.Result, error) {
	g.started <- w.ID
	select {
	case <-g.release:
	case <-ctx.Done():
		return proofs.Result{}, ctx.Err()
	}
	return BuildResult(task, func() float64 { return 1 })
}

func waitStarted(t *testing.T, g *gateExecutor) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("task was not dispatched")
		return ""
	}
}

func exactSpec() TaskSpec {
	return TaskSpec{ProofType: proofs.TypeExact, Priority: proofs.PriorityNormal}
}

func TestTwoWorkersThreeTasks(t *testing.T) {
	gate := newGateExecutor()
	pool := startPool(t, gate)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		if err := pool.RegisterWorker(ctx, id, "http://"+id, 1); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		h, err := pool.SubmitTask(ctx, exactSpec())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		handles = append(handles, h)
	}

	first, second := waitStarted(t, gate), waitStarted(t, gate)
	if first == second {
		t.Fatalf("both tasks dispatched to %s", first)
	}
	stats, err := pool.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingTasks != 1 || stats.ActiveTasks != 2 || stats.BusyWorkers != 2 {
		t.Fatalf("expected 2 dispatched and 1 pending: %+v", stats)
	}

	close(gate.release)
	for _, h := range handles {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		result, err := h.Wait(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("task %s failed: %v", h.ID(), err)
		}
		if len(result.Proof) != 8 || result.PublicInputs[0] != 500000 {
			t.Fatalf("unexpected result: %+v", result)
		}
	}

	stats, _ = pool.Stats(ctx)
	if stats.TotalProcessed != 3 || stats.PendingTasks != 0 || stats.ActiveTasks != 0 {
		t.Fatalf("unexpected final stats: %+v", stats)
	}
}

type scriptedExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedExecutor) Execute(_ context.Context, _ Worker, task Task) (proofs.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		if err != nil {
			return proofs.Result{}, err
		}
	}
	return BuildResult(task, func() float64 { return 7 })
}

func (s *scriptedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func submitAndWait(t *testing.T, pool *Pool, spec TaskSpec) (proofs.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := pool.SubmitTask(ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return h.Wait(ctx)
}

func TestRetryableFailureIsRetried(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{stdErrors.New("network unreachable"), nil}}
	pool := startPool(t, exec)
	if err := pool.RegisterWorker(context.Background(), "w1", "http://w1", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := submitAndWait(t, pool, exactSpec()); err != nil {
		t.Fatalf("task should succeed after retry: %v", err)
	}
	if exec.Calls() != 2 {
		t.Fatalf("expected 2 executions, got %d", exec.Calls())
	}
	workers, _ := pool.Workers(context.Background())
	if workers[0].TotalFailed != 1 || workers[0].TotalProcessed != 1 {
		t.Fatalf("unexpected worker counters: %+v", workers[0])
	}
}

func TestFatalFailureRejectsImmediately(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{xerrors.New(xerrors.TypeInvalidWitnessData, "bad witness")}}
	pool := startPool(t, exec)
	_ = pool.RegisterWorker(context.Background(), "w1", "http://w1", 1)

	_, err := submitAndWait(t, pool, exactSpec())
	if xerrors.TypeOf(err) != xerrors.TypeInvalidWitnessData {
		t.Fatalf("expected fatal witness error, got %v", err)
	}
	if exec.Calls() != 1 {
		t.Fatalf("fatal error must not be retried")
	}
}

func TestRetriesExhausted(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{stdErrors.New("request timed out")}}
	pool := startPool(t, exec, WithMaxRetries(3))
	_ = pool.RegisterWorker(context.Background(), "w1", "http://w1", 1)

	_, err := submitAndWait(t, pool, exactSpec())
	if xerrors.TypeOf(err) != xerrors.TypeRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if !stdErrors.Is(err, xerrors.New(xerrors.TypeProofGenerationTimeout, "")) {
		t.Fatalf("cause should be the classified timeout: %v", err)
	}
	if exec.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", exec.Calls())
	}
}

func TestUnregisterSalvagesTasks(t *testing.T) {
	gate := newGateExecutor()
	pool := startPool(t, gate)
	ctx := context.Background()
	_ = pool.RegisterWorker(ctx, "w1", "http://w1", 1)

	h, err := pool.SubmitTask(ctx, exactSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id := waitStarted(t, gate); id != "w1" {
		t.Fatalf("expected w1, got %s", id)
	}
	if err := pool.UnregisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	task, ok, _ := pool.Task(ctx, h.ID())
	if !ok || task.Retries != 1 || task.AssignedTo != "" {
		t.Fatalf("task not salvaged: %+v", task)
	}

	_ = pool.RegisterWorker(ctx, "w2", "http://w2", 1)
	if id := waitStarted(t, gate); id != "w2" {
		t.Fatalf("expected reassignment to w2, got %s", id)
	}
	close(gate.release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := h.Wait(waitCtx); err != nil {
		t.Fatalf("salvaged task failed: %v", err)
	}

	if err := pool.UnregisterWorker(ctx, "missing"); !stdErrors.Is(err, xerrors.ErrWorkerNotFound) {
		t.Fatalf("expected worker not found, got %v", err)
	}
}

func TestSalvageKeepsSubmissionOrder(t *testing.T) {
	gate := newGateExecutor()
	pool := startPool(t, gate)
	ctx := context.Background()
	_ = pool.RegisterWorker(ctx, "w1", "http://w1", 8)

	var submitted []string
	for i := 0; i < 8; i++ {
		h, err := pool.SubmitTask(ctx, exactSpec())
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		submitted = append(submitted, h.ID())
	}
	for range submitted {
		waitStarted(t, gate)
	}
	if err := pool.UnregisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	var pending []string
	if err := pool.do(ctx, func() {
		for _, st := range pool.pending {
			pending = append(pending, st.task.ID)
		}
	}); err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != len(submitted) {
		t.Fatalf("expected %d pending tasks, got %d", len(submitted), len(pending))
	}
	for i := range submitted {
		if pending[i] != submitted[i] {
			t.Fatalf("position %d: expected %s, got %s", i, submitted[i], pending[i])
		}
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitEvent(t *testing.T, events <-chan alerting.Event, kind alerting.Kind) alerting.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s not received", kind)
			return alerting.Event{}
		}
	}
}

func TestHeartbeatMarksOfflineAndRecovers(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	notifier := alerting.NewChannelNotifier(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := notifier.Subscribe(ctx)

	pool := startPool(t, newGateExecutor(),
		WithClock(clock.Now),
		WithHeartbeat(5*time.Millisecond, 2),
		WithDispatcher(alerting.NewFanout(notifier)))
	_ = pool.RegisterWorker(ctx, "w1", "http://w1", 1)

	clock.Advance(time.Minute)
	offline := waitEvent(t, events, alerting.KindWorkerOffline)
	if offline.WorkerID != "w1" {
		t.Fatalf("unexpected offline event: %+v", offline)
	}
	workers, _ := pool.Workers(ctx)
	if workers[0].Status != StatusOffline {
		t.Fatalf("worker should be offline: %+v", workers[0])
	}

	if err := pool.Heartbeat(ctx, "w1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	waitEvent(t, events, alerting.KindWorkerOnline)
	workers, _ = pool.Workers(ctx)
	if workers[0].Status != StatusIdle {
		t.Fatalf("worker should be back online: %+v", workers[0])
	}
}

type recordingObserver struct {
	mu         sync.Mutex
	directions []string
	idle       int
}

func (r *recordingObserver) SetWorkers(idle, _, _ int) {
	r.mu.Lock()
	r.idle = idle
	r.mu.Unlock()
}

func (r *recordingObserver) ObserveScaleIntent(direction string) {
	r.mu.Lock()
	r.directions = append(r.directions, direction)
	r.mu.Unlock()
}

func TestCheckScaling(t *testing.T) {
	gate := newGateExecutor()
	observer := &recordingObserver{}
	pool := startPool(t, gate, WithScaling(1, 3, 0.8, 0.2), WithObserver(observer))
	ctx := context.Background()
	_ = pool.RegisterWorker(ctx, "w1", "http://w1", 1)

	if _, err := pool.SubmitTask(ctx, exactSpec()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := pool.SubmitTask(ctx, exactSpec()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitStarted(t, gate)

	intent, err := pool.CheckScaling(ctx)
	if err != nil {
		t.Fatalf("check scaling: %v", err)
	}
	if intent == nil || intent.Target != 2 || intent.Pending != 1 {
		t.Fatalf("expected scale up intent, got %+v", intent)
	}

	close(gate.release)
	waitStarted(t, gate)
	_ = pool.RegisterWorker(ctx, "w2", "http://w2", 1)
	_ = pool.RegisterWorker(ctx, "w3", "http://w3", 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, _ := pool.Stats(ctx)
		if stats.TotalProcessed == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not finish: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
	intent, _ = pool.CheckScaling(ctx)
	if intent == nil || intent.Target != 2 || intent.Current != 3 {
		t.Fatalf("expected scale down intent, got %+v", intent)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.directions) != 2 || observer.directions[0] != "up" || observer.directions[1] != "down" {
		t.Fatalf("unexpected observed intents: %v", observer.directions)
	}
	if observer.idle != 3 {
		t.Fatalf("gauges not published: idle=%d", observer.idle)
	}
}

func TestSelectWorkerPrefersLowLoadThenFaster(t *testing.T) {
	pool := New(nil)
	add := func(id string, active, max int, avg float64) {
		pool.workers[id] = &Worker{ID: id, Status: StatusIdle, ActiveJobs: active, MaxConcurrency: max, AvgDurationMs: avg}
		pool.order = append(pool.order, id)
	}
	add("slow", 0, 2, 900)
	add("fast", 0, 4, 100)
	add("loaded", 1, 2, 10)
	add("full", 2, 2, 1)

	if w := pool.selectWorker(); w.ID != "fast" {
		t.Fatalf("expected fast, got %s", w.ID)
	}
	pool.workers["fast"].Status = StatusOffline
	if w := pool.selectWorker(); w.ID != "slow" {
		t.Fatalf("expected slow, got %s", w.ID)
	}
}

func TestPendingOrderRetriedAheadOfEqualPriority(t *testing.T) {
	pool := New(nil)
	mk := func(id string, p proofs.Priority) *taskState {
		return &taskState{task: Task{ID: id, Priority: p}}
	}
	pool.insertPending(mk("n1", proofs.PriorityNormal), false)
	pool.insertPending(mk("n2", proofs.PriorityNormal), false)
	pool.insertPending(mk("h1", proofs.PriorityHigh), false)
	pool.insertPending(mk("retry", proofs.PriorityNormal), true)

	want := []string{"h1", "retry", "n1", "n2"}
	for i, st := range pool.pending {
		if st.task.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], st.task.ID)
		}
	}
}

func TestShutdownRejectsPendingTasks(t *testing.T) {
	pool := New(newGateExecutor())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	h, err := pool.SubmitTask(context.Background(), exactSpec())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	<-done

	if _, err := h.Wait(context.Background()); !stdErrors.Is(err, xerrors.ErrPoolClosed) {
		t.Fatalf("expected pool closed error, got %v", err)
	}
	if _, err := pool.SubmitTask(context.Background(), exactSpec()); !stdErrors.Is(err, xerrors.ErrPoolClosed) {
		t.Fatalf("submit after shutdown should fail, got %v", err)
	}
}

func TestBuildResultThreshold(t *testing.T) {
	threshold := int64(400000)
	task := Task{
		ProofType: proofs.TypeThreshold,
		Threshold: &threshold,
		Attestations: []ebsl.Attestation{{
			Source: "a", Target: "b", Weight: 1,
			Opinion: ebsl.Opinion{Belief: 0.8, Disbelief: 0.1, Uncertainty: 0.1, BaseRate: 0.5},
		}},
	}
	result, err := BuildResult(task, func() float64 { return 3 })
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	if len(result.Proof) != 10 || result.PublicInputs[0] != 400000 || result.PublicInputs[1] != 1 {
		t.Fatalf("unexpected threshold result: %+v", result)
	}
	if result.Hash != proofs.Hash(result.Proof, result.FusedOpinion) {
		t.Fatalf("hash does not bind proof to opinion")
	}
}
