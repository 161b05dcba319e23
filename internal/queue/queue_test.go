package queue

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
}

func exact(priority proofs.Priority) Params {
	return Params{ProofType: proofs.TypeExact, Priority: priority}
}

func TestEnqueueCapacity(t *testing.T) {
	q := New(WithMaxQueueSize(2))
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(exact(proofs.PriorityNormal)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := q.Enqueue(exact(proofs.PriorityNormal))
	if err == nil {
		t.Fatalf("expected capacity error")
	}
	if xerrors.TypeOf(err) != xerrors.TypeSystemOverload || !stdErrors.Is(err, xerrors.ErrQueueFull) {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Len() != 2 || !q.AtCapacity() {
		t.Fatalf("queue length exceeded capacity: %d", q.Len())
	}
}

func TestEnqueueRejectsUnknownProofType(t *testing.T) {
	q := New()
	if _, err := q.Enqueue(Params{ProofType: "range"}); xerrors.TypeOf(err) != xerrors.TypeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestPriorityOrderingKeepsFIFO(t *testing.T) {
	q := New(WithIDGenerator(sequentialIDs()), WithMaxConcurrent(10))
	for _, p := range []proofs.Priority{proofs.PriorityNormal, proofs.PriorityNormal, proofs.PriorityLow} {
		if _, err := q.Enqueue(exact(p)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	high, _ := q.Enqueue(exact(proofs.PriorityHigh))
	if _, err := q.Enqueue(exact(proofs.PriorityHigh)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{high, "req-5", "req-1", "req-2", "req-3"}
	for _, id := range want {
		req, ok := q.Dequeue()
		if !ok {
			t.Fatalf("queue drained early")
		}
		if req.ID != id {
			t.Fatalf("expected %s, got %s", id, req.ID)
		}
		if req.Status != proofs.StatusProcessing || req.StartedAt == nil {
			t.Fatalf("dequeued request not marked processing: %+v", req)
		}
	}
}

func TestDequeueRespectsConcurrency(t *testing.T) {
	q := New(WithMaxConcurrent(1))
	q.Enqueue(exact(proofs.PriorityNormal))
	q.Enqueue(exact(proofs.PriorityNormal))

	first, ok := q.Dequeue()
	if !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("dequeue should block at max concurrency")
	}
	if !q.Complete(first.ID, proofs.Result{Proof: []float64{1}}) {
		t.Fatalf("complete failed")
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatalf("dequeue should succeed after completion")
	}
}

func TestLifecycleAndStats(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	q := New(WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	q.Enqueue(exact(proofs.PriorityNormal))
	q.Enqueue(exact(proofs.PriorityNormal))
	q.Enqueue(exact(proofs.PriorityNormal))

	a, _ := q.Dequeue()
	b, _ := q.Dequeue()

	if !q.UpdateProgress(a.ID, 140, 2500) {
		t.Fatalf("update progress failed")
	}
	got, _ := q.Get(a.ID)
	if got.Progress != 100 || got.EstimatedDurationMs != 2500 {
		t.Fatalf("progress not clamped: %+v", got)
	}
	if q.UpdateProgress("req-3", 10, 0) {
		t.Fatalf("queued request should not accept progress")
	}

	q.Complete(a.ID, proofs.Result{Proof: []float64{1, 2}})
	q.Fail(b.ID, xerrors.New(xerrors.TypeProofGenerationTimeout, "timed out"))
	if !q.Cancel("req-3") {
		t.Fatalf("cancel of queued request failed")
	}
	if q.Cancel(a.ID) {
		t.Fatalf("cancel must not affect finished requests")
	}

	failed, _ := q.Get(b.ID)
	if failed.Status != proofs.StatusFailed || failed.ErrorType != string(xerrors.TypeProofGenerationTimeout) {
		t.Fatalf("unexpected failed request: %+v", failed)
	}
	cancelled, _ := q.Get("req-3")
	if cancelled.Status != proofs.StatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected cancelled request: %+v", cancelled)
	}

	stats := q.Stats()
	if stats.TotalCompleted != 1 || stats.TotalFailed != 1 || stats.TotalCancelled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AverageWaitTimeMs <= 0 || stats.AverageProcessingTimeMs <= 0 {
		t.Fatalf("timings not computed: %+v", stats)
	}

	q.ClearCompleted()
	if _, ok := q.Get(a.ID); ok {
		t.Fatalf("completed history should be cleared")
	}
}

func TestProcessingRequestCannotBeCancelled(t *testing.T) {
	q := New()
	id, _ := q.Enqueue(exact(proofs.PriorityNormal))
	q.Dequeue()
	if q.Cancel(id) {
		t.Fatalf("processing request must not be cancellable")
	}
	if q.ActiveCount() != 1 {
		t.Fatalf("request should still be processing")
	}
}

func TestCompletedHistoryBounded(t *testing.T) {
	q := New(WithMaxCompleted(2), WithIDGenerator(sequentialIDs()))
	for i := 0; i < 3; i++ {
		id, _ := q.Enqueue(exact(proofs.PriorityNormal))
		q.Cancel(id)
	}
	snap := q.Snapshot()
	if len(snap.Completed) != 2 || snap.Completed[0].ID != "req-2" {
		t.Fatalf("oldest completed request should be evicted: %+v", snap.Completed)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	updates := q.Subscribe(ctx)

	initial := <-updates
	if len(initial.Queued) != 0 {
		t.Fatalf("initial snapshot should be empty")
	}

	q.Enqueue(exact(proofs.PriorityNormal))
	q.Enqueue(exact(proofs.PriorityHigh))

	select {
	case snap := <-updates:
		if len(snap.Queued) != 2 || snap.Queued[0].Priority != proofs.PriorityHigh {
			t.Fatalf("subscriber should see latest snapshot: %+v", snap.Queued)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			// 取消前可能还有一份快照在缓冲中
			if _, ok := <-updates; ok {
				t.Fatalf("channel should be closed after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
