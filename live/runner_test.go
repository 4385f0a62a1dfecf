package live

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pglivequery/repl"
)

const testTimeout = 2 * time.Second

func insertEvent(table string, row map[string]any) repl.ChangeEvent {
	return repl.ChangeEvent{Table: table, Event: repl.KindInsert, Row: row}
}

func acceptAll[R any](context.Context, map[string]any, R) (bool, error) {
	return true, nil
}

// recv waits for one value with a deadline.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestInitialEmission(t *testing.T) {
	s := repl.NewSubject()
	results := make(chan int, 4)

	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 42, nil },
		nil,
		Subscriber[int]{Next: func(r int) { results <- r }})
	defer w.Unsubscribe()

	if got := recv(t, results, "initial emission"); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestInvalidationTriggersRerun(t *testing.T) {
	s := repl.NewSubject()
	var calls atomic.Int32
	results := make(chan int32, 4)

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) { return calls.Add(1), nil },
		Handlers[int32]{"widgets": {Insert: acceptAll[int32]}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	s.Next(insertEvent("widgets", map[string]any{"id": 1}))

	if got := recv(t, results, "re-run emission"); got != 2 {
		t.Errorf("expected second query result, got %d", got)
	}
}

func TestRejectedAndUnhandledChangesIgnored(t *testing.T) {
	s := repl.NewSubject()
	var calls atomic.Int32
	results := make(chan int32, 8)

	never := func(context.Context, map[string]any, int32) (bool, error) { return false, nil }

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) { return calls.Add(1), nil },
		Handlers[int32]{"widgets": {Insert: never, Update: acceptAll[int32]}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")

	// None of these may trigger a run: predicate false, no delete handler,
	// table not in the map.
	s.Next(insertEvent("widgets", nil))
	s.Next(repl.ChangeEvent{Table: "widgets", Event: repl.KindDelete, Identity: map[string]any{"id": 1}})
	s.Next(insertEvent("other", nil))

	// A control change that is accepted; its run must be the second call.
	s.Next(repl.ChangeEvent{Table: "widgets", Event: repl.KindUpdate, Row: map[string]any{"id": 1}})

	if got := recv(t, results, "control emission"); got != 2 {
		t.Errorf("discarded changes triggered runs: result %d", got)
	}
}

func TestCoalescingUnderBurst(t *testing.T) {
	s := repl.NewSubject()
	var calls atomic.Int32
	started := make(chan struct{}, 8)
	gate := make(chan struct{}, 8)
	results := make(chan int32, 8)
	evaluated := make(chan struct{}, 8)

	pred := func(context.Context, map[string]any, int32) (bool, error) {
		evaluated <- struct{}{}
		return true, nil
	}

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) {
			n := calls.Add(1)
			started <- struct{}{}
			<-gate
			return n, nil
		},
		Handlers[int32]{"widgets": {Insert: pred}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})
	defer w.Unsubscribe()

	recv(t, started, "initial query start")

	// Burst of invalidations while the first run is in flight.
	for i := 0; i < 5; i++ {
		s.Next(insertEvent("widgets", map[string]any{"id": i}))
	}
	for i := 0; i < 5; i++ {
		recv(t, evaluated, "predicate evaluation")
	}

	gate <- struct{}{}
	recv(t, results, "initial emission")

	// Exactly one coalesced follow-up run.
	recv(t, started, "follow-up query start")
	gate <- struct{}{}
	recv(t, results, "follow-up emission")

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("expected exactly 2 query runs (1 initial + 1 coalesced), got %d", got)
	}
}

func TestAtMostOneQueryInFlight(t *testing.T) {
	s := repl.NewSubject()
	var inFlight, violations, runs atomic.Int32
	results := make(chan int32, 64)

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) {
			if inFlight.Add(1) > 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return runs.Add(1), nil
		},
		Handlers[int32]{"widgets": {Insert: acceptAll[int32]}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	for i := 0; i < 50; i++ {
		s.Next(insertEvent("widgets", map[string]any{"id": i}))
	}
	recv(t, results, "at least one re-run")

	time.Sleep(100 * time.Millisecond)
	if violations.Load() != 0 {
		t.Errorf("observed %d concurrent query executions", violations.Load())
	}
}

func TestUnsubscribeStopsWork(t *testing.T) {
	s := repl.NewSubject()
	var calls atomic.Int32
	results := make(chan int32, 8)

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) { return calls.Add(1), nil },
		Handlers[int32]{"widgets": {Insert: acceptAll[int32]}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})

	recv(t, results, "initial emission")
	s.Next(insertEvent("widgets", nil))
	recv(t, results, "re-run emission")

	w.Unsubscribe()
	s.Next(insertEvent("widgets", nil))
	s.Next(insertEvent("widgets", nil))

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("query invoked %d times, expected 2", got)
	}
	select {
	case r := <-results:
		t.Errorf("emission after unsubscribe: %d", r)
	default:
	}
}

func TestLastResultGating(t *testing.T) {
	s := repl.NewSubject()
	var calls atomic.Int32
	results := make(chan int32, 8)

	// Re-run only while the last result is below 2: the first invalidation
	// (prev=1) is accepted, the second (prev=2) is not.
	below2 := func(_ context.Context, _ map[string]any, prev int32) (bool, error) {
		return prev < 2, nil
	}

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) { return calls.Add(1), nil },
		Handlers[int32]{"widgets": {Insert: below2}},
		Subscriber[int32]{Next: func(r int32) { results <- r }})
	defer w.Unsubscribe()

	if got := recv(t, results, "initial emission"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	s.Next(insertEvent("widgets", nil))
	if got := recv(t, results, "gated re-run"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}

	s.Next(insertEvent("widgets", nil))
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("predicate over last result did not gate re-runs: %d calls", got)
	}
}

func TestDeletePayloadIsIdentity(t *testing.T) {
	s := repl.NewSubject()
	payloads := make(chan map[string]any, 4)
	results := make(chan int, 4)

	capture := func(_ context.Context, payload map[string]any, _ int) (bool, error) {
		payloads <- payload
		return false, nil
	}

	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 0, nil },
		Handlers[int]{"widgets": {Delete: capture}},
		Subscriber[int]{Next: func(r int) { results <- r }})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	s.Next(repl.ChangeEvent{
		Table:    "widgets",
		Event:    repl.KindDelete,
		Identity: map[string]any{"id": 7},
	})

	got := recv(t, payloads, "delete payload")
	if got["id"] != 7 {
		t.Errorf("delete predicate received %v, expected the identity map", got)
	}
}

func TestQueryErrorIsTerminal(t *testing.T) {
	s := repl.NewSubject()
	boom := errors.New("boom")
	errs := make(chan error, 4)
	results := make(chan int, 4)

	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 0, boom },
		Handlers[int]{"widgets": {Insert: acceptAll[int]}},
		Subscriber[int]{
			Next:  func(r int) { results <- r },
			Error: func(err error) { errs <- err },
		})
	defer w.Unsubscribe()

	if err := recv(t, errs, "terminal error"); !errors.Is(err, boom) {
		t.Errorf("unexpected error: %v", err)
	}
	select {
	case r := <-results:
		t.Errorf("emission from failed query: %d", r)
	default:
	}
}

func TestHandlerErrorIsTerminal(t *testing.T) {
	s := repl.NewSubject()
	boom := errors.New("membership check failed")
	errs := make(chan error, 4)
	results := make(chan int32, 4)
	var calls atomic.Int32

	failing := func(context.Context, map[string]any, int32) (bool, error) {
		return false, boom
	}

	w := Watch(context.Background(), s,
		func(context.Context) (int32, error) { return calls.Add(1), nil },
		Handlers[int32]{"widgets": {Insert: failing}},
		Subscriber[int32]{
			Next:  func(r int32) { results <- r },
			Error: func(err error) { errs <- err },
		})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	s.Next(insertEvent("widgets", nil))

	if err := recv(t, errs, "terminal error"); !errors.Is(err, boom) {
		t.Errorf("handler error not propagated: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("runs after handler error: %d", calls.Load())
	}
}

func TestUpstreamCompletePropagates(t *testing.T) {
	s := repl.NewSubject()
	completed := make(chan struct{}, 1)
	results := make(chan int, 4)

	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 1, nil },
		nil,
		Subscriber[int]{
			Next:     func(r int) { results <- r },
			Complete: func() { completed <- struct{}{} },
		})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	s.Complete()
	recv(t, completed, "completion")
}

func TestUpstreamErrorPropagates(t *testing.T) {
	s := repl.NewSubject()
	boom := errors.New("poll transport failed")
	errs := make(chan error, 1)
	results := make(chan int, 4)

	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 1, nil },
		nil,
		Subscriber[int]{
			Next:  func(r int) { results <- r },
			Error: func(err error) { errs <- err },
		})
	defer w.Unsubscribe()

	recv(t, results, "initial emission")
	s.Error(boom)

	if err := recv(t, errs, "terminal error"); !errors.Is(err, boom) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWatchOnCompletedSource(t *testing.T) {
	s := repl.NewSubject()
	s.Complete()

	completed := make(chan struct{}, 1)
	w := Watch(context.Background(), s,
		func(context.Context) (int, error) { return 1, nil },
		nil,
		Subscriber[int]{Complete: func() { completed <- struct{}{} }})
	defer w.Unsubscribe()

	recv(t, completed, "immediate completion")
}
