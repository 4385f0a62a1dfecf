package live

import (
	"context"
	"fmt"
	"sync"

	"pglivequery/repl"
)

// Source is anything that multicasts change events. Satisfied by
// *repl.Stream and *repl.Subject.
type Source interface {
	Subscribe(o repl.Observer) *repl.Subscription
}

// QueryFunc produces the result a Watcher keeps fresh.
type QueryFunc[R any] func(ctx context.Context) (R, error)

// Predicate decides whether a change invalidates the current result. It
// receives the event payload (the row for inserts and updates, the identity
// for deletes) and the last delivered result (the zero value of R until the
// first emission). Predicates may query the database; they are awaited one
// at a time, in delivery order.
type Predicate[R any] func(ctx context.Context, payload map[string]any, prev R) (bool, error)

// TableHandlers holds the per-event predicates for one table. A nil
// predicate means changes of that kind are ignored.
type TableHandlers[R any] struct {
	Insert Predicate[R]
	Update Predicate[R]
	Delete Predicate[R]
}

// Handlers maps delivered table names to their predicates. Tables absent
// from the map are ignored entirely.
type Handlers[R any] map[string]TableHandlers[R]

func (h Handlers[R]) lookup(table string, kind repl.Kind) Predicate[R] {
	th, ok := h[table]
	if !ok {
		return nil
	}
	switch kind {
	case repl.KindInsert:
		return th.Insert
	case repl.KindUpdate:
		return th.Update
	case repl.KindDelete:
		return th.Delete
	}
	return nil
}

// Subscriber receives the results of a watched query. Nil callbacks are
// skipped. Callbacks must not call back into the Watcher.
type Subscriber[R any] struct {
	Next     func(R)
	Error    func(error)
	Complete func()
}

// Watcher keeps the result of a query fresh against a change stream.
//
// The query runs once on creation and again whenever a predicate accepts a
// change, with re-runs coalesced: at most one query is in flight and at most
// one follow-up is queued, so a burst of invalidations costs a single re-run
// that observes every change accepted before it started. Query errors and
// predicate errors terminate the watcher; the source stream is unaffected.
type Watcher[R any] struct {
	ctx      context.Context
	query    QueryFunc[R]
	handlers Handlers[R]
	sub      Subscriber[R]

	mu      sync.Mutex
	running bool
	queued  bool
	closed  bool
	last    R

	upstream *repl.Subscription

	// Incoming events are buffered so a slow predicate backpressures this
	// watcher only, never the source stream's fan-out.
	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []repl.ChangeEvent
	qclosed bool
}

// Watch subscribes to the change source and runs the query immediately.
// The first result, and every result after an accepted invalidation, is
// delivered through sub.Next and retained for the predicates.
func Watch[R any](ctx context.Context, changes Source, query QueryFunc[R], handlers Handlers[R], sub Subscriber[R]) *Watcher[R] {
	w := &Watcher[R]{
		ctx:      ctx,
		query:    query,
		handlers: handlers,
		sub:      sub,
	}
	w.qcond = sync.NewCond(&w.qmu)
	w.running = true

	up := changes.Subscribe(repl.Observer{
		Next:     w.enqueue,
		Error:    w.fail,
		Complete: w.finish,
	})
	w.mu.Lock()
	w.upstream = up
	closed := w.closed
	w.mu.Unlock()
	if closed {
		// Terminated during Subscribe (source already completed or errored).
		up.Unsubscribe()
		return w
	}

	go w.evalLoop()
	go w.run()
	return w
}

// Unsubscribe detaches the watcher from the change stream. An in-flight
// query completes but its result is discarded; no new query is started and
// no further predicates are invoked. Idempotent.
func (w *Watcher[R]) Unsubscribe() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	up := w.upstream
	w.mu.Unlock()
	w.detach(up)
}

func (w *Watcher[R]) enqueue(ev repl.ChangeEvent) {
	w.qmu.Lock()
	if !w.qclosed {
		w.queue = append(w.queue, ev)
		w.qcond.Signal()
	}
	w.qmu.Unlock()
}

func (w *Watcher[R]) evalLoop() {
	for {
		w.qmu.Lock()
		for len(w.queue) == 0 && !w.qclosed {
			w.qcond.Wait()
		}
		if w.qclosed {
			w.qmu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.qmu.Unlock()
		w.evaluate(ev)
	}
}

// evaluate awaits the predicate for one change and applies the coalescing
// transition if it accepts.
func (w *Watcher[R]) evaluate(ev repl.ChangeEvent) {
	pred := w.handlers.lookup(ev.Table, ev.Event)
	if pred == nil {
		return
	}

	payload := ev.Row
	if ev.Event == repl.KindDelete {
		payload = ev.Identity
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	prev := w.last
	w.mu.Unlock()

	match, err := pred(w.ctx, payload, prev)
	if err != nil {
		w.fail(fmt.Errorf("change handler for %s %s: %w", ev.Table, ev.Event, err))
		return
	}
	if match {
		w.invalidate()
	}
}

// invalidate applies the state machine: idle starts a run, running queues
// one follow-up, running-with-queued drops the invalidation as already
// covered by the pending run.
func (w *Watcher[R]) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if !w.running {
		w.running = true
		go w.run()
	} else if !w.queued {
		w.queued = true
	}
}

// run executes the query once and delivers its result. The queued follow-up,
// if any, starts only after this run finishes, so it observes every change
// that queued it.
func (w *Watcher[R]) run() {
	res, err := w.query(w.ctx)
	if err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.last = res
	if w.sub.Next != nil {
		w.sub.Next(res)
	}
	if w.queued {
		w.queued = false
		go w.run()
	} else {
		w.running = false
	}
	w.mu.Unlock()
}

// fail terminates the watcher with an error. No-op if already closed, so a
// discarded in-flight query cannot error a detached subscriber.
func (w *Watcher[R]) fail(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cb := w.sub.Error
	up := w.upstream
	w.mu.Unlock()
	w.detach(up)
	if cb != nil {
		cb(err)
	}
}

// finish propagates upstream completion to the subscriber.
func (w *Watcher[R]) finish() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cb := w.sub.Complete
	up := w.upstream
	w.mu.Unlock()
	w.detach(up)
	if cb != nil {
		cb()
	}
}

func (w *Watcher[R]) detach(up *repl.Subscription) {
	if up != nil {
		up.Unsubscribe()
	}
	w.qmu.Lock()
	w.qclosed = true
	w.queue = nil
	w.qcond.Signal()
	w.qmu.Unlock()
}
