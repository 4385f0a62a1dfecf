package repl

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Observer receives events from a Subject. Nil callbacks are skipped.
type Observer struct {
	Next     func(ChangeEvent)
	Error    func(error)
	Complete func()
}

// Subject is a multicast fan-out of change events. Every subscriber sees the
// same sequence from the moment of subscription; there is no replay and no
// buffering. Complete and Error are terminal: later Next calls are no-ops and
// later subscribers are notified immediately.
type Subject struct {
	mu        sync.Mutex
	observers []*subjectEntry
	done      bool
	err       error
}

type subjectEntry struct {
	o Observer
}

// Subscription is the handle returned by Subscribe. Unsubscribe is
// idempotent and does not affect other subscribers.
type Subscription struct {
	subject *Subject
	entry   *subjectEntry
	once    sync.Once
}

// NewSubject creates an empty Subject.
func NewSubject() *Subject {
	return &Subject{}
}

// Subscribe registers an observer for subsequent events. If the subject has
// already terminated, the observer's terminal callback is invoked immediately
// and an inert subscription is returned.
func (s *Subject) Subscribe(o Observer) *Subscription {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil && o.Error != nil {
			safeCall(func() { o.Error(err) })
		} else if err == nil && o.Complete != nil {
			safeCall(o.Complete)
		}
		return &Subscription{}
	}
	e := &subjectEntry{o: o}
	s.observers = append(s.observers, e)
	s.mu.Unlock()
	return &Subscription{subject: s, entry: e}
}

// Next delivers an event to every current observer in registration order.
// A panicking observer is isolated: delivery continues to the others.
func (s *Subject) Next(ev ChangeEvent) {
	for _, e := range s.snapshot() {
		if o := e.o; o.Next != nil {
			safeCall(func() { o.Next(ev) })
		}
	}
}

// Complete terminates the subject and notifies all current observers.
func (s *Subject) Complete() {
	for _, e := range s.terminate(nil) {
		if e.o.Complete != nil {
			safeCall(e.o.Complete)
		}
	}
}

// Error terminates the subject with an error and notifies all observers.
func (s *Subject) Error(err error) {
	for _, e := range s.terminate(err) {
		if o := e.o; o.Error != nil {
			safeCall(func() { o.Error(err) })
		}
	}
}

func (s *Subject) snapshot() []*subjectEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	snap := make([]*subjectEntry, len(s.observers))
	copy(snap, s.observers)
	return snap
}

func (s *Subject) terminate(err error) []*subjectEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	s.err = err
	obs := s.observers
	s.observers = nil
	return obs
}

// Unsubscribe removes the observer from the subject. Safe to call more than
// once and after the subject has terminated.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		if sub.subject == nil {
			return
		}
		sub.subject.mu.Lock()
		defer sub.subject.mu.Unlock()
		obs := sub.subject.observers
		for i, e := range obs {
			if e == sub.entry {
				sub.subject.observers = append(obs[:i], obs[i+1:]...)
				break
			}
		}
	})
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Any("panic", r).Msg("Observer panicked, continuing delivery")
		}
	}()
	fn()
}
