// Package ups is the universal pub/sub bus. It carries wake hints between
// workers, signal broadcasts and cache purges over exact-string subjects
// with at-most-once delivery and no persistence. Durable state always lives
// in the KV store first; a missed message is recovered by the next worker
// tick.
package ups

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnsubscribed is returned by Next after the subscriber is closed.
	ErrUnsubscribed = errors.New("ups: unsubscribed")
	// ErrPayloadTooLarge is returned by drivers with a payload size limit.
	ErrPayloadTooLarge = errors.New("ups: payload too large")
	// ErrClosed is returned after the bus itself is closed.
	ErrClosed = errors.New("ups: bus closed")
)

// Well-known subjects.
const (
	SubjectWorkerWake = "chirp.workflow.worker.wake"
	SubjectCachePurge = "chirp.cache.purge"
)

// MsgSubject is the subject carrying workflow messages with the given name.
func MsgSubject(name string) string { return "chirp.workflow.msg." + name }

// SignalSubject is the per-workflow subject hinting that a signal arrived.
func SignalSubject(workflowID string) string {
	return "chirp.workflow.signal." + workflowID
}

// Message is a single delivery.
type Message struct {
	Subject string
	Payload []byte
}

// PubSub is the bus driver contract.
type PubSub interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string) (*Subscriber, error)
	Close() error
}

// Subscriber receives messages for one subject. Buffered deliveries may
// still arrive after Close until the driver acknowledges the cancel.
type Subscriber struct {
	subject  string
	ch       chan *Message
	done     chan struct{}
	doneOnce sync.Once
	cancel   func(*Subscriber)
}

func newSubscriber(subject string, buf int, cancel func(*Subscriber)) *Subscriber {
	return &Subscriber{
		subject: subject,
		ch:      make(chan *Message, buf),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// Subject returns the subject this subscriber is registered on.
func (s *Subscriber) Subject() string { return s.subject }

// Next blocks until a message arrives, the context ends, or the subscriber
// is closed. Buffered messages are drained before ErrUnsubscribed.
func (s *Subscriber) Next(ctx context.Context) (*Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	default:
	}
	select {
	case m := <-s.ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case m := <-s.ch:
			return m, nil
		default:
			return nil, ErrUnsubscribed
		}
	}
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.cancel(s)
	s.markDone()
}

// deliver pushes a message without blocking. At-most-once: if the
// subscriber's buffer is full the message is dropped.
func (s *Subscriber) deliver(m *Message) {
	select {
	case s.ch <- m:
	default:
	}
}

// markDone closes the done channel exactly once.
func (s *Subscriber) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
