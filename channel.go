// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"sync"
)

// Channel is a named physical channel between two execution contexts. It
// carries only wire Values; ports and binaries must be tagged before Send.
type Channel interface {
	// Name returns the name the channel was opened with
	Name() string

	// Send delivers msg to the far side
	Send(msg Value) error

	// Subscribe registers fn for inbound messages. Messages that arrive
	// while no subscriber is registered are held and delivered in order
	// to the next subscriber. A frame that cannot be decoded is delivered
	// in its place as a non-nil err with a zero msg.
	Subscribe(fn func(msg Value, err error)) (unsubscribe func())

	// Close closes both directions
	Close() error

	// Done is closed once the channel is closed from either side
	Done() <-chan struct{}
}

// Dialer opens named channels toward the privileged side.
type Dialer interface {
	Connect(ctx context.Context, name string) (Channel, error)
}

// ConnectHandler is invoked for every inbound channel a ChannelListener accepts.
type ConnectHandler func(Channel)

// ChannelListener accepts named channels opened by remote Dialers.
type ChannelListener interface {
	// Serve delivers accepted channels to onConnect until ctx is cancelled
	// or the listener is closed
	Serve(ctx context.Context, onConnect ConnectHandler) error

	// Close stops the listener
	Close() error

	// Addr returns the listener's address
	Addr() string
}

// mailbox is an unbounded FIFO drained by a single goroutine. Items wait in
// the queue while the target reports no receiver.
type mailbox[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{wake: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(item T) {
	m.mu.Lock()
	m.queue = append(m.queue, item)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.queue) == 0 {
		return zero, false
	}
	item := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return item, true
}

// run delivers queued items to the receiver returned by target until done
// is closed. A nil receiver leaves items queued until the next signal.
func (m *mailbox[T]) run(done <-chan struct{}, target func() func(T)) {
	for {
		select {
		case <-done:
			return
		case <-m.wake:
		}
		for {
			receive := target()
			if receive == nil {
				break
			}
			item, ok := m.pop()
			if !ok {
				break
			}
			receive(item)
		}
	}
}

// subscribers fans inbound messages of one channel out to its subscribers
// on the channel's delivery goroutine.
type subscribers struct {
	mu     sync.Mutex
	nextID uint64
	fns    []subscriber
	box    *mailbox[inbound]
}

// inbound is one received frame: a decoded message or the decode error
type inbound struct {
	msg Value
	err error
}

type subscriber struct {
	id uint64
	fn func(Value, error)
}

func newSubscribers(done <-chan struct{}) *subscribers {
	s := &subscribers{box: newMailbox[inbound]()}
	go s.box.run(done, s.target)
	return s
}

func (s *subscribers) deliver(msg Value) {
	s.box.push(inbound{msg: msg})
}

// fail queues err in order with the messages around it.
func (s *subscribers) fail(err error) {
	s.box.push(inbound{err: err})
}

func (s *subscribers) subscribe(fn func(Value, error)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, subscriber{id: id, fn: fn})
	s.mu.Unlock()
	s.box.signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.fns {
				if sub.id == id {
					s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *subscribers) target() func(inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fns) == 0 {
		return nil
	}
	fns := make([]func(Value, error), len(s.fns))
	for i, sub := range s.fns {
		fns[i] = sub.fn
	}
	return func(in inbound) {
		for _, fn := range fns {
			fn(in.msg, in.err)
		}
	}
}
