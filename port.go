// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"sync"
)

// MessageEvent is what a listener observes for one received message.
type MessageEvent struct {
	Data  any
	Ports []*MessagePort
}

// MessagePort is one end of an in-process paired channel. Values posted on
// one end arrive, in order, at the handler of the other end. Messages
// posted before a handler is installed are queued.
type MessagePort struct {
	peer    *MessagePort
	inbox   *mailbox[MessageEvent]
	pair    *portPair
	mu      sync.Mutex
	handler func(MessageEvent)
	started bool
}

type portPair struct {
	done      chan struct{}
	closeOnce sync.Once
}

// NewMessageChannel returns the two entangled ends of a new paired channel.
func NewMessageChannel() (*MessagePort, *MessagePort) {
	pair := &portPair{done: make(chan struct{})}
	a := &MessagePort{inbox: newMailbox[MessageEvent](), pair: pair}
	b := &MessagePort{inbox: newMailbox[MessageEvent](), pair: pair}
	a.peer, b.peer = b, a
	return a, b
}

// PostMessage delivers data and the transferred ports to the other end.
func (p *MessagePort) PostMessage(data any, ports ...*MessagePort) error {
	select {
	case <-p.pair.done:
		return ErrPortClosed
	default:
	}
	p.peer.inbox.push(MessageEvent{Data: data, Ports: ports})
	return nil
}

// OnMessage installs the handler for inbound messages, replacing any
// previous one, and starts delivery. A nil handler pauses delivery.
// Handlers run sequentially on the port's delivery goroutine.
func (p *MessagePort) OnMessage(fn func(MessageEvent)) {
	p.mu.Lock()
	p.handler = fn
	start := !p.started && fn != nil
	if start {
		p.started = true
	}
	p.mu.Unlock()

	if start {
		go p.inbox.run(p.pair.done, p.target)
	}
	p.inbox.signal()
}

func (p *MessagePort) target() func(MessageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// Close disentangles both ends. Queued messages are discarded.
func (p *MessagePort) Close() {
	p.pair.closeOnce.Do(func() { close(p.pair.done) })
}

// Done is closed once either end is closed.
func (p *MessagePort) Done() <-chan struct{} {
	return p.pair.done
}
