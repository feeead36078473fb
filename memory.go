// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"fmt"
	"sync"
)

// memoryChannel is one end of an in-process channel pair. Every message is
// encoded and decoded with the pair's codec on the way across, so only
// envelope-safe values reach the far side.
type memoryChannel struct {
	name  string
	codec Codec
	peer  *memoryChannel
	subs  *subscribers
	link  *memoryLink
}

type memoryLink struct {
	done chan struct{}
	once sync.Once
}

// NewChannelPair returns both ends of an in-process channel named name. A
// nil codec selects JSON.
func NewChannelPair(name string, codec Codec) (Channel, Channel) {
	if codec == nil {
		codec = defaultCodec
	}
	link := &memoryLink{done: make(chan struct{})}
	a := &memoryChannel{name: name, codec: codec, link: link}
	b := &memoryChannel{name: name, codec: codec, link: link}
	a.subs = newSubscribers(link.done)
	b.subs = newSubscribers(link.done)
	a.peer, b.peer = b, a
	return a, b
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) Send(msg Value) error {
	select {
	case <-c.link.done:
		return ErrChannelClosed
	default:
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("mem encode: %w", err)
	}
	var clone Value
	if err := c.codec.Decode(data, &clone); err != nil {
		return fmt.Errorf("mem decode: %w", err)
	}
	c.peer.subs.deliver(clone)
	return nil
}

func (c *memoryChannel) Subscribe(fn func(Value, error)) func() {
	return c.subs.subscribe(fn)
}

func (c *memoryChannel) Close() error {
	c.link.once.Do(func() { close(c.link.done) })
	return nil
}

func (c *memoryChannel) Done() <-chan struct{} { return c.link.done }

var (
	memListenersMu sync.Mutex
	memListeners   = map[string]*memoryListener{}
)

// memoryListener accepts in-process channels dialed to its address
type memoryListener struct {
	addr      string
	accepted  *mailbox[Channel]
	done      chan struct{}
	closeOnce sync.Once
}

func listenMemory(addr string, o *serverOptions) (ChannelListener, error) {
	memListenersMu.Lock()
	defer memListenersMu.Unlock()
	if _, ok := memListeners[addr]; ok {
		return nil, fmt.Errorf("mem listen %s: address in use", addr)
	}
	l := &memoryListener{
		addr:     addr,
		accepted: newMailbox[Channel](),
		done:     make(chan struct{}),
	}
	memListeners[addr] = l
	return l, nil
}

func dialMemory(ctx context.Context, addr, name string, o *dialOptions) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	memListenersMu.Lock()
	l := memListeners[addr]
	memListenersMu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: mem %s", ErrNoListener, addr)
	}
	client, server := NewChannelPair(name, o.getCodec())
	l.accepted.push(server)
	return client, nil
}

func (l *memoryListener) Serve(ctx context.Context, onConnect ConnectHandler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	l.accepted.signal()
	l.accepted.run(l.done, func() func(Channel) {
		return func(ch Channel) { onConnect(ch) }
	})
	return nil
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		memListenersMu.Lock()
		if memListeners[l.addr] == l {
			delete(memListeners, l.addr)
		}
		memListenersMu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *memoryListener) Addr() string { return l.addr }
