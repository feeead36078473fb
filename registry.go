// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds how long a channel request waits for the
// matching connection.
const DefaultRequestTimeout = 30 * time.Second

// IsReservedChannel reports whether name is a forwarded-port channel under
// DefaultChannelPrefix.
func IsReservedChannel(name string) bool {
	return hasReservedPrefix(name, DefaultChannelPrefix)
}

func hasReservedPrefix(name, prefix string) bool {
	return prefix != "" && strings.HasPrefix(name, prefix)
}

type channelState uint8

const (
	stateRequested channelState = iota
	stateConnected
	stateForwarded
)

func (s channelState) String() string {
	switch s {
	case stateRequested:
		return "requested"
	case stateConnected:
		return "connected"
	case stateForwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

// channelEntry tracks one channel id. ready is closed when the channel
// connects; every waiter observes the same completion.
type channelEntry struct {
	state   channelState
	ready   chan struct{}
	channel Channel
	waiters int
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryPrefix sets the prefix that marks forwarded-port channels.
func WithRegistryPrefix(prefix string) RegistryOption {
	return func(r *Registry) { r.prefix = prefix }
}

// WithRequestTimeout bounds how long RequestChannel waits. Zero waits
// until the request is cancelled.
func WithRequestTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = timeout }
}

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRegistryErrorHandler receives timed-out requests, duplicate
// connections and failures of endpoints created by the registry.
func WithRegistryErrorHandler(fn ErrorHandler) RegistryOption {
	return func(r *Registry) { r.onError = fn }
}

// WithEndpointOptions applies opts to every endpoint the registry creates.
func WithEndpointOptions(opts ...EndpointOption) RegistryOption {
	return func(r *Registry) { r.extra = append(r.extra, opts...) }
}

// Registry is the privileged side's bookkeeping for forwarded ports. It
// matches requests for a channel id with the inbound connection carrying
// that id, whichever arrives first.
type Registry struct {
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
	onError ErrorHandler
	extra   []EndpointOption
	opts    *endpointOptions

	mu      sync.Mutex
	entries map[string]*channelEntry
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		prefix:  DefaultChannelPrefix,
		timeout: DefaultRequestTimeout,
		entries: make(map[string]*channelEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.opts = newEndpointOptions(r.endpointOptions(nil))
	return r
}

func (r *Registry) endpointOptions(extra []EndpointOption) []EndpointOption {
	opts := []EndpointOption{
		WithChannelPrefix(r.prefix),
		WithLogger(r.logger),
		WithResolveChannel(r.RequestChannel),
		WithDeserializeChannel(r.DeserializeChannel),
	}
	if r.onError != nil {
		opts = append(opts, WithErrorHandler(r.onError))
	}
	opts = append(opts, r.extra...)
	return append(opts, extra...)
}

// IsReservedChannel reports whether name starts with the registry prefix.
func (r *Registry) IsReservedChannel(name string) bool {
	return hasReservedPrefix(name, r.prefix)
}

// NewBackgroundEndpoint wraps a channel of the privileged side: ports it
// serializes wait for the far side to connect, and ports it receives are
// resolved against accepted connections.
func (r *Registry) NewBackgroundEndpoint(ch Channel, opts ...EndpointOption) *Endpoint {
	return NewEndpoint(ch, r.endpointOptions(opts)...)
}

// RequestChannel runs onConnect once the channel named id has connected,
// bounded by the registry's request timeout.
func (r *Registry) RequestChannel(id string, onConnect func(Channel)) {
	r.RequestChannelContext(context.Background(), id, onConnect)
}

// RequestChannelContext is RequestChannel with cancellation. A cancelled
// request is withdrawn without running onConnect.
func (r *Registry) RequestChannelContext(ctx context.Context, id string, onConnect func(Channel)) {
	r.request(ctx, id, onConnect, nil)
}

func (r *Registry) request(ctx context.Context, id string, onConnect func(Channel), onFail func(error)) {
	r.mu.Lock()
	entry := r.entry(id)
	entry.waiters++
	r.mu.Unlock()

	go r.await(ctx, id, entry, onConnect, onFail)
}

// entry returns the entry for id, creating it in the requested state.
// Callers hold r.mu.
func (r *Registry) entry(id string) *channelEntry {
	entry, ok := r.entries[id]
	if !ok {
		entry = &channelEntry{state: stateRequested, ready: make(chan struct{})}
		r.entries[id] = entry
	}
	return entry
}

func (r *Registry) await(ctx context.Context, id string, entry *channelEntry, onConnect func(Channel), onFail func(error)) {
	var timeout <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-entry.ready:
		r.mu.Lock()
		entry.waiters--
		entry.state = stateForwarded
		ch := entry.channel
		r.mu.Unlock()
		onConnect(ch)
		return
	case <-ctx.Done():
		r.withdraw(id, entry)
		r.logger.Debug("channel request cancelled", zap.String("id", id))
		if onFail != nil {
			onFail(ctx.Err())
		}
	case <-timeout:
		r.withdraw(id, entry)
		err := fmt.Errorf("%w: %s after %s", ErrRequestTimeout, id, r.timeout)
		if onFail != nil {
			onFail(err)
			return
		}
		r.reportError(err)
	}
}

// withdraw drops one waiter, forgetting the id if nothing else refers to it.
func (r *Registry) withdraw(id string, entry *channelEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.waiters--
	if entry.state == stateRequested && entry.waiters == 0 && r.entries[id] == entry {
		delete(r.entries, id)
	}
}

// Accept records an inbound channel. It returns false, leaving ch
// untouched, when the name is not reserved; such channels carry ordinary
// RPC traffic.
func (r *Registry) Accept(ch Channel) bool {
	id := ch.Name()
	if !r.IsReservedChannel(id) {
		return false
	}

	r.mu.Lock()
	entry := r.entry(id)
	if entry.state != stateRequested {
		r.mu.Unlock()
		ch.Close()
		r.reportError(fmt.Errorf("%w: %s", ErrDuplicateChannel, id))
		return true
	}
	entry.channel = ch
	entry.state = stateConnected
	close(entry.ready)
	waiters := entry.waiters
	r.mu.Unlock()

	r.logger.Debug("channel connected", zap.String("id", id), zap.Int("waiters", waiters))

	go func() {
		<-ch.Done()
		r.mu.Lock()
		if r.entries[id] == entry {
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}()
	return true
}

// ResolveEstablishedChannel returns the connected channel for id. A miss
// is not an error: the far side may not have connected yet.
func (r *Registry) ResolveEstablishedChannel(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.state == stateRequested {
		return nil, false
	}
	entry.state = stateForwarded
	return entry.channel, true
}

// DeserializeChannel returns a port bridged to the channel named id. If the
// channel has not connected yet the port is bridged once it does; if it
// never does within the request timeout the port is closed and
// ErrChannelNotFound is reported.
func (r *Registry) DeserializeChannel(id string) (*MessagePort, error) {
	local, remote := NewMessageChannel()
	if ch, ok := r.ResolveEstablishedChannel(id); ok {
		forward(local, ch, r.opts)
		return remote, nil
	}

	r.request(context.Background(), id, func(ch Channel) {
		forward(local, ch, r.opts)
	}, func(err error) {
		local.Close()
		if errors.Is(err, ErrRequestTimeout) {
			err = fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		r.reportError(err)
	})
	return remote, nil
}

// State returns the handshake state of id and whether it is tracked.
func (r *Registry) State(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return entry.state.String(), true
}

// Len returns the number of tracked channel ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) reportError(err error) {
	r.opts.reportError(err)
}
