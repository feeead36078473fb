// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultConnectTimeout bounds how long a Dialer may take to open a
// forwarded channel.
const DefaultConnectTimeout = 30 * time.Second

// ResolveChannelFunc requests the physical channel named id. onConnect runs
// once the channel exists, possibly long after the call returns.
type ResolveChannelFunc func(id string, onConnect func(Channel))

// DeserializeChannelFunc returns a local port bridged to the physical
// channel named id.
type DeserializeChannelFunc func(id string) (*MessagePort, error)

// Listener handles events delivered by an Endpoint.
type Listener interface {
	HandleEvent(MessageEvent)
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(MessageEvent)

func (f ListenerFunc) HandleEvent(event MessageEvent) {
	f(event)
}

// EndpointOption configures an Endpoint
type EndpointOption func(*endpointOptions)

type endpointOptions struct {
	resolveChannel     ResolveChannelFunc
	deserializeChannel DeserializeChannelFunc
	blobs              BlobStore
	prefix             string
	ordered            bool
	connectTimeout     time.Duration
	logger             *zap.Logger
	onError            ErrorHandler
}

func newEndpointOptions(opts []EndpointOption) *endpointOptions {
	o := &endpointOptions{
		prefix:         DefaultChannelPrefix,
		ordered:        true,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithResolveChannel sets how the endpoint requests channels for ports it
// serializes.
func WithResolveChannel(fn ResolveChannelFunc) EndpointOption {
	return func(o *endpointOptions) { o.resolveChannel = fn }
}

// WithDeserializeChannel sets how the endpoint rebuilds ports it receives.
func WithDeserializeChannel(fn DeserializeChannelFunc) EndpointOption {
	return func(o *endpointOptions) { o.deserializeChannel = fn }
}

// WithDialer configures both channel collaborators for the side that opens
// channels: each forwarded port gets its own channel, named by its id,
// opened through d.
func WithDialer(d Dialer) EndpointOption {
	return func(o *endpointOptions) {
		o.resolveChannel = func(id string, onConnect func(Channel)) {
			go func() {
				ch, err := o.connect(d, id)
				if err != nil {
					o.reportError(fmt.Errorf("open channel %s: %w", id, err))
					return
				}
				onConnect(ch)
			}()
		}
		o.deserializeChannel = func(id string) (*MessagePort, error) {
			local, remote := NewMessageChannel()
			go func() {
				ch, err := o.connect(d, id)
				if err != nil {
					local.Close()
					o.reportError(fmt.Errorf("open channel %s: %w", id, err))
					return
				}
				forward(local, ch, o)
			}()
			return remote, nil
		}
	}
}

// WithBlobStore switches binary payloads from inline bytes to references
// materialized in store.
func WithBlobStore(store BlobStore) EndpointOption {
	return func(o *endpointOptions) { o.blobs = store }
}

// WithChannelPrefix sets the reserved prefix of minted channel ids.
func WithChannelPrefix(prefix string) EndpointOption {
	return func(o *endpointOptions) { o.prefix = prefix }
}

// WithOrderedDelivery controls whether messages are deserialized and
// handled one at a time (the default). When disabled each message is
// deserialized on its own goroutine and messages with slow binary
// retrieval may reach listeners after later ones.
func WithOrderedDelivery(ordered bool) EndpointOption {
	return func(o *endpointOptions) { o.ordered = ordered }
}

// WithConnectTimeout bounds Dialer.Connect for forwarded channels.
func WithConnectTimeout(timeout time.Duration) EndpointOption {
	return func(o *endpointOptions) { o.connectTimeout = timeout }
}

func WithLogger(logger *zap.Logger) EndpointOption {
	return func(o *endpointOptions) { o.logger = logger }
}

// WithErrorHandler receives messages dropped because they could not be
// deserialized, and failures while forwarding. Without one such errors
// are logged at warn level.
func WithErrorHandler(fn ErrorHandler) EndpointOption {
	return func(o *endpointOptions) { o.onError = fn }
}

func (o *endpointOptions) reportError(err error) {
	if o.onError != nil {
		o.onError(err)
		return
	}
	o.logger.Warn("bridge message dropped", zap.Error(err))
}

func (o *endpointOptions) connect(d Dialer, id string) (Channel, error) {
	ctx := context.Background()
	if o.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.connectTimeout)
		defer cancel()
	}
	return d.Connect(ctx, id)
}

// Endpoint exposes a physical channel as a generic message endpoint.
// Outgoing values are serialized and incoming ones deserialized, so ports
// and binary payloads cross the channel transparently.
type Endpoint struct {
	channel Channel
	opts    *endpointOptions
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	listeners   []*listenerEntry
	unsubscribe func()
	closed      bool
}

type listenerEntry struct {
	listener Listener
}

// NewEndpoint wraps ch. The endpoint lives as long as the channel.
func NewEndpoint(ch Channel, opts ...EndpointOption) *Endpoint {
	return newEndpoint(ch, newEndpointOptions(opts))
}

func newEndpoint(ch Channel, o *endpointOptions) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		channel: ch,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
	}
	go func() {
		select {
		case <-ch.Done():
		case <-ctx.Done():
		}
		e.teardown()
	}()
	return e
}

// Name returns the name of the underlying channel.
func (e *Endpoint) Name() string {
	return e.channel.Name()
}

// PostMessage serializes value and sends it. The transfer list is accepted
// for interface compatibility and ignored: ports and binaries found in
// value are always transferred by tagging. value must not be posted again.
func (e *Endpoint) PostMessage(ctx context.Context, value any, transfer ...any) error {
	if e.isClosed() {
		return ErrEndpointClosed
	}
	msg, commit, err := e.opts.serialize(ctx, value)
	if err != nil {
		return fmt.Errorf("serialize message for %s: %w", e.channel.Name(), err)
	}
	if err := e.channel.Send(msg); err != nil {
		return err
	}
	commit()
	return nil
}

// AddEventListener registers l for every received message. The event type
// is informational; a channel only carries messages. The returned func
// removes the listener.
func (e *Endpoint) AddEventListener(eventType string, l Listener) (remove func()) {
	entry := &listenerEntry{listener: l}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return func() {}
	}
	e.listeners = append(e.listeners, entry)
	if e.unsubscribe == nil {
		e.unsubscribe = e.channel.Subscribe(e.receive)
	}
	e.mu.Unlock()

	return func() { e.removeEntry(entry) }
}

// RemoveEventListener removes the first registration of l. It reports
// false when l is not registered or is not comparable; listeners of
// non-comparable types, such as ListenerFunc, are removed with the func
// returned by AddEventListener.
func (e *Endpoint) RemoveEventListener(eventType string, l Listener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	e.mu.Lock()
	var found *listenerEntry
	for _, entry := range e.listeners {
		if entry.listener == l {
			found = entry
			break
		}
	}
	e.mu.Unlock()
	if found == nil {
		return false
	}
	e.removeEntry(found)
	return true
}

func (e *Endpoint) removeEntry(target *listenerEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range e.listeners {
		if entry == target {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) == 0 && e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Endpoint) receive(raw Value, err error) {
	if err != nil {
		e.opts.reportError(fmt.Errorf("receive on %s: %w", e.channel.Name(), err))
		return
	}
	if e.opts.ordered {
		e.dispatch(raw)
		return
	}
	go e.dispatch(raw)
}

func (e *Endpoint) dispatch(raw Value) {
	var ports []*MessagePort
	data, err := e.opts.deserialize(e.ctx, raw, &ports)
	if err != nil {
		if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
			return
		}
		e.opts.reportError(fmt.Errorf("deserialize message on %s: %w", e.channel.Name(), err))
		return
	}

	event := MessageEvent{Data: data, Ports: ports}
	for _, l := range e.snapshot() {
		l.HandleEvent(event)
	}
}

func (e *Endpoint) snapshot() []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Listener, len(e.listeners))
	for i, entry := range e.listeners {
		out[i] = entry.listener
	}
	return out
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close releases every listener and closes the underlying channel.
func (e *Endpoint) Close() error {
	e.cancel()
	e.teardown()
	return e.channel.Close()
}

// Done is closed when the endpoint or its channel is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Endpoint) teardown() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.listeners = nil
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}
