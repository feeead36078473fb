// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// errorSink collects errors reported through an ErrorHandler.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func connected() (chan Channel, func(Channel)) {
	got := make(chan Channel, 4)
	return got, func(ch Channel) { got <- ch }
}

func waitChannel(t *testing.T, got <-chan Channel) Channel {
	t.Helper()
	select {
	case ch := <-got:
		return ch
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for channel")
		return nil
	}
}

func TestIsReservedChannel(t *testing.T) {
	require.True(t, IsReservedChannel(DefaultChannelPrefix+"123"))
	require.True(t, IsReservedChannel(DefaultChannelPrefix))
	require.False(t, IsReservedChannel("app"+DefaultChannelPrefix+"123"))
	require.False(t, IsReservedChannel(""))

	r := NewRegistry(WithRegistryPrefix("fwd:"))
	require.True(t, r.IsReservedChannel("fwd:1"))
	require.False(t, r.IsReservedChannel(DefaultChannelPrefix+"1"))
	require.False(t, NewRegistry(WithRegistryPrefix("")).IsReservedChannel("anything"))
}

func TestRegistryFanOut(t *testing.T) {
	r := NewRegistry()
	id := newChannelID(DefaultChannelPrefix)
	got, onConnect := connected()

	r.RequestChannel(id, onConnect)
	r.RequestChannel(id, onConnect)
	state, ok := r.State(id)
	require.True(t, ok)
	require.Equal(t, "requested", state)

	ch, _ := NewChannelPair(id, nil)
	require.True(t, r.Accept(ch))

	require.Same(t, ch, waitChannel(t, got))
	require.Same(t, ch, waitChannel(t, got))
	select {
	case <-got:
		t.Fatal("callback invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
	state, _ = r.State(id)
	require.Equal(t, "forwarded", state)
}

func TestRegistryMissingChannel(t *testing.T) {
	r := NewRegistry()
	ch, ok := r.ResolveEstablishedChannel(DefaultChannelPrefix + "unknown")
	require.False(t, ok)
	require.Nil(t, ch)
	require.Zero(t, r.Len())
}

func TestRegistryLateRegistration(t *testing.T) {
	r := NewRegistry()
	id := newChannelID(DefaultChannelPrefix)
	ch, _ := NewChannelPair(id, nil)
	require.True(t, r.Accept(ch))

	state, _ := r.State(id)
	require.Equal(t, "connected", state)

	got, onConnect := connected()
	r.RequestChannel(id, onConnect)
	require.Same(t, ch, waitChannel(t, got))

	established, ok := r.ResolveEstablishedChannel(id)
	require.True(t, ok)
	require.Same(t, ch, established)
}

func TestRegistryRequestTimeout(t *testing.T) {
	sink := &errorSink{}
	r := NewRegistry(
		WithRequestTimeout(50*time.Millisecond),
		WithRegistryErrorHandler(sink.handle),
	)
	id := newChannelID(DefaultChannelPrefix)
	got, onConnect := connected()
	r.RequestChannel(id, onConnect)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, testTimeout, 10*time.Millisecond)
	require.ErrorIs(t, sink.all()[0], ErrRequestTimeout)
	require.Zero(t, r.Len())

	// A connection after the timeout is a fresh entry; the withdrawn
	// callback stays silent.
	ch, _ := NewChannelPair(id, nil)
	require.True(t, r.Accept(ch))
	select {
	case <-got:
		t.Fatal("timed-out request fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryWaitsForeverWithoutTimeout(t *testing.T) {
	r := NewRegistry(WithRequestTimeout(0))
	id := newChannelID(DefaultChannelPrefix)
	got, onConnect := connected()
	r.RequestChannel(id, onConnect)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, r.Len())

	ch, _ := NewChannelPair(id, nil)
	r.Accept(ch)
	require.Same(t, ch, waitChannel(t, got))
}

func TestRegistryRequestCancellation(t *testing.T) {
	sink := &errorSink{}
	r := NewRegistry(WithRegistryErrorHandler(sink.handle))
	id := newChannelID(DefaultChannelPrefix)
	got, onConnect := connected()

	ctx, cancel := context.WithCancel(context.Background())
	r.RequestChannelContext(ctx, id, onConnect)
	require.Equal(t, 1, r.Len())
	cancel()

	require.Eventually(t, func() bool { return r.Len() == 0 }, testTimeout, 10*time.Millisecond)
	select {
	case <-got:
		t.Fatal("cancelled request fired")
	default:
	}
	require.Empty(t, sink.all())
}

func TestRegistryDuplicateChannel(t *testing.T) {
	sink := &errorSink{}
	r := NewRegistry(WithRegistryErrorHandler(sink.handle))
	id := newChannelID(DefaultChannelPrefix)

	first, _ := NewChannelPair(id, nil)
	second, _ := NewChannelPair(id, nil)
	require.True(t, r.Accept(first))
	require.True(t, r.Accept(second))

	select {
	case <-second.Done():
	case <-time.After(testTimeout):
		t.Fatal("duplicate channel left open")
	}
	errs := sink.all()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrDuplicateChannel)

	established, ok := r.ResolveEstablishedChannel(id)
	require.True(t, ok)
	require.Same(t, first, established)
}

func TestRegistryForgetsClosedChannels(t *testing.T) {
	r := NewRegistry()
	id := newChannelID(DefaultChannelPrefix)
	ch, peer := NewChannelPair(id, nil)
	require.True(t, r.Accept(ch))
	require.Equal(t, 1, r.Len())

	peer.Close()
	require.Eventually(t, func() bool { return r.Len() == 0 }, testTimeout, 10*time.Millisecond)
	_, ok := r.ResolveEstablishedChannel(id)
	require.False(t, ok)
}

func TestRegistryIgnoresOrdinaryChannels(t *testing.T) {
	r := NewRegistry()
	ch, _ := NewChannelPair("rpc", nil)
	require.False(t, r.Accept(ch))
	require.Zero(t, r.Len())
	select {
	case <-ch.Done():
		t.Fatal("ordinary channel closed")
	default:
	}
}

func TestRegistryDeserializeChannelTimeout(t *testing.T) {
	sink := &errorSink{}
	r := NewRegistry(
		WithRequestTimeout(50*time.Millisecond),
		WithRegistryErrorHandler(sink.handle),
	)

	port, err := r.DeserializeChannel(newChannelID(DefaultChannelPrefix))
	require.NoError(t, err)
	select {
	case <-port.Done():
	case <-time.After(testTimeout):
		t.Fatal("port of a channel that never connected left open")
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, testTimeout, 10*time.Millisecond)
	require.ErrorIs(t, sink.all()[0], ErrChannelNotFound)
}

func TestRegistryDeserializeChannelBeforeConnect(t *testing.T) {
	r := NewRegistry()
	id := newChannelID(DefaultChannelPrefix)

	port, err := r.DeserializeChannel(id)
	require.NoError(t, err)
	events := collect(port)
	require.NoError(t, port.PostMessage("queued"))

	ch, far := NewChannelPair(id, nil)
	require.True(t, r.Accept(ch))

	farEndpoint := NewEndpoint(far)
	defer farEndpoint.Close()
	farEvents, _ := listen(farEndpoint)
	require.Equal(t, "queued", nextEvent(t, farEvents).Data)

	require.NoError(t, farEndpoint.PostMessage(context.Background(), "reply"))
	require.Equal(t, "reply", nextEvent(t, events).Data)
}
