// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// bridge is a privileged side serving a registry over the mem transport
// and a content side dialed into it.
type bridge struct {
	registry   *Registry
	content    *Endpoint
	background *Endpoint
}

func newBridge(t *testing.T, codec Codec, opts ...EndpointOption) *bridge {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr := "bridge/" + strings.ReplaceAll(t.Name(), "/", "_")
	listener, err := Listen(addr, WithServerTransport(TransportMem))
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	registry := NewRegistry(WithEndpointOptions(opts...))
	accepted := make(chan *Endpoint, 1)
	go listener.Serve(ctx, func(ch Channel) {
		if registry.Accept(ch) {
			return
		}
		accepted <- registry.NewBackgroundEndpoint(ch)
	})

	dialer := NewDialer(addr, WithTransport(TransportMem), WithCodec(codec))
	main, err := dialer.Connect(ctx, "app")
	require.NoError(t, err)
	content := NewEndpoint(main, append([]EndpointOption{WithDialer(dialer)}, opts...)...)
	t.Cleanup(func() { content.Close() })

	select {
	case background := <-accepted:
		return &bridge{registry: registry, content: content, background: background}
	case <-time.After(testTimeout):
		t.Fatal("main channel not accepted")
		return nil
	}
}

func TestForwardScenarioB(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			b := newBridge(t, codec)
			events, _ := listen(b.background)

			keep, send := NewMessageChannel()
			require.NoError(t, b.content.PostMessage(context.Background(), map[string]any{"sub": send}))

			event := nextEvent(t, events)
			require.Len(t, event.Ports, 1)
			far, ok := event.Data.(map[string]any)["sub"].(*MessagePort)
			require.True(t, ok)
			require.Same(t, event.Ports[0], far)
			require.NotSame(t, send, far)

			farEvents := collect(far)
			require.NoError(t, keep.PostMessage("hello"))
			require.Equal(t, "hello", nextEvent(t, farEvents).Data)

			keepEvents := collect(keep)
			require.NoError(t, far.PostMessage(map[string]any{"bytes": []byte{1, 2}}))
			require.Equal(t, map[string]any{"bytes": []byte{1, 2}}, nextEvent(t, keepEvents).Data)
		})
	}
}

func TestForwardScenarioC(t *testing.T) {
	b := newBridge(t, JSONCodec{})
	events, _ := listen(b.background)

	keep, send := NewMessageChannel()
	require.NoError(t, b.content.PostMessage(context.Background(), map[string]any{"sub": send}))
	far := nextEvent(t, events).Ports[0]
	keepEvents := collect(keep)

	// The privileged side hands a second-level port back through the
	// forwarded one.
	farKeep, farSend := NewMessageChannel()
	require.NoError(t, far.PostMessage(map[string]any{"deeper": farSend}, farSend))

	event := nextEvent(t, keepEvents)
	require.Len(t, event.Ports, 1)
	deeper := event.Data.(map[string]any)["deeper"].(*MessagePort)
	require.Same(t, event.Ports[0], deeper)

	deeperEvents := collect(deeper)
	require.NoError(t, farKeep.PostMessage("level 2"))
	require.Equal(t, "level 2", nextEvent(t, deeperEvents).Data)

	farKeepEvents := collect(farKeep)
	require.NoError(t, deeper.PostMessage("up"))
	require.Equal(t, "up", nextEvent(t, farKeepEvents).Data)
}

func TestForwardReferenceMode(t *testing.T) {
	store := NewMemoryBlobStore()
	b := newBridge(t, JSONCodec{}, WithBlobStore(store))
	events, _ := listen(b.background)

	keep, send := NewMessageChannel()
	require.NoError(t, b.content.PostMessage(context.Background(), map[string]any{
		"sub":     send,
		"payload": []uint32{1, 2, 3},
	}))
	event := nextEvent(t, events)
	require.Equal(t, []uint32{1, 2, 3}, event.Data.(map[string]any)["payload"])

	farEvents := collect(event.Ports[0])
	require.NoError(t, keep.PostMessage(Buffer{7}))
	require.Equal(t, Buffer{7}, nextEvent(t, farEvents).Data)
}

func TestForwardClosePropagates(t *testing.T) {
	b := newBridge(t, JSONCodec{})
	events, _ := listen(b.background)

	keep, send := NewMessageChannel()
	require.NoError(t, b.content.PostMessage(context.Background(), map[string]any{"sub": send}))
	far := nextEvent(t, events).Ports[0]
	farEvents := collect(far)
	require.NoError(t, keep.PostMessage("ready"))
	require.Equal(t, "ready", nextEvent(t, farEvents).Data)

	keep.Close()
	select {
	case <-far.Done():
	case <-time.After(testTimeout):
		t.Fatal("closing the local port did not close the far port")
	}
	require.Eventually(t, func() bool { return b.registry.Len() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestForwardPublic(t *testing.T) {
	a, b := NewChannelPair("fwd", nil)
	keep, local := NewMessageChannel()
	Forward(local, a)

	remote := NewEndpoint(b)
	defer remote.Close()
	events, _ := listen(remote)

	require.NoError(t, keep.PostMessage("out"))
	require.Equal(t, "out", nextEvent(t, events).Data)

	keepEvents := collect(keep)
	require.NoError(t, remote.PostMessage(context.Background(), "in"))
	require.Equal(t, "in", nextEvent(t, keepEvents).Data)
}

func TestForwardRepeatedPortToBackground(t *testing.T) {
	sink := &errorSink{}
	b := newBridge(t, JSONCodec{}, WithErrorHandler(sink.handle))
	events, _ := listen(b.background)

	keep, send := NewMessageChannel()
	require.NoError(t, b.content.PostMessage(context.Background(), map[string]any{
		"a": send,
		"b": []any{send},
	}))

	event := nextEvent(t, events)
	require.Len(t, event.Ports, 1)
	data := event.Data.(map[string]any)
	far := data["a"].(*MessagePort)
	require.Same(t, far, data["b"].([]any)[0])

	// a second relay on the same channel would deliver "one" twice
	farEvents := collect(far)
	require.NoError(t, keep.PostMessage("one"))
	require.NoError(t, keep.PostMessage("two"))
	require.Equal(t, "one", nextEvent(t, farEvents).Data)
	require.Equal(t, "two", nextEvent(t, farEvents).Data)
	require.Empty(t, sink.all())
}

func TestForwardRepeatedPortToContent(t *testing.T) {
	sink := &errorSink{}
	b := newBridge(t, JSONCodec{}, WithErrorHandler(sink.handle))
	events, _ := listen(b.content)

	keep, send := NewMessageChannel()
	require.NoError(t, b.background.PostMessage(context.Background(), map[string]any{
		"a": send,
		"b": send,
	}))

	event := nextEvent(t, events)
	require.Len(t, event.Ports, 1)
	data := event.Data.(map[string]any)
	near := data["a"].(*MessagePort)
	require.Same(t, near, data["b"])

	nearEvents := collect(near)
	require.NoError(t, keep.PostMessage("down"))
	require.Equal(t, "down", nextEvent(t, nearEvents).Data)

	keepEvents := collect(keep)
	require.NoError(t, near.PostMessage("up"))
	require.Equal(t, "up", nextEvent(t, keepEvents).Data)

	select {
	case <-near.Done():
		t.Fatal("repeated port was closed")
	default:
	}
	require.Empty(t, sink.all())
}
