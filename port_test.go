// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// collect starts delivery on port into a buffered channel.
func collect(port *MessagePort) <-chan MessageEvent {
	events := make(chan MessageEvent, 16)
	port.OnMessage(func(event MessageEvent) { events <- event })
	return events
}

func nextEvent(t *testing.T, events <-chan MessageEvent) MessageEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return MessageEvent{}
	}
}

func TestMessagePortQueuesUntilHandler(t *testing.T) {
	a, b := NewMessageChannel()
	defer a.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.PostMessage(float64(i)))
	}
	events := collect(b)
	for i := 0; i < 3; i++ {
		require.Equal(t, float64(i), nextEvent(t, events).Data)
	}
}

func TestMessagePortBothDirections(t *testing.T) {
	a, b := NewMessageChannel()
	defer a.Close()
	fromA, fromB := collect(b), collect(a)

	_, extra := NewMessageChannel()
	require.NoError(t, a.PostMessage("ping", extra))
	event := nextEvent(t, fromA)
	require.Equal(t, "ping", event.Data)
	require.Equal(t, []*MessagePort{extra}, event.Ports)

	require.NoError(t, b.PostMessage("pong"))
	require.Equal(t, "pong", nextEvent(t, fromB).Data)
}

func TestMessagePortClose(t *testing.T) {
	a, b := NewMessageChannel()
	b.Close()

	select {
	case <-a.Done():
	case <-time.After(testTimeout):
		t.Fatal("closing one end must close the other")
	}
	require.ErrorIs(t, a.PostMessage("late"), ErrPortClosed)
	require.ErrorIs(t, b.PostMessage("late"), ErrPortClosed)
	b.Close()
}
