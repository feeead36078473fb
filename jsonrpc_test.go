// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	json2 "github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/require"
)

func newRPCPair(t *testing.T) (Client, Server) {
	t.Helper()
	a, b := NewChannelPair("rpc", nil)
	clientEP, serverEP := NewEndpoint(a), NewEndpoint(b)
	client, server := NewClient(clientEP), NewServer(serverEP)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		client.Close()
		clientEP.Close()
	})
	return client, server
}

func TestRPCCall(t *testing.T) {
	client, server := newRPCPair(t)
	require.NoError(t, server.Register("math.add", func(_ context.Context, params json.RawMessage) (any, error) {
		var args struct{ A, B int }
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return map[string]int{"sum": args.A + args.B}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var reply struct {
		Sum int `json:"sum"`
	}
	require.NoError(t, client.Call(ctx, "math.add", struct{ A, B int }{2, 3}, &reply))
	require.Equal(t, 5, reply.Sum)
	require.Equal(t, "rpc", server.Addr())
}

func TestRPCCallRaw(t *testing.T) {
	client, server := newRPCPair(t)
	require.NoError(t, server.RegisterRaw("reverse", func(_ context.Context, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		for i, b := range payload {
			out[len(payload)-1-i] = b
		}
		return out, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	got, err := client.CallRaw(ctx, "reverse", []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{3, 2, 1}, got)

	var raw []byte
	require.NoError(t, client.Call(ctx, "reverse", []any{[]byte{4, 5}}, &raw))
	require.Equal(t, []byte{5, 4}, raw)
}

func TestRPCErrors(t *testing.T) {
	client, server := newRPCPair(t)
	require.NoError(t, server.Register("fail", func(context.Context, any) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, server.RegisterRaw("raw", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var jsonErr *json2.Error
	err := client.Call(ctx, "missing", nil, nil)
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_NO_METHOD, jsonErr.Code)

	err = client.Call(ctx, "fail", nil, nil)
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_SERVER, jsonErr.Code)
	require.Equal(t, "boom", jsonErr.Message)

	_, err = client.CallRaw(ctx, "missing", []byte{1})
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_NO_METHOD, jsonErr.Code)

	err = client.Call(ctx, "raw", "not binary", nil)
	require.ErrorAs(t, err, &jsonErr)
	require.Equal(t, json2.E_BAD_PARAMS, jsonErr.Code)

	require.ErrorIs(t, server.Register("bad", 42), ErrUnsupportedHandler)
}

func TestRPCNotify(t *testing.T) {
	client, server := newRPCPair(t)
	notified := make(chan any, 1)
	require.NoError(t, server.Register("event", func(_ context.Context, params any) (any, error) {
		notified <- params
		return nil, nil
	}))

	require.NoError(t, client.Notify(context.Background(), "event", []any{"x"}))
	select {
	case params := <-notified:
		require.Equal(t, []any{"x"}, params)
	case <-time.After(testTimeout):
		t.Fatal("notification not handled")
	}
}

func TestRPCCarriesPorts(t *testing.T) {
	b := newBridge(t, JSONCodec{})
	client := NewClient(b.content)
	defer client.Close()
	server := NewServer(b.background)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	go server.Serve(ctx)

	require.NoError(t, server.Register("subscribe", func(_ context.Context, params any) (any, error) {
		port := params.([]any)[0].(*MessagePort)
		return nil, port.PostMessage("subscribed")
	}))

	keep, send := NewMessageChannel()
	events := collect(keep)
	require.NoError(t, client.Call(ctx, "subscribe", []any{send}, nil))
	require.Equal(t, "subscribed", nextEvent(t, events).Data)
}

func TestRPCCallContext(t *testing.T) {
	client, server := newRPCPair(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, server.Register("slow", func(ctx context.Context, _ any) (any, error) {
		<-release
		return "late", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "slow", nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Call(context.Background(), "slow", nil, nil), ErrEndpointClosed)
}
