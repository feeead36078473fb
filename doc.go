// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package portbridge carries message ports and binary payloads across a
// boundary that only transports plain serializable values.
//
// An Endpoint wraps a named physical Channel. Values posted to it are
// serialized: every *MessagePort found in the value is replaced by a tagged
// node holding a freshly minted channel id, and binary payloads ([]byte,
// []uint16, []uint32, Buffer) are replaced by tagged nodes carrying the
// bytes inline or a BlobStore reference. The receiving Endpoint rebuilds
// the value, creating a local port for each tagged port node, and hands
// listeners a MessageEvent.
//
// Each forwarded port travels over its own physical channel, named by its
// id. The side that can only dial channels (the content side) opens them
// through a Dialer:
//
//	d := portbridge.NewDialer(addr)
//	main, err := d.Connect(ctx, "app")
//	ep := portbridge.NewEndpoint(main, portbridge.WithDialer(d))
//
//	local, remote := portbridge.NewMessageChannel()
//	err = ep.PostMessage(ctx, map[string]any{"port": remote})
//
// The side that accepts channels (the privileged side) routes reserved
// channel names to a Registry and everything else to background endpoints:
//
//	reg := portbridge.NewRegistry()
//	l, err := portbridge.Listen(addr)
//	go l.Serve(ctx, func(ch portbridge.Channel) {
//	    if reg.Accept(ch) {
//	        return
//	    }
//	    ep := reg.NewBackgroundEndpoint(ch)
//	    ep.AddEventListener("message", handler)
//	})
//
// # Transports
//
// Channels are opened over a named transport:
//
//	tcp   length-prefixed frames over a net.Conn (default)
//	mem   in-process pairs, for tests and embedding
//	grpc  one bidirectional gRPC stream per channel (go build -tags grpc)
//
// Envelopes are encoded with JSON (default) or deterministic CBOR.
//
// # RPC
//
// NewClient and NewServer run JSON-RPC 2.0 over an Endpoint, so RPC params
// and results may themselves carry ports and binaries.
package portbridge
