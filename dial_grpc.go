//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

const (
	grpcServiceName  = "portbridge.Bridge"
	grpcOpenMethod   = "/portbridge.Bridge/Open"
	metadataChannel  = "portbridge-channel"
	metadataCodec    = "portbridge-codec"
	grpcRawCodecName = "portbridge-raw"
)

// rawCodec moves pre-encoded envelopes through gRPC unchanged
type rawCodec struct{}

func (rawCodec) Name() string { return grpcRawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("grpc raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc raw codec: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

var openStreamDesc = grpc.StreamDesc{
	StreamName:    "Open",
	ServerStreams: true,
	ClientStreams: true,
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcChannel is a physical channel over one bidirectional gRPC stream
type grpcChannel struct {
	name      string
	stream    grpcStream
	codec     Codec
	logger    *zap.Logger
	sendMu    sync.Mutex
	subs      *subscribers
	done      chan struct{}
	closeOnce sync.Once
	release   func()
}

func newGRPCChannel(name string, stream grpcStream, codec Codec, logger *zap.Logger, release func()) *grpcChannel {
	c := &grpcChannel{
		name:    name,
		stream:  stream,
		codec:   codec,
		logger:  logger.With(zap.String("channel", name)),
		done:    make(chan struct{}),
		release: release,
	}
	c.subs = newSubscribers(c.done)
	go c.readLoop()
	return c
}

func (c *grpcChannel) Name() string { return c.name }

func (c *grpcChannel) Send(msg Value) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("grpc encode: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(&frame); err != nil {
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

func (c *grpcChannel) Subscribe(fn func(Value, error)) func() {
	return c.subs.subscribe(fn)
}

func (c *grpcChannel) readLoop() {
	defer c.Close()
	for {
		var frame []byte
		if err := c.stream.RecvMsg(&frame); err != nil {
			c.logger.Debug("grpc stream ended", zap.Error(err))
			return
		}
		var msg Value
		if err := c.codec.Decode(frame, &msg); err != nil {
			c.logger.Debug("undecodable frame", zap.Error(err))
			c.subs.fail(fmt.Errorf("grpc decode: %w", err))
			continue
		}
		c.subs.deliver(msg)
	}
}

func (c *grpcChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.release != nil {
			c.release()
		}
	})
	return nil
}

func (c *grpcChannel) Done() <-chan struct{} { return c.done }

func dialGRPC(ctx context.Context, addr, name string, o *dialOptions) (Channel, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives ctx, which only bounds the dial.
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		metadataChannel, name,
		metadataCodec, o.getCodec().Name(),
	)
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &openStreamDesc, grpcOpenMethod, grpc.WaitForReady(true))
	if !stop() {
		cancel()
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("grpc open: %w", err)
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc open: %w", err)
	}

	release := func() {
		stream.CloseSend()
		cancel()
		conn.Close()
	}
	return newGRPCChannel(name, stream, o.getCodec(), o.getLogger(), release), nil
}

func listenGRPC(addr string, o *serverOptions) (ChannelListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		listener: lis,
		opts:     o,
		accepted: newMailbox[Channel](),
		done:     make(chan struct{}),
	}
	l.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	l.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*grpcBridgeServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    openStreamDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(grpcBridgeServer).Open(stream)
			},
		}},
	}, l)
	return l, nil
}

type grpcBridgeServer interface {
	Open(stream grpc.ServerStream) error
}

// grpcListener accepts one channel per gRPC stream
type grpcListener struct {
	listener  net.Listener
	server    *grpc.Server
	opts      *serverOptions
	accepted  *mailbox[Channel]
	done      chan struct{}
	closeOnce sync.Once
}

func (l *grpcListener) Open(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	name := firstMetadata(md, metadataChannel)
	if name == "" {
		return status.Error(codes.InvalidArgument, "missing channel name")
	}
	codec, err := CodecByName(firstMetadata(md, metadataCodec))
	if err == nil && l.opts.codec != nil && l.opts.codec.Name() != codec.Name() {
		err = fmt.Errorf("%w: %s not accepted", ErrUnknownCodec, codec.Name())
	}
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ch := newGRPCChannel(name, stream, codec, l.opts.getLogger(), nil)
	l.accepted.push(ch)

	select {
	case <-ch.Done():
	case <-stream.Context().Done():
		ch.Close()
	case <-l.done:
		ch.Close()
	}
	return nil
}

func firstMetadata(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (l *grpcListener) Serve(ctx context.Context, onConnect ConnectHandler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.server.Serve(l.listener) }()

	l.accepted.signal()
	l.accepted.run(l.done, func() func(Channel) {
		return func(ch Channel) { onConnect(ch) }
	})

	select {
	case err := <-serveErr:
		if err == grpc.ErrServerStopped {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.server.Stop()
	})
	return nil
}

func (l *grpcListener) Addr() string {
	return l.listener.Addr().String()
}
