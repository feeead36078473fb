// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"

	"go.uber.org/zap"
)

// Client is the protocol-agnostic RPC client interface.
// All application code should use this interface.
type Client interface {
	// Call makes a synchronous RPC call
	Call(ctx context.Context, method string, args, reply interface{}) error

	// CallRaw makes a call with raw bytes
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args interface{}) error

	// Close closes the connection
	Close() error
}

// Server is the protocol-agnostic RPC server interface.
type Server interface {
	// Register registers a JSONHandler, ValueHandler or RawHandler under name
	Register(name string, handler interface{}) error

	// RegisterRaw registers a raw byte handler
	RegisterRaw(method string, handler RawHandler) error

	// Serve starts serving requests (blocks until context cancelled)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// RawHandler handles raw byte RPC calls
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Codec encodes/decodes wire messages
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string // "tcp", "mem", "grpc"
	logger    *zap.Logger
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *dialOptions) getCodec() Codec {
	if o.codec != nil {
		return o.codec
	}
	return defaultCodec
}

func (o *dialOptions) getLogger() *zap.Logger {
	if o.logger != nil {
		return o.logger
	}
	return zap.NewNop()
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithDialLogger sets the logger used by dialed channels
func WithDialLogger(logger *zap.Logger) DialOption {
	return func(o *dialOptions) { o.logger = logger }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec     Codec
	transport string
	logger    *zap.Logger
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *serverOptions) getLogger() *zap.Logger {
	if o.logger != nil {
		return o.logger
	}
	return zap.NewNop()
}

// WithServerCodec restricts accepted channels to one codec. By default a
// listener accepts every codec a dialer announces.
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerLogger sets the server logger
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = logger }
}
