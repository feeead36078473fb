// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"fmt"
)

// Dial opens the channel name on the listener at addr using the default
// transport (TCP). Use WithTransport for transport selection.
func Dial(ctx context.Context, addr, name string, opts ...DialOption) (Channel, error) {
	return dial(ctx, addr, name, newDialOptions(opts))
}

func dial(ctx context.Context, addr, name string, o *dialOptions) (Channel, error) {
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.dial(ctx, addr, name, o)
}

// NewDialer returns a Dialer that opens channels on the listener at addr.
func NewDialer(addr string, opts ...DialOption) Dialer {
	return &transportDialer{addr: addr, opts: newDialOptions(opts)}
}

type transportDialer struct {
	addr string
	opts *dialOptions
}

func (d *transportDialer) Connect(ctx context.Context, name string) (Channel, error) {
	return dial(ctx, d.addr, name, d.opts)
}

// Listen creates a channel listener using the default transport (TCP).
func Listen(addr string, opts ...ServerOption) (ChannelListener, error) {
	o := newServerOptions(opts)
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.listen(addr, o)
}
