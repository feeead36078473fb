// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Forward relays traffic between local and the physical channel remote in
// both directions. Values crossing remote pass through an Endpoint, so
// ports carried by relayed messages are themselves forwarded. Closing
// either side closes the other.
func Forward(local *MessagePort, remote Channel, opts ...EndpointOption) {
	forward(local, remote, newEndpointOptions(opts))
}

func forward(local *MessagePort, remote Channel, o *endpointOptions) {
	endpoint := newEndpoint(remote, o)
	name := remote.Name()
	o.logger.Debug("bridging port", zap.String("channel", name))

	local.OnMessage(func(event MessageEvent) {
		transfer := make([]any, len(event.Ports))
		for i, port := range event.Ports {
			transfer[i] = port
		}
		err := endpoint.PostMessage(context.Background(), event.Data, transfer...)
		if err != nil && !errors.Is(err, ErrEndpointClosed) && !errors.Is(err, ErrChannelClosed) {
			o.reportError(fmt.Errorf("forward to %s: %w", name, err))
		}
	})
	endpoint.AddEventListener("message", ListenerFunc(func(event MessageEvent) {
		if err := local.PostMessage(event.Data, event.Ports...); err != nil && !errors.Is(err, ErrPortClosed) {
			o.reportError(fmt.Errorf("forward from %s: %w", name, err))
		}
	}))

	go func() {
		select {
		case <-local.Done():
			endpoint.Close()
		case <-endpoint.Done():
			local.Close()
		}
		o.logger.Debug("port bridge closed", zap.String("channel", name))
	}()
}
