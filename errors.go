// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import "errors"

var (
	ErrChannelClosed      = errors.New("portbridge: channel closed")
	ErrPortClosed         = errors.New("portbridge: message port closed")
	ErrEndpointClosed     = errors.New("portbridge: endpoint closed")
	ErrRequestTimeout     = errors.New("portbridge: channel request timed out")
	ErrChannelNotFound    = errors.New("portbridge: channel not found")
	ErrDuplicateChannel   = errors.New("portbridge: channel already connected")
	ErrNoResolver         = errors.New("portbridge: no channel resolver configured")
	ErrAlreadySerialized  = errors.New("portbridge: value already serialized")
	ErrReservedKey        = errors.New("portbridge: reserved marker key in payload")
	ErrMalformedValue     = errors.New("portbridge: malformed wire value")
	ErrBlobNotFound       = errors.New("portbridge: blob reference not found")
	ErrFrameTooLarge      = errors.New("portbridge: frame too large")
	ErrUnknownTransport   = errors.New("portbridge: unknown transport")
	ErrNoListener         = errors.New("portbridge: no listener at address")
	ErrUnknownCodec       = errors.New("portbridge: unknown codec")
	ErrUnsupportedHandler = errors.New("portbridge: unsupported handler type")
)

// ErrorHandler receives failures that happen off the caller's goroutine,
// such as a message that could not be deserialized or a channel request
// that timed out.
type ErrorHandler func(err error)
