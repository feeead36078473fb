// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultChannelPrefix marks channel names that carry forwarded ports
// rather than ordinary RPC traffic.
const DefaultChannelPrefix = "__portbridge_port__"

// newChannelID mints <prefix><unix millis><random fraction>.
func newChannelID(prefix string) string {
	return prefix +
		strconv.FormatInt(time.Now().UnixMilli(), 10) +
		strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
}

type pendingPort struct {
	id   string
	port *MessagePort
}

type serialization struct {
	ctx   context.Context
	opts  *endpointOptions
	ids   map[*MessagePort]string
	ports []pendingPort
}

// serialize converts value into its wire form. Ports found in the tree get
// a freshly minted channel id; commit starts the handshake for them and
// must be called exactly once, after the message has been sent.
func (o *endpointOptions) serialize(ctx context.Context, value any) (Value, func(), error) {
	s := &serialization{ctx: ctx, opts: o}
	msg, err := s.walk(value)
	if err != nil {
		return Value{}, nil, err
	}
	if len(s.ports) > 0 && o.resolveChannel == nil {
		return Value{}, nil, ErrNoResolver
	}

	commit := func() {
		for _, pending := range s.ports {
			port := pending.port
			o.logger.Debug("forwarding port", zap.String("id", pending.id))
			o.resolveChannel(pending.id, func(ch Channel) {
				forward(port, ch, o)
			})
		}
	}
	return msg, commit, nil
}

func (s *serialization) walk(value any) (Value, error) {
	switch x := value.(type) {
	case nil:
		return Null(), nil
	case Value, *Value:
		return Value{}, ErrAlreadySerialized
	case bool:
		return BoolValue(x), nil
	case string:
		return StringValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int8:
		return NumberValue(float64(x)), nil
	case int16:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint8:
		return NumberValue(float64(x)), nil
	case uint16:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", x, err)
		}
		return NumberValue(n), nil
	case *MessagePort:
		if x == nil {
			return Null(), nil
		}
		return PortValue(s.portID(x)), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := s.walk(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return ArrayValue(items...), nil
	case map[string]any:
		if _, ok := x[MarkerKey]; ok {
			return Value{}, ErrReservedKey
		}
		fields := make(map[string]Value, len(x))
		for key, field := range x {
			v, err := s.walk(field)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			fields[key] = v
		}
		return MapValue(fields), nil
	}

	if kind, data, ok := classifyBinary(value); ok {
		return s.materialize(kind, data)
	}

	// Structs, typed slices and typed maps take their JSON shape.
	encoded, err := json.Marshal(value)
	if err != nil {
		return Value{}, fmt.Errorf("encode %T: %w", value, err)
	}
	var plain any
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return Value{}, fmt.Errorf("encode %T: %w", value, err)
	}
	return s.walk(plain)
}

func (s *serialization) portID(port *MessagePort) string {
	if id, ok := s.ids[port]; ok {
		return id
	}
	if s.ids == nil {
		s.ids = make(map[*MessagePort]string)
	}
	id := newChannelID(s.opts.prefix)
	s.ids[port] = id
	s.ports = append(s.ports, pendingPort{id: id, port: port})
	return id
}

func (s *serialization) materialize(kind BinaryKind, data []byte) (Value, error) {
	if s.opts.blobs == nil {
		return BinaryValue(kind, append([]byte{}, data...)), nil
	}
	ref, err := s.opts.blobs.Put(s.ctx, data)
	if err != nil {
		return Value{}, fmt.Errorf("materialize %s: %w", kind, err)
	}
	return BinaryRefValue(kind, ref), nil
}
