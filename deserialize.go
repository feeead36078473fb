// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

type deserialization struct {
	opts   *endpointOptions
	ctx    context.Context
	group  *errgroup.Group
	ports  *[]*MessagePort
	fixups []func()

	// byID holds the port already created for each id in this message
	byID map[string]*MessagePort
}

// deserialize rebuilds the runtime value of msg, appending every port it
// reconstructs to ports. Blob retrievals run concurrently; the call
// returns only after all of them have finished. On failure the ports
// created so far are closed.
func (o *endpointOptions) deserialize(ctx context.Context, msg Value, ports *[]*MessagePort) (any, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	d := &deserialization{
		opts:  o,
		ctx:   groupCtx,
		group: group,
		ports: ports,
	}
	first := len(*ports)

	var result any
	walkErr := d.walk(msg, func(v any) { result = v })
	waitErr := group.Wait()
	if err := firstError(walkErr, waitErr); err != nil {
		for _, port := range (*ports)[first:] {
			port.Close()
		}
		*ports = (*ports)[:first]
		return nil, err
	}

	for _, fix := range d.fixups {
		fix()
	}
	return result, nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// walk resolves v and hands the result to assign. Results that need a blob
// retrieval are assigned after the group has finished.
func (d *deserialization) walk(v Value, assign func(any)) error {
	switch v.Kind() {
	case KindNull:
		assign(nil)
	case KindBool:
		assign(v.Bool())
	case KindNumber:
		assign(v.Number())
	case KindString:
		assign(v.Str())
	case KindArray:
		items := make([]any, len(v.Items()))
		for i, item := range v.Items() {
			if err := d.walk(item, func(x any) { items[i] = x }); err != nil {
				return err
			}
		}
		assign(items)
	case KindMap:
		fields := v.Fields()
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(fields))
		for _, key := range keys {
			if err := d.walk(fields[key], func(x any) { out[key] = x }); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		assign(out)
	case KindPort:
		return d.port(v.PortID(), assign)
	case KindBinary:
		return d.binary(v, assign)
	default:
		return fmt.Errorf("%w: %s", ErrMalformedValue, v.Kind())
	}
	return nil
}

// port resolves id once per message; repeated occurrences share the port.
func (d *deserialization) port(id string, assign func(any)) error {
	if port, ok := d.byID[id]; ok {
		assign(port)
		return nil
	}
	if d.opts.deserializeChannel == nil {
		return ErrNoResolver
	}
	port, err := d.opts.deserializeChannel(id)
	if err != nil {
		return fmt.Errorf("port %s: %w", id, err)
	}
	if d.byID == nil {
		d.byID = make(map[string]*MessagePort)
	}
	d.byID[id] = port
	*d.ports = append(*d.ports, port)
	assign(port)
	return nil
}

func (d *deserialization) binary(v Value, assign func(any)) error {
	kind, data, ref := v.Binary()
	if ref == "" {
		rebuilt, err := reconstructBinary(kind, data)
		if err != nil {
			return err
		}
		assign(rebuilt)
		return nil
	}

	store := d.opts.blobs
	if store == nil {
		return fmt.Errorf("%w: no blob store for %s", ErrBlobNotFound, ref)
	}
	var rebuilt any
	d.group.Go(func() error {
		fetched, err := store.Get(d.ctx, ref)
		if err != nil {
			return fmt.Errorf("retrieve %s: %w", kind, err)
		}
		rebuilt, err = reconstructBinary(kind, fetched)
		if err != nil {
			return err
		}
		store.Revoke(ref)
		return nil
	})
	d.fixups = append(d.fixups, func() { assign(rebuilt) })
	return nil
}
