// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	json2 "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const jsonrpcVersion = "2.0"

// JSONHandler handles a call whose params arrive as JSON.
type JSONHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ValueHandler handles a call with its params as deserialized, so ports and
// binary payloads sent as params reach the handler intact.
type ValueHandler func(ctx context.Context, params any) (any, error)

// rpcClient issues JSON-RPC 2.0 calls over an Endpoint. Responses are
// matched to calls by id.
type rpcClient struct {
	ep     *Endpoint
	codec  Codec
	logger *zap.Logger
	nextID atomic.Uint64
	remove func()

	mu      sync.Mutex
	pending map[uint64]chan map[string]any
	closed  bool
}

// NewClient returns a Client that sends requests as messages on ep. The
// dial options' codec decodes raw binary results into Call replies.
func NewClient(ep *Endpoint, opts ...DialOption) Client {
	o := newDialOptions(opts)
	c := &rpcClient{
		ep:      ep,
		codec:   o.getCodec(),
		logger:  o.getLogger(),
		pending: make(map[uint64]chan map[string]any),
	}
	c.remove = ep.AddEventListener("message", ListenerFunc(c.handleEvent))
	return c
}

func (c *rpcClient) handleEvent(event MessageEvent) {
	msg, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	if _, isRequest := msg["method"]; isRequest {
		return
	}
	id, ok := requestID(msg["id"])
	if !ok {
		return
	}

	c.mu.Lock()
	resp, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown call", zap.Uint64("id", id))
		return
	}
	resp <- msg
}

func requestID(v any) (uint64, bool) {
	n, ok := v.(float64)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// Call sends method with args as params and decodes the result into reply.
func (c *rpcClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	resp, err := c.roundTrip(ctx, method, args)
	if err != nil {
		return err
	}

	if result, ok := resp["result"].([]byte); ok && reply != nil {
		if out, ok := reply.(*[]byte); ok {
			*out = result
			return nil
		}
		return c.codec.Decode(result, reply)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response for %s: %w", method, err)
	}
	err = json2.DecodeClientResponse(bytes.NewReader(body), reply)
	if errors.Is(err, json2.ErrNullResult) {
		return nil
	}
	return err
}

// CallRaw sends payload as a single binary param and returns the binary
// result.
func (c *rpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	resp, err := c.roundTrip(ctx, method, []any{payload})
	if err != nil {
		return nil, err
	}
	if errObj, ok := resp["error"]; ok && errObj != nil {
		return nil, decodeError(errObj)
	}
	switch result := resp["result"].(type) {
	case []byte:
		return result, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: raw call returned %T", method, result)
	}
}

func (c *rpcClient) roundTrip(ctx context.Context, method string, params any) (map[string]any, error) {
	id := c.nextID.Add(1)
	resp := make(chan map[string]any, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	c.pending[id] = resp
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := map[string]any{
		"jsonrpc": jsonrpcVersion,
		"method":  method,
		"params":  params,
		"id":      id,
	}
	if err := c.ep.PostMessage(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg := <-resp:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ep.Done():
		return nil, ErrEndpointClosed
	}
}

// Notify sends method without an id; no response is expected.
func (c *rpcClient) Notify(ctx context.Context, method string, args interface{}) error {
	return c.ep.PostMessage(ctx, map[string]any{
		"jsonrpc": jsonrpcVersion,
		"method":  method,
		"params":  args,
	})
}

// Close stops listening for responses. The endpoint stays open.
func (c *rpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.remove()
	}
	return nil
}

func decodeError(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	jsonErr := &json2.Error{}
	if err := json.Unmarshal(body, jsonErr); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedValue, body)
	}
	return jsonErr
}

// rpcServer answers JSON-RPC 2.0 requests arriving on an Endpoint.
type rpcServer struct {
	ep     *Endpoint
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]ValueHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer returns a Server that answers requests posted to ep.
func NewServer(ep *Endpoint, opts ...ServerOption) Server {
	o := newServerOptions(opts)
	return &rpcServer{
		ep:       ep,
		logger:   o.getLogger(),
		handlers: make(map[string]ValueHandler),
		done:     make(chan struct{}),
	}
}

// Register adds handler under name. handler must be a JSONHandler, a
// ValueHandler or a RawHandler, or a func with one of their signatures.
func (s *rpcServer) Register(name string, handler interface{}) error {
	var h ValueHandler
	switch fn := handler.(type) {
	case ValueHandler:
		h = fn
	case func(context.Context, any) (any, error):
		h = fn
	case JSONHandler:
		h = adaptJSON(fn)
	case func(context.Context, json.RawMessage) (any, error):
		h = adaptJSON(fn)
	case RawHandler:
		h = adaptRaw(fn)
	case func(context.Context, []byte) ([]byte, error):
		h = adaptRaw(fn)
	default:
		return fmt.Errorf("%w: %s has type %T", ErrUnsupportedHandler, name, handler)
	}
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
	return nil
}

// RegisterRaw adds a handler whose single param and result are binary.
func (s *rpcServer) RegisterRaw(method string, handler RawHandler) error {
	return s.Register(method, handler)
}

func adaptJSON(fn JSONHandler) ValueHandler {
	return func(ctx context.Context, params any) (any, error) {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
		}
		return fn(ctx, raw)
	}
}

func adaptRaw(fn RawHandler) ValueHandler {
	return func(ctx context.Context, params any) (any, error) {
		args, ok := params.([]any)
		if !ok || len(args) != 1 {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: "expected one binary param"}
		}
		payload, ok := args[0].([]byte)
		if !ok {
			return nil, &json2.Error{Code: json2.E_BAD_PARAMS, Message: fmt.Sprintf("expected binary param, got %T", args[0])}
		}
		return fn(ctx, payload)
	}
}

// Serve answers requests until ctx is cancelled, the server is closed or
// the endpoint goes away.
func (s *rpcServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	remove := s.ep.AddEventListener("message", ListenerFunc(func(event MessageEvent) {
		s.handleEvent(ctx, event)
	}))
	defer remove()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case <-s.ep.Done():
		return nil
	}
}

func (s *rpcServer) handleEvent(ctx context.Context, event MessageEvent) {
	msg, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	method, ok := msg["method"].(string)
	if !ok {
		return
	}
	id, hasID := msg["id"]
	go func() {
		result, err := s.invoke(ctx, method, msg["params"])
		if !hasID {
			if err != nil {
				s.logger.Debug("notification failed", zap.String("method", method), zap.Error(err))
			}
			return
		}
		resp := map[string]any{"jsonrpc": jsonrpcVersion, "id": id}
		if err != nil {
			resp["error"] = errorObject(err)
		} else {
			resp["result"] = result
		}
		if err := s.ep.PostMessage(ctx, resp); err != nil {
			s.logger.Warn("failed to send response", zap.String("method", method), zap.Error(err))
		}
	}()
}

func (s *rpcServer) invoke(ctx context.Context, method string, params any) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, &json2.Error{Code: json2.E_NO_METHOD, Message: "method not found: " + method}
	}
	return h(ctx, params)
}

func errorObject(err error) map[string]any {
	var jsonErr *json2.Error
	if !errors.As(err, &jsonErr) {
		jsonErr = &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	obj := map[string]any{
		"code":    int(jsonErr.Code),
		"message": jsonErr.Message,
	}
	if jsonErr.Data != nil {
		obj["data"] = jsonErr.Data
	}
	return obj
}

func (s *rpcServer) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Addr returns the name of the channel the server answers on.
func (s *rpcServer) Addr() string {
	return s.ep.Name()
}
