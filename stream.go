// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package portbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MessageType identifies stream frame types
type MessageType uint8

const (
	MsgHello MessageType = 0x01
	MsgData  MessageType = 0x02
	MsgClose MessageType = 0x03
)

const (
	maxFrameSize     = 64 * 1024 * 1024 // 64MB max
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 30 * time.Second
)

// writeFrame encodes [4 len][1 type][payload]
func writeFrame(w io.Writer, msgType MessageType, payload []byte) error {
	msgLen := 1 + len(payload)
	if msgLen > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return MessageType(msg[0]), msg[1:], nil
}

// hello payload: [2 codecLen][codec][channel name]
func encodeHello(codec, name string) []byte {
	buf := make([]byte, 2+len(codec)+len(name))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(codec)))
	copy(buf[2:], codec)
	copy(buf[2+len(codec):], name)
	return buf
}

func decodeHello(payload []byte) (codec, name string, err error) {
	if len(payload) < 2 {
		return "", "", errors.New("stream: short hello")
	}
	codecLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+codecLen {
		return "", "", errors.New("stream: truncated hello")
	}
	return string(payload[2 : 2+codecLen]), string(payload[2+codecLen:]), nil
}

// StreamChannel is a physical channel over a net.Conn. Each message is
// one length-prefixed data frame holding the codec-encoded envelope.
type StreamChannel struct {
	name      string
	conn      net.Conn
	codec     Codec
	logger    *zap.Logger
	writeMu   sync.Mutex
	subs      *subscribers
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamChannel(conn net.Conn, name string, codec Codec, logger *zap.Logger) *StreamChannel {
	c := &StreamChannel{
		name:   name,
		conn:   conn,
		codec:  codec,
		logger: logger.With(zap.String("channel", name)),
		done:   make(chan struct{}),
	}
	c.subs = newSubscribers(c.done)
	go c.readLoop()
	return c
}

func (c *StreamChannel) Name() string { return c.name }

func (c *StreamChannel) Send(msg Value) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("stream encode: %w", err)
	}
	return c.write(MsgData, payload)
}

func (c *StreamChannel) write(msgType MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(c.conn, msgType, payload); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

func (c *StreamChannel) Subscribe(fn func(Value, error)) func() {
	return c.subs.subscribe(fn)
}

func (c *StreamChannel) readLoop() {
	defer c.shutdown()

	for {
		msgType, payload, err := readFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("stream read ended", zap.Error(err))
			}
			return
		}

		switch msgType {
		case MsgData:
			var msg Value
			if err := c.codec.Decode(payload, &msg); err != nil {
				c.logger.Debug("undecodable frame", zap.Error(err))
				c.subs.fail(fmt.Errorf("stream decode: %w", err))
				continue
			}
			c.subs.deliver(msg)
		case MsgClose:
			return
		}
	}
}

// Close tells the far side and closes the connection
func (c *StreamChannel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.write(MsgClose, nil)
	c.shutdown()
	return nil
}

func (c *StreamChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *StreamChannel) Done() <-chan struct{} { return c.done }

// dialStream opens a stream channel and announces its name
func dialStream(ctx context.Context, addr, name string, o *dialOptions) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	codec := o.getCodec()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := writeFrame(conn, MsgHello, encodeHello(codec.Name(), name)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream hello: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return newStreamChannel(conn, name, codec, o.getLogger()), nil
}

func listenStream(addr string, o *serverOptions) (ChannelListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &streamListener{
		listener: listener,
		opts:     o,
	}, nil
}

// streamListener accepts stream channels
type streamListener struct {
	listener net.Listener
	opts     *serverOptions
	channels sync.Map
	closed   atomic.Bool
}

func (l *streamListener) Serve(ctx context.Context, onConnect ConnectHandler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.opts.getLogger().Warn("stream accept failed", zap.Error(err))
			continue
		}
		go l.handshake(conn, onConnect)
	}
}

func (l *streamListener) handshake(conn net.Conn, onConnect ConnectHandler) {
	logger := l.opts.getLogger()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msgType, payload, err := readFrame(conn)
	if err != nil || msgType != MsgHello {
		logger.Debug("stream handshake failed", zap.Stringer("remote_addr", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}
	codecName, name, err := decodeHello(payload)
	if err != nil {
		logger.Debug("stream handshake failed", zap.Error(err))
		conn.Close()
		return
	}
	codec, err := CodecByName(codecName)
	if err == nil && l.opts.codec != nil && l.opts.codec.Name() != codec.Name() {
		err = fmt.Errorf("%w: %s not accepted", ErrUnknownCodec, codecName)
	}
	if err != nil {
		logger.Warn("stream handshake rejected", zap.String("channel", name), zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	ch := newStreamChannel(conn, name, codec, logger)
	l.channels.Store(ch, struct{}{})
	go func() {
		<-ch.Done()
		l.channels.Delete(ch)
	}()
	onConnect(ch)
}

// Close stops accepting and closes every accepted channel
func (l *streamListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.channels.Range(func(key, _ interface{}) bool {
		key.(*StreamChannel).Close()
		return true
	})
	return l.listener.Close()
}

func (l *streamListener) Addr() string {
	return l.listener.Addr().String()
}
