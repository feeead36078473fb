// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// portbridged is the privileged side of a port bridge. It accepts named
// channels, routes forwarded-port channels to a registry and answers
// JSON-RPC on every other channel.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/luxfi/portbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, transport, codec, logLevel string

	flagSet := pflag.NewFlagSet("portbridged", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (yaml, toml or json)")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flagSet.StringVar(&transport, "transport", "", "transport: tcp, mem or grpc (overrides config)")
	flagSet.StringVar(&codec, "codec", "", "accepted codec: json, cbor, with optional +zstd (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := portbridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if codec != "" {
		cfg.Codec = codec
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := portbridge.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverOpts, err := cfg.ServerOptions(logger)
	if err != nil {
		return err
	}
	listener, err := portbridge.Listen(cfg.Listen, serverOpts...)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	defer listener.Close()

	registry := portbridge.NewRegistry(cfg.RegistryOptions(logger)...)
	logger.Info("portbridged listening",
		zap.String("addr", listener.Addr()),
		zap.String("transport", cfg.Transport),
		zap.String("binary_mode", cfg.BinaryMode),
	)

	err = listener.Serve(ctx, func(ch portbridge.Channel) {
		if registry.Accept(ch) {
			return
		}
		serveChannel(ctx, registry, ch, logger)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("portbridged stopped")
	return nil
}

// serveChannel answers the bridge service on one ordinary channel.
func serveChannel(ctx context.Context, registry *portbridge.Registry, ch portbridge.Channel, logger *zap.Logger) {
	log := logger.With(zap.String("channel", ch.Name()))
	ep := registry.NewBackgroundEndpoint(ch)
	server := portbridge.NewServer(ep, portbridge.WithServerLogger(log))

	if err := server.Register("bridge.ping", pingHandler); err != nil {
		log.Error("register bridge.ping", zap.Error(err))
		ep.Close()
		return
	}
	if err := server.Register("bridge.echo", echoHandler); err != nil {
		log.Error("register bridge.echo", zap.Error(err))
		ep.Close()
		return
	}

	go func() {
		defer ep.Close()
		log.Debug("serving channel")
		if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("channel server stopped", zap.Error(err))
		}
	}()
}

func pingHandler(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

// echoHandler returns its params untouched, ports and binaries included.
func echoHandler(_ context.Context, params any) (any, error) {
	return params, nil
}
