// relayd is the relay daemon: it serves the JSON-RPC handler registry
// over the HTTP transport and the websocket duplex transport, with a
// shared concurrency gate and signal-driven graceful drain.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
	"github.com/relaykit/relay/internal/transport/bus"
	"github.com/relaykit/relay/internal/transport/duplex"
	"github.com/relaykit/relay/internal/transport/httprpc"
	"github.com/relaykit/relay/internal/version"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		httpAddr   = flag.String("http", "", "HTTP transport listen address (overrides config)")
		wsAddr     = flag.String("ws", "", "websocket transport listen address (overrides config)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version.Version())
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("relayd starting", "version", version.Version())

	g := gate.New(cfg.MaxTokens, cfg.MaxQueued)
	registry := dispatch.NewRegistry()

	rpcServer := httprpc.NewServer(registry, httprpc.Options{
		Path:       cfg.RPCPath,
		Gate:       g,
		DrainGrace: cfg.DrainGrace.Std(),
		Logger:     logger,
	})

	peerServer := duplex.NewServer(registry, duplex.ServerOptions{
		Gate:   g,
		Logger: logger,
		OnConnect: func(p *duplex.Peer) {
			logger.Info("peer connected", "socket", p.SocketID())
		},
		OnDisconnect: func(p *duplex.Peer) {
			logger.Info("peer disconnected")
		},
	})

	// Built-in diagnostic methods.
	registerBuiltins(registry, rpcServer, peerServer)

	// Optional in-process bus node; a cluster transport plugs in by
	// implementing bus.Bus.
	if cfg.NodeName != "" {
		mb := bus.NewMemBus()
		node, err := bus.NewNode(cfg.NodeName, mb, registry, bus.NodeOptions{Logger: logger})
		if err != nil {
			logger.Error("bus node", "err", err)
			os.Exit(1)
		}
		mb.Attach(node)
		logger.Info("bus node attached", "name", node.Name())
	}

	if err := rpcServer.Start(cfg.HTTPAddr); err != nil {
		logger.Error("start http transport", "err", err)
		os.Exit(1)
	}

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.WSPath, duplex.NewWSServer(peerServer, logger))
	wsHTTP := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}

	var eg errgroup.Group
	eg.Go(func() error {
		logger.Info("websocket transport listening", "addr", cfg.WSAddr, "path", cfg.WSPath)
		if err := wsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket transport: %w", err)
		}
		return nil
	})

	logger.Info("relayd ready", "http", cfg.HTTPAddr, "ws", cfg.WSAddr, "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace.Std())
	defer cancel()

	// Stop accepting, drain in-flight work, then terminate whatever
	// is left.
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Warn("http transport shutdown", "err", err)
	}

	wsHTTP.Shutdown(ctx)
	if err := peerServer.WaitDrain(ctx); err != nil {
		logger.Warn("peer drain deadline exceeded, aborting")
		peerServer.Abort(errors.New("shutdown"))
	}
	peerServer.Close()

	if err := eg.Wait(); err != nil {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
	logger.Info("relayd stopped")
}

// newLogger builds the root slog logger: tinted output on a terminal,
// plain text otherwise.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// registerBuiltins adds the diagnostic methods every relayd serves.
func registerBuiltins(reg *dispatch.Registry, rpc *httprpc.Server, peers *duplex.Server) {
	reg.Register("ping", func(r *task.Run, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	// echo returns its params verbatim.
	reg.Register("echo", func(r *task.Run, params json.RawMessage) (any, error) {
		if params == nil {
			return nil, nil
		}
		return params, nil
	})

	// sleep suspends for params milliseconds under a race wait, so an
	// abort (disconnect, shutdown) cancels it immediately.
	reg.Register("sleep", func(r *task.Run, params json.RawMessage) (any, error) {
		var ms int64
		if err := json.Unmarshal(params, &ms); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "sleep expects milliseconds"}
		}
		if err := task.Sleep(r, time.Duration(ms)*time.Millisecond); err != nil {
			return nil, err
		}
		return "ok", nil
	})

	// status mirrors GET /status on the HTTP listener for callers that
	// only speak JSON-RPC.
	reg.Register("status", func(r *task.Run, params json.RawMessage) (any, error) {
		return map[string]any{
			"version": version.Version(),
			"http":    rpc.Stats(),
			"duplex":  peers.Stats(),
		}, nil
	})
}
