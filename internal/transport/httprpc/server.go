// Package httprpc serves JSON-RPC over HTTP POST: one request frame per
// body, one result or error frame back, 503 while stopped or saturated.
package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
)

const contentType = "application/json; charset=utf-8"

// Options configures a Server.
type Options struct {
	// Path is the POST endpoint. Default "/rpc".
	Path string

	// Gate caps concurrent handler executions. Nil disables gating.
	Gate *gate.Gate

	// MaxBodyBytes bounds a request body. Default 1MB.
	MaxBodyBytes int64

	// DrainGrace bounds Shutdown's wait for in-flight work before
	// lingering connections are terminated. Default 5s.
	DrainGrace time.Duration

	Logger *slog.Logger
}

// Server is the HTTP transport adapter.
type Server struct {
	path       string
	gate       *gate.Gate
	sched      *task.Scheduler
	disp       *dispatch.Dispatcher
	logger     *slog.Logger
	mux        *http.ServeMux
	server     *http.Server
	ln         net.Listener
	stopped    atomic.Bool
	maxBody    int64
	drainGrace time.Duration
}

// NewServer creates the transport around a handler registry. Bare
// function handlers are gated by default on this transport.
func NewServer(reg *dispatch.Registry, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/rpc"
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.DrainGrace == 0 {
		opts.DrainGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		path:       opts.Path,
		gate:       opts.Gate,
		sched:      task.NewScheduler(nil),
		logger:     opts.Logger,
		mux:        http.NewServeMux(),
		maxBody:    opts.MaxBodyBytes,
		drainGrace: opts.DrainGrace,
	}
	s.disp = &dispatch.Dispatcher{
		Registry:         reg,
		Scheduler:        s.sched,
		Gate:             opts.Gate,
		Logger:           opts.Logger,
		LimitedByDefault: true,
	}
	s.mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRPC(w, r)
	})
	s.mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleStats(w, r)
	})
	s.server = &http.Server{Handler: s.mux}
	return s
}

// Scheduler returns the transport's root scheduler.
func (s *Server) Scheduler() *task.Scheduler {
	return s.sched
}

// Handler exposes the transport as an http.Handler for embedding into
// an existing mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleRPC is the middleware stack: stopped check, availability check,
// then dispatch.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.stopped.Load() {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	if s.gate != nil && s.gate.Available() == 0 {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// Unlike the duplex path, an HTTP caller always deserves a body:
	// surface parse failures as an error frame with a null id.
	if _, perr := jsonrpc.Parse(body); perr != nil {
		frame, ferr := jsonrpc.FormatError(nil, perr)
		if ferr != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(frame)
		return
	}

	var reply []byte
	status := 0
	var extra http.Header

	s.disp.Dispatch(dispatch.Inbound{
		Frame: body,
		Send: func(frame []byte) error {
			reply = frame
			return nil
		},
		ApplyHTTP: func(st int, h http.Header) {
			status = st
			extra = h
		},
		Disconnected: r.Context().Done(),
	})

	// Client gone mid-request: the per-request scheduler was aborted
	// with "disconnected" and there is nothing left to write to.
	if r.Context().Err() != nil {
		return
	}

	w.Header().Set("Content-Type", contentType)
	for k, vs := range extra {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if reply != nil {
		w.Write(reply)
	}
}

// Stats is a point-in-time snapshot of the transport.
type Stats struct {
	Stopped bool        `json:"stopped"`
	Running int         `json:"running"`
	Gate    *gate.Stats `json:"gate,omitempty"`
}

// Stats snapshots the transport's in-flight work and gate usage.
func (s *Server) Stats() Stats {
	st := Stats{
		Stopped: s.stopped.Load(),
		Running: s.sched.Running(),
	}
	if s.gate != nil {
		gs := s.gate.Stats()
		st.Gate = &gs
	}
	return st
}

// handleStats serves the transport snapshot. It stays reachable while
// the transport is stopped; that is when operators want it most.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("http rpc listening", "addr", ln.Addr().String(), "path", s.path)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http rpc server", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop rejects new requests with 503; in-flight requests keep running.
func (s *Server) Stop() {
	s.stopped.Store(true)
}

// Resume admits new requests again after a Stop.
func (s *Server) Resume() {
	s.stopped.Store(false)
}

// Abort cancels all in-flight requests with reason.
func (s *Server) Abort(reason error) {
	s.sched.Abort(reason)
}

// WaitDrain blocks until the scheduler and the gate are both drained.
func (s *Server) WaitDrain(ctx context.Context) error {
	if err := s.sched.WaitDrain(ctx); err != nil {
		return err
	}
	if s.gate != nil {
		return s.gate.WaitDrain(ctx)
	}
	return nil
}

// Shutdown stops admitting requests, waits for in-flight work up to the
// drain grace (or ctx's earlier deadline), then forcibly terminates
// whatever lingers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()

	dctx, cancel := context.WithTimeout(ctx, s.drainGrace)
	defer cancel()

	if err := s.WaitDrain(dctx); err != nil {
		s.logger.Warn("drain deadline exceeded, terminating connections")
		return s.server.Close()
	}
	return s.server.Shutdown(dctx)
}
