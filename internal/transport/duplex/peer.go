// Package duplex implements bidirectional JSON-RPC peers over a
// message-oriented socket. The same peer logic serves both ends: a
// server indexes one peer per accepted socket, a client owns a single
// peer that survives reconnects.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
)

// ErrDisconnect is the abort reason posted to a peer's scheduler when
// its socket drops. A later connect resumes the scheduler.
var ErrDisconnect = errors.New("disconnect")

// ErrRepeatSocketID aborts an existing peer whose socket id is claimed
// by a new connection.
var ErrRepeatSocketID = errors.New("repeat socket id")

// ErrNotConnected is returned when sending without a live socket.
var ErrNotConnected = errors.New("duplex: not connected")

// Socket is the transport-side contract a peer talks through. The
// transport additionally invokes HandleConnect, HandleFrame and
// HandleDisconnect as socket events occur.
type Socket interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// PeerOptions configures a peer.
type PeerOptions struct {
	// Parent roots the peer's scheduler; nil makes the peer a root.
	Parent *task.Scheduler

	// Gate caps concurrent limited-handler executions. On duplex peers
	// bare function handlers are not gated by default.
	Gate *gate.Gate

	Logger *slog.Logger

	// OnConnect and OnDisconnect observe the peer state transitions,
	// once per transition.
	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)
}

// Peer binds a socket to a scheduler, a correlator, the handler
// registry, and an optional gate.
type Peer struct {
	sched  *task.Scheduler
	corr   *jsonrpc.Correlator
	gate   *gate.Gate
	disp   *dispatch.Dispatcher
	logger *slog.Logger

	onConnect    func(*Peer)
	onDisconnect func(*Peer)

	mu        sync.Mutex
	sock      Socket
	connected bool
}

// NewPeer creates a peer around a handler registry. The peer is not
// connected until the transport delivers HandleConnect.
func NewPeer(reg *dispatch.Registry, opts PeerOptions) *Peer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Peer{
		sched:        task.NewScheduler(opts.Parent),
		corr:         jsonrpc.NewCorrelator(),
		gate:         opts.Gate,
		logger:       opts.Logger,
		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
	}
	p.disp = &dispatch.Dispatcher{
		Registry:   reg,
		Scheduler:  p.sched,
		Gate:       opts.Gate,
		Correlator: p.corr,
		Logger:     opts.Logger,
	}
	return p
}

// HandleConnect binds a socket. A scheduler previously aborted with
// ErrDisconnect is resumed and reattached, which is what lets a
// reconnecting client keep issuing requests through the same peer.
func (p *Peer) HandleConnect(sock Socket) {
	p.mu.Lock()
	p.sock = sock
	if errors.Is(p.sched.Reason(), ErrDisconnect) {
		p.sched.Resume()
	}
	p.sched.Recover()
	p.connected = true
	p.mu.Unlock()

	if p.onConnect != nil {
		p.onConnect(p)
	}
}

// HandleDisconnect aborts in-flight work with ErrDisconnect and
// detaches the scheduler. Outstanding correlator entries are left to
// their own timeouts; call Abort for the stronger contract.
func (p *Peer) HandleDisconnect() {
	p.mu.Lock()
	if !p.sched.Aborted() {
		p.sched.Abort(ErrDisconnect)
	}
	p.sched.Destroy()
	p.connected = false
	p.mu.Unlock()

	if p.onDisconnect != nil {
		p.onDisconnect(p)
	}
}

// HandleFrame runs the shared dispatch pipeline for one inbound frame.
// Transports call it once per received message, in arrival order.
func (p *Peer) HandleFrame(frame []byte) {
	p.disp.Dispatch(dispatch.Inbound{
		From:  p.SocketID(),
		Frame: frame,
		Send:  p.send,
	})
}

// Call issues a request to the remote peer and waits for the response,
// racing it against the peer scheduler: a disconnect fails the call with
// ErrDisconnect while the correlator entry rides out its timeout.
func (p *Peer) Call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id, frame, fut, err := p.corr.NewRequest(method, params, timeout)
	if err != nil {
		return nil, err
	}

	v, err := p.sched.Execute(func(r *task.Run) (any, error) {
		if err := p.send(frame); err != nil {
			p.corr.Fail(id, err)
			return nil, err
		}
		return task.Race(r, fut)
	})
	if err != nil {
		// A destroyed scheduler never sent the frame; reclaim the
		// entry instead of leaving it to a timeout that may not exist.
		if errors.Is(err, task.ErrSchedulerDestroyed) {
			p.corr.Fail(id, err)
		}
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Notify sends a fire-and-forget notify frame to the remote peer.
func (p *Peer) Notify(method string, params any) error {
	frame, err := jsonrpc.FormatNotify(method, params)
	if err != nil {
		return fmt.Errorf("marshal %s notify: %w", method, err)
	}
	return p.send(frame)
}

func (p *Peer) send(frame []byte) error {
	p.mu.Lock()
	sock := p.sock
	connected := p.connected
	p.mu.Unlock()
	if sock == nil || !connected {
		return ErrNotConnected
	}
	return sock.Send(context.Background(), frame)
}

// Close commands the underlying socket to disconnect without
// reconnection intent.
func (p *Peer) Close() error {
	p.mu.Lock()
	sock := p.sock
	p.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}

// Abort cancels the peer's scheduler and rejects every outstanding
// correlator entry with reason.
func (p *Peer) Abort(reason error) {
	p.sched.Abort(reason)
	p.corr.AbortAll(reason)
}

// WaitDrain blocks until the scheduler, the correlator and the gate are
// all drained.
func (p *Peer) WaitDrain(ctx context.Context) error {
	if err := p.sched.WaitDrain(ctx); err != nil {
		return err
	}
	if err := p.corr.WaitDrain(ctx); err != nil {
		return err
	}
	if p.gate != nil {
		return p.gate.WaitDrain(ctx)
	}
	return nil
}

// Connected reports whether a socket is currently bound.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SocketID returns the bound socket's id, or "" when disconnected.
func (p *Peer) SocketID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return ""
	}
	return p.sock.ID()
}

// Scheduler returns the peer's scheduler node.
func (p *Peer) Scheduler() *task.Scheduler {
	return p.sched
}

// Correlator returns the peer's correlator.
func (p *Peer) Correlator() *jsonrpc.Correlator {
	return p.corr
}
