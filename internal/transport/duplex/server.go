package duplex

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/task"
)

// ServerOptions configures a peer server.
type ServerOptions struct {
	Gate   *gate.Gate
	Logger *slog.Logger

	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)
}

// Server accepts sockets and maintains one peer per socket id, all
// rooted at a shared scheduler.
type Server struct {
	reg    *dispatch.Registry
	root   *task.Scheduler
	gate   *gate.Gate
	logger *slog.Logger

	onConnect    func(*Peer)
	onDisconnect func(*Peer)

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewServer creates a peer server around a handler registry.
func NewServer(reg *dispatch.Registry, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		reg:          reg,
		root:         task.NewScheduler(nil),
		gate:         opts.Gate,
		logger:       opts.Logger,
		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
		peers:        make(map[string]*Peer),
	}
}

// Accept builds a peer for a newly connected socket and indexes it by
// socket id. A live peer already holding the id is aborted with
// ErrRepeatSocketID and closed before the replacement takes its place.
func (s *Server) Accept(sock Socket) *Peer {
	id := sock.ID()

	s.mu.Lock()
	old, exists := s.peers[id]
	s.mu.Unlock()
	if exists {
		s.logger.Warn("replacing peer with repeated socket id", "socket", id)
		old.Abort(ErrRepeatSocketID)
		old.Close()
	}

	var p *Peer
	p = NewPeer(s.reg, PeerOptions{
		Parent: s.root,
		Gate:   s.gate,
		Logger: s.logger,
		OnConnect: func(peer *Peer) {
			if s.onConnect != nil {
				s.onConnect(peer)
			}
		},
		OnDisconnect: func(peer *Peer) {
			// Drop the index entry only if it still points at this
			// peer, so a replacement is never deleted by the old
			// peer's disconnect.
			s.mu.Lock()
			if s.peers[id] == peer {
				delete(s.peers, id)
			}
			s.mu.Unlock()
			if s.onDisconnect != nil {
				s.onDisconnect(peer)
			}
		},
	})

	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()

	p.HandleConnect(sock)
	return p
}

// Peer resolves a live peer by socket id.
func (s *Server) Peer(id string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

// Peers snapshots the live peers.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Scheduler returns the root scheduler shared by all peers.
func (s *Server) Scheduler() *task.Scheduler {
	return s.root
}

// Abort cancels every peer (scheduler + correlator) and the root.
func (s *Server) Abort(reason error) {
	for _, p := range s.Peers() {
		p.Abort(reason)
	}
	s.root.Abort(reason)
}

// Close disconnects every peer's socket.
func (s *Server) Close() {
	for _, p := range s.Peers() {
		p.Close()
	}
}

// Stats is a point-in-time snapshot of the peer server.
type Stats struct {
	Peers        int         `json:"peers"`
	Running      int         `json:"running"`
	PendingCalls int         `json:"pending_calls"`
	Gate         *gate.Stats `json:"gate,omitempty"`
}

// Stats snapshots the peer index, in-flight work, and outstanding
// correlator entries across all peers.
func (s *Server) Stats() Stats {
	peers := s.Peers()
	st := Stats{
		Peers:   len(peers),
		Running: s.root.Running(),
	}
	for _, p := range peers {
		st.PendingCalls += p.corr.Pending()
	}
	if s.gate != nil {
		gs := s.gate.Stats()
		st.Gate = &gs
	}
	return st
}

// WaitDrain blocks until the root scheduler, every peer's correlator,
// and the gate are drained.
func (s *Server) WaitDrain(ctx context.Context) error {
	if err := s.root.WaitDrain(ctx); err != nil {
		return err
	}
	for _, p := range s.Peers() {
		if err := p.corr.WaitDrain(ctx); err != nil {
			return err
		}
	}
	if s.gate != nil {
		return s.gate.WaitDrain(ctx)
	}
	return nil
}
