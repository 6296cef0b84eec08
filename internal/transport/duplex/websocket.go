package duplex

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaykit/relay/internal/dispatch"
)

// wsSocket adapts a websocket connection to the Socket interface.
// Writes are serialized; the websocket library allows one writer.
type wsSocket struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSocket(id string, conn *websocket.Conn) *wsSocket {
	return &wsSocket{id: id, conn: conn}
}

func (s *wsSocket) ID() string {
	return s.id
}

func (s *wsSocket) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// WSServer upgrades HTTP requests to websocket connections and feeds
// them to a peer Server. Each connection gets a generated socket id.
type WSServer struct {
	srv      *Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSServer wraps a peer server as an http.Handler.
func NewWSServer(srv *Server, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// Origin policy belongs to the embedding server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (ws *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade", "err", err)
		return
	}

	sock := newWSSocket(uuid.NewString(), conn)
	peer := ws.srv.Accept(sock)
	readFrames(conn, peer)
	conn.Close()
	peer.HandleDisconnect()
}

// readFrames pumps inbound messages into the peer until the connection
// fails. Frames are handed off in arrival order; handlers interleave at
// their own suspension points.
func readFrames(conn *websocket.Conn, peer *Peer) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		go peer.HandleFrame(msg)
	}
}

// ClientOptions configures a websocket client.
type ClientOptions struct {
	// ReconnectDelay is the pause between connection attempts.
	// Default 1s.
	ReconnectDelay time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	OnConnect    func(*Peer)
	OnDisconnect func(*Peer)
}

// Client maintains a websocket connection to a peer server,
// reconnecting after failures. The same Peer persists across
// reconnects, so calls issued after a reconnect flow through the
// resumed scheduler.
type Client struct {
	peer   *Peer
	url    string
	delay  time.Duration
	dialer *websocket.Dialer
	logger *slog.Logger

	closed atomic.Bool
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial starts a client for url (ws://host:port/path) and begins
// connecting immediately.
func Dial(url string, reg *dispatch.Registry, opts ClientOptions) *Client {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		url:    url,
		delay:  opts.ReconnectDelay,
		dialer: opts.Dialer,
		logger: opts.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.peer = NewPeer(reg, PeerOptions{
		Logger:       opts.Logger,
		OnConnect:    opts.OnConnect,
		OnDisconnect: opts.OnDisconnect,
	})

	go c.run()
	return c
}

func (c *Client) run() {
	defer close(c.done)
	for {
		if c.closed.Load() {
			return
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("websocket dial", "url", c.url, "err", err)
			if !c.pause() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.peer.HandleConnect(newWSSocket(uuid.NewString(), conn))
		readFrames(conn, c.peer)
		conn.Close()
		c.peer.HandleDisconnect()

		if c.closed.Load() {
			return
		}
		c.logger.Info("websocket connection lost, reconnecting", "url", c.url, "delay", c.delay)
		if !c.pause() {
			return
		}
	}
}

func (c *Client) pause() bool {
	select {
	case <-time.After(c.delay):
		return true
	case <-c.stop:
		return false
	}
}

// Close disconnects without reconnection intent and waits for the
// connect loop to exit.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stop)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-c.done
}

// Peer returns the client's persistent peer.
func (c *Client) Peer() *Peer {
	return c.peer
}

// Call issues a request through the peer.
func (c *Client) Call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.peer.Call(method, params, timeout)
}

// Notify sends a notify frame through the peer.
func (c *Client) Notify(method string, params any) error {
	return c.peer.Notify(method, params)
}

// WaitConnected blocks until the peer has a live socket or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		if c.peer.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
