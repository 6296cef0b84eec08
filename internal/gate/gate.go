// Package gate bounds concurrent handler executions with a fixed token
// pool and a bounded FIFO wait queue.
package gate

import (
	"context"
	"errors"
	"sync"

	"github.com/relaykit/relay/internal/task"
)

// ErrTooManyQueued is returned by Acquire when the wait queue is full.
var ErrTooManyQueued = errors.New("gate: too many queued")

// ErrAcquireCanceled is the default rejection for a canceled queue entry.
var ErrAcquireCanceled = errors.New("gate: acquire canceled")

// Token statuses.
const (
	TokenIdle = iota
	TokenWorking
	TokenStopped
)

// Token is a unit of gate capacity. An acquired token is handed out in
// the stopped state; Work/Stop bracket each use.
type Token struct {
	g      *Gate
	status int
}

// Work marks the token as in use. Calling Work on a token that is not
// stopped is a programming error.
func (t *Token) Work() {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	if t.status != TokenStopped {
		panic("gate: Work on a token that is not stopped")
	}
	t.status = TokenWorking
}

// Stop marks the token's current use as complete.
func (t *Token) Stop() {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	t.status = TokenStopped
}

// Pending statuses. A queued request transitions exactly once into
// finished or canceled.
const (
	pendingQueued = iota
	pendingFinished
	pendingCanceled
)

// Pending is the handle for a queued acquisition, usable with Cancel.
type Pending struct {
	fut    chan task.Result[*Token]
	status int
}

// Gate is a fixed-size token pool with a bounded wait queue.
type Gate struct {
	mu          sync.Mutex
	maxTokens   int
	maxQueued   int
	idle        []*Token
	queue       []*Pending
	outstanding task.Counter
}

// New creates a gate with maxTokens concurrent executions and up to
// maxQueued waiting acquirers.
func New(maxTokens, maxQueued int) *Gate {
	g := &Gate{maxTokens: maxTokens, maxQueued: maxQueued}
	g.idle = make([]*Token, 0, maxTokens)
	for i := 0; i < maxTokens; i++ {
		g.idle = append(g.idle, &Token{g: g, status: TokenIdle})
	}
	return g
}

// Acquire requests a token. With an idle token available the returned
// future is already resolved and the handle is nil. Otherwise the
// request queues and the handle allows cancellation. A full queue fails
// synchronously with ErrTooManyQueued.
func (g *Gate) Acquire() (<-chan task.Result[*Token], *Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := len(g.idle); n > 0 {
		t := g.idle[n-1]
		g.idle = g.idle[:n-1]
		t.status = TokenStopped
		g.outstanding.Add(1)
		fut := make(chan task.Result[*Token], 1)
		fut <- task.Result[*Token]{Value: t}
		return fut, nil, nil
	}

	if len(g.queue) >= g.maxQueued {
		return nil, nil, ErrTooManyQueued
	}

	p := &Pending{fut: make(chan task.Result[*Token], 1), status: pendingQueued}
	g.queue = append(g.queue, p)
	return p.fut, p, nil
}

// Release returns a token. If the queue is non-empty the head request is
// resolved with it directly; otherwise the token rejoins the idle pool.
func (g *Gate) Release(t *Token) {
	g.mu.Lock()
	if len(g.queue) > 0 {
		p := g.queue[0]
		g.queue = g.queue[1:]
		p.status = pendingFinished
		t.status = TokenStopped
		g.mu.Unlock()
		p.fut <- task.Result[*Token]{Value: t}
		return
	}
	t.status = TokenIdle
	g.idle = append(g.idle, t)
	g.outstanding.Done(1)
	g.mu.Unlock()
}

// Cancel removes a queued request and rejects its future with reason
// (ErrAcquireCanceled when nil). A request that already resolved is
// left alone.
func (g *Gate) Cancel(p *Pending, reason error) {
	if p == nil {
		return
	}
	g.mu.Lock()
	if p.status != pendingQueued {
		g.mu.Unlock()
		return
	}
	for i, q := range g.queue {
		if q == p {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	p.status = pendingCanceled
	g.mu.Unlock()

	if reason == nil {
		reason = ErrAcquireCanceled
	}
	p.fut <- task.Result[*Token]{Err: reason}
}

// Parallels returns the number of outstanding tokens.
func (g *Gate) Parallels() int {
	return g.outstanding.Value()
}

// Available returns the remaining queue capacity.
func (g *Gate) Available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxQueued - len(g.queue)
}

// Queued returns the number of waiting acquirers.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// MaxTokens returns the pool size.
func (g *Gate) MaxTokens() int {
	return g.maxTokens
}

// Idle returns the number of idle tokens.
func (g *Gate) Idle() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.idle)
}

// WaitDrain blocks until every outstanding token has been released back
// to the idle pool.
func (g *Gate) WaitDrain(ctx context.Context) error {
	return g.outstanding.WaitZero(ctx)
}

// Stats is a point-in-time snapshot of gate usage.
type Stats struct {
	MaxTokens   int `json:"max_tokens"`
	MaxQueued   int `json:"max_queued"`
	Outstanding int `json:"outstanding"`
	Idle        int `json:"idle"`
	Queued      int `json:"queued"`
}

// Stats snapshots the gate under a single lock, so the invariant
// Outstanding+Idle == MaxTokens holds within one snapshot.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		MaxTokens:   g.maxTokens,
		MaxQueued:   g.maxQueued,
		Outstanding: g.maxTokens - len(g.idle),
		Idle:        len(g.idle),
		Queued:      len(g.queue),
	}
}
