package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/relaykit/relay/internal/task"
)

// ErrTimeout rejects a pending request whose timer fired before a
// response arrived. A response delivered afterwards is silently dropped.
var ErrTimeout = errors.New("jsonrpc: request timed out")

// NoTimeout disables the per-request timer.
const NoTimeout = time.Duration(-1)

type pendingCall struct {
	fut   chan task.Result[json.RawMessage]
	timer *time.Timer
}

// Correlator pairs outbound requests with inbound responses by id and
// enforces per-request timeouts. Ids are allocated from a monotonic
// signed counter that wraps at the maximum, serialized as decimal
// strings; uniqueness holds while outstanding requests stay far below
// the id space.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	next    int64
	open    task.Counter
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingCall), next: 1}
}

// NewRequest allocates an id, registers a pending entry, arms the
// timeout (NoTimeout = never), and returns the id and wire frame
// together with the response future.
func (c *Correlator) NewRequest(method string, params any, timeout time.Duration) (string, []byte, <-chan task.Result[json.RawMessage], error) {
	c.mu.Lock()
	id := strconv.FormatInt(c.next, 10)
	if c.next == math.MaxInt64 {
		c.next = math.MinInt64
	} else {
		c.next++
	}
	call := &pendingCall{fut: make(chan task.Result[json.RawMessage], 1)}
	c.pending[id] = call
	c.open.Add(1)
	if timeout >= 0 {
		call.timer = time.AfterFunc(timeout, func() { c.expire(id, call) })
	}
	c.mu.Unlock()

	frame, err := FormatRequest(id, method, params)
	if err != nil {
		c.Fail(id, fmt.Errorf("marshal %s request: %w", method, err))
		return id, nil, call.fut, err
	}
	return id, frame, call.fut, nil
}

func (c *Correlator) expire(id string, call *pendingCall) {
	c.mu.Lock()
	cur, ok := c.pending[id]
	if !ok || cur != call {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	call.fut <- task.Result[json.RawMessage]{Err: ErrTimeout}
	c.open.Done(1)
}

// Fail rejects the pending entry for id, typically after the request
// frame could not be sent. No-op if the entry already resolved.
func (c *Correlator) Fail(id string, err error) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	c.mu.Unlock()
	if ok {
		call.fut <- task.Result[json.RawMessage]{Err: err}
		c.open.Done(1)
	}
}

// DeliverResponse resolves the pending entry matching the response's id,
// reporting whether one matched.
func (c *Correlator) DeliverResponse(m *Message) bool {
	key := idKey(m.ID)

	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if m.Err != nil {
		call.fut <- task.Result[json.RawMessage]{Err: m.Err}
	} else {
		call.fut <- task.Result[json.RawMessage]{Value: m.Result}
	}
	c.open.Done(1)
	return true
}

// AbortAll rejects every pending entry with reason and clears the table.
func (c *Correlator) AbortAll(reason error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.fut <- task.Result[json.RawMessage]{Err: reason}
		c.open.Done(1)
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitDrain blocks until no requests remain outstanding.
func (c *Correlator) WaitDrain(ctx context.Context) error {
	return c.open.WaitZero(ctx)
}

// idKey normalizes a decoded id for table lookup; JSON numbers decode
// as float64 and format back to their decimal form.
func idKey(id any) string {
	return fmt.Sprintf("%v", id)
}
