// Package bus adapts the JSON-RPC correlator and dispatcher to
// server-to-server messaging over an external broadcast primitive.
// Nodes register a unique name; frames are addressed to a name or to
// the reserved broadcast address "all".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
)

// BroadcastName addresses every node on the bus. It is reserved and
// cannot be used as a node name.
const BroadcastName = "all"

// Envelope is the three-tuple carried by the cluster transport.
type Envelope struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Bus is the external cluster transport. Publish delivers the envelope
// to every other node; filtering by address happens on the receiving
// side.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
}

// NodeOptions configures a node.
type NodeOptions struct {
	Parent *task.Scheduler
	Gate   *gate.Gate
	Logger *slog.Logger
}

// Node is one named participant on the bus.
type Node struct {
	name   string
	bus    Bus
	sched  *task.Scheduler
	corr   *jsonrpc.Correlator
	disp   *dispatch.Dispatcher
	logger *slog.Logger
}

// NewNode creates a named node. The name "all" is reserved.
func NewNode(name string, b Bus, reg *dispatch.Registry, opts NodeOptions) (*Node, error) {
	if name == "" {
		return nil, errors.New("bus: node name must not be empty")
	}
	if name == BroadcastName {
		return nil, fmt.Errorf("bus: node name %q is reserved", BroadcastName)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	n := &Node{
		name:   name,
		bus:    b,
		sched:  task.NewScheduler(opts.Parent),
		corr:   jsonrpc.NewCorrelator(),
		logger: opts.Logger,
	}
	n.disp = &dispatch.Dispatcher{
		Registry:   reg,
		Scheduler:  n.sched,
		Gate:       opts.Gate,
		Correlator: n.corr,
		Logger:     opts.Logger,
	}
	return n, nil
}

// Name returns the node's bus name.
func (n *Node) Name() string {
	return n.name
}

// Deliver feeds one inbound envelope into the node. Envelopes addressed
// to neither "all" nor this node are ignored; everything else runs the
// shared dispatch pipeline, with replies addressed back to the sender
// by name.
func (n *Node) Deliver(env Envelope) {
	if env.To != BroadcastName && env.To != n.name {
		return
	}
	from := env.From
	n.disp.Dispatch(dispatch.Inbound{
		From:  from,
		Frame: env.Payload,
		Send: func(frame []byte) error {
			return n.bus.Publish(context.Background(), Envelope{
				From:    n.name,
				To:      from,
				Payload: frame,
			})
		},
	})
}

// Broadcast emits a notify addressed to every node.
func (n *Node) Broadcast(method string, params any) error {
	frame, err := jsonrpc.FormatNotify(method, params)
	if err != nil {
		return fmt.Errorf("marshal %s notify: %w", method, err)
	}
	return n.bus.Publish(context.Background(), Envelope{
		From:    n.name,
		To:      BroadcastName,
		Payload: frame,
	})
}

// Notify sends a notify frame to one node.
func (n *Node) Notify(to, method string, params any) error {
	frame, err := jsonrpc.FormatNotify(method, params)
	if err != nil {
		return fmt.Errorf("marshal %s notify: %w", method, err)
	}
	return n.bus.Publish(context.Background(), Envelope{
		From:    n.name,
		To:      to,
		Payload: frame,
	})
}

// Request issues a correlated request to one node and waits for the
// response to flow back over the bus.
func (n *Node) Request(to, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id, frame, fut, err := n.corr.NewRequest(method, params, timeout)
	if err != nil {
		return nil, err
	}

	v, err := n.sched.Execute(func(r *task.Run) (any, error) {
		perr := n.bus.Publish(context.Background(), Envelope{
			From:    n.name,
			To:      to,
			Payload: frame,
		})
		if perr != nil {
			n.corr.Fail(id, perr)
			return nil, perr
		}
		return task.Race(r, fut)
	})
	if err != nil {
		if errors.Is(err, task.ErrSchedulerDestroyed) {
			n.corr.Fail(id, err)
		}
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Abort cancels the node's scheduler and rejects outstanding requests.
func (n *Node) Abort(reason error) {
	n.sched.Abort(reason)
	n.corr.AbortAll(reason)
}

// WaitDrain blocks until the scheduler and correlator are drained.
func (n *Node) WaitDrain(ctx context.Context) error {
	if err := n.sched.WaitDrain(ctx); err != nil {
		return err
	}
	return n.corr.WaitDrain(ctx)
}

// Scheduler returns the node's scheduler.
func (n *Node) Scheduler() *task.Scheduler {
	return n.sched
}

// Stats is a point-in-time snapshot of the node.
type Stats struct {
	Name            string `json:"name"`
	Running         int    `json:"running"`
	PendingRequests int    `json:"pending_requests"`
}

// Stats snapshots the node's in-flight handlers and outstanding
// correlated requests.
func (n *Node) Stats() Stats {
	return Stats{
		Name:            n.name,
		Running:         n.sched.Running(),
		PendingRequests: n.corr.Pending(),
	}
}
