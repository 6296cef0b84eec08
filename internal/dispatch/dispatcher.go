// Package dispatch binds inbound JSON-RPC frames to registered handlers
// running under per-request child schedulers, applying the gate policy
// and mapping handler outcomes back to wire frames. All transports share
// this path.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
)

// ErrClientDisconnected is the abort reason posted when the requester
// goes away mid-request. Handler failures carrying it are swallowed
// rather than replied; there is nobody left to reply to.
var ErrClientDisconnected = errors.New("disconnected")

// noReply is the type of NoReply.
type noReply struct{}

// NoReply suppresses the reply frame when returned from a handler.
var NoReply = noReply{}

// Notify is the handler envelope for responding out-of-band: the nested
// notify is sent to the requester and no reply is produced for the
// request id.
type Notify struct {
	Method string
	Params any
}

// HTTPResult is the handler envelope for decorating the HTTP response:
// Status and Header are applied to the transport and Result is
// serialized as an ordinary JSON-RPC result.
type HTTPResult struct {
	Status int
	Header http.Header
	Result any
}

// Inbound describes one frame arriving from a transport.
type Inbound struct {
	// From identifies the sender (socket id, node name); empty on HTTP.
	From string

	// Frame is the raw JSON-RPC frame.
	Frame []byte

	// Send transmits a frame back to the sender. Nil when the sender
	// cannot receive (replies are then dropped).
	Send func(frame []byte) error

	// ApplyHTTP applies an HTTPResult envelope's status and headers.
	// Nil on non-HTTP transports.
	ApplyHTTP func(status int, header http.Header)

	// Disconnected, when non-nil, is closed if the sender drops before
	// the request completes; the per-request scheduler is then aborted
	// with ErrClientDisconnected.
	Disconnected <-chan struct{}
}

// Dispatcher drives inbound frames for one transport.
type Dispatcher struct {
	Registry   *Registry
	Scheduler  *task.Scheduler
	Gate       *gate.Gate
	Correlator *jsonrpc.Correlator
	Logger     *slog.Logger

	// LimitedByDefault applies the gate to bare function handlers.
	// HTTP transports set this; duplex peers leave it false.
	LimitedByDefault bool
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch processes one inbound frame to completion: responses route to
// the correlator, requests and notifies run their handler under a fresh
// child scheduler (acquiring a gate token when the handler is limited),
// and the outcome is written back through in.Send.
func (d *Dispatcher) Dispatch(in Inbound) {
	m, err := jsonrpc.Parse(in.Frame)
	if err != nil {
		d.log().Warn("dropping malformed frame", "from", in.From, "err", err)
		return
	}

	if m.Kind == jsonrpc.KindResponse {
		if d.Correlator == nil || !d.Correlator.DeliverResponse(m) {
			d.log().Warn("dropping unmatched response", "from", in.From, "id", m.ID)
		}
		return
	}

	isRequest := m.Kind == jsonrpc.KindRequest

	desc, ok := d.Registry.Lookup(m.Method)
	if !ok {
		if isRequest {
			d.sendError(in, m.ID, &jsonrpc.Error{Code: jsonrpc.CodeNotFound, Message: "method not found: " + m.Method})
		} else {
			d.log().Warn("dropping notify for unknown method", "from", in.From, "method", m.Method)
		}
		return
	}

	parent := d.Scheduler
	if desc.Parent != nil {
		parent = desc.Parent
	}
	limited := d.LimitedByDefault
	if desc.Limited != nil {
		limited = *desc.Limited
	}

	var fut <-chan task.Result[*gate.Token]
	var pending *gate.Pending
	if limited && d.Gate != nil {
		fut, pending, err = d.Gate.Acquire()
		if err != nil {
			// Saturated: id-bearing requests get a server-busy reply,
			// notifies are dropped without consuming a slot.
			if isRequest {
				d.sendError(in, m.ID, &jsonrpc.Error{Code: jsonrpc.CodeServer, Message: "server busy"})
			} else {
				d.log().Warn("dropping notify, gate saturated", "from", in.From, "method", m.Method)
			}
			return
		}
	}

	child := task.NewScheduler(parent)
	defer child.Destroy()

	if in.Disconnected != nil {
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-in.Disconnected:
				if child.Running() > 0 {
					child.Abort(ErrClientDisconnected)
				}
			case <-finished:
			}
		}()
	}

	v, err := child.Execute(func(r *task.Run) (any, error) {
		if fut != nil {
			tok, aerr := task.Race(r, fut)
			if aerr != nil {
				d.Gate.Cancel(pending, aerr)
				// A token resolved concurrently with the abort must not
				// stay outstanding.
				select {
				case res := <-fut:
					if res.Value != nil {
						d.Gate.Release(res.Value)
					}
				default:
				}
				return nil, aerr
			}
			defer d.Gate.Release(tok)
			tok.Work()
			defer tok.Stop()
		}
		return desc.Handle(r, m.Params)
	})

	if err != nil {
		if errors.Is(err, ErrClientDisconnected) {
			return
		}
		if isRequest {
			d.sendError(in, m.ID, err)
		} else {
			d.log().Warn("notify handler failed", "from", in.From, "method", m.Method, "err", err)
		}
		return
	}

	switch res := v.(type) {
	case noReply:
		return
	case Notify:
		frame, ferr := jsonrpc.FormatNotify(res.Method, res.Params)
		if ferr != nil {
			d.log().Warn("marshal notify reply", "method", res.Method, "err", ferr)
			return
		}
		d.send(in, frame)
		return
	case HTTPResult:
		if in.ApplyHTTP != nil {
			in.ApplyHTTP(res.Status, res.Header)
		}
		v = res.Result
	}

	if !isRequest {
		if v != nil {
			d.log().Warn("handler returned a value for a notify", "from", in.From, "method", m.Method)
		}
		return
	}

	frame, ferr := jsonrpc.FormatResult(m.ID, v)
	if ferr != nil {
		d.sendError(in, m.ID, ferr)
		return
	}
	d.send(in, frame)
}

func (d *Dispatcher) send(in Inbound, frame []byte) {
	if in.Send == nil {
		return
	}
	if err := in.Send(frame); err != nil {
		d.log().Warn("send reply", "from", in.From, "err", err)
	}
}

func (d *Dispatcher) sendError(in Inbound, id any, v any) {
	frame, err := jsonrpc.FormatError(id, v)
	if err != nil {
		d.log().Warn("marshal error reply", "err", err)
		return
	}
	d.send(in, frame)
}
