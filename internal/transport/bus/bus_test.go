package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/jsonrpc"
	"github.com/relaykit/relay/internal/task"
)

func TestNodeNameValidation(t *testing.T) {
	mb := NewMemBus()
	if _, err := NewNode("all", mb, dispatch.NewRegistry(), NodeOptions{}); err == nil {
		t.Fatal(`NewNode("all") succeeded, want reserved-name error`)
	}
	if _, err := NewNode("", mb, dispatch.NewRegistry(), NodeOptions{}); err == nil {
		t.Fatal(`NewNode("") succeeded, want error`)
	}
}

func TestBroadcastEchoNotify(t *testing.T) {
	mb := NewMemBus()

	// server1 and server2 answer echoNotify with an out-of-band
	// notify back to the sender.
	echoNotify := func(r *task.Run, params json.RawMessage) (any, error) {
		var s string
		json.Unmarshal(params, &s)
		return dispatch.Notify{Method: "echoNotifyResponse", Params: s}, nil
	}
	for _, name := range []string{"server1", "server2"} {
		reg := dispatch.NewRegistry()
		reg.Register("echoNotify", echoNotify)
		n, err := NewNode(name, mb, reg, NodeOptions{})
		if err != nil {
			t.Fatalf("NewNode(%s): %v", name, err)
		}
		mb.Attach(n)
	}

	// The emitter collects the responses.
	responses := make(chan string, 2)
	emitterReg := dispatch.NewRegistry()
	emitterReg.Register("echoNotifyResponse", func(r *task.Run, params json.RawMessage) (any, error) {
		var s string
		json.Unmarshal(params, &s)
		responses <- s
		return nil, nil
	})
	emitter, err := NewNode("emitter", mb, emitterReg, NodeOptions{})
	if err != nil {
		t.Fatalf("NewNode(emitter): %v", err)
	}
	mb.Attach(emitter)

	if err := emitter.Broadcast("echoNotify", "wuhu"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case s := <-responses:
			if s != "wuhu" {
				t.Fatalf("response %d = %q, want wuhu", i, s)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d echoNotifyResponse notifies, want 2", i)
		}
	}

	select {
	case s := <-responses:
		t.Fatalf("unexpected third response %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestResponseOverBus(t *testing.T) {
	mb := NewMemBus()

	serverReg := dispatch.NewRegistry()
	serverReg.Register("echo", func(r *task.Run, params json.RawMessage) (any, error) {
		return params, nil
	})
	server, _ := NewNode("server1", mb, serverReg, NodeOptions{})
	mb.Attach(server)

	client, _ := NewNode("client", mb, dispatch.NewRegistry(), NodeOptions{})
	mb.Attach(client)

	res, err := client.Request("server1", "echo", "wuhu", 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(res) != `"wuhu"` {
		t.Fatalf("Request = %s, want \"wuhu\"", res)
	}

	st := client.Stats()
	if st.Name != "client" || st.PendingRequests != 0 {
		t.Fatalf("Stats after completed request = %+v", st)
	}
}

func TestRequestTimeoutOverBus(t *testing.T) {
	mb := NewMemBus()
	client, _ := NewNode("client", mb, dispatch.NewRegistry(), NodeOptions{})
	mb.Attach(client)

	// Nobody serves "echo": the correlator entry must time out.
	_, err := client.Request("ghost", "echo", nil, 50*time.Millisecond)
	if !errors.Is(err, jsonrpc.ErrTimeout) {
		t.Fatalf("Request to absent node = %v, want ErrTimeout", err)
	}
}

func TestDeliverIgnoresOtherAddressees(t *testing.T) {
	invoked := make(chan struct{}, 1)
	reg := dispatch.NewRegistry()
	reg.Register("probe", func(r *task.Run, params json.RawMessage) (any, error) {
		invoked <- struct{}{}
		return nil, nil
	})
	mb := NewMemBus()
	n, _ := NewNode("server1", mb, reg, NodeOptions{})
	mb.Attach(n)

	frame, _ := jsonrpc.FormatNotify("probe", nil)
	n.Deliver(Envelope{From: "x", To: "server2", Payload: frame})

	select {
	case <-invoked:
		t.Fatal("handler ran for an envelope addressed elsewhere")
	case <-time.After(100 * time.Millisecond):
	}

	n.Deliver(Envelope{From: "x", To: BroadcastName, Payload: frame})
	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run for a broadcast envelope")
	}
}

func TestAbortRejectsOutstandingBusRequests(t *testing.T) {
	mb := NewMemBus()
	client, _ := NewNode("client", mb, dispatch.NewRegistry(), NodeOptions{})
	mb.Attach(client)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request("ghost", "echo", nil, jsonrpc.NoTimeout)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)

	reason := errors.New("shutdown")
	client.Abort(reason)

	select {
	case err := <-errCh:
		if !errors.Is(err, reason) {
			t.Fatalf("outstanding Request = %v, want reason", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Abort did not fail the outstanding request")
	}
}
