package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaykit/relay/internal/task"
)

func await(t *testing.T, fut <-chan task.Result[json.RawMessage]) task.Result[json.RawMessage] {
	t.Helper()
	select {
	case res := <-fut:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("future never resolved")
		return task.Result[json.RawMessage]{}
	}
}

func TestCorrelatorDeliverResponse(t *testing.T) {
	c := NewCorrelator()
	id, frame, fut, err := c.NewRequest("echo", "wuhu", NoTimeout)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	m, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse(own frame): %v", err)
	}
	if m.Kind != KindRequest || m.ID != id {
		t.Fatalf("frame = %+v, want request with id %s", m, id)
	}

	resp, _ := Parse([]byte(`{"jsonrpc":"2.0","id":"` + id + `","result":"wuhu"}`))
	if !c.DeliverResponse(resp) {
		t.Fatal("DeliverResponse found no pending entry")
	}

	res := await(t, fut)
	if res.Err != nil {
		t.Fatalf("future rejected: %v", res.Err)
	}
	if string(res.Value) != `"wuhu"` {
		t.Fatalf("future value = %s, want \"wuhu\"", res.Value)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending = %d after delivery, want 0", c.Pending())
	}
}

func TestCorrelatorErrorResponse(t *testing.T) {
	c := NewCorrelator()
	id, _, fut, _ := c.NewRequest("echo", nil, NoTimeout)

	resp, _ := Parse([]byte(`{"jsonrpc":"2.0","id":"` + id + `","error":{"code":-32000,"message":"busy"}}`))
	c.DeliverResponse(resp)

	res := await(t, fut)
	var je *Error
	if !errors.As(res.Err, &je) || je.Code != CodeServer {
		t.Fatalf("future error = %v, want server-code *Error", res.Err)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator()
	id, _, fut, _ := c.NewRequest("slow", nil, 30*time.Millisecond)

	res := await(t, fut)
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("future error = %v, want ErrTimeout", res.Err)
	}

	// A response arriving after the timeout finds no entry.
	resp, _ := Parse([]byte(`{"jsonrpc":"2.0","id":"` + id + `","result":1}`))
	if c.DeliverResponse(resp) {
		t.Fatal("late response matched a reclaimed entry")
	}
}

func TestCorrelatorNoTimeoutNeverFires(t *testing.T) {
	c := NewCorrelator()
	_, _, fut, _ := c.NewRequest("slow", nil, NoTimeout)

	select {
	case res := <-fut:
		t.Fatalf("future resolved with %v, want it to stay pending", res)
	case <-time.After(100 * time.Millisecond):
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", c.Pending())
	}
}

func TestCorrelatorAbortAll(t *testing.T) {
	c := NewCorrelator()
	var futs []<-chan task.Result[json.RawMessage]
	for i := 0; i < 3; i++ {
		_, _, fut, _ := c.NewRequest("m", nil, NoTimeout)
		futs = append(futs, fut)
	}

	reason := errors.New("shutdown")
	c.AbortAll(reason)

	for i, fut := range futs {
		res := await(t, fut)
		if !errors.Is(res.Err, reason) {
			t.Fatalf("future %d rejected with %v, want reason", i, res.Err)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending = %d after AbortAll, want 0", c.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitDrain(ctx); err != nil {
		t.Fatalf("WaitDrain after AbortAll: %v", err)
	}
}

func TestCorrelatorIDsAreUniqueDecimalStrings(t *testing.T) {
	c := NewCorrelator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _, _, _ := c.NewRequest("m", nil, NoTimeout)
		if seen[id] {
			t.Fatalf("id %s allocated twice", id)
		}
		seen[id] = true
	}
	c.AbortAll(errors.New("cleanup"))
}

func TestCorrelatorFail(t *testing.T) {
	c := NewCorrelator()
	id, _, fut, _ := c.NewRequest("m", nil, NoTimeout)

	sendErr := errors.New("socket closed")
	c.Fail(id, sendErr)

	res := await(t, fut)
	if !errors.Is(res.Err, sendErr) {
		t.Fatalf("future error = %v, want send error", res.Err)
	}
	// Idempotent.
	c.Fail(id, sendErr)
}
