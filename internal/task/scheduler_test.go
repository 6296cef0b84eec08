package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStop = errors.New("stop")

func TestExecuteReturnsValue(t *testing.T) {
	s := NewScheduler(nil)
	v, err := s.Execute(func(r *Run) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v != 42 {
		t.Fatalf("Execute = %v, want 42", v)
	}
}

func TestExecuteNoExceptFoldsError(t *testing.T) {
	s := NewScheduler(nil)
	out := s.ExecuteNoExcept(func(r *Run) (any, error) {
		return nil, errStop
	})
	if out.OK {
		t.Fatal("Outcome.OK = true for failing task")
	}
	if !errors.Is(out.Err, errStop) {
		t.Fatalf("Outcome.Err = %v, want errStop", out.Err)
	}
}

func TestAbortWakesRaceWaitWithoutFuture(t *testing.T) {
	s := NewScheduler(nil)
	fut := make(chan Result[string]) // never resolves

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(func(r *Run) (any, error) {
			_, err := Race(r, fut)
			return nil, err
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Abort(errStop)

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("race wait unwound with %v, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not wake the race wait")
	}
}

func TestRaceReturnsFutureValue(t *testing.T) {
	s := NewScheduler(nil)
	fut := make(chan Result[string], 1)
	fut <- Result[string]{Value: "wuhu"}

	v, err := s.Execute(func(r *Run) (any, error) {
		return Race(r, fut)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v != "wuhu" {
		t.Fatalf("Race = %v, want wuhu", v)
	}
}

func TestRaceOnAbortedSchedulerSkipsFuture(t *testing.T) {
	s := NewScheduler(nil)
	s.Abort(errStop)

	fut := make(chan Result[int]) // would block forever
	_, err := s.Execute(func(r *Run) (any, error) {
		return Race(r, fut)
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Race on aborted scheduler = %v, want errStop", err)
	}
}

func TestAbortFansOutToDescendants(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)
	grandchild := NewScheduler(child)

	fut := make(chan Result[int])
	done := make(chan error, 1)
	go func() {
		_, err := grandchild.Execute(func(r *Run) (any, error) {
			return Race(r, fut)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	root.Abort(errStop)

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("grandchild unwound with %v, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("root abort did not reach grandchild race wait")
	}

	for i, s := range []*Scheduler{root, child, grandchild} {
		if !s.Aborted() {
			t.Fatalf("node %d not aborted after root abort", i)
		}
		if !errors.Is(s.Reason(), errStop) {
			t.Fatalf("node %d reason = %v, want errStop", i, s.Reason())
		}
	}
}

func TestResumeChildKeepsAncestorReason(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)

	root.Abort(errStop)
	child.Abort(errors.New("local"))
	child.Resume()

	if !child.Aborted() {
		t.Fatal("child reports live while ancestor is aborted")
	}
	if !errors.Is(child.Reason(), errStop) {
		t.Fatalf("child reason = %v, want ancestor's errStop", child.Reason())
	}

	root.Resume()
	if child.Aborted() {
		t.Fatal("child still aborted after both resumes")
	}
}

func TestLocalReasonPreferredOverAncestor(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)

	errLocal := errors.New("local")
	root.Abort(errStop)
	child.Abort(errLocal)

	if !errors.Is(child.Reason(), errLocal) {
		t.Fatalf("child reason = %v, want local reason", child.Reason())
	}
}

func TestDestroyDetachesFromAbortFanOut(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)

	fut := make(chan Result[int])
	done := make(chan error, 1)
	go func() {
		_, err := child.Execute(func(r *Run) (any, error) {
			return Race(r, fut)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	child.Destroy()
	root.Abort(errStop)

	// Detached: the root abort must not wake the child's race wait.
	select {
	case err := <-done:
		t.Fatalf("detached child woke on root abort: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// A direct abort still does.
	child.Abort(errors.New("direct"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("direct abort did not wake the detached child")
	}
}

func TestRecoverReattaches(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)

	child.Destroy()
	child.Recover()
	child.Recover() // idempotent

	fut := make(chan Result[int])
	done := make(chan error, 1)
	go func() {
		_, err := child.Execute(func(r *Run) (any, error) {
			return Race(r, fut)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	root.Abort(errStop)

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("recovered child unwound with %v, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("root abort did not reach recovered child")
	}
}

func TestExecuteOnDestroyedScheduler(t *testing.T) {
	s := NewScheduler(nil)
	s.Destroy()
	_, err := s.Execute(func(r *Run) (any, error) { return nil, nil })
	if !errors.Is(err, ErrSchedulerDestroyed) {
		t.Fatalf("Execute on destroyed = %v, want ErrSchedulerDestroyed", err)
	}
}

func TestAbortNilReasonPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Abort(nil) did not panic")
		}
	}()
	NewScheduler(nil).Abort(nil)
}

func TestWaitDrainCountsDescendants(t *testing.T) {
	root := NewScheduler(nil)
	child := NewScheduler(root)

	release := make(chan Result[int], 1)
	started := make(chan struct{})
	go func() {
		child.Execute(func(r *Run) (any, error) {
			close(started)
			return Await(r, release)
		})
	}()
	<-started

	if root.Running() != 1 {
		t.Fatalf("root Running = %d, want 1", root.Running())
	}

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		drained <- root.WaitDrain(ctx)
	}()

	select {
	case <-drained:
		t.Fatal("WaitDrain returned while child task was running")
	case <-time.After(50 * time.Millisecond):
	}

	release <- Result[int]{Value: 1}
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("WaitDrain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDrain did not complete after the task finished")
	}
}

func TestCheckpointSeesAbort(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		_, err := s.Execute(func(r *Run) (any, error) {
			close(started)
			for {
				if err := r.Check(); err != nil {
					return nil, err
				}
				time.Sleep(time.Millisecond)
			}
		})
		done <- err
	}()

	<-started
	s.Abort(errStop)

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("checkpoint surfaced %v, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint loop never observed the abort")
	}
}

func TestSleepCanceledByAbort(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(func(r *Run) (any, error) {
			return nil, Sleep(r, time.Hour)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Abort(errStop)

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("Sleep unwound with %v, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel Sleep")
	}
}

func TestAwaitObservesAbortAfterFuture(t *testing.T) {
	s := NewScheduler(nil)
	fut := make(chan Result[int], 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(func(r *Run) (any, error) {
			return Await(r, fut)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Abort(errStop)

	// Await must not unwind before its future resolves.
	select {
	case <-done:
		t.Fatal("Await unwound before the future resolved")
	case <-time.After(50 * time.Millisecond):
	}

	fut <- Result[int]{Value: 7}
	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("Await surfaced %v after abort, want errStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after the future resolved")
	}
}
