package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateAdmitsOne(t *testing.T) {
	g := newGate(2)
	if err := g.acquire(context.Background(), nil); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		if err := g.acquire(context.Background(), nil); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second caller admitted while the gate was held")
	case <-time.After(50 * time.Millisecond):
	}

	g.release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second caller not admitted after release")
	}

	if busy, _ := g.stats(); !busy {
		t.Error("gate should stay busy after hand-off")
	}
	g.release()
	if busy, _ := g.stats(); busy {
		t.Error("gate should be free after the last release")
	}
}

func TestGateBound(t *testing.T) {
	g := newGate(1)
	if err := g.acquire(context.Background(), nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.acquire(ctx, nil)
	waitQueued(t, g, 1)

	if err := g.acquire(context.Background(), nil); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("acquire on full queue = %v, want ErrBackendUnavailable", err)
	}
}

func TestGateAcceptedCallback(t *testing.T) {
	g := newGate(1)
	var calls int
	accepted := func() { calls++ }

	if err := g.acquire(context.Background(), accepted); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls after admission = %d, want 1", calls)
	}

	queued := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.acquire(ctx, func() { close(queued) })
	select {
	case <-queued:
	case <-time.After(time.Second):
		t.Fatal("accepted not called for a queued waiter")
	}

	if err := g.acquire(context.Background(), accepted); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("acquire = %v, want ErrBackendUnavailable", err)
	}
	if calls != 1 {
		t.Errorf("calls after rejection = %d, want 1", calls)
	}
}

func TestGateZeroBoundRejectsWhileBusy(t *testing.T) {
	g := newGate(0)
	if err := g.acquire(context.Background(), nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.acquire(context.Background(), nil); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("acquire = %v, want ErrBackendUnavailable", err)
	}
}

func TestGateFIFO(t *testing.T) {
	g := newGate(3)
	if err := g.acquire(context.Background(), nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			if err := g.acquire(context.Background(), nil); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			g.release()
		}()
		waitQueued(t, g, i+1)
	}

	g.release()
	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("admitted %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never admitted", want)
		}
	}
}

func TestGateCancelledWaiterIsSkipped(t *testing.T) {
	g := newGate(2)
	if err := g.acquire(context.Background(), nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.acquire(ctx, nil) }()
	waitQueued(t, g, 1)

	admitted := make(chan struct{})
	go func() {
		if err := g.acquire(context.Background(), nil); err == nil {
			close(admitted)
		}
	}()
	waitQueued(t, g, 2)

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled acquire = %v, want context.Canceled", err)
	}
	waitQueued(t, g, 1)

	g.release()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("remaining waiter not admitted")
	}
}

func waitQueued(t *testing.T, g *gate, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, q := g.stats(); q == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d waiters", n)
}
