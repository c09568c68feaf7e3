package shutdown

import (
	"context"
	"errors"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestHandler_HooksRunInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"storage", "cluster", "network"} {
		h.OnShutdown(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if want := []string{"network", "cluster", "storage"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Shutdown")
	}
}

func TestHandler_HookErrorsAreJoined(t *testing.T) {
	h := NewHandler(time.Second, nil)
	errA := errors.New("a failed")
	ran := false

	h.OnShutdown("last", func(context.Context) error { ran = true; return nil })
	h.OnShutdown("a", func(context.Context) error { return errA })

	err := h.Shutdown()
	if !errors.Is(err, errA) {
		t.Errorf("Shutdown() error = %v, want wrapped errA", err)
	}
	if !ran {
		t.Error("failing hook stopped the remaining hooks")
	}
	if again := h.Shutdown(); !errors.Is(again, errA) {
		t.Errorf("second Shutdown() = %v, want the first result", again)
	}
}

func TestHandler_HooksShareDeadline(t *testing.T) {
	h := NewHandler(50*time.Millisecond, nil)
	h.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := h.Shutdown(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
	}
}

func TestHandler_WaitContext(t *testing.T) {
	h := NewHandler(time.Second, nil)
	called := make(chan struct{})
	h.OnShutdown("hook", func(context.Context) error { close(called); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Wait(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after cancel")
	}
	<-called
}

func TestHandler_WaitSignal(t *testing.T) {
	h := NewHandler(time.Second, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Wait(context.Background()) }()

	// Give Wait time to register for signals.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after SIGTERM")
	}
}
