package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNonceMonotonic(t *testing.T) {
	prev := Nonce()
	for i := 0; i < 1000; i++ {
		next := Nonce()
		if next <= prev && len(next) <= len(prev) {
			t.Fatalf("nonce %q not greater than %q", next, prev)
		}
		prev = next
	}
}

func TestPendingResolveDeliversResult(t *testing.T) {
	reg := newPendingRegistry()
	op := reg.register("42")

	want := errors.New("denied")
	go reg.resolve("42", want)

	err := reg.wait(context.Background(), "42", op, time.Second)
	if !errors.Is(err, want) {
		t.Fatalf("wait = %v, want %v", err, want)
	}
}

func TestPendingResolvesAtMostOnce(t *testing.T) {
	reg := newPendingRegistry()
	reg.register("42")

	if !reg.resolve("42", nil) {
		t.Fatal("first resolve should succeed")
	}
	if reg.resolve("42", nil) {
		t.Fatal("second resolve should be a no-op")
	}
	if reg.resolve("never-registered", nil) {
		t.Fatal("resolve of unknown id should be a no-op")
	}
}

func TestPendingTimeoutThenLateAck(t *testing.T) {
	reg := newPendingRegistry()
	op := reg.register("42")

	err := reg.wait(context.Background(), "42", op, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("wait = %v, want ErrTimeout", err)
	}
	// An acknowledgement arriving after the deadline finds nothing.
	if reg.resolve("42", nil) {
		t.Fatal("late ack should be a no-op")
	}
}

func TestPendingWaitHonoursContext(t *testing.T) {
	reg := newPendingRegistry()
	op := reg.register("42")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := reg.wait(ctx, "42", op, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wait = %v, want context.Canceled", err)
	}
}

func TestPendingFailAll(t *testing.T) {
	reg := newPendingRegistry()
	op1 := reg.register("1")
	op2 := reg.register("2")

	reg.failAll(ErrEngineClosed)

	for _, op := range []*pendingOp{op1, op2} {
		if err := reg.wait(context.Background(), "", op, time.Second); !errors.Is(err, ErrEngineClosed) {
			t.Fatalf("wait = %v, want ErrEngineClosed", err)
		}
	}
}
