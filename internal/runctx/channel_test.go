package runctx

import (
	"context"
	"errors"
	"testing"

	"backendlink/internal/logging"
)

func quietLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

func TestRecvOrDone(t *testing.T) {
	logger := quietLogger()
	in := make(chan int, 1)
	in <- 7
	if v, ok := RecvOrDone(context.Background(), "test", logger, in); !ok || v != 7 {
		t.Fatalf("RecvOrDone() = %d, %v", v, ok)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("shutdown"))
	if _, ok := RecvOrDone(ctx, "test", logger, in); ok {
		t.Fatalf("RecvOrDone() after cancel ok = true")
	}

	close(in)
	if _, ok := RecvOrDone(context.Background(), "test", logger, in); ok {
		t.Fatalf("RecvOrDone() on closed channel ok = true")
	}
}

func TestOfferDropsWhenFull(t *testing.T) {
	logger := quietLogger()
	var dropped []logging.Event
	unsubscribe := logger.Subscribe(func(event logging.Event) { dropped = append(dropped, event) })
	defer unsubscribe()

	out := make(chan string, 1)
	if !Offer("message", logger, out, "a") {
		t.Fatalf("Offer() into empty channel = false")
	}
	if Offer("message", logger, out, "b") {
		t.Fatalf("Offer() into full channel = true")
	}
	if got := <-out; got != "a" {
		t.Fatalf("channel holds %q, want a", got)
	}
	if len(dropped) != 1 || dropped[0].Message != "dropping message: consumer is behind" {
		t.Fatalf("drop events = %#v", dropped)
	}
}
