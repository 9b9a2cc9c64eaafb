package bus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestBus_PublishAndConsumeInbound(t *testing.T) {
	b := New(4, testLogger())

	if ok := b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "c1", Text: "hi"}); !ok {
		t.Fatal("expected publish to succeed with room in the queue")
	}

	msg, ok := b.TryConsumeInbound(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected a message to be available")
	}
	if msg.ChatID != "c1" || msg.Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBus_ConsumeTimesOutWithoutError(t *testing.T) {
	b := New(4, testLogger())

	_, ok := b.TryConsumeOutbound(context.Background(), 10*time.Millisecond)
	if ok {
		t.Fatal("expected timeout with no message, got one")
	}
}

func TestBus_PublishDropsWhenFull(t *testing.T) {
	b := New(1, testLogger())

	if ok := b.PublishOutbound(OutboundMessage{ChatID: "c1"}); !ok {
		t.Fatal("first publish should succeed")
	}
	if ok := b.PublishOutbound(OutboundMessage{ChatID: "c2"}); ok {
		t.Fatal("second publish should be dropped once the queue is full")
	}
}

func TestBus_FIFOOrdering(t *testing.T) {
	b := New(8, testLogger())

	for i := 0; i < 3; i++ {
		b.PublishInbound(InboundMessage{ChatID: string(rune('a' + i))})
	}

	for i := 0; i < 3; i++ {
		msg, ok := b.TryConsumeInbound(context.Background(), time.Second)
		if !ok {
			t.Fatalf("expected message %d", i)
		}
		want := string(rune('a' + i))
		if msg.ChatID != want {
			t.Fatalf("FIFO violated: got %q, want %q", msg.ChatID, want)
		}
	}
}

func TestBus_ConsumeRespectsContextCancellation(t *testing.T) {
	b := New(4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.TryConsumeInbound(ctx, time.Second)
	if ok {
		t.Fatal("expected no message once context is already cancelled")
	}
}
