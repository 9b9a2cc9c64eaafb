// Package bus implements the duplex message bus mediating channel adapters
// and the agent loop: two bounded queues (inbound, outbound), each with
// non-blocking publish and timeout-bounded consume, exactly one consumer
// per side, and FIFO ordering per producer. This is deliberately simpler
// than the pub/sub eventbus package — there is no topic routing and no
// fan-out, because the bus is the sole synchronization point between
// channel adapters and the agent loop, not a general event system.
package bus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// InboundMessage is a unit of work handed from a channel adapter to the
// agent loop.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Text      string
	MediaRefs []string
	Metadata  map[string]any
}

// OutboundMessage is a unit of reply the agent loop (or a tool) hands back
// to the channel adapter that owns ChatID for delivery.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Text    string
	ReplyTo string
}

// Bus is the duplex queue between channel adapters and the agent loop.
// Each side has exactly one consumer; there is no fan-out.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	logger   *zap.Logger
}

// New creates a bus with the given per-direction buffer capacity.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		logger:   logger,
	}
}

// PublishInbound enqueues a message from a channel adapter to the agent
// loop. Non-blocking: if the inbound queue is full, the message is dropped
// and reported via the returned bool, so a slow agent loop back-pressures
// producers instead of blocking them indefinitely.
func (b *Bus) PublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		b.logger.Warn("inbound queue full, dropping message",
			zap.String("channel", msg.Channel),
			zap.String("chat_id", msg.ChatID),
		)
		return false
	}
}

// PublishOutbound enqueues a reply from the agent loop (or a tool) to the
// channel dispatcher. Non-blocking, same back-pressure semantics as
// PublishInbound.
func (b *Bus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	default:
		b.logger.Warn("outbound queue full, dropping message",
			zap.String("channel", msg.Channel),
			zap.String("chat_id", msg.ChatID),
		)
		return false
	}
}

// TryConsumeInbound waits up to timeout for the next inbound message. A
// zero ok return without an error means the timeout elapsed with nothing
// to deliver — not a failure.
func (b *Bus) TryConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	return consume(ctx, b.inbound, timeout)
}

// TryConsumeOutbound waits up to timeout for the next outbound message.
func (b *Bus) TryConsumeOutbound(ctx context.Context, timeout time.Duration) (OutboundMessage, bool) {
	return consume(ctx, b.outbound, timeout)
}

func consume[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, bool) {
	var zero T
	if timeout <= 0 {
		select {
		case msg, ok := <-ch:
			if !ok {
				return zero, false
			}
			return msg, true
		case <-ctx.Done():
			return zero, false
		default:
			return zero, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Close closes both queues. Consumers ranging over TryConsume* will start
// seeing ok=false once drained. Safe to call once; a second call panics,
// matching stdlib channel-close semantics rather than hiding a programmer
// error.
func (b *Bus) Close() {
	close(b.inbound)
	close(b.outbound)
}
