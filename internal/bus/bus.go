package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/domain"
)

const publishTimeout = 10 * time.Second

var (
	ErrClosed = errors.New("bus closed")
	ErrFull   = errors.New("bus full")
)

// Queue carries routable messages from the session and the resolver to the
// single routing consumer, in publish order.
type Queue struct {
	inbound chan domain.Message
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Queue with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		inbound: make(chan domain.Message, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the queue is full instead of dropping.
func (q *Queue) Publish(ctx context.Context, msg domain.Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed bus", "message", msg.ID)
		return ErrClosed
	}

	select {
	case q.inbound <- msg:
		return nil
	default:
	}

	q.logger.Warn("bus full, waiting", "chat", msg.Chat.ID, "message", msg.ID)
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.inbound <- msg:
		q.logger.Info("message delivered after wait", "message", msg.ID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		q.logger.Error("message dropped: bus full", "chat", msg.Chat.ID, "message", msg.ID, "waited", q.timeout)
		return ErrFull
	}
}

func (q *Queue) Subscribe() <-chan domain.Message {
	return q.inbound
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.inbound)
	}
}
