// Package bridge wires the chat session to the responder: incoming batches
// are normalized, completed by the media resolver when needed, routed in
// arrival order and answered through the dispatcher.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wabridge/internal/botclient"
	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/journal"
	"wabridge/internal/message"
	"wabridge/internal/resolver"
	"wabridge/internal/router"
)

const (
	defaultMaxConcurrent = 5
	defaultSettle        = 2 * time.Second
)

// Responder posts a routed request to the bot service.
type Responder interface {
	Post(ctx context.Context, req domain.BotRequest) (*botclient.Result, error)
}

// Dispatcher turns a bot reply into chat sends.
type Dispatcher interface {
	Dispatch(ctx context.Context, resp domain.BotResponse) error
}

// Resolver completes events whose media is not staged yet.
type Resolver interface {
	Resolve(ctx context.Context, raw message.RawMessage, target message.Target) bool
}

// Journal records responder exchanges.
type Journal interface {
	Record(ctx context.Context, ex journal.Exchange) error
}

type Config struct {
	Router     *router.Router
	Resolver   Resolver
	Responder  Responder
	Dispatcher Dispatcher
	Queue      *bus.Queue

	// Screen commands.
	Host   domain.Host
	Store  domain.MediaStore
	Screen domain.Screen

	Events  *bus.EventBus // optional
	Journal Journal       // optional
	Logger  *slog.Logger

	MaxConcurrent int           // concurrent responder calls
	Settle        time.Duration // UI settle delay around screen captures
}

// Bridge is the message pipeline.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	resolving atomic.Int64
}

func New(cfg Config) *Bridge {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// OnBatch handles one batch of new-message events from the session.
// Payloads that are not JSON arrays are ignored.
func (b *Bridge) OnBatch(ctx context.Context, payload []byte) {
	raws, err := message.DecodeBatch(payload)
	if err != nil {
		b.logger.Warn("ignoring malformed message batch", "err", err)
		return
	}
	for _, raw := range raws {
		b.accept(ctx, raw)
	}
}

func (b *Bridge) accept(ctx context.Context, raw message.RawMessage) {
	b.emit(bus.EventMessageReceived, map[string]any{"message": raw.ID, "chat": raw.Chat.ID, "type": string(raw.Type)})
	b.logger.Debug("message received", "payload", message.Inspect(raw))

	if !message.Routable(raw) {
		b.emit(bus.EventMessageDropped, map[string]any{"message": raw.ID, "reason": "unroutable"})
		return
	}
	if target := message.Pending(raw); target != message.TargetNone {
		if !b.cfg.Resolver.Resolve(ctx, raw, target) {
			b.logger.Debug("media resolution not started", "message", raw.ID, "target", target)
		}
		return
	}
	b.Deliver(ctx, message.Normalize(raw))
}

// Deliver queues a complete message for routing. The resolver calls it
// once a message's media is in place.
func (b *Bridge) Deliver(ctx context.Context, msg domain.Message) {
	if err := b.cfg.Queue.Publish(ctx, msg); err != nil {
		b.logger.Warn("message not queued", "message", msg.ID, "err", err)
	}
}

// Run routes queued messages in order until ctx is canceled or the queue
// closes, then waits for in-flight work.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("bridge started", "concurrency", cap(b.sem))
	defer b.wg.Wait()

	inbound := b.cfg.Queue.Subscribe()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				b.logger.Info("queue closed, bridge stopping")
				return
			}
			b.route(ctx, msg)
		}
	}
}

func (b *Bridge) route(ctx context.Context, msg domain.Message) {
	decision := b.cfg.Router.Route(msg)
	switch {
	case decision.Dropped():
		b.logger.Debug("message not addressed to bridge", "message", msg.ID)
		b.emit(bus.EventMessageDropped, map[string]any{"message": msg.ID, "reason": "not addressed"})
	case decision.Reserved != nil:
		cmd := *decision.Reserved
		b.emit(bus.EventReservedCommand, map[string]any{"chat": cmd.ChatID, "command": string(cmd.Kind)})
		b.spawn(ctx, func() { b.handleReserved(ctx, cmd) })
	default:
		req := *decision.Request
		b.emit(bus.EventMessageRouted, map[string]any{"message": msg.ID, "chat": req.Chat.ID})
		b.spawn(ctx, func() { b.handleRequest(ctx, req) })
	}
}

// spawn runs fn once a concurrency slot is free. The slot is taken in
// routing order, so later messages never overtake earlier ones in the queue.
func (b *Bridge) spawn(ctx context.Context, fn func()) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		fn()
	}()
}

func (b *Bridge) handleRequest(ctx context.Context, req domain.BotRequest) {
	res, err := b.cfg.Responder.Post(ctx, req)
	ex := journal.Exchange{ChatID: req.Chat.ID, SenderID: req.Sender.ID, Command: req.Text}
	if res != nil {
		ex.RequestID = res.RequestID
		ex.LatencyMs = res.Latency.Milliseconds()
		b.emit(bus.EventBotRequest, map[string]any{"chat": req.Chat.ID, "request_id": res.RequestID, "latency": res.Latency})
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("could not contact bot", "chat", req.Chat.ID, "err", err)
		b.emit(bus.EventBotFailed, map[string]any{"chat": req.Chat.ID, "err": err.Error()})
		ex.Status, ex.Error = journal.StatusFailed, err.Error()
		b.record(ctx, ex)
		b.dispatch(ctx, botclient.FailureResponse(req.Chat.ID))
		return
	}

	if res.Response == nil {
		ex.Status = journal.StatusDeferred
		b.record(ctx, ex)
		return
	}
	ex.Status = journal.StatusReplied
	b.record(ctx, ex)
	b.dispatch(ctx, *res.Response)
}

// Dispatch sends a reply and reports the outcome. The callback receiver
// uses it for asynchronous replies.
func (b *Bridge) Dispatch(ctx context.Context, resp domain.BotResponse) error {
	if err := b.cfg.Dispatcher.Dispatch(ctx, resp); err != nil {
		b.emit(bus.EventReplyFailed, map[string]any{"chat": resp.Chat.ID, "err": err.Error()})
		return err
	}
	b.emit(bus.EventReplySent, map[string]any{"chat": resp.Chat.ID})
	return nil
}

func (b *Bridge) dispatch(ctx context.Context, resp domain.BotResponse) {
	if err := b.Dispatch(ctx, resp); err != nil {
		b.logger.Error("could not send reply", "chat", resp.Chat.ID, "err", err)
	}
}

func (b *Bridge) record(ctx context.Context, ex journal.Exchange) {
	if b.cfg.Journal == nil {
		return
	}
	if err := b.cfg.Journal.Record(ctx, ex); err != nil {
		b.logger.Warn("could not record exchange", "chat", ex.ChatID, "err", err)
	}
}

// ObserveResolver publishes resolver transitions on the event bus.
func (b *Bridge) ObserveResolver(ev resolver.Event) {
	switch {
	case ev.State == resolver.StatePending:
		b.resolving.Add(1)
	case ev.State.Terminal():
		b.resolving.Add(-1)
	}
	b.emit(bus.EventResolver, map[string]any{
		"message":   ev.Key,
		"target":    ev.TargetID,
		"mode":      ev.Mode.String(),
		"state":     string(ev.State),
		"terminal":  ev.State.Terminal(),
		"remaining": ev.Remaining,
		"pending":   int(b.resolving.Load()),
	})
}

func (b *Bridge) emit(eventType string, payload map[string]any) {
	if b.cfg.Events == nil {
		return
	}
	b.cfg.Events.Emit(bus.Event{Type: eventType, Source: "bridge", Payload: payload})
}
