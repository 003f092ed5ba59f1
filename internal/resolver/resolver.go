// Package resolver obtains attachment payloads for chat events whose media
// the store has not staged yet.
//
// Each pending event gets its own task: a goroutine that polls the store on a
// fixed interval with a bounded attempt budget. A tick's work (including a
// download that outlasts the interval) finishes before the next tick is read,
// so two ticks of the same task never overlap. While work is in flight the
// ticker holds at most one pending tick, which runs as soon as the work ends;
// any further ticks in that window are dropped.
//
// Tasks are keyed by the message that owns them, so two replies quoting the
// same media each get a task and each reply is delivered.
package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/dataurl"
	"wabridge/internal/domain"
	"wabridge/internal/message"
)

const (
	defaultSelfInterval   = 3 * time.Second
	defaultSelfAttempts   = 8
	defaultQuotedInterval = 5 * time.Second
	defaultQuotedAttempts = 10
	defaultFetchExtension = 5
	defaultBackfillPages  = 3
)

// State is a step in a task's lifecycle.
type State string

const (
	StatePending        State = "pending"
	StatePolling        State = "polling"
	StateResolvedInline State = "resolved_inline"
	StateResolvedRemote State = "resolved_remote"
	StateNeedFetch      State = "need_fetch"
	StateMissing        State = "missing"
	StateDone           State = "done"
	StateExhausted      State = "exhausted"
	StateAbandoned      State = "abandoned"
	// StateCanceled ends a task whose context was canceled before it finished.
	StateCanceled State = "canceled"
)

// Terminal reports whether no further ticks follow this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateExhausted || s == StateAbandoned || s == StateCanceled
}

// Event reports a state transition of a task.
type Event struct {
	Key       string // owning message id
	TargetID  string // message whose media is awaited
	Mode      message.Target
	State     State
	Remaining int
}

// Ticker is the tick source of one task.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Config holds the resolver's collaborators and tuning.
type Config struct {
	Store   domain.MediaStore
	Deliver func(ctx context.Context, msg domain.Message)
	Logger  *slog.Logger

	SelfInterval   time.Duration
	SelfAttempts   int
	QuotedInterval time.Duration
	QuotedAttempts int
	FetchExtension int // attempts added when the store asks for a fetch trigger
	BackfillPages  int // earlier-message pages loaded when a quote is missing

	Observer  func(Event)
	NewTicker func(time.Duration) Ticker
}

// Resolver tracks pending tasks keyed by owning message id.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	key        string
	targetID   string
	mode       message.Target
	raw        message.RawMessage
	interval   time.Duration
	remaining  int
	backfilled bool
}

// New creates a resolver, filling unset tuning with the defaults.
func New(cfg Config) *Resolver {
	if cfg.SelfInterval <= 0 {
		cfg.SelfInterval = defaultSelfInterval
	}
	if cfg.SelfAttempts <= 0 {
		cfg.SelfAttempts = defaultSelfAttempts
	}
	if cfg.QuotedInterval <= 0 {
		cfg.QuotedInterval = defaultQuotedInterval
	}
	if cfg.QuotedAttempts <= 0 {
		cfg.QuotedAttempts = defaultQuotedAttempts
	}
	if cfg.FetchExtension <= 0 {
		cfg.FetchExtension = defaultFetchExtension
	}
	if cfg.BackfillPages <= 0 {
		cfg.BackfillPages = defaultBackfillPages
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		logger: cfg.Logger,
		tasks:  make(map[string]*task),
	}
}

// Resolve starts a task for raw. It returns false when the target is
// TargetNone or a task for the same message is already pending.
func (r *Resolver) Resolve(ctx context.Context, raw message.RawMessage, target message.Target) bool {
	t := r.newTask(raw, target)
	if t == nil {
		return false
	}

	r.mu.Lock()
	if _, ok := r.tasks[t.key]; ok {
		r.mu.Unlock()
		r.logger.Debug("media resolution already pending", "message", t.key)
		return false
	}
	r.tasks[t.key] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, t)
	return true
}

func (r *Resolver) newTask(raw message.RawMessage, target message.Target) *task {
	t := &task{key: raw.ID, mode: target, raw: raw}
	switch target {
	case message.TargetSelf:
		t.targetID = raw.ID
		t.interval = r.cfg.SelfInterval
		t.remaining = r.cfg.SelfAttempts
	case message.TargetQuoted:
		if raw.Quoted == nil {
			return nil
		}
		t.targetID = raw.Quoted.ID
		t.interval = r.cfg.QuotedInterval
		t.remaining = r.cfg.QuotedAttempts
	default:
		return nil
	}
	return t
}

// Pending returns the number of tasks still polling.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until every task has reached a terminal state or its context
// was canceled.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) run(ctx context.Context, t *task) {
	defer r.wg.Done()
	defer r.forget(t.key)

	ticker := r.cfg.NewTicker(t.interval)
	defer ticker.Stop()

	r.emit(t, StatePending)
	r.logger.Info("resolving media", "message", t.key, "target", t.targetID, "mode", t.mode, "attempts", t.remaining)

	// Opening the chat makes the store start staging its media.
	if err := r.cfg.Store.FocusChat(ctx, t.raw.Chat.ID); err != nil {
		r.logger.Warn("could not focus chat", "chat", t.raw.Chat.ID, "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("media resolution canceled", "message", t.key)
			r.emit(t, StateCanceled)
			return
		case <-ticker.C():
			if r.tick(ctx, t).Terminal() {
				return
			}
		}
	}
}

func (r *Resolver) forget(key string) {
	r.mu.Lock()
	delete(r.tasks, key)
	r.mu.Unlock()
}

// tick runs one polling step and returns the state the task ends it in.
func (r *Resolver) tick(ctx context.Context, t *task) State {
	if t.remaining <= 0 {
		r.logger.Warn("could not resolve media, attempts exhausted", "message", t.key, "target", t.targetID, "mode", t.mode)
		return r.emit(t, StateExhausted)
	}
	t.remaining--
	r.emit(t, StatePolling)

	view, err := r.cfg.Store.GetMessage(ctx, t.targetID)
	if err != nil {
		r.logger.Warn("could not read message from store", "target", t.targetID, "err", err)
		return StatePolling
	}
	if view != nil {
		return r.classify(ctx, t, view)
	}

	r.emit(t, StateMissing)
	if t.mode == message.TargetSelf {
		r.logger.Warn("message vanished from store, abandoning", "message", t.key)
		return r.emit(t, StateAbandoned)
	}
	if t.backfilled {
		return StatePolling
	}

	t.backfilled = true
	r.backfill(ctx, t)
	view, err = r.cfg.Store.GetMessage(ctx, t.targetID)
	if err != nil || view == nil {
		r.logger.Debug("quoted message still missing after backfill", "target", t.targetID, "err", err)
		return StatePolling
	}
	return r.classify(ctx, t, view)
}

func (r *Resolver) backfill(ctx context.Context, t *task) {
	r.logger.Info("quoted message not loaded, loading earlier messages", "target", t.targetID, "pages", r.cfg.BackfillPages)
	for i := 0; i < r.cfg.BackfillPages; i++ {
		if err := r.cfg.Store.LoadEarlier(ctx, t.raw.Chat.ID); err != nil {
			r.logger.Warn("could not load earlier messages", "chat", t.raw.Chat.ID, "err", err)
			return
		}
	}
}

func (r *Resolver) classify(ctx context.Context, t *task, view *domain.MediaView) State {
	switch {
	case view.Stage == domain.StageResolved && view.Inline != "":
		r.emit(t, StateResolvedInline)
		if _, _, err := dataurl.Decode(view.Inline); err != nil {
			r.logger.Warn("store returned an unreadable payload", "target", t.targetID, "err", err)
			return StatePolling
		}
		return r.complete(ctx, t, view.Inline)

	case view.Stage == domain.StageNeedPoke:
		t.remaining += r.cfg.FetchExtension
		r.emit(t, StateNeedFetch)
		if err := r.cfg.Store.TriggerFetch(ctx, t.targetID); err != nil {
			r.logger.Warn("could not trigger media fetch", "target", t.targetID, "err", err)
		}
		return StatePolling

	case view.Downloadable():
		r.emit(t, StateResolvedRemote)
		data, err := r.cfg.Store.DownloadMedia(ctx, *view)
		if err != nil {
			r.logger.Warn("media download failed", "target", t.targetID, "err", err)
			return StatePolling
		}
		return r.complete(ctx, t, dataurl.Encode(view.MimeType, data))
	}
	return StatePolling
}

func (r *Resolver) complete(ctx context.Context, t *task, data string) State {
	msg := message.Normalize(message.WithMedia(t.raw, t.mode, data))
	r.logger.Info("media resolved", "message", t.key, "mode", t.mode, "attempts_left", t.remaining)
	if r.cfg.Deliver != nil {
		r.cfg.Deliver(ctx, msg)
	}
	return r.emit(t, StateDone)
}

func (r *Resolver) emit(t *task, s State) State {
	if r.cfg.Observer != nil {
		r.cfg.Observer(Event{Key: t.key, TargetID: t.targetID, Mode: t.mode, State: s, Remaining: t.remaining})
	}
	return s
}
