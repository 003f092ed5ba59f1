package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Pipeline event types.
const (
	EventMessageReceived   = "message.received"
	EventMessageDropped    = "message.dropped"
	EventMessageRouted     = "message.routed"
	EventReservedCommand   = "command.reserved"
	EventResolver          = "resolver.transition"
	EventBotRequest        = "bot.request"
	EventBotFailed         = "bot.failed"
	EventCallbackReceived  = "callback.received"
	EventCallbackMalformed = "callback.malformed"
	EventReplySent         = "reply.sent"
	EventReplyFailed       = "reply.failed"
)

const defaultHistory = 1000

// Event is one pipeline occurrence, e.g. "message.routed" or "bot.failed".
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events. Handlers run on the emitting
// goroutine and must not block.
type EventHandler func(Event)

// EventBus fans pipeline events out to subscribers and keeps the most recent
// ones for /debug/events.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	logger   *slog.Logger

	// history is a ring of the last len(history) events; next is the slot
	// the following event goes into.
	history []Event
	next    int
	full    bool
}

// NewEventBus creates an EventBus keeping the last 1000 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, size int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]EventHandler),
		logger:   logger,
		history:  make([]Event, size),
	}
}

// On registers a handler for one event type, or "*" for every event.
func (eb *EventBus) On(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Emit records the event and calls its handlers in registration order,
// type-specific handlers before wildcard ones. A panicking handler is logged
// and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.history[eb.next] = event
	eb.next = (eb.next + 1) % len(eb.history)
	if eb.next == 0 {
		eb.full = true
	}
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "panic", r)
		}
	}()
	h(event)
}

// Replay returns recorded events of eventType ("*" for all) at or after
// since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var ordered []Event
	if eb.full {
		ordered = append(ordered, eb.history[eb.next:]...)
	}
	ordered = append(ordered, eb.history[:eb.next]...)

	var result []Event
	for _, e := range ordered {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Handler serves recorded events as a JSON array, oldest first. Query
// parameters: "type" filters by event type, "since" (RFC 3339) drops older
// events and "limit" keeps only the newest n.
func (eb *EventBus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		eventType := q.Get("type")
		if eventType == "" {
			eventType = "*"
		}
		var since time.Time
		if s := q.Get("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
				return
			}
			since = t
		}

		events := eb.Replay(eventType, since)
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			if len(events) > n {
				events = events[len(events)-n:]
			}
		}
		if events == nil {
			events = []Event{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}
}
