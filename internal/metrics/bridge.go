package metrics

import (
	"time"

	"wabridge/internal/bus"
)

// Bridge holds the metrics the pipeline reports.
type Bridge struct {
	collector *Collector

	MessagesReceived   *Counter
	MessagesRouted     *Counter
	MessagesDropped    *Counter
	ReservedCommands   *Counter
	BotRequests        *Counter
	BotFailures        *Counter
	CallbacksReceived  *Counter
	CallbacksMalformed *Counter
	ResolverPending    *Gauge
	BotLatency         *Histogram
}

func NewBridge(c *Collector) *Bridge {
	return &Bridge{
		collector:          c,
		MessagesReceived:   c.Counter("wabridge_messages_received_total", "Chat events delivered by the browser session", ""),
		MessagesRouted:     c.Counter("wabridge_messages_routed_total", "Messages forwarded to the responder", ""),
		MessagesDropped:    c.Counter("wabridge_messages_dropped_total", "Messages not addressed to the bridge", ""),
		ReservedCommands:   c.Counter("wabridge_reserved_commands_total", "Screenshot and moment commands handled locally", ""),
		BotRequests:        c.Counter("wabridge_bot_requests_total", "Requests posted to the responder", ""),
		BotFailures:        c.Counter("wabridge_bot_failures_total", "Responder calls that failed", ""),
		CallbacksReceived:  c.Counter("wabridge_callbacks_received_total", "Replies posted to the callback endpoint", ""),
		CallbacksMalformed: c.Counter("wabridge_callbacks_malformed_total", "Callbacks dropped for missing routing fields", ""),
		ResolverPending:    c.Gauge("wabridge_resolver_pending", "Media resolutions still polling", ""),
		BotLatency: c.Histogram("wabridge_bot_latency_seconds", "Responder call latency in seconds",
			[]float64{0.25, 0.5, 1, 2, 5, 10, 30, 60}),
	}
}

// ResolverOutcome counts a terminal media resolution state.
func (b *Bridge) ResolverOutcome(state string) {
	b.collector.Counter("wabridge_resolver_outcomes_total", "Terminal media resolution states", `outcome="`+state+`"`).Inc()
}

// Observe updates metrics from a pipeline event. Subscribe it with
// EventBus.On("*", m.Observe).
func (b *Bridge) Observe(e bus.Event) {
	switch e.Type {
	case bus.EventMessageReceived:
		b.MessagesReceived.Inc()
	case bus.EventMessageRouted:
		b.MessagesRouted.Inc()
	case bus.EventMessageDropped:
		b.MessagesDropped.Inc()
	case bus.EventReservedCommand:
		b.ReservedCommands.Inc()
	case bus.EventBotRequest:
		b.BotRequests.Inc()
		if d, ok := e.Payload["latency"].(time.Duration); ok {
			b.BotLatency.Observe(d.Seconds())
		}
	case bus.EventBotFailed:
		b.BotFailures.Inc()
	case bus.EventCallbackReceived:
		b.CallbacksReceived.Inc()
	case bus.EventCallbackMalformed:
		b.CallbacksMalformed.Inc()
	case bus.EventResolver:
		if n, ok := e.Payload["pending"].(int); ok {
			b.ResolverPending.Set(int64(n))
		}
		if terminal, _ := e.Payload["terminal"].(bool); terminal {
			if state, ok := e.Payload["state"].(string); ok {
				b.ResolverOutcome(state)
			}
		}
	}
}
