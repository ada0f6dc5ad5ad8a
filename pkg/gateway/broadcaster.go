package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to authenticated clients. Session-scoped
// events only reach clients following that session.
type EventBroadcaster struct {
	clients *ClientRegistry
	metrics *observability.Metrics
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over clients. metrics may be nil.
func NewEventBroadcaster(clients *ClientRegistry, metrics *observability.Metrics, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		metrics: metrics,
		logger:  logger,
	}
}

// Broadcast sends an unscoped event and returns how many clients got it
func (b *EventBroadcaster) Broadcast(event string, data any) int {
	return b.Publish(EventMessage{Event: event, Data: data})
}

// Publish stamps msg with the next sequence number and a timestamp, then
// writes it to each recipient. Clients see strictly increasing Seq values,
// possibly with gaps for events they do not follow.
func (b *EventBroadcaster) Publish(msg EventMessage) int {
	msg.Type = "event"
	msg.Seq = b.seq.Add(1)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	recipients := b.clients.Recipients(msg.SessionID)
	if len(recipients) == 0 {
		return 0
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to marshal event")
		return 0
	}

	delivered := 0
	for _, client := range recipients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}

	b.metrics.RecordPublished(msg.Event, delivered)
	b.logger.Debug().
		Str("event", msg.Event).
		Str("session_id", msg.SessionID).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("recipients", len(recipients)).
		Msg("Event published")
	return delivered
}
