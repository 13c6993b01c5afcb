package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

// EventRelay re-emits every bridge event to every open connection.
type EventRelay struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterEventRelay subscribes once to all bridge events. The
// subscription ends when ctx is done.
func RegisterEventRelay(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*EventRelay, error) {
	r := &EventRelay{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-event-relay")),
	}
	if eventBus == nil {
		return r, nil
	}

	sub, err := eventBus.Subscribe(events.SubjectAll, func(_ context.Context, event *bus.Event) error {
		r.hub.Broadcast(ws.Event{Type: event.Type, Fields: event.Data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.subscription = sub
	r.logger.Debug("relaying bridge events", zap.String("subject", events.SubjectAll))

	go func() {
		<-ctx.Done()
		r.Close()
	}()
	return r, nil
}

// Close stops relaying.
func (r *EventRelay) Close() {
	if r.subscription != nil && r.subscription.IsValid() {
		_ = r.subscription.Unsubscribe()
	}
}
