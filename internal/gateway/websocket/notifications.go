package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/pkg/ws"
)

// EventNotifier bridges the event bus to connected WebSocket clients.
// Goal events with a goalId reach that goal's subscribers; everything
// else fans out to all clients.
type EventNotifier struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewEventNotifier creates the bridge.
func NewEventNotifier(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *EventNotifier {
	return &EventNotifier{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_notifier")),
	}
}

// Start subscribes to the goal, strand and plan event families.
func (n *EventNotifier) Start() error {
	for _, subject := range []string{events.AllGoalEvents, events.AllStrandEvents, events.AllPlanEvents} {
		sub, err := n.bus.Subscribe(subject, n.handleEvent)
		if err != nil {
			n.Stop()
			return err
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

// Stop tears down the bus subscriptions.
func (n *EventNotifier) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}
	n.subs = nil
}

func (n *EventNotifier) handleEvent(ctx context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(ws.ActionEvent, map[string]interface{}{
		"eventType": event.Type,
		"data":      event.Data,
		"timestamp": event.Timestamp,
	})
	if err != nil {
		n.logger.Error("Failed to build notification", zap.Error(err))
		return err
	}

	if goalID, ok := event.Data["goalId"].(string); ok && goalID != "" && n.hub.HasGoalSubscribers(goalID) {
		n.hub.BroadcastToGoal(goalID, msg)
		return nil
	}
	n.hub.Broadcast(msg)
	return nil
}
