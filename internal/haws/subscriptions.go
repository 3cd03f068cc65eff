package haws

import (
	"encoding/json"

	"hapanel/internal/logging"
)

// SubscribeToEntities registers one state trigger per entity and returns the
// subscription ids in input order. Frames are sent right away when the
// channel is Ready and queued until the next Ready otherwise.
func (c *Channel) SubscribeToEntities(entityIDs []string, onChange func(StateChange)) []int {
	ids := make([]int, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		ids = append(ids, c.register(subscription{
			kind:     kindTrigger,
			entityID: entityID,
			onState:  onChange,
		}))
	}
	return ids
}

// SubscribeToEventType listens to every event of eventType, or to all events
// when eventType is empty. The raw event payload is passed through unfiltered.
func (c *Channel) SubscribeToEventType(eventType string, onEvent func(json.RawMessage)) int {
	return c.register(subscription{
		kind:      kindEventStream,
		eventType: eventType,
		onEvent:   onEvent,
	})
}

func (c *Channel) register(sub subscription) int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	sub.id = c.allocIDLocked()
	id := sub.id
	if c.state == StateClosing {
		c.mu.Unlock()
		c.logger.Debug("subscription on closed channel ignored", logging.Field("id", id))
		return id
	}
	c.subs.add(sub)
	if c.state == StateReady && !c.draining && c.conn != nil {
		c.subs.markSent(id)
		conn := c.conn
		c.mu.Unlock()
		c.writeWithTimeout(conn, subscribeFrame(sub), subscribeFrameType(sub))
		return id
	}
	c.pending = append(c.pending, func() { c.sendSubscribe(id) })
	c.mu.Unlock()
	return id
}

// sendSubscribe runs from the ready queue.
func (c *Channel) sendSubscribe(id int) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	sub, ok := c.subs.get(id)
	if !ok || sub.sent {
		c.mu.Unlock()
		return
	}
	if c.state != StateReady || c.conn == nil {
		if c.state != StateClosing {
			c.pending = append(c.pending, func() { c.sendSubscribe(id) })
		}
		c.mu.Unlock()
		return
	}
	c.subs.markSent(id)
	conn := c.conn
	c.mu.Unlock()
	c.writeWithTimeout(conn, subscribeFrame(sub), subscribeFrameType(sub))
}

func subscribeFrameType(sub subscription) string {
	if sub.kind == kindTrigger {
		return frameSubscribeTrigger
	}
	return frameSubscribeEvents
}

func subscribeFrame(sub subscription) any {
	if sub.kind == kindTrigger {
		return subscribeTriggerFrame{
			ID:      sub.id,
			Type:    frameSubscribeTrigger,
			Trigger: stateTrigger{Platform: "state", EntityID: sub.entityID},
		}
	}
	return subscribeEventsFrame{ID: sub.id, Type: frameSubscribeEvents, EventType: sub.eventType}
}

// Unsubscribe forgets each id and tells the server about the ones it knows.
// Unknown ids are ignored.
func (c *Channel) Unsubscribe(ids ...int) {
	for _, id := range ids {
		c.unsubscribe(id)
	}
}

func (c *Channel) unsubscribe(id int) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	sub, ok := c.subs.remove(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	if !sub.sent || c.state != StateReady || c.conn == nil {
		c.mu.Unlock()
		c.logger.Debug("subscription removed", logging.Field("id", id), logging.Field("kind", sub.kind.String()))
		return
	}
	frame := unsubscribeFrame{ID: c.allocIDLocked(), Type: frameUnsubscribe, Subscription: id}
	conn := c.conn
	c.mu.Unlock()
	c.writeWithTimeout(conn, frame, frameUnsubscribe)
}

// SubscriptionCount reports how many subscriptions are registered.
func (c *Channel) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.len()
}

func (c *Channel) dispatch(frame inboundFrame) {
	c.mu.Lock()
	sub, ok := c.subs.get(frame.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("event for unknown subscription dropped", logging.Field("id", frame.ID))
		return
	}

	switch sub.kind {
	case kindTrigger:
		event := triggerEvent{}
		if err := json.Unmarshal(frame.Event, &event); err != nil {
			c.logger.Warn("invalid trigger event",
				logging.Field("id", frame.ID),
				logging.Field("error", err),
				logging.Field("event", frame.Event),
			)
			return
		}
		if sub.onState != nil {
			sub.onState(StateChange{
				EntityID: sub.entityID,
				NewState: event.Variables.Trigger.ToState,
				OldState: event.Variables.Trigger.FromState,
			})
		}
	case kindEventStream:
		if sub.onEvent != nil {
			sub.onEvent(frame.Event)
		}
	}
}

func (c *Channel) handleResult(frame inboundFrame) {
	if frame.Success != nil && !*frame.Success {
		code, message := "", ""
		if frame.Error != nil {
			code, message = frame.Error.Code, frame.Error.Message
		}
		c.logger.Warn("realtime request failed",
			logging.Field("id", frame.ID),
			logging.Field("code", code),
			logging.Field("message", message),
		)
		return
	}
	c.logger.Debug("realtime request acknowledged", logging.Field("id", frame.ID))
}
