package haws

import "encoding/json"

const (
	frameAuth             = "auth"
	frameAuthRequired     = "auth_required"
	frameAuthOK           = "auth_ok"
	frameAuthInvalid      = "auth_invalid"
	frameEvent            = "event"
	frameResult           = "result"
	frameSubscribeTrigger = "subscribe_trigger"
	frameSubscribeEvents  = "subscribe_events"
	frameUnsubscribe      = "unsubscribe_events"
	frameCallService      = "call_service"
)

// EntityState is one entity snapshot as pushed by the server.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// StateChange is delivered to entity subscribers. Either state may be nil when
// the entity was just created or removed.
type StateChange struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type authFrame struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type stateTrigger struct {
	Platform string `json:"platform"`
	EntityID string `json:"entity_id"`
}

type subscribeTriggerFrame struct {
	ID      int          `json:"id"`
	Type    string       `json:"type"`
	Trigger stateTrigger `json:"trigger"`
}

type subscribeEventsFrame struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

type unsubscribeFrame struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription"`
}

type serviceTarget struct {
	EntityID string `json:"entity_id,omitempty"`
}

type callServiceFrame struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	Target      serviceTarget  `json:"target"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type inboundFrame struct {
	Type      string          `json:"type"`
	ID        int             `json:"id"`
	Message   string          `json:"message"`
	HAVersion string          `json:"ha_version"`
	Success   *bool           `json:"success"`
	Error     *resultError    `json:"error"`
	Event     json.RawMessage `json:"event"`
}

type triggerEvent struct {
	Variables struct {
		Trigger struct {
			ToState   *EntityState `json:"to_state"`
			FromState *EntityState `json:"from_state"`
		} `json:"trigger"`
	} `json:"variables"`
}
