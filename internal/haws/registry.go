package haws

import (
	"encoding/json"
	"sort"
)

type subscriptionKind int

const (
	kindTrigger subscriptionKind = iota + 1
	kindEventStream
)

func (k subscriptionKind) String() string {
	switch k {
	case kindTrigger:
		return "trigger"
	case kindEventStream:
		return "event_stream"
	default:
		return "unknown"
	}
}

type subscription struct {
	id        int
	kind      subscriptionKind
	entityID  string
	eventType string
	// sent is set once the subscribe frame went out on the current connection.
	sent    bool
	onState func(StateChange)
	onEvent func(json.RawMessage)
}

// registry maps request ids to subscriptions. Callers hold the channel lock.
type registry struct {
	subs map[int]*subscription
}

func newRegistry() *registry {
	return &registry{subs: map[int]*subscription{}}
}

func (r *registry) add(sub subscription) {
	r.subs[sub.id] = &sub
}

func (r *registry) get(id int) (subscription, bool) {
	sub, ok := r.subs[id]
	if !ok {
		return subscription{}, false
	}
	return *sub, true
}

func (r *registry) markSent(id int) bool {
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.sent = true
	return true
}

func (r *registry) remove(id int) (subscription, bool) {
	sub, ok := r.subs[id]
	if !ok {
		return subscription{}, false
	}
	delete(r.subs, id)
	return *sub, true
}

// dropSent forgets every subscription whose frame reached a connection that
// is now gone. Queued ones stay.
func (r *registry) dropSent() []int {
	dropped := []int{}
	for id, sub := range r.subs {
		if sub.sent {
			dropped = append(dropped, id)
			delete(r.subs, id)
		}
	}
	sort.Ints(dropped)
	return dropped
}

func (r *registry) clear() {
	r.subs = map[int]*subscription{}
}

func (r *registry) len() int {
	return len(r.subs)
}
