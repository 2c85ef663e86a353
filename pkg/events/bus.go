package events

import (
	"sync"
	"time"

	"issuebridge/pkg/logx"
)

// Activity is the record handed to observers for metrics and notification
// bookkeeping. It is a projection of an Event, not the event itself.
type Activity struct {
	Type       string         `json:"type"`
	Action     string         `json:"action"`
	UserID     string         `json:"user_id"`
	UserName   string         `json:"user_name"`
	IssueID    string         `json:"issue_id"`
	IssueTitle string         `json:"issue_title"`
	ProjectID  string         `json:"project_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Observer consumes activity records. Implementations must not block for
// long; publishing happens on the event-processing path.
type Observer interface {
	OnActivity(activity Activity)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(activity Activity)

func (f ObserverFunc) OnActivity(activity Activity) { f(activity) }

type subscription struct {
	types    map[string]struct{} // nil means all types
	observer Observer
}

// Bus fans activity records out to subscribed observers, filtered by event
// type.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *logx.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: logx.NewLogger("events")}
}

// Subscribe registers an observer for the given event types. An empty type
// list subscribes to everything.
func (b *Bus) Subscribe(observer Observer, types ...string) {
	sub := subscription{observer: observer}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers the activity to every matching observer. A panicking
// observer is logged and skipped; it never breaks event processing.
func (b *Bus) Publish(activity Activity) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[activity.Type]; !ok {
				continue
			}
		}
		b.deliver(sub.observer, activity)
	}
}

func (b *Bus) deliver(observer Observer, activity Activity) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked handling %s activity: %v", activity.Type, r)
		}
	}()
	observer.OnActivity(activity)
}
