// Package events is the pub/sub bus carrying policy changes to observers
// such as the control API's websocket stream.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	EventAppPolicyChanged  EventType = "app_policy_changed"
	EventIPRuleChanged     EventType = "ip_rule_changed"
	EventDomainRuleChanged EventType = "domain_rule_changed"
	EventMeteringChanged   EventType = "metering_changed"
)

// Event is the message passed through the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // emitting component
	Data      any       `json:"data"`
}

// ChangeData is the payload of the *_changed rule events. Before is nil for
// a create and After is nil for a delete.
type ChangeData struct {
	Op     string `json:"op"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// MeteringData is the payload of EventMeteringChanged.
type MeteringData struct {
	From string `json:"from"`
	To   string `json:"to"`
}
