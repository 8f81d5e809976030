// Package notify carries structured notification events from the lease
// engine to its outward-facing sinks. Delivery is fire-and-forget: a sink
// or mailer failure never affects the lease mutation that already
// committed.
package notify

// Event names emitted by the engine.
const (
	EventBooked        = "booked"
	EventRenewed       = "renewed"
	EventCancelled     = "cancelled"
	EventReleased      = "released"
	EventQueueJoined   = "queue_joined"
	EventNextInQueue   = "next_in_queue"
	EventExpiresSoon   = "expires_soon"
	EventResourceAdded = "resource_added"
	EventResourceGone  = "resource_deleted"
	EventGroupChanged  = "group_changed"
)

// Event is a structured notification. Target, when set, addresses the
// event at a single requester; otherwise the event is a broadcast.
type Event struct {
	Name     string `json:"name"`
	Message  string `json:"msg"`
	Target   string `json:"target,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// Sink receives events. Implementations must not block and must not
// return delivery status to the caller.
type Sink interface {
	Emit(ev Event)
}

// Mailer sends best-effort out-of-band notifications.
type Mailer interface {
	Notify(to, subject, body string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// NopMailer discards all notifications.
type NopMailer struct{}

func (NopMailer) Notify(string, string, string) {}
