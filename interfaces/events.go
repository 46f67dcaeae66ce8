package interfaces

// EventStatus is the status of a single progress event.
type EventStatus string

const (
	EventProgress EventStatus = "progress"
	EventSuccess  EventStatus = "success"
	EventError    EventStatus = "error"
)

// Event is one element of an orchestrator's progress stream. Concrete event
// types form a closed tagged union per phase; orchestrators emit them, the
// surface above renders Message and may switch on Phase for structured data.
type Event interface {
	Phase() string
	Status() EventStatus
	Message() string
}

// EventSink receives progress events. A nil sink is always safe to emit to
// through Emit.
type EventSink func(Event)

// Emit forwards an event to the sink if one is attached.
func (s EventSink) Emit(ev Event) {
	if s != nil {
		s(ev)
	}
}
