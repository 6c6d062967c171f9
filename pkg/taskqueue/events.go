package taskqueue

import "fmt"

// EventType names a queue lifecycle event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
)

// Event describes one lifecycle transition of a task.
type Event struct {
	Type     EventType
	TaskID   string
	Kind     Kind
	Priority int
	Data     map[string]interface{}
}

// EventHandler observes queue events. Handlers run synchronously on the
// goroutine that produced the event and must not block.
type EventHandler func(event Event)

// On registers a handler for an event type.
func (q *Queue) On(eventType EventType, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.handlers[eventType] = append(q.handlers[eventType], handler)
}

// Off removes every handler registered for an event type.
func (q *Queue) Off(eventType EventType) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.handlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.handlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		q.callHandler(handler, event)
	}
}

func (q *Queue) callHandler(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("event", string(event.Type)).
				Str("taskId", event.TaskID).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("Queue event handler panicked")
		}
	}()
	handler(event)
}
