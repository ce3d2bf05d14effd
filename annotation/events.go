package annotation

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventKind identifies a lifecycle event.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventUpdated       EventKind = "updated"
	EventDeleted       EventKind = "deleted"
	EventReordered     EventKind = "reordered"
	EventModeChanged   EventKind = "mode_changed"
	EventTypeCreated   EventKind = "type_created"
	EventTypeUpdated   EventKind = "type_updated"
	EventTypeDeleted   EventKind = "type_deleted"
	EventDragStarted   EventKind = "drag_started"
	EventDragCommitted EventKind = "drag_committed"
	EventDragCancelled EventKind = "drag_cancelled"
)

// ImageContext identifies where an operation happens. It is passed explicitly to
// every operation instead of being read from application state.
type ImageContext struct {
	ImageID   string `json:"imageId"`
	PlantID   string `json:"plantId,omitempty"`
	ViewAngle string `json:"viewAngle,omitempty"`
	Index     int    `json:"index"`
}

// Event is the typed payload delivered to subscribers. Only the fields relevant to
// the kind are set; Annotation and Type are copies.
type Event struct {
	Kind       EventKind    `json:"kind"`
	Context    ImageContext `json:"context"`
	Annotation *Record      `json:"annotation,omitempty"`
	Type       *CustomType  `json:"type,omitempty"`
	Mode       *Mode        `json:"mode,omitempty"`
	Scope      string       `json:"scope,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub. Handlers run in subscription order
// on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	all      []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]Handler)}
}

// Subscribe registers h for the given kinds.
func (b *Bus) Subscribe(h Handler, kinds ...EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.handlers[k] = append(b.handlers[k], h)
	}
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers e to its kind's handlers, then to catch-all handlers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	log.Debugf("Publishing %s event to %d handlers", e.Kind, len(handlers))
	for _, h := range handlers {
		h(e)
	}
}

func annotationEvent(kind EventKind, ic ImageContext, a Annotation) Event {
	r := a.ToRecord()
	return Event{Kind: kind, Context: ic, Annotation: &r}
}
