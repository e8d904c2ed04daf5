package behavior

import (
	"math"
	"sync"
)

// Kind identifies an interaction event
type Kind int

const (
	PointerMove Kind = iota + 1
	Click
	KeyPress
	Scroll
	VisibilityChange
)

func (k Kind) String() string {
	switch k {
	case PointerMove:
		return "pointer_move"
	case Click:
		return "click"
	case KeyPress:
		return "key_press"
	case Scroll:
		return "scroll"
	case VisibilityChange:
		return "visibility_change"
	}
	return "unknown"
}

// Event is a single interaction. Scroll geometry is only read for Scroll events.
type Event struct {
	Kind           Kind
	ScrollTop      float64
	DocumentHeight float64
	ViewportHeight float64
}

// ScrollPercent returns how far down the document the event is, in [0,100].
// A document that cannot scroll counts as fully read.
func (e Event) ScrollPercent() int {
	track := e.DocumentHeight - e.ViewportHeight
	if track <= 0 {
		return 100
	}
	p := int(math.Floor(e.ScrollTop / track * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Source delivers events to a handler until the returned cancel func is called
type Source interface {
	Subscribe(handler func(Event)) (cancel func(), err error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(handler func(Event)) (func(), error)

func (f SourceFunc) Subscribe(handler func(Event)) (func(), error) { return f(handler) }

// Feed is an in-process Source that fans events out to its subscribers
type Feed struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{handlers: make(map[int]func(Event))}
}

func (f *Feed) Subscribe(handler func(Event)) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = handler
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}, nil
}

// Emit delivers ev to every current subscriber
func (f *Feed) Emit(ev Event) {
	f.mu.RLock()
	hs := make([]func(Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

// Subscribers returns the number of live subscriptions
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}
