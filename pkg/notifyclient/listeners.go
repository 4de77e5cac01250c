package notifyclient

import "sync"

// EventKind distinguishes the two notification events the OS reports.
type EventKind string

const (
	// EventReceived fires for a notification arriving while the app is in
	// the foreground.
	EventReceived EventKind = "received"
	// EventTapped fires when the user opens a notification.
	EventTapped EventKind = "tapped"
)

type Handler func(n Notification)

type listeners struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventKind]map[uint64]Handler
}

func newListeners() *listeners {
	return &listeners{handlers: make(map[EventKind]map[uint64]Handler)}
}

// Subscribe registers handler for kind. The returned function removes it and
// is safe to call more than once.
func (c *Client) Subscribe(kind EventKind, handler Handler) (unsubscribe func()) {
	return c.listeners.add(kind, handler)
}

// Deliver is called by the runtime when the OS reports an event. Handlers run
// on the caller's goroutine in no particular order.
func (c *Client) Deliver(kind EventKind, n Notification) {
	for _, h := range c.listeners.snapshot(kind) {
		h(n)
	}
}

func (l *listeners) add(kind EventKind, handler Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	if l.handlers[kind] == nil {
		l.handlers[kind] = make(map[uint64]Handler)
	}
	l.handlers[kind][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.handlers[kind], id)
		})
	}
}

func (l *listeners) snapshot(kind EventKind) []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Handler, 0, len(l.handlers[kind]))
	for _, h := range l.handlers[kind] {
		out = append(out, h)
	}
	return out
}

func (l *listeners) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers[kind])
}

func (l *listeners) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = make(map[EventKind]map[uint64]Handler)
}
