package events

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"
)

// Event is one published lifecycle event. IDs increase by one per Publish.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Listener is called synchronously from Publish, on the publishing goroutine.
// It must not block and must not publish.
type Listener func(Event)

const (
	defaultBacklog   = 100
	subscriberBuffer = 128
)

// Hub is an in-memory pub/sub that keeps the newest events for late
// clients. Subscribers get events over a channel and may miss some when
// slow; listeners registered with On see every event of their kind.
type Hub struct {
	mu        sync.Mutex
	seq       int64
	backlog   []Event
	limit     int
	subs      map[chan Event]struct{}
	listeners map[string][]Listener
}

// NewHub returns a hub that keeps the last backlog events.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog:   make([]Event, 0, backlog),
		limit:     backlog,
		subs:      make(map[chan Event]struct{}),
		listeners: make(map[string][]Listener),
	}
}

// On registers fn for events of the given kind. Kind "*" matches everything.
func (h *Hub) On(kind string, fn Listener) {
	h.mu.Lock()
	h.listeners[kind] = append(h.listeners[kind], fn)
	h.mu.Unlock()
}

// Publish records an event of the given kind with data encoded as JSON and
// returns it. Data that does not encode is published as an empty object.
func (h *Hub) Publish(kind string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	h.seq++
	ev := Event{ID: h.seq, Type: kind, At: time.Now().UTC(), Data: payload}
	h.remember(ev)
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	fns := slices.Concat(h.listeners[kind], h.listeners["*"])
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
	return ev
}

// Subscribe returns a channel of events published from now on and a cancel
// function that closes it. Cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SnapshotSince returns the kept events with ID > lastID, oldest first.
// A lastID of 0 returns everything kept.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.backlog), func(i int) bool { return h.backlog[i].ID > lastID })
	return slices.Clone(h.backlog[i:])
}

func (h *Hub) remember(ev Event) {
	if len(h.backlog) < h.limit {
		h.backlog = append(h.backlog, ev)
		return
	}
	copy(h.backlog, h.backlog[1:])
	h.backlog[len(h.backlog)-1] = ev
}
