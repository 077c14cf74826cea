// Package notify fans out best-effort live-update events to connected
// clients. Delivery is not guaranteed: a slow or gone subscriber simply
// misses events, there is no queueing for disconnected clients.
package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is the payload broadcast to clients. The only event today asks the
// UI to reload its file list.
type Event struct {
	Action string `json:"action"`
}

// ReloadEvent tells every connected client to refresh.
var ReloadEvent = Event{Action: "reload"}

// Hub tracks live-update subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
	log  *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan []byte]struct{}),
		log:  log.New(log.Writer(), "[notify] ", log.LstdFlags),
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. The channel is buffered; Broadcast drops events for subscribers
// whose buffer is full.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast sends an event to every current subscriber without blocking.
func (h *Hub) Broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Printf("failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// ServeWS upgrades the request to a websocket and pumps hub events to it
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is
	// what detects the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
