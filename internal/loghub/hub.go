// Package loghub fans out captured backend output to streaming clients and
// keeps a bounded per-site history.
package loghub

import (
	"sync"
	"time"
)

// Entry is one captured output line from a site backend.
type Entry struct {
	Site      string    `json:"site"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send(Entry) error
	Close()
}

// Hub manages per-site output streams.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
	history map[string][]Entry
	maxHist int
}

// NewHub creates a Hub keeping up to maxHistory lines per site.
func NewHub(maxHistory int) *Hub {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		history: make(map[string][]Entry),
		maxHist: maxHistory,
	}
}

// Publish records an output line and delivers it to the site's subscribers.
func (h *Hub) Publish(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	hist := append(h.history[entry.Site], entry)
	if len(hist) > h.maxHist {
		hist = hist[len(hist)-h.maxHist:]
	}
	h.history[entry.Site] = hist

	var failed []Subscriber
	for c := range h.clients[entry.Site] {
		if err := c.Send(entry); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(h.clients[entry.Site], c)
	}
	h.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}
}

// Register adds a client to a site stream.
func (h *Hub) Register(site string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[site]; !ok {
		h.clients[site] = make(map[Subscriber]struct{})
	}
	h.clients[site][client] = struct{}{}
}

// Unregister removes a client.
func (h *Hub) Unregister(site string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[site]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, site)
		}
	}
}

// History returns the retained output lines for a site, oldest first.
func (h *Hub) History(site string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hist := h.history[site]
	out := make([]Entry, len(hist))
	copy(out, hist)
	return out
}

// Drop discards history and subscribers for a site that was torn down.
func (h *Hub) Drop(site string) {
	h.mu.Lock()
	clients := h.clients[site]
	delete(h.clients, site)
	delete(h.history, site)
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}
