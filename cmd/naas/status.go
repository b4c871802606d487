package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/naas/internal/model"
	"github.com/hubenschmidt/naas/internal/ws"
)

type statusHub struct {
	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	handler *ws.Handler
	catalog *model.Catalog
}

func newStatusHub() *statusHub {
	return &statusHub{subs: map[chan []byte]struct{}{}}
}

func (h *statusHub) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

type statusView struct {
	ws.Status
	Models int `json:"models"`
}

func (h *statusHub) fetch() []byte {
	var v statusView
	if h.handler != nil {
		v.Status = h.handler.Status()
	}
	if h.catalog != nil {
		v.Models = len(h.catalog.Entries())
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode status", "error", err)
		return nil
	}
	return data
}

// broadcast pushes the current status to every subscriber without
// blocking. A pending update a slow reader has not taken yet is replaced.
func (h *statusHub) broadcast() {
	data := h.fetch()
	if data == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
	h.mu.Unlock()
}
