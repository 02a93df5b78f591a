package main

import (
	"sort"
	"sync"

	"github.com/rexliu/hostbridge/pkg/config"
)

// extensionHub tracks which extensions are loaded and which of them are
// connected. Connecting an extension also loads it, so connected is always
// a subset of loaded.
type extensionHub struct {
	mu        sync.Mutex
	loaded    map[string]struct{}
	connected map[string]struct{}
}

func newExtensionHub(cfg config.ExtensionsConfig) *extensionHub {
	h := &extensionHub{
		loaded:    make(map[string]struct{}),
		connected: make(map[string]struct{}),
	}
	for _, id := range cfg.Loaded {
		h.loaded[id] = struct{}{}
	}
	for _, id := range cfg.Connected {
		h.connect(id)
	}
	return h
}

func (h *extensionHub) connect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded[id] = struct{}{}
	h.connected[id] = struct{}{}
}

func (h *extensionHub) disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connected, id)
}

func (h *extensionHub) isConnected(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.connected[id]
	return ok
}

func (h *extensionHub) stats() (loaded, connected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedSet(h.loaded), sortedSet(h.connected)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
