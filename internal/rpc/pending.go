package rpc

import (
	"sync"
)

// pendingTable maps correlation ids to single-shot completion slots. Slots
// are never reused: every call registers a fresh id and removes it on exit,
// fulfilled or not.
type pendingTable struct {
	mu    sync.Mutex
	slots map[string]chan []byte
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]chan []byte)}
}

// add registers a new slot for the given correlation id and returns the
// channel the reply body will arrive on. The channel has capacity 1 so the
// fulfilling side never blocks.
func (t *pendingTable) add(id string) chan []byte {
	ch := make(chan []byte, 1)
	t.mu.Lock()
	t.slots[id] = ch
	t.mu.Unlock()
	return ch
}

// remove unregisters a slot. Safe to call after fulfillment.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// fulfill completes the slot for id with the reply body. Replies for unknown
// ids (a caller that timed out and removed its slot) are dropped.
func (t *pendingTable) fulfill(id string, body []byte) bool {
	t.mu.Lock()
	ch, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- body
	return true
}
