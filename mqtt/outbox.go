package mqtt

import (
	"encoding/json"
	"sync"
)

// outbox holds the latest pending state per reader, drained in arrival order
// of the readers. A newer payload for a queued reader replaces the old one in
// place, so disconnection never builds a historical backlog.
type outbox struct {
	mu      sync.Mutex
	pending map[string]StatePayload
	order   []string
}

func newOutbox() *outbox {
	return &outbox{pending: make(map[string]StatePayload)}
}

func (o *outbox) put(p StatePayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, queued := o.pending[p.Reader]; !queued {
		o.order = append(o.order, p.Reader)
	}
	o.pending[p.Reader] = p
}

// putIfAbsent requeues a payload that failed to send, unless a newer one for
// the same reader has arrived in the meantime.
func (o *outbox) putIfAbsent(p StatePayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, queued := o.pending[p.Reader]; queued {
		return
	}
	o.order = append(o.order, p.Reader)
	o.pending[p.Reader] = p
}

func (o *outbox) pop() (StatePayload, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.order) == 0 {
		return StatePayload{}, false
	}
	reader := o.order[0]
	o.order = o.order[1:]
	p := o.pending[reader]
	delete(o.pending, reader)
	return p, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

func encodeState(p StatePayload) []byte {
	data, _ := json.Marshal(p)
	return data
}
