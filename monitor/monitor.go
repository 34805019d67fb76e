// Package monitor watches physical smart-card readers. One watcher goroutine
// runs per discovered reader; a failing reader is downgraded and retried
// without disturbing the others.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status describes what a reader slot currently holds.
type Status int

const (
	StatusUnknown Status = iota
	StatusNoCard
	StatusPresent
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNoCard:
		return "EMPTY"
	case StatusPresent:
		return "PRESENT"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Change is one observed slot transition.
type Change struct {
	Status   Status
	Identity string // chip serial of the inserted card, empty when absent
	ATR      string // answer-to-reset, display only
}

// Slot is a connection to one physical reader. WaitForChange blocks until the
// slot state changes, the timeout elapses (changed=false) or ctx is done.
// Implementations with no native change notification may poll internally.
type Slot interface {
	WaitForChange(ctx context.Context, timeout time.Duration) (change Change, changed bool, err error)
	Close() error
}

// System is the card subsystem capability: reader discovery plus slot access.
type System interface {
	Readers() ([]string, error)
	Open(name string) (Slot, error)
}

// Event is one reader state transition as seen by the monitor.
type Event struct {
	Reader   string
	Identity string
	ATR      string
	Status   Status
	Removed  bool // the device disappeared; terminal for this reader
}

const (
	waitTimeout   = 2 * time.Second
	rescanEvery   = 3 * time.Second
	reopenDelay   = time.Second
	failureBudget = 3
)

// Monitor discovers readers and runs one watcher per reader.
type Monitor struct {
	sys    System
	events chan Event

	mu       sync.Mutex
	watchers map[string]*watcher
	last     map[string]Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over the given card subsystem.
func New(sys System) *Monitor {
	return &Monitor{
		sys:      sys,
		events:   make(chan Event, 32),
		watchers: make(map[string]*watcher),
		last:     make(map[string]Event),
	}
}

// Events returns the stream of reader state transitions.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start launches reader discovery. Watchers come and go with the hardware.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.discoveryLoop()
}

// Close stops all watchers and waits for them to exit.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sync re-emits the last known state of one reader, or of all readers when
// name is empty.
func (m *Monitor) Sync(name string) {
	m.mu.Lock()
	var evs []Event
	for reader, ev := range m.last {
		if name == "" || reader == name {
			evs = append(evs, ev)
		}
	}
	m.mu.Unlock()
	for _, ev := range evs {
		m.events <- ev
	}
}

// Restart forces the named watcher (all watchers when name is empty) to close
// and reopen its slot. Recovers from a stuck or reinitialized card service.
func (m *Monitor) Restart(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for reader, w := range m.watchers {
		if name != "" && reader != name {
			continue
		}
		select {
		case w.restart <- struct{}{}:
		default: // restart already pending
		}
	}
}

func (m *Monitor) discoveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(rescanEvery)
	defer ticker.Stop()

	for {
		m.rescan()
		select {
		case <-m.ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) rescan() {
	names, err := m.sys.Readers()
	if err != nil {
		log.Errorf("monitor: list readers: %v", err)
		return
	}

	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
	}

	m.mu.Lock()
	var removed []string
	for name, w := range m.watchers {
		if !current[name] {
			log.Infof("monitor: reader %s disappeared", name)
			w.stop()
			delete(m.watchers, name)
			removed = append(removed, name)
		}
	}
	for _, name := range names {
		if _, ok := m.watchers[name]; ok {
			continue
		}
		log.Infof("monitor: reader %s connected", name)
		w := newWatcher(m, name)
		m.watchers[name] = w
		m.wg.Add(1)
		go w.run(m.ctx)
	}
	m.mu.Unlock()

	// Terminal transitions go through the same blocking path as the watchers
	// so a full channel never loses them.
	for _, name := range removed {
		m.emit(Event{Reader: name, Status: StatusUnknown, Removed: true})
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.watchers {
		w.stop()
		delete(m.watchers, name)
	}
}

// emit records and publishes ev if it differs from the last emitted state for
// that reader. Exactly one event leaves the monitor per transition.
func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	if prev, ok := m.last[ev.Reader]; ok && prev == ev {
		m.mu.Unlock()
		return
	}
	if ev.Removed {
		// A removed reader has no state left to resync.
		delete(m.last, ev.Reader)
	} else {
		m.last[ev.Reader] = ev
	}
	m.mu.Unlock()

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// watcher owns the slot for a single reader.
type watcher struct {
	mon     *Monitor
	name    string
	restart chan struct{}
	done    chan struct{}
}

func newWatcher(m *Monitor, name string) *watcher {
	return &watcher{
		mon:     m,
		name:    name,
		restart: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *watcher) stop() {
	close(w.done)
}

func (w *watcher) run(ctx context.Context) {
	defer w.mon.wg.Done()

	slot, err := w.open(ctx)
	if err != nil {
		return
	}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			slot.Close()
			return
		case <-w.done:
			slot.Close()
			return
		case <-w.restart:
			log.Infof("monitor: restarting watcher for %s", w.name)
			slot.Close()
			if slot, err = w.open(ctx); err != nil {
				return
			}
			failures = 0
			continue
		default:
		}

		change, changed, err := slot.WaitForChange(ctx, waitTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slot.Close()
				return
			}
			failures++
			log.Warnf("monitor: %s wait for change: %v (failure %d/%d)", w.name, err, failures, failureBudget)
			if failures < failureBudget {
				continue
			}
			// Budget exhausted: downgrade this reader and reopen the
			// slot. Other readers are unaffected.
			w.mon.emit(Event{Reader: w.name, Status: StatusError})
			slot.Close()
			time.Sleep(reopenDelay)
			if slot, err = w.open(ctx); err != nil {
				return
			}
			failures = 0
			continue
		}
		failures = 0
		if !changed {
			continue
		}
		w.mon.emit(Event{
			Reader:   w.name,
			Identity: change.Identity,
			ATR:      change.ATR,
			Status:   change.Status,
		})
	}
}

// open retries until the slot opens or the watcher is stopped. A slot that
// never opens leaves the reader in the Unknown state.
func (w *watcher) open(ctx context.Context) (Slot, error) {
	for attempt := 0; ; attempt++ {
		slot, err := w.mon.sys.Open(w.name)
		if err == nil {
			return slot, nil
		}
		if attempt == failureBudget {
			log.Errorf("monitor: open %s: %v", w.name, err)
			w.mon.emit(Event{Reader: w.name, Status: StatusUnknown})
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.done:
			return nil, errors.New("watcher stopped")
		case <-time.After(reopenDelay):
		}
	}
}
