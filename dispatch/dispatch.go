// Package dispatch is the boundary between the bridge engine and the
// presentation layer. Commands flow in, notifications flow out; each message
// is a closed typed variant, never a free-form event name.
package dispatch

import (
	"sync"

	"tachobridge/registry"
)

// Command is a request into the engine.
type Command interface{ isCommand() }

// UpdateServer replaces the broker host, application ident and theme.
type UpdateServer struct {
	Host  string
	Ident string
	Theme string
}

// UpdateCard creates or updates one registry record.
type UpdateCard struct {
	Identity string
	Number   string
	Name     string
}

// RemoveCard deletes one registry record.
type RemoveCard struct {
	Number string
}

// ManualSync re-emits reader state, optionally scoped to one reader,
// optionally forcing a full restart of the watchers and the broker session.
type ManualSync struct {
	Reader  string
	Restart bool
}

// Reconnect redials the broker session immediately.
type Reconnect struct{}

func (UpdateServer) isCommand() {}
func (UpdateCard) isCommand()   {}
func (RemoveCard) isCommand()   {}
func (ManualSync) isCommand()   {}
func (Reconnect) isCommand()    {}

// Notification is an outward message to the presentation layer.
type Notification interface {
	isNotification()
	// coalesceKey groups notifications for last-writer-wins coalescing.
	coalesceKey() string
}

// CardsSync reports the state of one reader and its resolved card binding.
type CardsSync struct {
	Reader         string
	Identity       string
	Status         string
	CardNumber     string
	Online         bool
	Authenticating bool
}

// ConfigSync reports the committed server settings.
type ConfigSync struct {
	Host  string
	Ident string
	Theme string
}

// CardConfigUpdated reports a registry change. Card is nil on removal.
type CardConfigUpdated struct {
	Number string
	Card   *registry.Card
}

// NoticeKind classifies advisory notifications.
type NoticeKind string

const (
	NoticeAccess  NoticeKind = "access"
	NoticeVersion NoticeKind = "version"
)

// Notice is a fatal or advisory condition.
type Notice struct {
	Kind    NoticeKind
	Message string
}

func (CardsSync) isNotification()         {}
func (ConfigSync) isNotification()        {}
func (CardConfigUpdated) isNotification() {}
func (Notice) isNotification()            {}

func (n CardsSync) coalesceKey() string         { return "cards/" + n.Reader }
func (ConfigSync) coalesceKey() string          { return "config" }
func (n CardConfigUpdated) coalesceKey() string { return "card-config/" + n.Number }
func (n Notice) coalesceKey() string            { return "notice/" + string(n.Kind) }

// Dispatcher carries commands in and notifications out. Rapid successive
// notifications for the same key coalesce into the latest value; exactly one
// outward message is delivered per committed change that survives coalescing.
type Dispatcher struct {
	commands chan Command
	out      chan Notification

	mu      sync.Mutex
	pending map[string]Notification
	order   []string
	notify  chan struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	closeCmd sync.Once
}

// New creates a dispatcher and starts its emitter.
func New() *Dispatcher {
	d := &Dispatcher{
		commands: make(chan Command, 16),
		out:      make(chan Notification, 16),
		pending:  make(map[string]Notification),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.emitLoop()
	return d
}

// Submit queues a command for the engine.
func (d *Dispatcher) Submit(cmd Command) {
	select {
	case d.commands <- cmd:
	case <-d.done:
	}
}

// Commands returns the inbound command stream consumed by the engine.
func (d *Dispatcher) Commands() <-chan Command {
	return d.commands
}

// Publish queues a notification for the presentation layer.
func (d *Dispatcher) Publish(n Notification) {
	d.mu.Lock()
	key := n.coalesceKey()
	if _, queued := d.pending[key]; !queued {
		d.order = append(d.order, key)
	}
	d.pending[key] = n
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Notifications returns the outward stream.
func (d *Dispatcher) Notifications() <-chan Notification {
	return d.out
}

// Close stops the dispatcher and closes the outward stream. Pending
// notifications are dropped.
func (d *Dispatcher) Close() {
	d.closeCmd.Do(func() {
		close(d.done)
		d.wg.Wait()
		close(d.out)
	})
}

func (d *Dispatcher) emitLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}

		for {
			d.mu.Lock()
			if len(d.order) == 0 {
				d.mu.Unlock()
				break
			}
			key := d.order[0]
			d.order = d.order[1:]
			n := d.pending[key]
			delete(d.pending, key)
			d.mu.Unlock()

			select {
			case d.out <- n:
			case <-d.done:
				return
			}
		}
	}
}
