// Package bridge is the coordinating engine: it owns the card registry and
// config store, consumes reader transitions from the monitor, services
// commands from the dispatcher and the broker, and keeps the presentation
// layer and the cloud informed of every committed change.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tachobridge/configstore"
	"tachobridge/dispatch"
	"tachobridge/monitor"
	"tachobridge/mqtt"
	"tachobridge/registry"
)

// Publisher is the broker session as the engine sees it.
type Publisher interface {
	PublishState(mqtt.StatePayload)
	State() mqtt.State
	Connect()
	Reconnect()
	Configure(host string, port int, ident string)
}

// readerState is the engine's view of one reader.
type readerState struct {
	monitor.Event
	Authenticating bool
}

// Engine ties the components together. All command handling is serialized
// through one goroutine; reader transitions arrive on a second.
type Engine struct {
	version  string
	store    *configstore.Store
	storeErr error
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	mon      *monitor.Monitor
	pub      Publisher

	mu      sync.Mutex
	readers map[string]readerState
	online  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine. storeErr is the access error from opening the store,
// if any: the engine then runs read-only and raises the access notice.
func New(version string, store *configstore.Store, storeErr error, disp *dispatch.Dispatcher, mon *monitor.Monitor, pub Publisher) *Engine {
	e := &Engine{
		version:  version,
		store:    store,
		storeErr: storeErr,
		disp:     disp,
		mon:      mon,
		pub:      pub,
		readers:  make(map[string]readerState),
	}

	e.reg = registry.New(e.persistCards)
	e.reg.SetChangeCallback(e.onCardChange)

	doc := store.Document()
	cards := make([]registry.Card, 0, len(doc.Cards))
	for number, rec := range doc.Cards {
		cards = append(cards, recordToCard(number, rec))
	}
	e.reg.LoadFrom(cards)

	return e
}

// Registry exposes the card registry for direct reads.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Start emits the startup notifications and launches the service loops.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.storeErr != nil {
		log.Errorf("bridge: running without durable storage: %v", e.storeErr)
		e.disp.Publish(dispatch.Notice{
			Kind:    dispatch.NoticeAccess,
			Message: e.storeErr.Error(),
		})
	} else if prev := e.store.PreviousVersion(); prev != "" && prev != e.version {
		e.disp.Publish(dispatch.Notice{
			Kind:    dispatch.NoticeVersion,
			Message: fmt.Sprintf("configuration migrated from version %s to %s", prev, e.version),
		})
	}

	host, ident, theme := e.store.Server()
	e.disp.Publish(dispatch.ConfigSync{Host: host, Ident: ident, Theme: theme})
	for _, card := range e.reg.Snapshot() {
		c := card
		e.disp.Publish(dispatch.CardConfigUpdated{Number: c.Number, Card: &c})
	}

	e.wg.Add(2)
	go e.commandLoop(ctx)
	go e.readerLoop(ctx)
}

// Close stops the service loops.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) commandLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.disp.Commands():
			if err := e.Handle(cmd); err != nil {
				log.Errorf("bridge: %T: %v", cmd, err)
			}
		}
	}
}

func (e *Engine) readerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.mon.Events():
			e.handleReaderEvent(ev)
		}
	}
}

// Handle applies one command. Validation and duplicate errors are returned
// synchronously; hardware and network conditions surface as notifications.
func (e *Engine) Handle(cmd dispatch.Command) error {
	switch c := cmd.(type) {
	case dispatch.UpdateCard:
		return e.UpdateCard(c.Identity, c.Number, c.Name)
	case dispatch.RemoveCard:
		return e.RemoveCard(c.Number)
	case dispatch.UpdateServer:
		return e.UpdateServer(c.Host, c.Ident, c.Theme)
	case dispatch.ManualSync:
		e.ManualSync(c.Reader, c.Restart)
		return nil
	case dispatch.Reconnect:
		e.pub.Reconnect()
		return nil
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

// UpdateCard binds a card number to a chip identity. The record is durable
// before the call returns nil.
func (e *Engine) UpdateCard(identity, number, name string) error {
	_, err := e.reg.Upsert(number, identity, name)
	return err
}

// RemoveCard deletes a registry record. Idempotent.
func (e *Engine) RemoveCard(number string) error {
	return e.reg.Remove(number)
}

// UpdateServer commits new server settings and redials the broker session.
func (e *Engine) UpdateServer(host, ident, theme string) error {
	h, port, err := configstore.SplitHostPort(host)
	if err != nil {
		return err
	}
	if !configstore.ValidIdent(ident) {
		return fmt.Errorf("invalid ident %q: want TBA followed by 13 digits", ident)
	}
	theme = configstore.NormalizeTheme(theme)

	if err := e.store.SaveServer(host, ident, theme); err != nil {
		return err
	}
	e.disp.Publish(dispatch.ConfigSync{Host: host, Ident: ident, Theme: theme})
	e.pub.Configure(h, port, ident)
	return nil
}

// ManualSync re-emits reader state; with restart it also recreates the
// watchers and the broker session.
func (e *Engine) ManualSync(reader string, restart bool) {
	if restart {
		e.mon.Restart(reader)
		e.pub.Reconnect()
	}
	e.mon.Sync(reader)
}

// HandleBrokerMessage services one inbound broker command. Malformed messages
// are logged and dropped, never fatal to the session.
func (e *Engine) HandleBrokerMessage(topic string, payload []byte) {
	var cmd remoteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Errorf("bridge: malformed broker message on %s: %v", topic, err)
		return
	}

	switch cmd.Action {
	case "update_card":
		e.disp.Submit(dispatch.UpdateCard{Identity: cmd.Identity, Number: cmd.Number, Name: cmd.Name})
	case "remove_card":
		e.disp.Submit(dispatch.RemoveCard{Number: cmd.Number})
	case "update_server":
		e.disp.Submit(dispatch.UpdateServer{Host: cmd.Host, Ident: cmd.Ident, Theme: cmd.Theme})
	case "sync":
		e.disp.Submit(dispatch.ManualSync{Reader: cmd.Reader, Restart: cmd.Restart})
	case "reconnect":
		e.disp.Submit(dispatch.Reconnect{})
	case "auth":
		// The card's authentication exchange is relayed elsewhere; here we
		// only track whether it is in progress for status purposes.
		e.setAuthenticating(cmd.Reader, cmd.Active)
	default:
		log.Errorf("bridge: unknown broker action %q on %s", cmd.Action, topic)
	}
}

// OnSessionState is wired to the broker session state callback.
func (e *Engine) OnSessionState(s mqtt.State) {
	e.mu.Lock()
	online := s == mqtt.StateConnected
	changed := online != e.online
	e.online = online
	names := make([]string, 0, len(e.readers))
	for name := range e.readers {
		names = append(names, name)
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	// The online flag on every reader's state just flipped.
	for _, name := range names {
		e.emitReader(name)
	}
}

type remoteCommand struct {
	Action   string `json:"action"`
	Host     string `json:"host,omitempty"`
	Ident    string `json:"ident,omitempty"`
	Theme    string `json:"theme,omitempty"`
	Identity string `json:"identity,omitempty"`
	Number   string `json:"card_number,omitempty"`
	Name     string `json:"name,omitempty"`
	Reader   string `json:"reader,omitempty"`
	Restart  bool   `json:"restart,omitempty"`
	Active   bool   `json:"active,omitempty"`
}

func (e *Engine) handleReaderEvent(ev monitor.Event) {
	e.mu.Lock()
	if ev.Removed {
		delete(e.readers, ev.Reader)
		online := e.online
		e.mu.Unlock()
		// Terminal state for this reader; the broker's retained payload is
		// replaced so it stops serving the last card state.
		e.disp.Publish(dispatch.CardsSync{Reader: ev.Reader, Status: monitor.StatusUnknown.String(), Online: online})
		e.pub.PublishState(mqtt.StatePayload{Reader: ev.Reader, Status: monitor.StatusUnknown.String(), Online: online})
		return
	}
	rs := e.readers[ev.Reader]
	rs.Event = ev
	if ev.Status != monitor.StatusPresent {
		rs.Authenticating = false
	}
	e.readers[ev.Reader] = rs
	e.mu.Unlock()

	e.emitReader(ev.Reader)
}

func (e *Engine) setAuthenticating(reader string, active bool) {
	e.mu.Lock()
	rs, ok := e.readers[reader]
	if !ok || rs.Authenticating == active {
		e.mu.Unlock()
		return
	}
	rs.Authenticating = active
	e.readers[reader] = rs
	e.mu.Unlock()

	e.emitReader(reader)
}

// emitReader publishes the current state of one reader to the presentation
// layer and the broker, with the card binding recomputed from the registry.
func (e *Engine) emitReader(name string) {
	e.mu.Lock()
	rs, ok := e.readers[name]
	online := e.online
	e.mu.Unlock()
	if !ok {
		return
	}

	number := ""
	if card, found := e.reg.ResolveByIdentity(rs.Identity); found {
		number = card.Number
	}

	e.disp.Publish(dispatch.CardsSync{
		Reader:         name,
		Identity:       rs.Identity,
		Status:         rs.Status.String(),
		CardNumber:     number,
		Online:         online,
		Authenticating: rs.Authenticating,
	})
	e.pub.PublishState(mqtt.StatePayload{
		Reader:         name,
		Identity:       rs.Identity,
		Status:         rs.Status.String(),
		CardNumber:     number,
		Online:         online,
		Authenticating: rs.Authenticating,
	})
}

// onCardChange is the registry broadcast hook: one notification per committed
// mutation, plus a refresh of any reader currently holding that card.
func (e *Engine) onCardChange(number string, card *registry.Card) {
	e.disp.Publish(dispatch.CardConfigUpdated{Number: number, Card: card})

	identity := ""
	if card != nil {
		identity = card.Identity
	}

	e.mu.Lock()
	var affected []string
	for name, rs := range e.readers {
		if rs.Identity == "" {
			continue
		}
		if rs.Identity == identity || identityBoundTo(rs.Identity, number, e.reg) {
			affected = append(affected, name)
		}
	}
	e.mu.Unlock()

	for _, name := range affected {
		e.emitReader(name)
	}
}

// identityBoundTo reports whether identity resolves (or used to resolve) to
// number; used to refresh readers after a removal.
func identityBoundTo(identity, number string, reg *registry.Registry) bool {
	if card, ok := reg.ResolveByIdentity(identity); ok {
		return card.Number == number
	}
	// No binding anymore: the removed record may have been the binding.
	return true
}

func (e *Engine) persistCards(cards []registry.Card) error {
	records := make(map[string]configstore.CardRecord, len(cards))
	for _, c := range cards {
		records[c.Number] = cardToRecord(c)
	}
	return e.store.SaveCards(records)
}

func recordToCard(number string, rec configstore.CardRecord) registry.Card {
	card := registry.Card{
		Number:   number,
		Identity: rec.ICCID,
		Name:     rec.Name,
		Expire:   rec.Expire,
	}
	if rec.Modified > 0 {
		card.Modified = time.Unix(rec.Modified, 0)
	}
	return card
}

func cardToRecord(c registry.Card) configstore.CardRecord {
	return configstore.CardRecord{
		ICCID:    c.Identity,
		Name:     c.Name,
		Expire:   c.Expire,
		Modified: c.Modified.Unix(),
	}
}

// ReaderSnapshot returns the engine's current view of the readers, keyed by
// reader name. Exposed for the presentation layer's initial paint.
func (e *Engine) ReaderSnapshot() map[string]dispatch.CardsSync {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]dispatch.CardsSync, len(e.readers))
	for name, rs := range e.readers {
		number := ""
		if card, found := e.reg.ResolveByIdentity(rs.Identity); found {
			number = card.Number
		}
		out[name] = dispatch.CardsSync{
			Reader:         name,
			Identity:       rs.Identity,
			Status:         rs.Status.String(),
			CardNumber:     number,
			Online:         e.online,
			Authenticating: rs.Authenticating,
		}
	}
	return out
}
