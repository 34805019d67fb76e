package monitor

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ebfe/scard"
	log "github.com/sirupsen/logrus"
)

// APDUs for reading the chip serial off a tachograph card: select EF_ICC,
// then read the identification block.
var (
	apduSelectICC  = []byte{0x00, 0xA4, 0x02, 0x0C, 0x02, 0x00, 0x02}
	apduReadBinary = []byte{0x00, 0xB0, 0x00, 0x00, 0x19}
)

// pcscSystem is the native card subsystem backed by PC/SC.
type pcscSystem struct {
	ctx *scard.Context
}

// NewPCSC establishes a PC/SC context and returns it as a System.
func NewPCSC() (System, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return &pcscSystem{ctx: ctx}, nil
}

func (p *pcscSystem) Readers() ([]string, error) {
	readers, err := p.ctx.ListReaders()
	if err == scard.ErrNoReadersAvailable {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return readers, nil
}

func (p *pcscSystem) Open(name string) (Slot, error) {
	return &pcscSlot{
		ctx: p.ctx,
		state: scard.ReaderState{
			Reader:       name,
			CurrentState: scard.StateUnaware,
		},
	}, nil
}

// pcscSlot tracks one reader through GetStatusChange, PC/SC's native
// blocking-with-timeout change notification.
type pcscSlot struct {
	ctx   *scard.Context
	state scard.ReaderState
}

// WaitForChange implements Slot. The PC/SC call is bounded by timeout, so
// cancellation is observed on the next loop iteration.
func (s *pcscSlot) WaitForChange(_ context.Context, timeout time.Duration) (Change, bool, error) {
	states := []scard.ReaderState{s.state}
	err := s.ctx.GetStatusChange(states, timeout)
	if err == scard.ErrTimeout {
		return Change{}, false, nil
	}
	if err != nil {
		return Change{}, false, fmt.Errorf("status change for %s: %w", s.state.Reader, err)
	}

	next := states[0]
	if next.EventState&scard.StateChanged == 0 {
		s.state = next
		return Change{}, false, nil
	}
	next.CurrentState = next.EventState
	s.state = next

	change := Change{ATR: hex.EncodeToString(next.Atr)}
	switch {
	case next.EventState&scard.StatePresent != 0 && next.EventState&scard.StateMute == 0:
		change.Status = StatusPresent
		change.Identity = s.readIdentity(change.ATR)
	case next.EventState&scard.StateEmpty != 0:
		change.Status = StatusNoCard
	case next.EventState&(scard.StateUnavailable|scard.StateMute) != 0:
		change.Status = StatusError
	default:
		change.Status = StatusUnknown
	}
	return change, true, nil
}

// readIdentity transmits the ICC identification APDUs. When the card refuses
// the exchange the ATR stands in as the identity, matching records persisted
// before chip serials were captured.
func (s *pcscSlot) readIdentity(atr string) string {
	card, err := s.ctx.Connect(s.state.Reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		log.Warnf("monitor: connect to card in %s: %v", s.state.Reader, err)
		return atr
	}
	defer card.Disconnect(scard.LeaveCard)

	if _, err := transmit(card, apduSelectICC); err != nil {
		log.Debugf("monitor: select EF_ICC on %s: %v", s.state.Reader, err)
		return atr
	}
	data, err := transmit(card, apduReadBinary)
	if err != nil || len(data) == 0 {
		log.Debugf("monitor: read EF_ICC on %s: %v", s.state.Reader, err)
		return atr
	}
	return hex.EncodeToString(data)
}

// transmit sends one APDU and strips the trailing status word, requiring
// 0x9000 (success).
func transmit(card *scard.Card, apdu []byte) ([]byte, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("short response: %x", resp)
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, fmt.Errorf("status %02x%02x", sw1, sw2)
	}
	return resp[:len(resp)-2], nil
}

func (s *pcscSlot) Close() error {
	return nil
}
