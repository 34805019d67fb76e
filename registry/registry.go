// Package registry owns the card-number to card mapping: the in-memory source
// of truth for which company card numbers are bound to which chip identities.
// Every mutation validates and persists under one lock, so no partial update
// is ever observable; the broadcast hook fires after commit.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidNumber is returned when the card number does not match the
	// regulator format: 16 uppercase alphanumeric characters.
	ErrInvalidNumber = errors.New("invalid card number")

	// ErrDuplicate is returned when the card number or identity is already
	// claimed by a different record.
	ErrDuplicate = errors.New("card already exists")

	// ErrPersistence is returned when a mutation could not be durably
	// committed. The in-memory registry is left unchanged.
	ErrPersistence = errors.New("registry storage failure")
)

var numberPattern = regexp.MustCompile(`^[A-Z0-9]{16}$`)

// Card is one registry record.
type Card struct {
	Number   string // regulator-assigned business key
	Identity string // chip serial, the join key against inserted cards
	Name     string // display name, uninterpreted
	Expire   *int64
	Modified time.Time
}

// PersistFunc commits a full registry snapshot to durable storage. It is
// called with the mutation lock held; returning an error aborts the mutation.
type PersistFunc func(cards []Card) error

// ChangeFunc is invoked after a committed mutation, before the mutating call
// returns but outside the registry lock. card is nil on removal.
type ChangeFunc func(number string, card *Card)

// Registry is the deduplicated card map. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	cards    map[string]Card
	persist  PersistFunc
	onChange ChangeFunc
}

// New creates an empty registry. persist may be nil for a registry that is
// never durably committed (tests, read-only tooling).
func New(persist PersistFunc) *Registry {
	return &Registry{
		cards:   make(map[string]Card),
		persist: persist,
	}
}

// SetChangeCallback sets the post-commit broadcast hook. Must be called
// before the registry is shared between goroutines.
func (r *Registry) SetChangeCallback(fn ChangeFunc) {
	r.onChange = fn
}

// LoadFrom replaces the registry contents with cards, collapsing records that
// share an identity down to the most recently modified one. This is the
// one-time migration pass run at startup; it does not persist.
func (r *Registry) LoadFrom(cards []Card) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Last occurrence of a number wins, then identities are deduplicated
	// against the records that actually survived.
	next := make(map[string]Card, len(cards))
	for _, c := range cards {
		next[c.Number] = c
	}
	byIdentity := make(map[string]string) // identity -> winning number
	for number, c := range next {
		if c.Identity == "" {
			continue
		}
		prev, ok := byIdentity[c.Identity]
		if !ok {
			byIdentity[c.Identity] = number
			continue
		}
		keep, drop := c, next[prev]
		if drop.Modified.After(keep.Modified) {
			keep, drop = drop, keep
		}
		log.Warnf("registry: cards %s and %s share identity %s, keeping %s",
			keep.Number, drop.Number, c.Identity, keep.Number)
		delete(next, drop.Number)
		byIdentity[c.Identity] = keep.Number
	}
	r.cards = next
}

// Upsert creates or updates the record for number. The write is durable
// before Upsert returns nil; the broadcast hook fires after commit.
func (r *Registry) Upsert(number, identity, name string) (Card, error) {
	if !numberPattern.MatchString(number) {
		return Card{}, fmt.Errorf("%w: %q must match [A-Z0-9]{16}", ErrInvalidNumber, number)
	}

	r.mu.Lock()

	if existing, ok := r.cards[number]; ok {
		if existing.Identity != "" && identity != "" && existing.Identity != identity {
			r.mu.Unlock()
			return Card{}, fmt.Errorf("%w: number %s is bound to another identity", ErrDuplicate, number)
		}
	}
	if identity != "" {
		for _, c := range r.cards {
			if c.Identity == identity && c.Number != number {
				r.mu.Unlock()
				return Card{}, fmt.Errorf("%w: identity is bound to card %s", ErrDuplicate, c.Number)
			}
		}
	}

	card := r.cards[number]
	card.Number = number
	if identity != "" {
		card.Identity = identity
	}
	if name != "" {
		card.Name = name
	}
	card.Modified = time.Now()

	if err := r.commit(number, card, false); err != nil {
		r.mu.Unlock()
		return Card{}, err
	}
	r.mu.Unlock()

	log.Infof("registry: card %s updated", number)
	if r.onChange != nil {
		c := card
		r.onChange(number, &c)
	}
	return card, nil
}

// Remove deletes the record for number. Removing an absent number is a no-op,
// not an error.
func (r *Registry) Remove(number string) error {
	r.mu.Lock()

	if _, ok := r.cards[number]; !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.commit(number, Card{}, true); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	log.Infof("registry: card %s removed", number)
	if r.onChange != nil {
		r.onChange(number, nil)
	}
	return nil
}

// commit applies the mutation to a copy, persists it, then swaps it in.
// Called with r.mu held.
func (r *Registry) commit(number string, card Card, remove bool) error {
	next := make(map[string]Card, len(r.cards)+1)
	for k, v := range r.cards {
		next[k] = v
	}
	if remove {
		delete(next, number)
	} else {
		next[number] = card
	}

	if r.persist != nil {
		snapshot := make([]Card, 0, len(next))
		for _, c := range next {
			snapshot = append(snapshot, c)
		}
		if err := r.persist(snapshot); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	r.cards = next
	return nil
}

// ResolveByIdentity returns the card bound to identity, if any.
func (r *Registry) ResolveByIdentity(identity string) (Card, bool) {
	if identity == "" {
		return Card{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.cards {
		if c.Identity == identity {
			return c, true
		}
	}
	return Card{}, false
}

// Lookup returns the card for number, if present.
func (r *Registry) Lookup(number string) (Card, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[number]
	return c, ok
}

// Snapshot returns a copy of all records.
func (r *Registry) Snapshot() []Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Card, 0, len(r.cards))
	for _, c := range r.cards {
		out = append(out, c)
	}
	return out
}
