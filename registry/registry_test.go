package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertValidation(t *testing.T) {
	tests := []struct {
		name   string
		number string
		ok     bool
	}{
		{"valid all letters", "AAAABBBBCCCCDDDD", true},
		{"valid mixed", "AAAA111122223333", true},
		{"valid all digits", "1234567890123456", true},
		{"too short", "AAAA11112222333", false},
		{"too long", "AAAA1111222233334", false},
		{"lowercase", "aaaa111122223333", false},
		{"empty", "", false},
		{"whitespace", "AAAA 11122223333", false},
		{"punctuation", "AAAA-11122223333", false},
		{"unicode", "AAAA11112222333Ä", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			_, err := r.Upsert(tt.number, "ID-1", "")
			if tt.ok {
				require.NoError(t, err)
				card, found := r.Lookup(tt.number)
				require.True(t, found)
				assert.Equal(t, "ID-1", card.Identity)
			} else {
				assert.ErrorIs(t, err, ErrInvalidNumber)
				_, found := r.Lookup(tt.number)
				assert.False(t, found)
			}
		})
	}
}

func TestUpsertDuplicateNumber(t *testing.T) {
	r := New(nil)
	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)

	// Same number, different identity: rejected, registry unchanged.
	_, err = r.Upsert("AAAA111122223333", "ID-999", "")
	assert.ErrorIs(t, err, ErrDuplicate)

	card, found := r.Lookup("AAAA111122223333")
	require.True(t, found)
	assert.Equal(t, "ID-123", card.Identity)
}

func TestUpsertDuplicateIdentity(t *testing.T) {
	r := New(nil)
	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)

	// Different number claiming the same identity.
	_, err = r.Upsert("BBBB111122223333", "ID-123", "")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpsertFillsEmptyIdentity(t *testing.T) {
	r := New(nil)
	_, err := r.Upsert("AAAA111122223333", "", "Fleet card")
	require.NoError(t, err)

	// A record persisted before identity capture gains one later.
	_, err = r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)

	card, _ := r.Lookup("AAAA111122223333")
	assert.Equal(t, "ID-123", card.Identity)
	assert.Equal(t, "Fleet card", card.Name, "name survives identity update")
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(nil)
	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)

	require.NoError(t, r.Remove("AAAA111122223333"))
	first := r.Snapshot()

	require.NoError(t, r.Remove("AAAA111122223333"))
	assert.Equal(t, first, r.Snapshot())
	assert.Empty(t, r.Snapshot())
}

func TestResolveByIdentity(t *testing.T) {
	r := New(nil)
	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)

	card, found := r.ResolveByIdentity("ID-123")
	require.True(t, found)
	assert.Equal(t, "AAAA111122223333", card.Number)

	_, found = r.ResolveByIdentity("ID-999")
	assert.False(t, found)

	_, found = r.ResolveByIdentity("")
	assert.False(t, found, "empty identity never binds")
}

func TestLoadFromCollapsesSharedIdentity(t *testing.T) {
	r := New(nil)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	r.LoadFrom([]Card{
		{Number: "AAAA111122223333", Identity: "ID-123", Modified: older},
		{Number: "BBBB111122223333", Identity: "ID-123", Modified: newer},
		{Number: "CCCC111122223333", Identity: "ID-456", Modified: older},
	})

	cards := r.Snapshot()
	assert.Len(t, cards, 2)

	card, found := r.ResolveByIdentity("ID-123")
	require.True(t, found)
	assert.Equal(t, "BBBB111122223333", card.Number, "most recently modified record wins")

	_, found = r.Lookup("AAAA111122223333")
	assert.False(t, found)
}

func TestLoadFromRepeatedNumberChangesIdentity(t *testing.T) {
	r := New(nil)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	// The same number appears twice; the later record rebinds it to a new
	// identity. The record holding the abandoned identity must survive.
	r.LoadFrom([]Card{
		{Number: "AAAA111122223333", Identity: "ID-123", Modified: newer},
		{Number: "AAAA111122223333", Identity: "ID-456", Modified: newer},
		{Number: "BBBB111122223333", Identity: "ID-123", Modified: older},
	})

	cards := r.Snapshot()
	assert.Len(t, cards, 2)

	card, found := r.ResolveByIdentity("ID-456")
	require.True(t, found)
	assert.Equal(t, "AAAA111122223333", card.Number)

	card, found = r.ResolveByIdentity("ID-123")
	require.True(t, found)
	assert.Equal(t, "BBBB111122223333", card.Number)
}

func TestUpsertPersistFailureLeavesRegistryUnchanged(t *testing.T) {
	boom := errors.New("disk gone")
	r := New(func([]Card) error { return boom })

	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, r.Snapshot())
}

func TestPersistRunsBeforeAck(t *testing.T) {
	var persisted []Card
	r := New(func(cards []Card) error {
		persisted = cards
		return nil
	})

	_, err := r.Upsert("AAAA111122223333", "ID-123", "Fleet card")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "AAAA111122223333", persisted[0].Number)

	require.NoError(t, r.Remove("AAAA111122223333"))
	assert.Empty(t, persisted)
}

func TestChangeCallbackFiresAfterCommit(t *testing.T) {
	r := New(nil)
	var gotNumber string
	var gotCard *Card
	r.SetChangeCallback(func(number string, card *Card) {
		gotNumber = number
		gotCard = card
		// The registry must be readable from the hook.
		_, found := r.Lookup(number)
		assert.True(t, found)
	})

	_, err := r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)
	assert.Equal(t, "AAAA111122223333", gotNumber)
	require.NotNil(t, gotCard)
	assert.Equal(t, "ID-123", gotCard.Identity)

	r.SetChangeCallback(func(number string, card *Card) {
		gotNumber = number
		gotCard = card
	})
	require.NoError(t, r.Remove("AAAA111122223333"))
	assert.Nil(t, gotCard, "removal broadcasts a nil card")
}

func TestFailedUpsertEmitsNoChange(t *testing.T) {
	r := New(nil)
	fired := 0
	r.SetChangeCallback(func(string, *Card) { fired++ })

	_, err := r.Upsert("bad", "ID-1", "")
	assert.ErrorIs(t, err, ErrInvalidNumber)
	assert.Zero(t, fired)

	_, err = r.Upsert("AAAA111122223333", "ID-123", "")
	require.NoError(t, err)
	_, err = r.Upsert("AAAA111122223333", "ID-999", "")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, fired)
}
