package configstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGeneratesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "1.0.0")
	require.NoError(t, err)
	assert.False(t, s.ReadOnly())

	doc := s.Document()
	assert.Equal(t, "1.0.0", doc.Version)
	assert.True(t, ValidIdent(doc.Ident), "generated ident %q", doc.Ident)
	assert.Empty(t, doc.Cards)
	assert.Equal(t, "", s.PreviousVersion())

	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	assert.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "1.0.0")
	require.NoError(t, err)

	expire := int64(1893456000)
	cards := map[string]CardRecord{
		"AAAA111122223333": {ICCID: "ID-123", Name: "Fleet card", Expire: &expire, Modified: 1700000000},
		"BBBB111122223333": {ICCID: "ID-456", Modified: 1700000001},
	}
	require.NoError(t, s.SaveCards(cards))
	require.NoError(t, s.SaveServer("broker.example.com:8883", "TBA0000000000042", "Dark"))

	// Reload from disk and compare bit for bit.
	s2, err := Open(dir, "1.0.0")
	require.NoError(t, err)

	doc := s2.Document()
	assert.Equal(t, cards, doc.Cards)
	host, ident, theme := s2.Server()
	assert.Equal(t, "broker.example.com:8883", host)
	assert.Equal(t, "TBA0000000000042", ident)
	assert.Equal(t, "Dark", theme)
}

func TestNoPartialWriteLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, s.SaveCards(map[string]CardRecord{
		"AAAA111122223333": {ICCID: "ID-123"},
	}))

	_, err = os.Stat(filepath.Join(dir, "config.yaml.tmp"))
	assert.True(t, os.IsNotExist(err), "temporary file must be promoted away")
}

func TestLegacyMapSchemaMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := `name: Tacho Bridge Application
version: 0.9.0
description: old
ident: TBA0000000000001
server:
  host: broker.example.com:8883
cards:
  3b9f960080318065: AAAA111122223333
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(legacy), 0o600))

	s, err := Open(dir, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "0.9.0", s.PreviousVersion())

	doc := s.Document()
	require.Contains(t, doc.Cards, "AAAA111122223333")
	assert.Equal(t, "3b9f960080318065", doc.Cards["AAAA111122223333"].ICCID,
		"old join key migrates into the identity field")
	assert.Equal(t, "1.0.0", doc.Version)
}

func TestLegacyIdentityFieldMigration(t *testing.T) {
	dir := t.TempDir()
	old := `name: Tacho Bridge Application
version: 0.9.5
description: old
ident: TBA0000000000001
cards:
  AAAA111122223333:
    iccid: ""
    atr: 3b9f960080318065
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(old), 0o600))

	s, err := Open(dir, "1.0.0")
	require.NoError(t, err)

	doc := s.Document()
	rec := doc.Cards["AAAA111122223333"]
	assert.Equal(t, "3b9f960080318065", rec.ICCID)
	assert.Empty(t, rec.ATR, "legacy spelling is not written back")
}

func TestUnreadableDirIsAccessError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o600))

	s, err := Open(filepath.Join(dir, "tba"), "1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccess)
	assert.True(t, s.ReadOnly())

	// Reads keep working on the in-memory defaults, mutations fail.
	_, ident, _ := s.Server()
	assert.True(t, ValidIdent(ident))
	assert.ErrorIs(t, s.SaveCards(nil), ErrAccess)
	assert.ErrorIs(t, s.SaveServer("h:1", "TBA0000000000001", "Auto"), ErrAccess)
}

func TestVersionStampRefreshed(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, "1.0.0")
	require.NoError(t, err)

	s, err := Open(dir, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", s.PreviousVersion())
	assert.Equal(t, "2.0.0", s.Document().Version)
}

func TestGenerateIdent(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.True(t, ValidIdent(GenerateIdent()))
	}
	assert.False(t, ValidIdent("TBA123"))
	assert.False(t, ValidIdent("XXX0000000000001"))
	assert.False(t, ValidIdent("tba0000000000001"))
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		port     int
		hasError bool
	}{
		{"broker.example.com:8883", "broker.example.com", 8883, false},
		{"10.0.0.1:1883", "10.0.0.1", 1883, false},
		{"broker.example.com", "", 0, true},
		{"broker.example.com:", "", 0, true},
		{":8883", "", 0, true},
		{"broker:port", "", 0, true},
		{"broker:70000", "", 0, true},
		{"broker:0", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitHostPort(tt.in)
		if tt.hasError {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host)
		assert.Equal(t, tt.port, port)
	}
}

func TestNormalizeTheme(t *testing.T) {
	assert.Equal(t, "Dark", NormalizeTheme("Dark"))
	assert.Equal(t, "Light", NormalizeTheme("Light"))
	assert.Equal(t, "Auto", NormalizeTheme("Auto"))
	assert.Equal(t, "Auto", NormalizeTheme("neon"))
	assert.Equal(t, "Auto", NormalizeTheme(""))
}
