// Package configstore persists the server settings and the card registry as a
// single YAML document at a fixed per-user path. Writes go through a temporary
// file and an atomic rename, so a crash mid-write never corrupts the previous
// valid document.
package configstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	appName        = "Tacho Bridge Application"
	appDescription = "Application for the tachograph cards authentication"
	fileName       = "config.yaml"
)

// ErrAccess indicates the config location cannot be read or written. Callers
// treat this as fatal to durable mutation; reading cached state keeps working.
var ErrAccess = errors.New("config storage is not accessible")

var identPattern = regexp.MustCompile(`^TBA[0-9]{13}$`)

// Document is the on-disk schema.
type Document struct {
	Name        string                `yaml:"name"`
	Version     string                `yaml:"version"`
	Description string                `yaml:"description"`
	Appearance  *Appearance           `yaml:"appearance,omitempty"`
	Ident       string                `yaml:"ident,omitempty"`
	Server      *Server               `yaml:"server,omitempty"`
	Cards       map[string]CardRecord `yaml:"cards"`
}

// Server holds the broker endpoint as "host:port".
type Server struct {
	Host string `yaml:"host"`
}

// Appearance holds the theme preference: Auto, Dark or Light.
type Appearance struct {
	DarkTheme string `yaml:"dark_theme"`
}

// CardRecord is one registry entry keyed by the company card number.
type CardRecord struct {
	ICCID    string `yaml:"iccid"`
	Name     string `yaml:"name,omitempty"`
	Expire   *int64 `yaml:"expire,omitempty"`
	Modified int64  `yaml:"modified,omitempty"`

	// ATR is the identity spelling used by older documents. It is migrated
	// into ICCID on load and never written back.
	ATR string `yaml:"atr,omitempty"`
}

// legacyDocument is the pre-record schema where cards mapped the raw ATR
// directly to the card number.
type legacyDocument struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Appearance  *Appearance       `yaml:"appearance"`
	Ident       string            `yaml:"ident"`
	Server      *Server           `yaml:"server"`
	Cards       map[string]string `yaml:"cards"`
}

// Store is the single writer for the persisted document. A Store whose
// location failed to open stays usable in memory but refuses mutations.
type Store struct {
	mu          sync.Mutex
	path        string // empty means memory-only (storage inaccessible)
	doc         Document
	prevVersion string
}

// DefaultDir resolves the per-user config directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve home directory: %v", ErrAccess, err)
	}
	return filepath.Join(home, "Documents", "tba"), nil
}

// Open loads the document from dir, creating the directory, a default
// document and a fresh ident as needed. On an access failure it returns a
// memory-only Store along with an error wrapping ErrAccess so the caller can
// keep running without durability.
func Open(dir, version string) (*Store, error) {
	s := &Store{doc: defaultDocument(version)}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s, fmt.Errorf("%w: create %s: %v", ErrAccess, dir, err)
	}
	path := filepath.Join(dir, fileName)

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug("config: no document found, generating defaults")
	case err != nil:
		return s, fmt.Errorf("%w: read %s: %v", ErrAccess, path, err)
	default:
		doc, prev, perr := parseDocument(raw)
		if perr != nil {
			log.Warnf("config: unreadable document, resetting to defaults: %v", perr)
		} else {
			doc.Version = version
			if doc.Name == "" {
				doc.Name = appName
			}
			if doc.Description == "" {
				doc.Description = appDescription
			}
			if doc.Ident == "" {
				doc.Ident = GenerateIdent()
			}
			if doc.Cards == nil {
				doc.Cards = map[string]CardRecord{}
			}
			s.doc = doc
			s.prevVersion = prev
		}
	}

	s.path = path
	if err := writeDocument(path, s.doc); err != nil {
		s.path = ""
		return s, err
	}
	return s, nil
}

// parseDocument decodes the current schema, migrating the legacy identity
// spelling in place, and falls back to the legacy map schema.
func parseDocument(raw []byte) (Document, string, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err == nil {
		for number, rec := range doc.Cards {
			if rec.ICCID == "" && rec.ATR != "" {
				log.Infof("config: migrating identity field for card %s", number)
				rec.ICCID = rec.ATR
			}
			rec.ATR = ""
			doc.Cards[number] = rec
		}
		return doc, doc.Version, nil
	}

	var old legacyDocument
	if err := yaml.Unmarshal(raw, &old); err != nil {
		return Document{}, "", fmt.Errorf("decode config: %w", err)
	}
	log.Warn("config: legacy card schema detected, migrating")
	cards := make(map[string]CardRecord, len(old.Cards))
	for atr, number := range old.Cards {
		cards[number] = CardRecord{ICCID: atr}
	}
	return Document{
		Name:        old.Name,
		Version:     old.Version,
		Description: old.Description,
		Appearance:  old.Appearance,
		Ident:       old.Ident,
		Server:      old.Server,
		Cards:       cards,
	}, old.Version, nil
}

// ReadOnly reports whether the store lost (or never had) a writable location.
func (s *Store) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path == ""
}

// PreviousVersion returns the version stamp the loaded document carried
// before it was refreshed, or "" on first run.
func (s *Store) PreviousVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevVersion
}

// Document returns a copy of the current in-memory document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.Cards = cloneCards(s.doc.Cards)
	return doc
}

// Server returns the configured broker host, application ident and theme.
func (s *Store) Server() (host, ident, theme string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Server != nil {
		host = s.doc.Server.Host
	}
	ident = s.doc.Ident
	theme = "Auto"
	if s.doc.Appearance != nil {
		theme = s.doc.Appearance.DarkTheme
	}
	return host, ident, theme
}

// SaveServer commits new server settings. The document on disk is replaced
// before the in-memory copy, so a failed write leaves both equal to the last
// committed state.
func (s *Store) SaveServer(host, ident, theme string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return fmt.Errorf("%w: no writable config file", ErrAccess)
	}
	next := s.doc
	next.Cards = cloneCards(s.doc.Cards)
	next.Server = &Server{Host: host}
	next.Ident = ident
	next.Appearance = &Appearance{DarkTheme: NormalizeTheme(theme)}
	if err := writeDocument(s.path, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// SaveCards commits the full card registry.
func (s *Store) SaveCards(cards map[string]CardRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return fmt.Errorf("%w: no writable config file", ErrAccess)
	}
	next := s.doc
	next.Cards = cloneCards(cards)
	if err := writeDocument(s.path, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func writeDocument(path string, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrAccess, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: promote %s: %v", ErrAccess, path, err)
	}
	return nil
}

func defaultDocument(version string) Document {
	return Document{
		Name:        appName,
		Version:     version,
		Description: appDescription,
		Appearance:  &Appearance{DarkTheme: "Auto"},
		Ident:       GenerateIdent(),
		Cards:       map[string]CardRecord{},
	}
}

func cloneCards(cards map[string]CardRecord) map[string]CardRecord {
	out := make(map[string]CardRecord, len(cards))
	for k, v := range cards {
		out[k] = v
	}
	return out
}

// GenerateIdent derives a fresh application ident from the microsecond clock,
// in the regulator format "TBA" followed by 13 digits.
func GenerateIdent() string {
	return fmt.Sprintf("TBA%013d", time.Now().UnixMicro()%1_000_000_000_000)
}

// ValidIdent reports whether s is a well-formed application ident.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// NormalizeTheme maps free-form theme input onto the supported set.
func NormalizeTheme(theme string) string {
	switch theme {
	case "Dark", "Light":
		return theme
	default:
		return "Auto"
	}
}

// SplitHostPort splits "host:port" into its parts.
func SplitHostPort(host string) (string, int, error) {
	parts := strings.Split(host, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("host %q doesn't correspond to the format 'host:port'", host)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port number in %q", host)
	}
	return parts[0], port, nil
}
