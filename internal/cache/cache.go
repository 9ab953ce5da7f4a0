// Package cache implements the disk-backed per-vehicle response cache
// used to serve reads without touching the upstream API.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the lifetime applied to entries stored without an
// explicit TTL.
const DefaultTTL = 60 * time.Second

// Entry is one cached vehicle snapshot.
type Entry struct {
	Data       map[string]any `json:"data"`
	StoredAt   time.Time      `json:"stored_at"`
	TTLSeconds float64        `json:"ttl_seconds"`
}

// Age reports how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// Stale reports whether the entry has outlived its TTL.
func (e *Entry) Stale() bool {
	return e.Age() > time.Duration(e.TTLSeconds*float64(time.Second))
}

// Status summarises the cache contents for the status subcommand and
// the cache_status tool.
type Status struct {
	Enabled           bool    `json:"enabled"`
	Total             int     `json:"total"`
	Fresh             int     `json:"fresh"`
	Stale             int     `json:"stale"`
	DiskBytes         int64   `json:"disk_bytes"`
	DefaultTTLSeconds float64 `json:"default_ttl_seconds"`
}

type wakeEntry struct {
	State      bool      `json:"state"`
	StoredAt   time.Time `json:"stored_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDefaultTTL overrides the default entry lifetime.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.defaultTTL = ttl }
}

// WithDisabled turns the cache into a pass-through: every read is a
// miss and writes are dropped.
func WithDisabled(disabled bool) StoreOption {
	return func(s *Store) { s.enabled = !disabled }
}

// Store is a per-vin keyed response cache backed by one JSON file per
// vehicle. It is safe for use from multiple goroutines but makes no
// cross-process claims; cache files belong to a single serve runtime.
type Store struct {
	dir        string
	defaultTTL time.Duration
	enabled    bool

	mu  sync.Mutex
	log *slog.Logger
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:        dir,
		defaultTTL: DefaultTTL,
		enabled:    true,
		log:        slog.Default().With("component", "response-cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.enabled {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return s, nil
}

// Get returns the cached entry for vin. Stale and unreadable entries
// are misses; a disabled cache always misses.
func (s *Store) Get(vin string) (*Entry, bool) {
	if !s.enabled {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readEntry(s.entryPath(vin))
	if err != nil {
		return nil, false
	}
	if entry.Stale() {
		return nil, false
	}
	return entry, true
}

// Peek returns the entry regardless of freshness; the second return
// reports whether it is still fresh. Used by status reporting.
func (s *Store) Peek(vin string) (*Entry, bool) {
	if !s.enabled {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readEntry(s.entryPath(vin))
	if err != nil {
		return nil, false
	}
	return entry, !entry.Stale()
}

// Put stores data for vin. A non-positive ttl uses the default.
func (s *Store) Put(vin string, data map[string]any, ttl time.Duration) error {
	if !s.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	entry := Entry{
		Data:       data,
		StoredAt:   time.Now().UTC(),
		TTLSeconds: ttl.Seconds(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.entryPath(vin), entry)
}

// Clear removes the entry (and wake state) for vin, or every entry
// when vin is empty. Clearing an absent entry is not an error.
func (s *Store) Clear(vin string) error {
	if !s.enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if vin != "" {
		err1 := removeIfExists(s.entryPath(vin))
		err2 := removeIfExists(s.wakePath(vin))
		return errors.Join(err1, err2)
	}

	names, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache dir: %w", err)
	}
	var errs []error
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetWakeState reports whether vin is believed awake. Expired or
// absent wake entries report false.
func (s *Store) GetWakeState(vin string) bool {
	if !s.enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.wakePath(vin))
	if err != nil {
		return false
	}
	var w wakeEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return false
	}
	if time.Since(w.StoredAt) > time.Duration(w.TTLSeconds*float64(time.Second)) {
		return false
	}
	return w.State
}

// PutWakeState records the wake flag for vin with its own TTL.
func (s *Store) PutWakeState(vin string, state bool, ttl time.Duration) error {
	if !s.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	w := wakeEntry{
		State:      state,
		StoredAt:   time.Now().UTC(),
		TTLSeconds: ttl.Seconds(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.wakePath(vin), w)
}

// Status reports entry counts and on-disk size.
func (s *Store) Status() Status {
	st := Status{
		Enabled:           s.enabled,
		DefaultTTLSeconds: s.defaultTTL.Seconds(),
	}
	if !s.enabled {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := os.ReadDir(s.dir)
	if err != nil {
		return st
	}
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		info, err := de.Info()
		if err == nil {
			st.DiskBytes += info.Size()
		}
		if strings.HasSuffix(de.Name(), ".wake.json") {
			continue
		}
		st.Total++
		entry, err := s.readEntry(filepath.Join(s.dir, de.Name()))
		if err != nil || entry.Stale() {
			st.Stale++
		} else {
			st.Fresh++
		}
	}
	return st
}

func (s *Store) readEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", filepath.Base(path), err)
	}
	return &entry, nil
}

func (s *Store) writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	// Write-then-rename keeps readers from observing torn entries.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

func (s *Store) entryPath(vin string) string {
	return filepath.Join(s.dir, sanitize(vin)+".json")
}

func (s *Store) wakePath(vin string) string {
	return filepath.Join(s.dir, sanitize(vin)+".wake.json")
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitize maps a vin to a safe file name. VINs are plain ASCII, but
// the cache never trusts its key.
func sanitize(vin string) string {
	if vin == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range vin {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
