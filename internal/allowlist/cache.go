package allowlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/utils"
)

// Source fetches the current allow-list from the remote authority.
type Source interface {
	FetchAllowlist(ctx context.Context) (pod.AllowlistSnapshot, error)
}

// index is never mutated after it is published; refresh builds a new one and swaps
// the pointer, so readers never lock and never see a half-built map.
type index struct {
	snapshot pod.AllowlistSnapshot
	active   map[string]int
}

func newIndex(snap pod.AllowlistSnapshot) *index {
	idx := &index{
		snapshot: snap,
		active:   make(map[string]int, len(snap.Entries)),
	}
	for i, e := range snap.Entries {
		if !e.Active {
			continue
		}
		n := utils.NormalizePlate(e.Plate)
		if n == "" {
			continue
		}
		if _, dup := idx.active[n]; !dup {
			idx.active[n] = i
		}
	}
	return idx
}

type Cache struct {
	path string
	log  zerolog.Logger

	current   atomic.Pointer[index]
	refreshMu sync.Mutex
}

func NewCache(path string, log zerolog.Logger) *Cache {
	c := &Cache{
		path: path,
		log:  log.With().Str("component", "allowlist").Logger(),
	}
	c.current.Store(newIndex(pod.AllowlistSnapshot{}))
	return c
}

// LoadFromDisk restores the last persisted snapshot. A missing or unreadable file
// leaves the cache empty; it is never fatal.
func (c *Cache) LoadFromDisk() int {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Str("path", c.path).Msg("no allow-list snapshot on disk, starting empty")
		} else {
			c.log.Warn().Err(err).Str("path", c.path).Msg("failed to read allow-list snapshot, starting empty")
		}
		return 0
	}

	var snap pod.AllowlistSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("corrupt allow-list snapshot, starting empty")
		return 0
	}

	c.refreshMu.Lock()
	c.current.Store(newIndex(snap))
	c.refreshMu.Unlock()

	c.log.Info().
		Int("entries", len(snap.Entries)).
		Time("fetched_at", snap.FetchedAt).
		Msg("loaded allow-list snapshot from disk")
	return len(snap.Entries)
}

// Refresh replaces the cached allow-list with a fresh copy from src. On failure the
// previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context, src Source) (int, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap, err := src.FetchAllowlist(ctx)
	if err != nil {
		c.log.Error().Err(err).Int("kept_entries", c.Count()).Msg("allow-list refresh failed")
		return 0, fmt.Errorf("refresh allow-list: %w", err)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}

	c.current.Store(newIndex(snap))

	if err := c.persist(snap); err != nil {
		// memory is already current; the previous file remains valid on disk
		c.log.Error().Err(err).Str("path", c.path).Msg("failed to persist allow-list snapshot")
	}

	c.log.Info().Int("entries", len(snap.Entries)).Msg("allow-list refreshed")
	return len(snap.Entries), nil
}

func (c *Cache) persist(snap pod.AllowlistSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeFileAtomic(c.path, data, 0o600)
}

// IsWhitelisted reports whether plate matches an active entry, ignoring case, spaces
// and hyphens.
func (c *Cache) IsWhitelisted(plate string) bool {
	_, ok := c.Lookup(plate)
	return ok
}

// Lookup returns the active entry matching plate, with its original formatting.
func (c *Cache) Lookup(plate string) (pod.AllowlistEntry, bool) {
	n := utils.NormalizePlate(plate)
	if n == "" {
		return pod.AllowlistEntry{}, false
	}
	idx := c.current.Load()
	i, ok := idx.active[n]
	if !ok {
		return pod.AllowlistEntry{}, false
	}
	return idx.snapshot.Entries[i], true
}

func (c *Cache) Count() int {
	return len(c.current.Load().snapshot.Entries)
}

func (c *Cache) FetchedAt() time.Time {
	return c.current.Load().snapshot.FetchedAt
}

// Snapshot returns a copy of the cached snapshot.
func (c *Cache) Snapshot() pod.AllowlistSnapshot {
	snap := c.current.Load().snapshot
	entries := make([]pod.AllowlistEntry, len(snap.Entries))
	copy(entries, snap.Entries)
	return pod.AllowlistSnapshot{Entries: entries, FetchedAt: snap.FetchedAt}
}
