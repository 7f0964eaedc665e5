package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CacheEntry records one derived image. Entries are immutable after publish and
// removed only by ClearCache.
type CacheEntry struct {
	Tag        string    `json:"tag"`
	CreatedAt  time.Time `json:"created_at"`
	StorageRef string    `json:"storage_ref"`
	Packages   []string  `json:"packages"`
	BaseImage  string    `json:"base_image"`
}

// cacheStore persists CacheEntry records as one JSON file per tag under
// <dir>/entries. Publication is atomic: write to a temp file in the same
// directory, then rename over the tag. Concurrent readers never observe a torn
// entry; concurrent writers to the same tag resolve last-writer-wins.
type cacheStore struct {
	dir string
}

func newCacheStore(dir string) *cacheStore {
	return &cacheStore{dir: filepath.Join(dir, "entries")}
}

func (s *cacheStore) publish(entry CacheEntry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+entry.Tag+"-*")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing cache entry: %w", err)
	}

	if err := os.Rename(tmpName, s.entryPath(entry.Tag)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}

func (s *cacheStore) get(tag string) (CacheEntry, bool) {
	data, err := os.ReadFile(s.entryPath(tag))
	if err != nil {
		return CacheEntry{}, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("unreadable cache entry, ignoring")
		return CacheEntry{}, false
	}
	return entry, true
}

func (s *cacheStore) list() ([]CacheEntry, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CacheEntry{}, nil
		}
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}

	entries := make([]CacheEntry, 0, len(names))
	for _, de := range names {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		tag := strings.TrimSuffix(de.Name(), ".json")
		if entry, ok := s.get(tag); ok {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// clear removes every entry. Clearing an absent or empty cache succeeds.
func (s *cacheStore) clear() ([]CacheEntry, error) {
	entries, err := s.list()
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return nil, fmt.Errorf("removing cache dir: %w", err)
	}
	return entries, nil
}

func (s *cacheStore) entryPath(tag string) string {
	return filepath.Join(s.dir, tag+".json")
}
