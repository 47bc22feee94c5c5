package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/blockberries/meshberry/pkg/identity"
)

const (
	// currentCacheVersion is the cache file format version.
	currentCacheVersion = 1

	// tempFileSuffix is appended to the file path for atomic writes.
	tempFileSuffix = ".tmp"

	// backupFileSuffix is appended when backing up corrupted files.
	backupFileSuffix = ".bak"
)

// cacheData is the on-disk representation of a cached snapshot.
type cacheData struct {
	Version         int               `json:"version"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	Endpoints       map[string]string `json:"endpoints"` // NodeID -> addr
}

// Cache persists the last applied topology snapshot as JSON. It is purely
// diagnostic / warm-start material: the registry stays authoritative, and a
// cached snapshot is never applied on its own.
//
// All methods are safe for concurrent use.
type Cache struct {
	path string
	mu   sync.Mutex
}

// NewCache creates a cache backed by the given file path.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Store writes the snapshot to disk. The write is atomic: data goes to a
// temporary file which is renamed over the target.
func (c *Cache) Store(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := cacheData{
		Version:         currentCacheVersion,
		SnapshotVersion: snap.Version(),
		Endpoints:       make(map[string]string, snap.Len()),
	}
	for _, ep := range snap.Endpoints() {
		data.Endpoints[string(ep.ID)] = ep.Addr
	}

	raw, err := json.MarshalIndent(&data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topology cache: %w", err)
	}

	tmp := c.path + tempFileSuffix
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write topology cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace topology cache: %w", err)
	}
	return nil
}

// Load reads the cached snapshot from disk. A missing file yields an empty
// snapshot and no error. A corrupted file is moved aside with a .bak suffix
// and treated as missing.
func (c *Cache) Load() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read topology cache: %w", err)
	}
	if len(raw) == 0 {
		return Snapshot{}, nil
	}

	var data cacheData
	if err := json.Unmarshal(raw, &data); err != nil {
		backup := c.path + backupFileSuffix
		if backupErr := os.Rename(c.path, backup); backupErr != nil {
			return Snapshot{}, fmt.Errorf("parse topology cache: %w (backup also failed: %v)", err, backupErr)
		}
		return Snapshot{}, nil
	}

	eps := make([]identity.Endpoint, 0, len(data.Endpoints))
	for id, addr := range data.Endpoints {
		eps = append(eps, identity.Endpoint{ID: identity.NodeID(id), Addr: addr})
	}
	return NewSnapshot(data.SnapshotVersion, eps), nil
}
