package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AmeliaRose802/overseer/log"
)

// StaleEntry records a workspace that could not be removed, so a separate
// sweep can reconcile it later.
type StaleEntry struct {
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Manifest is the durable map of task id to stale workspace. Every mutation
// is a full read-modify-write of the whole file, which keeps it trivially
// crash-safe at the cost of not scaling to huge manifests.
type Manifest struct {
	mu   sync.Mutex
	path string
}

// NewManifest creates a manifest backed by the given file path.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

// Add records a workspace that could not be removed.
func (m *Manifest) Add(taskID, path, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	entries[taskID] = StaleEntry{Path: path, Reason: reason, Timestamp: time.Now().UTC()}
	if err := m.save(entries); err != nil {
		log.ErrorLog.Printf("failed to record stale workspace %s: %v", taskID, err)
	}
}

// Remove drops a task's entry. Removing an absent key is a no-op.
func (m *Manifest) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	if _, ok := entries[taskID]; !ok {
		return
	}
	delete(entries, taskID)
	if err := m.save(entries); err != nil {
		log.ErrorLog.Printf("failed to update stale manifest: %v", err)
	}
}

// Entries returns a copy of all recorded stale workspaces.
func (m *Manifest) Entries() map[string]StaleEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	out := make(map[string]StaleEntry, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

func (m *Manifest) load() map[string]StaleEntry {
	entries := make(map[string]StaleEntry)
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to read stale manifest: %v", err)
		}
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		log.WarningLog.Printf("failed to parse stale manifest, starting fresh: %v", err)
		return make(map[string]StaleEntry)
	}
	return entries
}

func (m *Manifest) save(entries map[string]StaleEntry) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(m.path, data, 0644)
}
