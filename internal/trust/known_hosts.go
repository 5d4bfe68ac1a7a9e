// Package trust persists the host identities the user has accepted.
// Entries are keyed by (host, port); re-trusting a host replaces its
// entry outright.
package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// KnownHostEntry is one pinned host identity. Algorithm is advisory
// display information; trust decisions compare fingerprints only.
type KnownHostEntry struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Fingerprint string `toml:"fingerprint"`
	Algorithm   string `toml:"algorithm"`
}

type knownHostsFile struct {
	Hosts []KnownHostEntry `toml:"hosts"`
}

// KnownHostsManager is the file-backed trust store. The whole file is
// loaded at construction and rewritten on every mutation. A corrupt or
// missing file degrades to an empty store; trust data loss means
// "unknown host", never a crash.
type KnownHostsManager struct {
	mu       sync.Mutex
	filePath string
	entries  map[string]KnownHostEntry
}

func hostKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(host)), port)
}

// NewKnownHostsManager loads the store at path, creating an empty
// in-memory store when the file is absent or unreadable.
func NewKnownHostsManager(path string) *KnownHostsManager {
	m := &KnownHostsManager{
		filePath: path,
		entries:  make(map[string]KnownHostEntry),
	}
	m.load()
	return m
}

// FilePath returns the backing file location.
func (m *KnownHostsManager) FilePath() string {
	if m == nil {
		return ""
	}
	return m.filePath
}

func (m *KnownHostsManager) load() {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return
	}
	var file knownHostsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		// Corrupt store degrades to empty; every host becomes
		// "unknown" and goes back through verification.
		return
	}
	for _, entry := range file.Hosts {
		m.entries[hostKey(entry.Host, entry.Port)] = entry
	}
}

// GetKnownHost looks up the pinned entry for (host, port). No side
// effects.
func (m *KnownHostsManager) GetKnownHost(host string, port int) (KnownHostEntry, bool) {
	if m == nil {
		return KnownHostEntry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[hostKey(host, port)]
	return entry, ok
}

// AddKnownHost pins or replaces the entry for (host, port) and
// persists the store immediately.
func (m *KnownHostsManager) AddKnownHost(host string, port int, fingerprint, algorithm string) error {
	if m == nil {
		return fmt.Errorf("known hosts manager is nil")
	}
	if strings.TrimSpace(host) == "" || strings.TrimSpace(fingerprint) == "" {
		return fmt.Errorf("host and fingerprint are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[hostKey(host, port)] = KnownHostEntry{
		Host:        strings.ToLower(strings.TrimSpace(host)),
		Port:        port,
		Fingerprint: fingerprint,
		Algorithm:   algorithm,
	}
	return m.persistLocked()
}

// RemoveKnownHost deletes the entry for (host, port) if present and
// persists the store. Removing an absent entry is a no-op.
func (m *KnownHostsManager) RemoveKnownHost(host string, port int) error {
	if m == nil {
		return fmt.Errorf("known hosts manager is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hostKey(host, port)
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	delete(m.entries, key)
	return m.persistLocked()
}

// Entries returns all pinned hosts ordered by host then port.
func (m *KnownHostsManager) Entries() []KnownHostEntry {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *KnownHostsManager) sortedLocked() []KnownHostEntry {
	entries := make([]KnownHostEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Host != entries[j].Host {
			return entries[i].Host < entries[j].Host
		}
		return entries[i].Port < entries[j].Port
	})
	return entries
}

func (m *KnownHostsManager) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o700); err != nil {
		return fmt.Errorf("persist known hosts: create dir: %w", err)
	}
	data, err := toml.Marshal(knownHostsFile{Hosts: m.sortedLocked()})
	if err != nil {
		return fmt.Errorf("persist known hosts: encode: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0o600); err != nil {
		return fmt.Errorf("persist known hosts: write file: %w", err)
	}
	return nil
}
