// Package config persists a node's device identity, ports, auth policy,
// download directory, preferred adapter, and share list to a dotdir JSON
// file, loading defaults when none exists yet.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PersistedShare mirrors shares.Share for JSON persistence, preserving
// share identity across restarts.
type PersistedShare struct {
	ShareID   string `json:"share_id"`
	Name      string `json:"name"`
	LocalPath string `json:"local_path"`
	ReadOnly  bool   `json:"read_only"`
}

// Settings is the persistent configuration for a node.
type Settings struct {
	DeviceID         string           `json:"device_id"`
	DeviceName       string           `json:"device_name"`
	DiscoveryPort    int              `json:"discovery_port"`
	TCPPort          int              `json:"tcp_port"`
	OpenMode         bool             `json:"open_mode"`
	SharedKey        string           `json:"shared_key,omitempty"`
	DownloadDir      string           `json:"download_dir"`
	PreferredAdapter string           `json:"preferred_adapter,omitempty"`
	Shares           []PersistedShare `json:"shares"`
	LastSavedAt      string           `json:"last_saved_at,omitempty"`
}

// DefaultSettings returns sensible defaults for a fresh install: a random
// device-id, the default discovery/TCP ports, and open-mode authentication.
func DefaultSettings() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Settings{
		DeviceID:      uuid.New().String(),
		DeviceName:    defaultDeviceName(),
		DiscoveryPort: 40123,
		TCPPort:       40124,
		OpenMode:      true,
		DownloadDir:   filepath.Join(home, "NetShare", "Downloads"),
		Shares:        []PersistedShare{},
	}
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "netshare-node"
}

// Manager handles loading and saving Settings to a JSON file: one
// RWMutex guards an in-memory copy, with explicit Load/Save/Get calls
// rather than implicit watches.
type Manager struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// NewManager creates a Manager rooted at ~/.netshare/settings.json (or
// os.TempDir() if the home directory can't be determined).
func NewManager() *Manager {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".netshare")
	_ = os.MkdirAll(dir, 0o755)

	return &Manager{
		path:     filepath.Join(dir, "settings.json"),
		settings: DefaultSettings(),
	}
}

// Load reads settings from disk, or returns the current in-memory
// defaults if no file exists yet.
func (m *Manager) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m.settings, nil
		}
		return Settings{}, fmt.Errorf("config: read %s: %w", m.path, err)
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", m.path, err)
	}
	m.settings = loaded
	return m.settings, nil
}

// Save writes settings to disk atomically (write to a temp file, then
// rename), stamping LastSavedAt.
func (m *Manager) Save(settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings.LastSavedAt = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp settings file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("config: rename settings file: %w", err)
	}

	m.settings = settings
	return nil
}

// Get returns a defensive copy of the current in-memory settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.settings
	cp.Shares = append([]PersistedShare(nil), m.settings.Shares...)
	return cp
}
