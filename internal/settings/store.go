// Package settings implements the small file-backed key/value store the
// service persists its identity and per-peer state in (device_id,
// access_token, daemon, auto_refresh, relay, allow_control, enable_tcp,
// per-device enable flags, port range, ignored_nic, per-peer cookies,
// device_cookie, from_<peer_id>), plus the bounded device-history ring.
//
// viper (used for internal/config) has no per-key-mtime story, which the
// persisted settings need for cookie/TTL bookkeeping, so this is a small
// dedicated type layered over the same load/merge idiom internal/config
// uses, serialized with gopkg.in/yaml.v3 instead.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lanthost/agent/internal/logging"
)

var log = logging.L("settings")

type entry struct {
	Value   string    `yaml:"value"`
	Updated time.Time `yaml:"updated"`
}

type fileFormat struct {
	Entries map[string]entry `yaml:"entries"`
	History []string         `yaml:"history"`
}

// Store is a flat string key/value map persisted to a single YAML file,
// with an mtime recorded per key and a bounded history ring alongside it.
// Safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]entry
	history []string
}

// Open loads path if it exists, or starts an empty store if it doesn't.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]entry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("settings: reading %s: %w", path, err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("settings: parsing %s: %w", path, err)
	}
	if ff.Entries != nil {
		s.entries = ff.Entries
	}
	s.history = ff.History
	return s, nil
}

// Get returns a key's value and whether it was present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// GetBool is a convenience accessor returning def when the key is absent or
// not parseable as a bool.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

// MTime reports when key was last written, if it exists.
func (s *Store) MTime(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.Updated, ok
}

// Set writes key=value and its mtime, then flushes to disk.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	s.entries[key] = entry{Value: value, Updated: time.Now()}
	s.mu.Unlock()
	return s.flush()
}

// SetBool is a convenience wrapper around Set.
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}

// Delete removes key, if present, and flushes.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if !existed {
		return nil
	}
	return s.flush()
}

// maxHistory bounds the device-history ring per §6's "ad-hoc text file"
// note: at most 20 entries, oldest dropped first.
const maxHistory = 20

// PushHistory appends entry to the device history ring, evicting the
// oldest entry once the ring exceeds maxHistory, then flushes.
func (s *Store) PushHistory(entry string) error {
	s.mu.Lock()
	s.history = append(s.history, entry)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()
	return s.flush()
}

// History returns the device history ring, oldest first, semicolon-joined
// as the original ad-hoc text file format did.
func (s *Store) History() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	joined := ""
	for i, h := range s.history {
		if i > 0 {
			joined += ";"
		}
		joined += h
	}
	return joined
}

func (s *Store) flush() error {
	s.mu.Lock()
	ff := fileFormat{Entries: s.entries, History: s.history}
	s.mu.Unlock()

	data, err := yaml.Marshal(ff)
	if err != nil {
		return fmt.Errorf("settings: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("settings: creating %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("settings: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: renaming %s: %w", tmp, err)
	}
	return nil
}

// Well-known keys, per §6.
const (
	KeyDeviceID     = "device_id"
	KeyAccessToken  = "access_token"
	KeyDaemon       = "daemon"
	KeyAutoRefresh  = "auto_refresh"
	KeyRelay        = "relay"
	KeyAllowControl = "allow_control"
	KeyEnableTCP    = "enable_tcp"
	KeyIgnoredNIC   = "ignored_nic"
	KeyDeviceCookie = "device_cookie"
)

// PeerEnableKey returns the per-device enable-flag key for peerID.
func PeerEnableKey(peerID uint64) string { return fmt.Sprintf("enable_%d", peerID) }

// PeerCookieKey returns the per-peer cookie key for peerID.
func PeerCookieKey(peerID uint64) string { return fmt.Sprintf("cookie_%d", peerID) }

// FromPeerKey returns the "from_<peer_id>" key recording the last time
// peerID connected.
func FromPeerKey(peerID uint64) string { return fmt.Sprintf("from_%d", peerID) }

// PortRange is the persisted [min,max] port range used for P2P candidate
// gathering when not using a fully embedded ICE stack.
type PortRange struct {
	Min uint16
	Max uint16
}

// PortRange reads the persisted port_range_min/port_range_max pair, falling
// back to (0, 0) (let the OS choose) when absent.
func (s *Store) PortRange() PortRange {
	min, _ := s.Get("port_range_min")
	max, _ := s.Get("port_range_max")
	var pr PortRange
	fmt.Sscanf(min, "%d", &pr.Min)
	fmt.Sscanf(max, "%d", &pr.Max)
	return pr
}
