// Package session persists and probes per-store CRM login state. A store's
// session is Playwright storage-state JSON (cookies plus origin localStorage)
// saved after a successful login, reused across sync windows so the data
// plane logs in at most once per store per run under normal conditions.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// State is one store's parsed storage state. Raw preserves the exact bytes
// handed to the browser; the parsed fields serve token inspection only.
type State struct {
	Raw     json.RawMessage
	Cookies []Cookie
	Origins []Origin
}

// Cookie mirrors the storage-state cookie shape.
type Cookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Expires float64 `json:"expires"`
}

// Origin mirrors the storage-state origin shape.
type Origin struct {
	Origin       string `json:"origin"`
	LocalStorage []KV   `json:"localStorage"`
}

// KV is one localStorage entry.
type KV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Parse decodes storage-state JSON into a State.
func Parse(raw []byte) (*State, error) {
	var s = State{Raw: append(json.RawMessage(nil), raw...)}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing storage state: %w", err)
	}
	return &s, nil
}

// BearerTokens returns every value in the state that has the shape of a JWT,
// looking in cookie values, localStorage values, and string fields one level
// deep inside localStorage values that are themselves JSON objects (the usual
// "persisted auth blob" of a CRM single-page app).
func (s *State) BearerTokens() []string {
	var out []string
	var add = func(v string) {
		if looksLikeJWT(v) {
			out = append(out, v)
		}
	}
	for _, c := range s.Cookies {
		add(c.Value)
	}
	for _, o := range s.Origins {
		for _, kv := range o.LocalStorage {
			add(kv.Value)
			var blob map[string]interface{}
			if json.Unmarshal([]byte(kv.Value), &blob) == nil {
				for _, v := range blob {
					if str, ok := v.(string); ok {
						add(str)
					}
				}
			}
		}
	}
	return out
}

func looksLikeJWT(v string) bool {
	var parts = strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if p == "" {
			return false
		}
	}
	return strings.HasPrefix(v, "eyJ")
}

// Manager owns the session directory and an in-memory cache of parsed states.
// The cache only ever avoids re-reading files within one process; the
// directory remains the source of truth across runs.
type Manager struct {
	dir   string
	cache *lru.Cache[string, *State]
}

// NewManager creates |dir| (mode 0700) if needed and returns a Manager.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	cache, err := lru.New[string, *State](64)
	if err != nil {
		return nil, err
	}
	return &Manager{dir: dir, cache: cache}, nil
}

// Path returns the storage-state file path of |storeCode|.
func (m *Manager) Path(storeCode string) string {
	return filepath.Join(m.dir, storeCode+"_storage_state.json")
}

// Load returns the cached or on-disk state of |storeCode|, and whether one
// exists. A corrupt file is treated as absent (the store will re-login).
func (m *Manager) Load(storeCode string) (*State, bool) {
	if s, ok := m.cache.Get(storeCode); ok {
		return s, true
	}
	raw, err := os.ReadFile(m.Path(storeCode))
	if err != nil {
		return nil, false
	}
	s, err := Parse(raw)
	if err != nil {
		log.WithFields(log.Fields{"store": storeCode, "err": err}).
			Warn("discarding unreadable session state")
		return nil, false
	}
	m.cache.Add(storeCode, s)
	return s, true
}

// Save atomically replaces the stored state of |storeCode|: the bytes are
// written to a temp file in the same directory, synced, then renamed over
// the target, so a crash never leaves a truncated state behind.
func (m *Manager) Save(storeCode string, raw []byte) error {
	s, err := Parse(raw)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(m.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err = f.Write(raw); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err = os.Rename(f.Name(), m.Path(storeCode)); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	m.cache.Add(storeCode, s)
	return nil
}

// Clear drops the cached and on-disk state of |storeCode|. Clearing a store
// that has no state is not an error.
func (m *Manager) Clear(storeCode string) error {
	m.cache.Remove(storeCode)
	var err = os.Remove(m.Path(storeCode))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing state file: %w", err)
	}
	return nil
}
