package preferences

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/folio/internal/apperr"
	"github.com/kalambet/folio/internal/compression"
)

// Setting keys an owner can override.
const (
	KeyAutoMode             = "auto_mode"
	KeyCompressionThreshold = "compression_threshold"
)

// Keys lists every supported setting key.
var Keys = []string{KeyAutoMode, KeyCompressionThreshold}

// Preferences is the effective session configuration of one owner.
type Preferences struct {
	AutoMode        bool `json:"auto_mode"`
	ThresholdTokens int  `json:"compression_threshold"`
}

// SettingsStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type SettingsStore interface {
	SetSetting(ctx context.Context, ownerID, key, value string) error
	GetSettings(ctx context.Context, ownerID string) (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	prefs    Preferences
	cachedAt time.Time
}

// Manager provides cached per-owner preferences layered over defaults.
type Manager struct {
	store    SettingsStore
	defaults Preferences
	clock    Clock
	ttl      time.Duration

	mu     sync.RWMutex
	cached map[string]entry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store SettingsStore, defaults Preferences) *Manager {
	return NewManagerWithClock(store, defaults, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store SettingsStore, defaults Preferences, clock Clock, ttl time.Duration) *Manager {
	if defaults.ThresholdTokens <= 0 {
		defaults.ThresholdTokens = compression.DefaultThresholdTokens
	}
	return &Manager{
		store:    store,
		defaults: defaults,
		clock:    clock,
		ttl:      ttl,
		cached:   make(map[string]entry),
	}
}

// Defaults returns the preferences used when an owner has no overrides.
func (m *Manager) Defaults() Preferences { return m.defaults }

// Get returns the owner's effective preferences from cache or storage.
func (m *Manager) Get(ctx context.Context, ownerID string) (Preferences, error) {
	m.mu.RLock()
	e, ok := m.cached[ownerID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return e.prefs, nil
	}

	keys, err := m.store.GetSettings(ctx, ownerID)
	if err != nil {
		return Preferences{}, fmt.Errorf("loading settings for %s: %w", ownerID, err)
	}
	p := m.build(keys)

	m.mu.Lock()
	m.cached[ownerID] = entry{prefs: p, cachedAt: m.clock.Now()}
	m.mu.Unlock()
	return p, nil
}

// Set validates and persists one setting, then invalidates the owner's cache.
func (m *Manager) Set(ctx context.Context, ownerID, key, value string) error {
	value = strings.TrimSpace(value)
	if err := validate(key, value); err != nil {
		return err
	}
	if err := m.store.SetSetting(ctx, ownerID, key, value); err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}

	m.mu.Lock()
	delete(m.cached, ownerID)
	m.mu.Unlock()
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyAutoMode:
		if _, err := strconv.ParseBool(value); err != nil {
			return apperr.New(apperr.InvalidArgument, "Set", fmt.Sprintf("%s must be true or false", key))
		}
	case KeyCompressionThreshold:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return apperr.New(apperr.InvalidArgument, "Set", fmt.Sprintf("%s must be a positive integer", key))
		}
	default:
		return apperr.New(apperr.InvalidArgument, "Set",
			fmt.Sprintf("unknown setting %q (supported: %s)", key, strings.Join(Keys, ", ")))
	}
	return nil
}

// build overlays stored values on the defaults. Malformed values are
// skipped with a warning.
func (m *Manager) build(keys map[string]string) Preferences {
	p := m.defaults
	for k, v := range keys {
		if !slices.Contains(Keys, k) {
			continue
		}
		if err := validate(k, v); err != nil {
			slog.Warn("malformed setting, skipping", "key", k, "error", err)
			continue
		}
		switch k {
		case KeyAutoMode:
			p.AutoMode, _ = strconv.ParseBool(v)
		case KeyCompressionThreshold:
			p.ThresholdTokens, _ = strconv.Atoi(v)
		}
	}
	return p
}
