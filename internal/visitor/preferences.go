// ABOUTME: Small per-visitor preferences blob: visit count, last visit and favorites
// ABOUTME: Stored as one envelope and rewritten in full on every change

package visitor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/2389/abkit/internal/kv"
)

// PreferencesKey is the store key holding the preferences blob
const PreferencesKey = "user_preferences"

// Preferences is the persisted preferences blob
type Preferences struct {
	VisitCount int       `json:"visitCount"`
	LastVisit  time.Time `json:"lastVisit"`
	Favorites  []string  `json:"favorites"`
}

// PreferenceStore reads and updates the preferences blob.
type PreferenceStore struct {
	mu    sync.Mutex
	store *kv.Store
}

// NewPreferenceStore creates a PreferenceStore over store
func NewPreferenceStore(store *kv.Store) *PreferenceStore {
	return &PreferenceStore{store: store}
}

// Load returns the current preferences, or zero values if none are stored.
func (p *PreferenceStore) Load(ctx context.Context) Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx)
}

func (p *PreferenceStore) loadLocked(ctx context.Context) Preferences {
	var prefs Preferences
	p.store.Get(ctx, PreferencesKey, &prefs)
	return prefs
}

// RecordVisit increments the visit count and stamps the last visit time.
func (p *PreferenceStore) RecordVisit(ctx context.Context, at time.Time) Preferences {
	return p.update(ctx, func(prefs *Preferences) {
		prefs.VisitCount++
		prefs.LastVisit = at.UTC()
	})
}

// AddFavorite adds id to the favorites if it is not already there.
func (p *PreferenceStore) AddFavorite(ctx context.Context, id string) Preferences {
	return p.update(ctx, func(prefs *Preferences) {
		if !slices.Contains(prefs.Favorites, id) {
			prefs.Favorites = append(prefs.Favorites, id)
		}
	})
}

// RemoveFavorite removes id from the favorites.
func (p *PreferenceStore) RemoveFavorite(ctx context.Context, id string) Preferences {
	return p.update(ctx, func(prefs *Preferences) {
		prefs.Favorites = slices.DeleteFunc(prefs.Favorites, func(f string) bool { return f == id })
	})
}

func (p *PreferenceStore) update(ctx context.Context, fn func(*Preferences)) Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefs := p.loadLocked(ctx)
	fn(&prefs)
	p.store.Set(ctx, PreferencesKey, prefs)
	return prefs
}
