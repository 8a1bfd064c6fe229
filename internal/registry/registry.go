// Package registry implements the instrument registry (C2): a cache of
// token -> descriptor, refreshed on a schedule and on demand, replaced en
// bloc so readers never see a torn mix of old and new instruments.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
)

// ErrRegistryUnavailable is returned when the first load cannot complete.
var ErrRegistryUnavailable = errors.New("registry: instrument registry unavailable")

// Loader fetches the full instrument set from the broker's bulk endpoint.
type Loader func(ctx context.Context) (map[uint64]domain.Instrument, error)

// Registry is a cache of instrument metadata, refresh-on-stale.
type Registry struct {
	load Loader
	log  zerolog.Logger

	mu       sync.RWMutex
	snapshot map[uint64]domain.Instrument
	loaded   bool

	staleRefreshes atomic.Int64
}

// New creates a Registry over the given bulk loader.
func New(load Loader, log zerolog.Logger) *Registry {
	return &Registry{
		load: load,
		log:  log.With().Str("component", "instrument_registry").Logger(),
	}
}

// Start performs the mandatory first load. If it fails, the registry is
// unusable and the caller should treat startup as failed.
func (r *Registry) Start(ctx context.Context) error {
	snap, err := r.load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	r.mu.Lock()
	r.snapshot = snap
	r.loaded = true
	r.mu.Unlock()
	r.log.Info().Int("instruments", len(snap)).Msg("instrument registry loaded")
	return nil
}

// Refresh reloads the instrument set. A failed refresh keeps the last
// good snapshot and increments the staleness counter rather than
// propagating the error to readers — only the first load (Start) is
// allowed to fail hard.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	snap, err := r.load(ctx)
	if err != nil {
		r.staleRefreshes.Add(1)
		r.log.Warn().Err(err).Int64("stale_refreshes", r.staleRefreshes.Load()).
			Msg("registry refresh failed, keeping last good snapshot")
		return err
	}
	r.mu.Lock()
	r.snapshot = snap
	r.loaded = true
	r.mu.Unlock()
	r.staleRefreshes.Store(0)
	r.log.Info().Int("instruments", len(snap)).Msg("instrument registry refreshed")
	return nil
}

// Lookup returns the descriptor for a token, if known.
func (r *Registry) Lookup(token uint64) (domain.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.snapshot[token]
	return inst, ok
}

// Snapshot returns a defensive copy of the full token -> descriptor map.
func (r *Registry) Snapshot() map[uint64]domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]domain.Instrument, len(r.snapshot))
	for k, v := range r.snapshot {
		out[k] = v
	}
	return out
}

// StaleRefreshes reports how many consecutive refresh attempts have
// failed since the last success, for /health reporting.
func (r *Registry) StaleRefreshes() int64 {
	return r.staleRefreshes.Load()
}

// Loaded reports whether the first load has completed successfully.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}
