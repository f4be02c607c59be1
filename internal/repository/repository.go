// Package repository is the concurrent registry mapping experiment ids
// to live actor handles. Lookups run under a read lock so the draw and
// update hot paths never serialize on a single mailbox; writes hold the
// exclusive lock only for the insert or remove itself.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/experiment"
	"github.com/banditlabs/banditd/internal/ident"
	"github.com/banditlabs/banditd/internal/metrics"
	"github.com/banditlabs/banditd/internal/policy"
	"github.com/banditlabs/banditd/internal/statestore"
)

// ErrExperimentNotFound is returned for lookups of unknown ids.
var ErrExperimentNotFound = errors.New("experiment not found")

// Repository owns every live experiment handle.
type Repository struct {
	store    statestore.Store
	actorCfg experiment.Config
	met      *metrics.Metrics

	mu          sync.RWMutex
	experiments map[uuid.UUID]*experiment.Handle
}

// New creates an empty repository. Call Startup to reload experiments
// persisted by a previous run.
func New(store statestore.Store, actorCfg experiment.Config, met *metrics.Metrics) *Repository {
	return &Repository{
		store:       store,
		actorCfg:    actorCfg,
		met:         met,
		experiments: make(map[uuid.UUID]*experiment.Handle),
	}
}

// Startup spawns a supervised actor for every id the state store knows;
// each actor hydrates itself from its snapshot while loading.
func (r *Repository) Startup(ctx context.Context) error {
	ids, err := r.store.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted experiments: %w", err)
	}

	for _, id := range ids {
		h := experiment.Spawn(id, nil, r.store, r.actorCfg, r.met, r.dropDegraded)
		r.mu.Lock()
		r.experiments[id] = h
		r.mu.Unlock()
	}
	if len(ids) > 0 {
		log.Printf("repository: reloaded %d experiment(s)", len(ids))
	}
	r.updateGauge()
	return nil
}

// Create validates the policy config, spawns a supervised actor with an
// empty state and registers it. The actor commits its first checkpoint
// during startup, so a crash before any user activity still restores a
// valid empty experiment.
func (r *Repository) Create(ctx context.Context, cfg policy.Config) (uuid.UUID, error) {
	if _, err := policy.New(cfg); err != nil {
		return uuid.Nil, err
	}

	id := ident.New()
	h := experiment.Spawn(id, &cfg, r.store, r.actorCfg, r.met, r.dropDegraded)

	r.mu.Lock()
	r.experiments[id] = h
	r.mu.Unlock()

	r.updateGauge()
	return id, nil
}

// Get returns the live handle for an experiment.
func (r *Repository) Get(id uuid.UUID) (*experiment.Handle, error) {
	r.mu.RLock()
	h, ok := r.experiments[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrExperimentNotFound
	}
	return h, nil
}

// List reports every experiment's current policy configuration.
func (r *Repository) List(ctx context.Context) (map[uuid.UUID]policy.Config, error) {
	r.mu.RLock()
	handles := make([]*experiment.Handle, 0, len(r.experiments))
	for _, h := range r.experiments {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make(map[uuid.UUID]policy.Config, len(handles))
	for _, h := range handles {
		cfg, err := h.Config(ctx)
		if err != nil {
			// The actor stopped between the snapshot of the map and
			// the query; skip it rather than failing the listing.
			continue
		}
		out[h.ID()] = cfg
	}
	return out, nil
}

// Delete shuts the actor down, unregisters it and removes its snapshot.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	h, ok := r.experiments[id]
	delete(r.experiments, id)
	r.mu.Unlock()
	if !ok {
		return ErrExperimentNotFound
	}

	if err := h.Shutdown(ctx); err != nil && !errors.Is(err, experiment.ErrStopped) {
		log.Printf("repository: shutting down %s: %v", id, err)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting snapshot for %s: %w", id, err)
	}
	r.updateGauge()
	return nil
}

// Clear deletes every experiment: in-memory handles and on-disk
// snapshots both, so a subsequent restart starts empty.
func (r *Repository) Clear(ctx context.Context) error {
	r.mu.Lock()
	handles := r.experiments
	r.experiments = make(map[uuid.UUID]*experiment.Handle)
	r.mu.Unlock()

	for id, h := range handles {
		if err := h.Shutdown(ctx); err != nil && !errors.Is(err, experiment.ErrStopped) {
			log.Printf("repository: shutting down %s: %v", id, err)
		}
	}
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing state store: %w", err)
	}
	r.updateGauge()
	return nil
}

// ShutdownAll stops every actor (final checkpoints included) without
// touching the persisted snapshots. Used on process shutdown.
func (r *Repository) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.experiments
	r.experiments = make(map[uuid.UUID]*experiment.Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *experiment.Handle) {
			defer wg.Done()
			if err := h.Shutdown(ctx); err != nil && !errors.Is(err, experiment.ErrStopped) {
				log.Printf("repository: shutting down %s: %v", h.ID(), err)
			}
		}(h)
	}
	wg.Wait()
	r.updateGauge()
}

// dropDegraded unregisters an experiment whose supervisor gave up on it.
// Operator intervention (delete and re-create, or a restart once the
// snapshot is repaired) brings it back.
func (r *Repository) dropDegraded(id uuid.UUID) {
	r.mu.Lock()
	delete(r.experiments, id)
	r.mu.Unlock()
	log.Printf("repository: experiment %s removed as degraded", id)
	r.updateGauge()
}

func (r *Repository) updateGauge() {
	if r.met == nil {
		return
	}
	r.mu.RLock()
	n := len(r.experiments)
	r.mu.RUnlock()
	r.met.ExperimentsLive.Set(float64(n))
}
