package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPruneAge is how long closed session records are kept
	DefaultPruneAge = 7 * 24 * time.Hour

	// DefaultPruneInterval is how often the pruner runs
	DefaultPruneInterval = 24 * time.Hour
)

// Pruner deletes closed session records and their transcripts once they
// are older than the prune age
type Pruner struct {
	store    *Store
	pruneAge time.Duration
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewPruner creates a pruner. Zero durations use the defaults.
func NewPruner(store *Store, pruneAge, interval time.Duration, logger zerolog.Logger) *Pruner {
	if pruneAge <= 0 {
		pruneAge = DefaultPruneAge
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	return &Pruner{
		store:    store,
		pruneAge: pruneAge,
		interval: interval,
		logger:   logger.With().Str("component", "session-pruner").Logger(),
	}
}

// Start runs a prune immediately and then on every interval
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pruner is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	go p.run(p.stopCh)

	p.logger.Info().
		Dur("prune_age", p.pruneAge).
		Dur("interval", p.interval).
		Msg("Session pruner started")

	return nil
}

// Stop halts the pruner
func (p *Pruner) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("pruner is not running")
	}
	close(p.stopCh)
	p.running = false

	p.logger.Info().Msg("Session pruner stopped")
	return nil
}

// IsRunning reports whether the pruner loop is active
func (p *Pruner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pruner) run(stopCh chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if _, err := p.PruneNow(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to prune sessions")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := p.PruneNow(); err != nil {
				p.logger.Error().Err(err).Msg("Failed to prune sessions")
			}
		case <-stopCh:
			return
		}
	}
}

// PruneNow deletes expired closed records and returns how many it removed
func (p *Pruner) PruneNow() (int, error) {
	records, err := p.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := time.Now().Add(-p.pruneAge)
	deleted := 0
	for _, rec := range records {
		if rec.Status != StatusClosed || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := p.store.Delete(rec.ID); err != nil {
			p.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to delete session")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		p.logger.Info().
			Int("deleted", deleted).
			Dur("prune_age", p.pruneAge).
			Msg("Closed sessions pruned")
	}
	return deleted, nil
}
