package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultCleanupSchedule runs retention cleanup at the top of every hour
const DefaultCleanupSchedule = "0 * * * *"

// DefaultRetention is how long terminal job records are kept
const DefaultRetention = 24 * time.Hour

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable cleanup schedule
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Sweeper periodically deletes expired job records
type Sweeper struct {
	manager   *Manager
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewSweeper creates a sweeper. Empty schedule and non-positive retention
// fall back to the defaults.
func NewSweeper(manager *Manager, schedule string, retention time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s := &Sweeper{
		manager:   manager,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(cron.WithParser(scheduleParser)),
		logger:    logger.With().Str("component", "job-sweeper").Logger(),
	}

	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule job cleanup: %w", err)
	}

	return s, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Msg("Job sweeper started")
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep runs one cleanup pass
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := s.manager.Cleanup(ctx, s.retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("Job cleanup failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("Expired job records removed")
	}
}
