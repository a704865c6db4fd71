package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultRetention = 30 * 24 * time.Hour

// Sweeper deletes stale sessions on a cron schedule.
type Sweeper struct {
	store    Store
	age      time.Duration
	schedule string
	cron     *cron.Cron
	entry    cron.EntryID
}

// NewSweeper builds a sweeper. age <= 0 falls back to DefaultRetention;
// schedule is a standard five-field cron expression.
func NewSweeper(store Store, age time.Duration, schedule string) *Sweeper {
	if age <= 0 {
		age = DefaultRetention
	}
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	return &Sweeper{store: store, age: age, schedule: schedule}
}

// Start registers the cron job and runs one sweep immediately.
func (sw *Sweeper) Start() error {
	if sw.cron != nil {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	entry, err := c.AddFunc(sw.schedule, func() {
		if err := sw.SweepNow(context.Background()); err != nil {
			log.Error().Err(err).Msg("Session retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", sw.schedule, err)
	}
	sw.cron = c
	sw.entry = entry
	c.Start()

	log.Info().
		Dur("retention", sw.age).
		Str("schedule", sw.schedule).
		Msg("Session retention sweeper started")

	go func() {
		if err := sw.SweepNow(context.Background()); err != nil {
			log.Error().Err(err).Msg("Initial retention sweep failed")
		}
	}()
	return nil
}

// Stop halts the cron scheduler, waiting for a running sweep.
func (sw *Sweeper) Stop() {
	if sw.cron == nil {
		return
	}
	<-sw.cron.Stop().Done()
	sw.cron = nil
	log.Info().Msg("Session retention sweeper stopped")
}

// SweepNow deletes sessions older than the retention age.
func (sw *Sweeper) SweepNow(ctx context.Context) error {
	deleted, err := sw.store.DeleteOlderThan(ctx, sw.age)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Swept expired sessions")
	}
	return nil
}
