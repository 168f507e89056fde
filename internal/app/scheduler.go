/**
 * @description
 * Cron-driven expiry sweep. Pending transfers whose stored approval deadline
 * has passed are moved to the terminal Expired state on a fixed schedule; the
 * same stored deadline also drives the lazy check applied whenever a transfer
 * is touched, so the two paths can never disagree.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: job scheduling.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpiryScheduler manages the periodic expiry sweep.
type ExpiryScheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewExpiryScheduler creates a scheduler running the sweep on the given cron
// schedule (e.g. "@every 1m").
func NewExpiryScheduler(service *Service, schedule string) *ExpiryScheduler {
	return &ExpiryScheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		service:  service,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *ExpiryScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	s.cron.Start()
	log.Printf("level=info component=scheduler msg=\"expiry sweep scheduled\" schedule=%q", s.schedule)
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running sweep.
func (s *ExpiryScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *ExpiryScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.service.ExpireOverdueTransfers(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"expiry sweep failed\" err=%v", err)
	}
}
