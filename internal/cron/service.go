package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Service runs the periodic maintenance flush outside the engine's request
// path. The flush callback archives any buffered sessions that have aged
// past the raw-window threshold.
type Service struct {
	schedule string
	flush    func(ctx context.Context)

	mu       sync.Mutex
	cron     *rcron.Cron
	cancel   context.CancelFunc
	lastRun  time.Time
	runCount int
}

func NewService(schedule string, flush func(ctx context.Context)) *Service {
	return &Service{schedule: schedule, flush: flush}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		cancel()
		return fmt.Errorf("maintenance service already started")
	}
	s.cancel = cancel

	s.cron = rcron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.execute(runCtx)
	}); err != nil {
		s.cron = nil
		cancel()
		return fmt.Errorf("register flush schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	log.Printf("[cron] maintenance flush scheduled: %s", s.schedule)
	return nil
}

func (s *Service) execute(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.flush == nil {
		return
	}

	log.Printf("[cron] running maintenance flush")
	s.flush(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.runCount++
	s.mu.Unlock()
}

// Stats reports the last flush time and total run count.
func (s *Service) Stats() (lastRun time.Time, runs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.runCount
}

func (s *Service) Stop() {
	s.mu.Lock()
	cron := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cron != nil {
		stopCtx := cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running flush")
		}
	}
	log.Printf("[cron] stopped")
}
