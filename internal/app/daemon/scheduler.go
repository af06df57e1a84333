package daemon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler provides a mechanism to execute a callback function repeatedly at a specified interval.
type Scheduler struct {
	settings schedulerSettings
	ticker   *time.Ticker  // Internal ticker for managing timed events.
	quit     chan struct{} // Channel for signaling termination.
	done     chan struct{} // Closed once the schedule loop returned.
	stopOnce sync.Once
}

// Encapsulates the configuration options for a Scheduler.
type schedulerSettings struct {
	Callback        func(context.Context) // Function to be executed at each interval.
	Interval        time.Duration         // Duration between callback executions.
	LaunchInitially bool                  // Flag indicating whether to execute the callback immediately upon scheduling.
}

func (s *Scheduler) Schedule(settings schedulerSettings) error {
	return s.ScheduleWithCtx(context.Background(), settings)
}

// ScheduleWithCtx launches a Scheduler with the provided settings.
//
// Launches a time.Ticker that signals the execution of the callback function at regular intervals.
// Callbacks never overlap: a tick arriving while the callback runs is dropped.
// Returns an error only if invalid settings are provided (e.g., interval <= 0 or nil callback).
func (s *Scheduler) ScheduleWithCtx(ctx context.Context, settings schedulerSettings) error {
	if settings.Interval <= 0 {
		return errors.New("interval must be larger than 0")
	}
	if settings.Callback == nil {
		return errors.New("callback is nil")
	}
	if s.quit != nil {
		return errors.New("scheduler already started")
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.settings = settings
	go s.runSchedule(ctx)
	return nil
}

func (s *Scheduler) runSchedule(ctx context.Context) {
	defer close(s.done)

	if s.settings.LaunchInitially {
		s.settings.Callback(ctx)
	}

	s.ticker = time.NewTicker(s.settings.Interval)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.ticker.C:
			s.settings.Callback(ctx)
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully terminates Scheduler, waiting for a running callback to
// return. It is safe to call more than once and before scheduling.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}

	s.stopOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}
