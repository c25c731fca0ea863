package cache

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
)

// StartCleanup runs Cleanup now and then every CleanupInterval until
// StopCleanup. Runs never overlap, and calling it again while running
// keeps the existing schedule.
func (m *Manager) StartCleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create cleanup scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.opts.CleanupInterval),
		gocron.NewTask(m.sweep),
		gocron.WithName("cache-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.Start()
	m.scheduler = s

	m.log.Info().Dur("interval", m.opts.CleanupInterval).Msg("cache cleanup started")
	return nil
}

// StopCleanup stops the sweeper. It is a no-op when nothing is running.
func (m *Manager) StopCleanup() error {
	m.mu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("stop cleanup scheduler: %w", err)
	}
	m.log.Info().Msg("cache cleanup stopped")
	return nil
}

// CleanupRunning reports whether the sweeper is scheduled.
func (m *Manager) CleanupRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduler != nil
}

func (m *Manager) sweep() {
	n := m.Cleanup(context.Background())
	if n > 0 {
		m.log.Info().Int("deleted", n).Msg("cache cleanup removed expired entries")
	}
}
