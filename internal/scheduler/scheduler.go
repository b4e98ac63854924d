// Package scheduler drives the ingest daemon's two periodic jobs: a
// sources.txt mtime poll that triggers a hot reload, and a cache/pool
// statistics snapshot log. The statistics snapshot runs on a cron.Cron
// instance; the sources.txt poll runs in its own ticker goroutine.
package scheduler

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ReloadFunc reads the sources file and applies it, returning an error
// if the read failed. It is called on the poll's own goroutine, never
// concurrently with itself.
type ReloadFunc func() error

// SnapshotFunc logs (or otherwise reports) one point-in-time
// statistics snapshot.
type SnapshotFunc func()

// Scheduler owns a cron.Cron instance plus a separate mtime-poll ticker
// for the sources file, since reload cadence is driven by wall-clock
// polling rather than a cron expression.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu          sync.Mutex
	stopPoll    chan struct{}
	pollWG      sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin running jobs.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// AddStatsSnapshot registers a cron-scheduled statistics snapshot job.
// expr is a standard 6-field (seconds-enabled) cron expression.
func (s *Scheduler) AddStatsSnapshot(expr string, fn SnapshotFunc) error {
	_, err := s.cron.AddFunc(expr, func() {
		fn()
	})
	return err
}

// WatchSourcesFile polls path's mtime every interval and calls reload
// whenever it changes, plus once immediately on startup. It runs on its
// own goroutine until Stop is called.
func (s *Scheduler) WatchSourcesFile(path string, interval time.Duration, reload ReloadFunc) {
	s.mu.Lock()
	if s.stopPoll == nil {
		s.stopPoll = make(chan struct{})
	}
	stop := s.stopPoll
	s.mu.Unlock()

	s.pollWG.Add(1)
	go func() {
		defer s.pollWG.Done()

		var lastMod time.Time
		if err := reload(); err != nil {
			s.logger.Error("initial sources load failed", slog.String("path", path), slog.Any("error", err))
		}
		if info, err := os.Stat(path); err == nil {
			lastMod = info.ModTime()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					s.logger.Warn("sources file stat failed", slog.String("path", path), slog.Any("error", err))
					continue
				}
				if info.ModTime().Equal(lastMod) {
					continue
				}
				lastMod = info.ModTime()
				s.logger.Info("sources file changed, reloading", slog.String("path", path))
				if err := reload(); err != nil {
					s.logger.Error("sources reload failed", slog.String("path", path), slog.Any("error", err))
				}
			}
		}
	}()
}

// Start launches the cron scheduler's own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron scheduler and the sources-file poll, waiting for
// both to exit.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	stop := s.stopPoll
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.pollWG.Wait()
}
