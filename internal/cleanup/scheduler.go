// Package cleanup reclaims disk space held by expired asset namespaces.
// A scheduler fires once daily at a configured wall-clock time, deletes
// namespaces whose age exceeds the retention threshold, and exposes its
// state to the API layer.
package cleanup

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/assets"
	"github.com/YorkUITInnovation/markitdown-api/internal/config"
)

// lockFilename sits inside the images directory so every process pointed
// at the same store contends on the same lock.
const lockFilename = ".cleanup.lock"

// DeletedNamespace records one namespace removed during a run.
type DeletedNamespace struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// NamespaceError records one namespace whose deletion failed. The
// namespace stays on disk and is retried on the next fire.
type NamespaceError struct {
	Namespace string `json:"namespace"`
	Error     string `json:"error"`
}

// Run is the record of one cleanup pass. Only the most recent run is
// kept, in memory only.
type Run struct {
	Start      time.Time          `json:"start"`
	Deleted    []DeletedNamespace `json:"deleted"`
	BytesFreed int64              `json:"bytes_freed"`
	Errors     []NamespaceError   `json:"errors,omitempty"`
}

// Status is the scheduler state reported by the cleanup status endpoint.
// NextCleanup is computed from the wall clock on every call.
type Status struct {
	Running         bool      `json:"running"`
	CleanupDays     int       `json:"cleanup_days"`
	CleanupTime     string    `json:"cleanup_time"`
	NextCleanup     time.Time `json:"next_cleanup"`
	ImagesDirectory string    `json:"images_directory"`
}

// Scheduler deletes expired namespaces once daily. At most one run is in
// progress at any time; a fire that lands while a run is still going is
// logged and skipped, as is any fire time the process slept through.
type Scheduler struct {
	store     *assets.Store
	logger    *logrus.Logger
	days      int
	fireTime  string
	hour      int
	minute    int
	imagesDir string

	running atomic.Bool
	started atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	lastRun *Run
}

// NewScheduler builds an idle scheduler. An unparseable cleanup time is
// logged and replaced with the default rather than refusing to start.
func NewScheduler(cfg *config.Config, store *assets.Store, logger *logrus.Logger) *Scheduler {
	fireTime := cfg.CleanupTime
	hour, minute, err := ParseFireTime(fireTime)
	if err != nil {
		logger.WithError(err).WithField("value", cfg.CleanupTime).Warn("Invalid cleanup time, using default")
		fireTime = config.DefaultCleanupTime
		hour, minute, _ = ParseFireTime(fireTime)
	}

	return &Scheduler{
		store:     store,
		logger:    logger,
		days:      cfg.CleanupDays,
		fireTime:  fireTime,
		hour:      hour,
		minute:    minute,
		imagesDir: cfg.ImagesDir,
		done:      make(chan struct{}),
	}
}

// Start launches the scheduler loop: an initial sweep right away, then a
// fire at every daily occurrence of the configured time until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop blocks until the scheduler loop has exited. It returns immediately
// if Start was never called.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.fire(ctx)

	for {
		next := nextFire(time.Now(), s.hour, s.minute)
		s.logger.WithField("next_cleanup", next.Format(time.RFC3339)).Debug("Cleanup scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Debug("Cleanup scheduler stopped")
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

// fire transitions Idle → Running for one sweep. Overlapping fires are
// skipped rather than queued.
func (s *Scheduler) fire(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Cleanup fired while previous run still in progress, skipping")
		return
	}
	defer s.running.Store(false)

	run := s.sweep(ctx)

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
}

// sweep scans the store and deletes every namespace whose age, measured
// from its last write, strictly exceeds the retention threshold. One
// namespace failing to delete is recorded and does not stop the scan.
func (s *Scheduler) sweep(ctx context.Context) *Run {
	run := &Run{Start: time.Now(), Deleted: []DeletedNamespace{}}

	lock := flock.New(filepath.Join(s.imagesDir, lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		s.logger.WithError(err).Warn("Could not acquire cleanup lock")
		run.Errors = append(run.Errors, NamespaceError{Namespace: lockFilename, Error: err.Error()})
		return run
	}
	if !locked {
		s.logger.Info("Cleanup lock held by another process, skipping run")
		return run
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.WithError(err).Warn("Failed to release cleanup lock")
		}
	}()

	namespaces, err := s.store.ListNamespaces()
	if err != nil {
		s.logger.WithError(err).Error("Cleanup scan failed")
		run.Errors = append(run.Errors, NamespaceError{Namespace: s.imagesDir, Error: err.Error()})
		return run
	}

	cutoff := run.Start.AddDate(0, 0, -s.days)
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			s.logger.Info("Cleanup interrupted by shutdown, remaining namespaces kept")
			break
		}
		if !expired(ns.LastWrite, cutoff) {
			continue
		}

		freed, err := s.store.DeleteNamespace(ns.Name)
		if err != nil {
			s.logger.WithError(err).WithField("namespace", ns.Name).Warn("Failed to delete expired namespace")
			run.Errors = append(run.Errors, NamespaceError{Namespace: ns.Name, Error: err.Error()})
			continue
		}

		run.Deleted = append(run.Deleted, DeletedNamespace{Name: ns.Name, Size: freed})
		run.BytesFreed += freed
	}

	s.logger.WithFields(logrus.Fields{
		"scanned":     len(namespaces),
		"deleted":     len(run.Deleted),
		"bytes_freed": run.BytesFreed,
		"errors":      len(run.Errors),
		"duration":    time.Since(run.Start).Round(time.Millisecond).String(),
	}).Info("Cleanup run finished")

	return run
}

// Status is non-blocking and safe to call while a run is in progress.
func (s *Scheduler) Status() Status {
	return Status{
		Running:         s.running.Load(),
		CleanupDays:     s.days,
		CleanupTime:     s.fireTime,
		NextCleanup:     nextFire(time.Now(), s.hour, s.minute),
		ImagesDirectory: s.imagesDir,
	}
}

// LastRun returns the most recent run record, or nil before the first
// sweep completes.
func (s *Scheduler) LastRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// expired reports whether a last-write time falls strictly before the
// cutoff. A namespace exactly at the threshold survives.
func expired(lastWrite, cutoff time.Time) bool {
	return lastWrite.Before(cutoff)
}

// nextFire returns the next occurrence of hour:minute after now. A fire
// landing exactly on now rolls to tomorrow.
func nextFire(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ParseFireTime parses a 24h "HH:MM" clock time.
func ParseFireTime(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cleanup time %q is not in HH:MM form", value)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("cleanup time %q has an invalid hour", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("cleanup time %q has an invalid minute", value)
	}

	return hour, minute, nil
}
