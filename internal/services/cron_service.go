package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronSchedule holds the cron specs of the maintenance jobs (with seconds field)
type CronSchedule struct {
	PendingExpiry string // e.g. "0 */5 * * * *" = every 5 minutes
	StatusRefresh string // e.g. "0 5 0 * * *" = daily at 00:05
}

// CronService manages scheduled background jobs
type CronService struct {
	cron      *cron.Cron
	lifecycle *BookingLifecycleService
	schedule  CronSchedule
	timeout   time.Duration
	logger    *logrus.Logger
}

// NewCronService creates a new CronService
func NewCronService(lifecycle *BookingLifecycleService, schedule CronSchedule, logger *logrus.Logger) *CronService {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	return &CronService{
		cron:      c,
		lifecycle: lifecycle,
		schedule:  schedule,
		timeout:   2 * time.Minute,
		logger:    logger,
	}
}

// Start schedules the jobs and starts the scheduler
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	if _, err := s.cron.AddFunc(s.schedule.PendingExpiry, s.expirePendingJob); err != nil {
		return fmt.Errorf("failed to schedule pending expiry job: %w", err)
	}
	s.logger.WithField("schedule", s.schedule.PendingExpiry).Info("Scheduled: expire stale pending bookings")

	if _, err := s.cron.AddFunc(s.schedule.StatusRefresh, s.refreshStatusesJob); err != nil {
		return fmt.Errorf("failed to schedule status refresh job: %w", err)
	}
	s.logger.WithField("schedule", s.schedule.StatusRefresh).Info("Scheduled: refresh listing statuses")

	s.cron.Start()
	s.logger.Info("Cron service started")

	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

// expirePendingJob cancels Pending bookings older than the TTL
func (s *CronService) expirePendingJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	startTime := time.Now()
	expired, err := s.lifecycle.ExpireStalePending(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to expire pending bookings")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"expired":  expired,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] Pending expiry finished")
}

// refreshStatusesJob moves listings whose rentals ended back to Available
func (s *CronService) refreshStatusesJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	startTime := time.Now()
	changed, err := s.lifecycle.RefreshListingStatuses(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Failed to refresh listing statuses")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"changed":  changed,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] Listing status refresh finished")
}

// RunExpiryNow runs the pending expiry job immediately
func (s *CronService) RunExpiryNow() {
	s.logger.Info("[MANUAL] Running pending expiry now...")
	s.expirePendingJob()
}

// RunStatusRefreshNow runs the listing status refresh job immediately
func (s *CronService) RunStatusRefreshNow() {
	s.logger.Info("[MANUAL] Running listing status refresh now...")
	s.refreshStatusesJob()
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
