// Package maintenance runs the background housekeeping jobs: pruning
// old audit records and refreshing provider health.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/halden/quarterdeck/internal/audit"
	"github.com/halden/quarterdeck/pkg/provider"
)

// Options configures the scheduled jobs. Zero values fall back to
// sensible schedules.
type Options struct {
	// AuditRetention bounds how long audit rows are kept
	AuditRetention time.Duration
	// PruneSchedule is a cron expression for the audit prune job
	PruneSchedule string
	// HealthSchedule is a cron expression for the provider health job
	HealthSchedule string
}

// Scheduler owns the cron runner and its registered jobs
type Scheduler struct {
	cron      *cron.Cron
	auditor   *audit.Store
	providers *provider.Supervisor
	opts      Options
}

// NewScheduler creates a maintenance scheduler; either collaborator
// may be nil, which skips its jobs
func NewScheduler(auditor *audit.Store, providers *provider.Supervisor, opts Options) (*Scheduler, error) {
	if opts.AuditRetention <= 0 {
		opts.AuditRetention = 30 * 24 * time.Hour
	}
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = "@daily"
	}
	if opts.HealthSchedule == "" {
		opts.HealthSchedule = "@every 1m"
	}

	s := &Scheduler{
		cron:      cron.New(),
		auditor:   auditor,
		providers: providers,
		opts:      opts,
	}

	if auditor != nil {
		if _, err := s.cron.AddFunc(opts.PruneSchedule, s.pruneAudit); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", opts.PruneSchedule, err)
		}
	}
	if providers != nil {
		if _, err := s.cron.AddFunc(opts.HealthSchedule, s.refreshProviderHealth); err != nil {
			return nil, fmt.Errorf("invalid health schedule %q: %w", opts.HealthSchedule, err)
		}
	}

	return s, nil
}

// Start begins running the scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().
		Str("prune", s.opts.PruneSchedule).
		Str("health", s.opts.HealthSchedule).
		Msg("Maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) pruneAudit() {
	removed, err := s.auditor.Prune(s.opts.AuditRetention)
	if err != nil {
		log.Error().Err(err).Msg("Audit prune failed")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Pruned audit records")
	}
}

// refreshProviderHealth walks the provider list so status probes stay
// warm and degraded providers get logged
func (s *Scheduler) refreshProviderHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, info := range s.providers.ListAll(ctx) {
		if info.Status == provider.StatusError {
			log.Warn().Str("provider", info.Name).Msg("Provider is unhealthy")
		}
	}
}
