package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"statement-reconciliation-service/pkg/logger"
)

// Scheduler refreshes every registered tenant on a fixed interval.
type Scheduler struct {
	cron     *cron.Cron
	sync     *SyncService
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	tenants map[string]struct{}
}

// NewScheduler creates a Scheduler refreshing through svc every interval.
func NewScheduler(svc *SyncService, interval time.Duration, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sync:     svc,
		interval: interval,
		timeout:  10 * time.Minute,
		logger:   log.WithComponent("ledger-scheduler"),
		tenants:  make(map[string]struct{}),
	}
}

// Register adds tenantID to the refresh set.
func (s *Scheduler) Register(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = struct{}{}
}

// Unregister removes tenantID from the refresh set.
func (s *Scheduler) Unregister(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
}

// Tenants lists the registered tenants in order.
func (s *Scheduler) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Spec is the cron expression the scheduler runs on.
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("@every %s", s.interval)
}

// Start schedules the refresh job and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.Spec(), s.refresh); err != nil {
		return fmt.Errorf("failed to schedule ledger refresh: %w", err)
	}
	s.cron.Start()
	s.logger.WithFields(logger.Fields{
		"spec":    s.Spec(),
		"tenants": len(s.Tenants()),
	}).Info("Ledger scheduler started")
	return nil
}

// Stop stops the runner. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Ledger scheduler stopping")
	return s.cron.Stop()
}

func (s *Scheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunNow(ctx)
}

// RunNow syncs every registered tenant once, one after another. It returns
// the number of tenants that synced without error.
func (s *Scheduler) RunNow(ctx context.Context) int {
	synced := 0
	for _, tenant := range s.Tenants() {
		if ctx.Err() != nil {
			break
		}
		log := s.logger.WithField("tenant_id", tenant)
		_, err := s.sync.Sync(ctx, tenant, SyncOptions{})
		switch {
		case err == nil:
			synced++
		case IsSyncInProgress(err):
			log.Debug("Sync already running, skipping")
		default:
			log.WithError(err).Warn("Scheduled ledger sync failed")
		}
	}
	return synced
}
