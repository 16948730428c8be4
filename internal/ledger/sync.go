package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"statement-reconciliation-service/internal/metrics"
	"statement-reconciliation-service/internal/models"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// SyncConfig tunes the sync service.
type SyncConfig struct {
	// Staleness is how long a ready resource is trusted before a delta sync.
	Staleness time.Duration `mapstructure:"staleness" json:"staleness"`
	// RateLimit is the sustained ledger request rate per second.
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"`
	Burst     int     `mapstructure:"burst" json:"burst"`
	PageSize  int     `mapstructure:"page_size" json:"page_size"`
	// RefreshInterval drives the background scheduler.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" json:"refresh_interval"`
}

// DefaultSyncConfig returns the standard sync settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Staleness:       5 * time.Minute,
		RateLimit:       5,
		Burst:           5,
		PageSize:        100,
		RefreshInterval: 5 * time.Minute,
	}
}

// Validate checks the settings.
func (c SyncConfig) Validate() error {
	if c.Staleness < 0 {
		return fmt.Errorf("staleness cannot be negative: %s", c.Staleness)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive: %f", c.RateLimit)
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1: %d", c.Burst)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be at least 1: %d", c.PageSize)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive: %s", c.RefreshInterval)
	}
	return nil
}

// SyncMode is how one resource was refreshed.
type SyncMode string

const (
	ModeFull    SyncMode = "full"
	ModeDelta   SyncMode = "delta"
	ModeSkipped SyncMode = "skipped"
)

// SyncOptions controls one sync request.
type SyncOptions struct {
	// ForceFull refetches everything and cancels a sync already running.
	ForceFull bool
}

// ResourceOutcome reports one resource of a sync.
type ResourceOutcome struct {
	Mode    SyncMode `json:"mode"`
	Fetched int      `json:"fetched"`
	Cached  int      `json:"cached"`
	Error   string   `json:"error,omitempty"`
}

// SyncResult reports a finished tenant sync.
type SyncResult struct {
	TenantID  string                              `json:"tenant_id"`
	Resources map[models.Resource]ResourceOutcome `json:"resources"`
	Duration  time.Duration                       `json:"duration"`
}

type tenantRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SyncService refreshes tenant ledgers into the cache. At most one sync
// runs per tenant.
type SyncService struct {
	fetcher Fetcher
	cache   *Cache
	limiter *rate.Limiter
	config  SyncConfig
	metrics *metrics.Metrics
	logger  logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]*tenantRun
}

// NewSyncService creates a SyncService. m may be nil.
func NewSyncService(fetcher Fetcher, cache *Cache, config SyncConfig, m *metrics.Metrics, log logger.Logger) *SyncService {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &SyncService{
		fetcher: fetcher,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		config:  config,
		metrics: m,
		logger:  log.WithComponent("ledger-sync"),
		now:     time.Now,
		running: make(map[string]*tenantRun),
	}
}

// Cache returns the cache the service writes to.
func (s *SyncService) Cache() *Cache {
	return s.cache
}

// IsSyncing reports whether a sync is running for tenantID.
func (s *SyncService) IsSyncing(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[tenantID]
	return ok
}

// Status returns the coarse tenant status and its persisted state.
func (s *SyncService) Status(ctx context.Context, tenantID string) (models.TenantStatus, *TenantState, error) {
	st, err := s.cache.LoadState(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	if s.IsSyncing(tenantID) {
		return models.TenantLoading, st, nil
	}
	return st.Status(), st, nil
}

// acquire registers a run for tenantID. When one is already running a
// normal request gets a sync-in-progress error; a forced one cancels it and
// waits for it to stop.
func (s *SyncService) acquire(ctx context.Context, tenantID string, force bool) (context.Context, func(), error) {
	for {
		s.mu.Lock()
		current, busy := s.running[tenantID]
		if !busy {
			runCtx, cancel := context.WithCancel(ctx)
			run := &tenantRun{cancel: cancel, done: make(chan struct{})}
			s.running[tenantID] = run
			s.mu.Unlock()

			release := func() {
				cancel()
				s.mu.Lock()
				if s.running[tenantID] == run {
					delete(s.running, tenantID)
				}
				s.mu.Unlock()
				close(run.done)
			}
			return runCtx, release, nil
		}
		s.mu.Unlock()

		if !force {
			return nil, nil, apperrors.LedgerError(apperrors.CodeSyncInProgress, tenantID, "", nil)
		}

		s.logger.WithField("tenant_id", tenantID).Info("Cancelling running sync for a full refresh")
		current.cancel()
		select {
		case <-current.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Sync refreshes every resource of tenantID concurrently. Fresh resources
// are skipped, stale ones fetch changes since their newest record and empty
// or failed ones are fetched in full. Resource failures are recorded in the
// state and joined into the returned error; the result is always filled.
func (s *SyncService) Sync(ctx context.Context, tenantID string, opts SyncOptions) (*SyncResult, error) {
	runCtx, release, err := s.acquire(ctx, tenantID, opts.ForceFull)
	if err != nil {
		return nil, err
	}
	defer release()

	started := s.now()
	log := s.logger.WithFields(logger.Fields{
		"tenant_id":  tenantID,
		"force_full": opts.ForceFull,
	})

	state, err := s.cache.LoadState(runCtx, tenantID)
	if err != nil {
		return nil, apperrors.LedgerError(apperrors.CodeLedgerFetchFailed, tenantID, "state", err)
	}

	result := &SyncResult{TenantID: tenantID, Resources: make(map[models.Resource]ResourceOutcome, len(models.Resources))}
	var mu sync.Mutex

	plans := make(map[models.Resource]SyncMode, len(models.Resources))
	for _, r := range models.Resources {
		rs := state.Resource(r)
		mode := s.plan(rs, opts.ForceFull, started)
		plans[r] = mode
		if mode == ModeSkipped {
			result.Resources[r] = ResourceOutcome{Mode: ModeSkipped, Cached: rs.SyncedCount}
			continue
		}
		rs.Status = models.SyncSyncing
		rs.Error = ""
	}
	s.saveState(runCtx, state, &mu, log)

	p := pool.New().WithMaxGoroutines(len(models.Resources)).WithContext(runCtx)
	for _, r := range models.Resources {
		r := r
		mode := plans[r]
		if mode == ModeSkipped {
			continue
		}
		p.Go(func(ctx context.Context) error {
			mu.Lock()
			since := state.Resource(r).LastUpdatedUTC
			mu.Unlock()

			outcome, latest, err := s.syncResource(ctx, tenantID, r, mode, since)

			mu.Lock()
			rs := state.Resource(r)
			if err != nil {
				rs.Status = models.SyncError
				rs.Error = err.Error()
				outcome.Error = err.Error()
			} else {
				rs.Status = models.SyncReady
				rs.SyncedCount = outcome.Cached
				rs.TotalCount = outcome.Cached
				rs.LastSyncedAt = s.now()
				if latest.After(rs.LastUpdatedUTC) {
					rs.LastUpdatedUTC = latest
				}
			}
			result.Resources[r] = outcome
			mu.Unlock()

			if err != nil {
				s.metrics.LedgerSync(string(r), string(mode), "error")
				return apperrors.LedgerError(apperrors.CodeLedgerFetchFailed, tenantID, string(r), err)
			}
			s.metrics.LedgerSync(string(r), string(mode), "success")
			s.metrics.LedgerCached(tenantID, string(r), outcome.Cached)
			return nil
		})
	}
	syncErr := p.Wait()

	// the run context may be cancelled by a forced sync; the state still
	// has to land
	s.saveState(context.WithoutCancel(runCtx), state, &mu, log)

	result.Duration = s.now().Sub(started)
	s.metrics.LedgerSyncFinished(tenantID, result.Duration)

	if syncErr != nil {
		log.WithError(syncErr).Warn("Ledger sync finished with errors")
		return result, syncErr
	}
	log.WithField("duration", result.Duration.String()).Info("Ledger sync finished")
	return result, nil
}

func (s *SyncService) plan(rs *models.ResourceSyncState, force bool, now time.Time) SyncMode {
	switch {
	case force:
		return ModeFull
	case rs.Status != models.SyncReady || rs.LastSyncedAt.IsZero():
		return ModeFull
	case now.Sub(rs.LastSyncedAt) < s.config.Staleness:
		return ModeSkipped
	default:
		return ModeDelta
	}
}

func (s *SyncService) saveState(ctx context.Context, state *TenantState, mu *sync.Mutex, log logger.Logger) {
	mu.Lock()
	state.UpdatedAt = s.now()
	snapshot := state.clone()
	mu.Unlock()
	if err := s.cache.SaveState(ctx, snapshot); err != nil {
		log.WithError(err).Warn("Failed to persist ledger sync state")
	}
}

// syncResource fetches every page of r and writes the merged collection.
func (s *SyncService) syncResource(ctx context.Context, tenantID string, r models.Resource, mode SyncMode, since time.Time) (ResourceOutcome, time.Time, error) {
	outcome := ResourceOutcome{Mode: mode}
	q := PageQuery{Page: 1, PageSize: s.config.PageSize}
	if mode == ModeDelta {
		q.ModifiedSince = since
	}

	fetched := &batch{}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return outcome, time.Time{}, err
		}
		page, err := s.fetcher.FetchPage(ctx, tenantID, r, q)
		if err != nil {
			return outcome, time.Time{}, fmt.Errorf("page %d: %w", q.Page, err)
		}
		fetched.add(page)
		if !page.HasMore {
			break
		}
		q.Page++
	}
	outcome.Fetched = fetched.len()

	final := fetched
	if mode == ModeDelta {
		existing, err := s.cache.loadBatch(ctx, tenantID, r)
		if err != nil {
			return outcome, time.Time{}, err
		}
		final = merge(existing, fetched)
	}

	if err := s.cache.saveBatch(ctx, tenantID, r, final); err != nil {
		return outcome, time.Time{}, err
	}
	outcome.Cached = final.len()

	s.logger.WithFields(logger.Fields{
		"tenant_id": tenantID,
		"resource":  r,
		"mode":      mode,
		"fetched":   outcome.Fetched,
		"cached":    outcome.Cached,
	}).Debug("Resource synced")
	return outcome, fetched.latest(), nil
}

// IsSyncInProgress reports whether err is the in-progress rejection.
func IsSyncInProgress(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeSyncInProgress)
}

// IsCancelled reports whether err comes from a cancelled sync.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
