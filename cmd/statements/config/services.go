package config

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"statement-reconciliation-service/internal/canonical"
	"statement-reconciliation-service/internal/headers"
	"statement-reconciliation-service/internal/ledger"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/metrics"
	"statement-reconciliation-service/internal/ocr"
	"statement-reconciliation-service/internal/pipeline"
	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// Services is the wired application.
type Services struct {
	Config    *AppConfig
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Configs   storage.ConfigStore
	Items     storage.ItemStore
	Objects   storage.ObjectStore
	Processor *pipeline.Processor
	Cache     *ledger.Cache
	// Sync is nil when no ledger base URL is configured.
	Sync    *ledger.SyncService
	Matcher *matcher.MatchingEngine

	closers []func()
}

// NewServices opens the stores selected by cfg and builds every service on
// top of them. Close releases what was opened.
func NewServices(ctx context.Context, cfg *AppConfig, log logger.Logger) (*Services, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	svc := &Services{Config: cfg, Registry: prometheus.NewRegistry()}

	svc.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(svc.Registry)
	if err != nil {
		return nil, apperrors.InternalError(apperrors.CodeUnexpectedError, "register metrics", err)
	}
	svc.Metrics = m

	if err := svc.openStores(ctx, cfg); err != nil {
		svc.Close()
		return nil, err
	}

	deps := pipeline.Deps{
		Bucket:        cfg.Storage.Bucket,
		Canonicalizer: canonical.New(headers.NewDiscoverer(svc.Configs, log), log),
		Configs:       svc.Configs,
		Items:         svc.Items,
		Objects:       svc.Objects,
		Metrics:       svc.Metrics,
	}

	// Textract reads documents from S3, so OCR is only available with s3 objects.
	if cfg.Storage.Objects == ObjectsS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			svc.Close()
			return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "aws.region", cfg.AWS.Region, err).
				WithSuggestion("Check AWS credentials and region")
		}
		deps.Analyzer = ocr.NewAnalyzer(textract.NewFromConfig(awsCfg), cfg.PollConfig(), log)
	} else {
		log.WithField("objects", cfg.Storage.Objects).Debug("OCR disabled: statements need pre-extracted grids")
	}

	svc.Processor, err = pipeline.NewProcessor(deps, cfg.PipelineOptions(), log)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.Cache = ledger.NewCache(svc.Objects)
	if cfg.Ledger.BaseURL != "" {
		fetcher := ledger.NewHTTPFetcher(cfg.Ledger.BaseURL, cfg.Ledger.Token, cfg.Ledger.Timeout)
		svc.Sync = ledger.NewSyncService(fetcher, svc.Cache, cfg.Ledger.SyncConfig, svc.Metrics, log)
	}

	svc.Matcher = matcher.NewMatchingEngine(matcher.DefaultMatchingConfig(), log)

	log.WithFields(logger.Fields{
		"driver":  cfg.Storage.Driver,
		"objects": cfg.Storage.Objects,
		"ocr":     deps.Analyzer != nil,
		"ledger":  svc.Sync != nil,
	}).Debug("Services initialized")

	return svc, nil
}

func (s *Services) openStores(ctx context.Context, cfg *AppConfig) error {
	switch cfg.Storage.Driver {
	case DriverMemory:
		mem := storage.NewMemoryStore()
		s.Configs, s.Items = mem, mem
	case DriverSQLite:
		db, err := storage.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "open sqlite", cfg.Storage.DSN, err)
		}
		s.Configs, s.Items = db, db
		s.closers = append(s.closers, func() { db.Close() })
	case DriverPostgres:
		pg, closeFn, err := storage.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "open postgres", "postgres", err)
		}
		s.Configs, s.Items = pg, pg
		s.closers = append(s.closers, closeFn)
	default:
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "storage.driver", cfg.Storage.Driver, nil)
	}

	switch cfg.Storage.Objects {
	case ObjectsMemory:
		s.Objects = storage.NewMemoryObjectStore()
	case ObjectsLocal:
		local, err := storage.NewLocalObjectStore(cfg.Storage.Root)
		if err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "open object store", cfg.Storage.Root, err)
		}
		s.Objects = local
	case ObjectsS3:
		s3Store, err := storage.NewS3ObjectStoreFromConfig(ctx, cfg.AWS.Region, cfg.Storage.Bucket, cfg.Storage.Endpoint)
		if err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "open object store", cfg.Storage.Bucket, err)
		}
		s.Objects = s3Store
	default:
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "storage.objects", cfg.Storage.Objects, nil)
	}
	return nil
}

// RequireSync returns the sync service or a configuration error when the
// ledger is not configured.
func (s *Services) RequireSync() (*ledger.SyncService, error) {
	if s.Sync == nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeMissingConfig, "ledger.base_url", "", fmt.Errorf("ledger sync is not configured")).
			WithSuggestion("Set ledger.base_url or STATEMENTS_LEDGER_BASE_URL")
	}
	return s.Sync, nil
}

// Close releases the stores in reverse order.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
