// Package pipeline runs a statement document through every processing stage.
//
// A run uploads the document, extracts its tables through OCR, maps them
// onto the contact's configuration and then runs the optional stages:
//   - reference validation against the document text
//   - anomaly flagging
//   - persistence of the items, header and canonical JSON
//
// Upload, OCR and canonicalization failures end the run. Failures of the
// optional stages are recorded in Result.StageErrors and never discard the
// extracted items.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"statement-reconciliation-service/internal/anomaly"
	"statement-reconciliation-service/internal/canonical"
	"statement-reconciliation-service/internal/document"
	"statement-reconciliation-service/internal/metrics"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/ocr"
	"statement-reconciliation-service/internal/storage"
	"statement-reconciliation-service/internal/validation"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// Text sources for reference validation.
const (
	TextSourceAuto = "auto"
	TextSourcePDF  = "pdf"
	TextSourceOCR  = "ocr"
)

// Analyzer runs OCR over a stored document.
type Analyzer interface {
	Analyze(ctx context.Context, doc ocr.DocumentLocation) (*ocr.Analysis, error)
}

// Options selects the optional stages.
type Options struct {
	Validate        bool            `json:"validate"`
	ValidationField string          `json:"validation_field"`
	TextSource      string          `json:"text_source"`
	DetectAnomalies bool            `json:"detect_anomalies"`
	Anomaly         anomaly.Options `json:"anomaly"`
	Persist         bool            `json:"persist"`
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{
		Validate:        true,
		ValidationField: models.FieldNumber,
		TextSource:      TextSourceAuto,
		DetectAnomalies: true,
		Anomaly:         anomaly.Options{Threshold: anomaly.DefaultThreshold},
		Persist:         true,
	}
}

// Request is one statement to process. PDF is uploaded when set; otherwise
// the document is read from its statement key. Grids skips OCR.
type Request struct {
	Key   models.StatementKey `json:"key"`
	PDF   []byte              `json:"-"`
	Grids []models.TableGrid  `json:"grids,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	Key         models.StatementKey          `json:"key"`
	JobID       string                       `json:"job_id,omitempty"`
	DocumentKey string                       `json:"document_key"`
	OutputKey   string                       `json:"output_key,omitempty"`
	Statement   *models.SupplierStatement    `json:"statement,omitempty"`
	StageErrors []*apperrors.StatementError  `json:"stage_errors,omitempty"`
	Durations   map[apperrors.Stage]Duration `json:"durations"`
	StartedAt   time.Time                    `json:"started_at"`
	Elapsed     Duration                     `json:"elapsed"`

	mu sync.Mutex
}

// Duration marshals as a Go duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (r *Result) recordError(err *apperrors.StatementError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StageErrors = append(r.StageErrors, err)
}

func (r *Result) recordDuration(stage apperrors.Stage, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Durations[stage] += Duration(d)
}

// HasStageError reports whether stage failed.
func (r *Result) HasStageError(stage apperrors.Stage) bool {
	for _, e := range r.StageErrors {
		if e.Stage == stage {
			return true
		}
	}
	return false
}

// Outcome is "success", "partial" when an optional stage failed, or
// "failed" when no statement was produced.
func (r *Result) Outcome() string {
	switch {
	case r.Statement == nil:
		return "failed"
	case len(r.StageErrors) > 0:
		return "partial"
	default:
		return "success"
	}
}

// totalSteps is the number of stages a run reports progress over.
const totalSteps = 6

// Progress describes where a run is.
type Progress struct {
	Key             models.StatementKey `json:"key"`
	CurrentStep     string              `json:"current_step"`
	CompletedSteps  int                 `json:"completed_steps"`
	TotalSteps      int                 `json:"total_steps"`
	PercentComplete float64             `json:"percent_complete"`
	Elapsed         time.Duration       `json:"elapsed"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(Progress)

// Processor wires the stages together.
type Processor struct {
	analyzer      Analyzer
	bucket        string
	canonicalizer *canonical.Canonicalizer
	validator     *validation.Validator
	detector      *anomaly.Detector
	configs       storage.ConfigStore
	items         storage.ItemStore
	objects       storage.ObjectStore
	metrics       *metrics.Metrics
	options       Options
	logger        logger.Logger

	callbacks []ProgressCallback
}

// Deps are the collaborators of a Processor. Analyzer may be nil when every
// request carries grids; Items and Metrics may be nil.
type Deps struct {
	Analyzer      Analyzer
	Bucket        string
	Canonicalizer *canonical.Canonicalizer
	Validator     *validation.Validator
	Detector      *anomaly.Detector
	Configs       storage.ConfigStore
	Items         storage.ItemStore
	Objects       storage.ObjectStore
	Metrics       *metrics.Metrics
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, opts Options, log logger.Logger) (*Processor, error) {
	if deps.Configs == nil {
		return nil, apperrors.ValidationError(apperrors.CodeMissingField, "configs", nil, nil).
			WithSuggestion("provide a contact configuration store")
	}
	if deps.Objects == nil {
		return nil, apperrors.ValidationError(apperrors.CodeMissingField, "objects", nil, nil).
			WithSuggestion("provide a document object store")
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if deps.Canonicalizer == nil {
		deps.Canonicalizer = canonical.New(nil, log)
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator(log)
	}
	if deps.Detector == nil {
		deps.Detector = anomaly.NewDetector(log)
	}
	if opts.TextSource == "" {
		opts.TextSource = TextSourceAuto
	}

	return &Processor{
		analyzer:      deps.Analyzer,
		bucket:        deps.Bucket,
		canonicalizer: deps.Canonicalizer,
		validator:     deps.Validator,
		detector:      deps.Detector,
		configs:       deps.Configs,
		items:         deps.Items,
		objects:       deps.Objects,
		metrics:       deps.Metrics,
		options:       opts,
		logger:        log.WithComponent("pipeline"),
	}, nil
}

// AddProgressCallback registers cb for every later run.
func (p *Processor) AddProgressCallback(cb ProgressCallback) {
	p.callbacks = append(p.callbacks, cb)
}

func (p *Processor) progress(key models.StatementKey, step string, completed int, started time.Time) {
	if len(p.callbacks) == 0 {
		return
	}
	pr := Progress{
		Key:             key,
		CurrentStep:     step,
		CompletedSteps:  completed,
		TotalSteps:      totalSteps,
		PercentComplete: float64(completed) / float64(totalSteps) * 100,
		Elapsed:         time.Since(started),
	}
	for _, cb := range p.callbacks {
		cb(pr)
	}
}

// Process runs req through every stage.
func (p *Processor) Process(ctx context.Context, req Request) (*Result, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, apperrors.ValidationError(apperrors.CodeInvalidInput, "statement_key", req.Key, err)
	}

	started := time.Now()
	res := &Result{
		Key:         req.Key,
		DocumentKey: storage.StatementPDFKey(req.Key.TenantID, req.Key.StatementID),
		Durations:   make(map[apperrors.Stage]Duration),
		StartedAt:   started,
	}
	op := logger.NewOperationLogger("process_statement", p.logger, logger.Fields{
		"tenant_id":    req.Key.TenantID,
		"contact_id":   req.Key.ContactID,
		"statement_id": req.Key.StatementID,
	})

	defer func() {
		res.Elapsed = Duration(time.Since(started))
		items, flagged := 0, 0
		if res.Statement != nil {
			items = len(res.Statement.Items)
			if res.Statement.Anomaly != nil {
				flagged = res.Statement.Anomaly.Flagged
			}
		}
		p.metrics.StatementDone(res.Outcome(), items, flagged)
	}()

	fail := func(err error, stage apperrors.Stage) (*Result, error) {
		se := apperrors.WrapIfNeeded(err, apperrors.CategoryInternal, apperrors.CodeUnexpectedError, "statement processing failed")
		if se.Stage == "" {
			se = se.WithStage(stage)
		}
		p.metrics.StageFailed(string(stage), string(se.Code))
		op.Error(se, "Statement processing failed")
		return res, se
	}

	// upload
	p.progress(req.Key, "Uploading document", 0, started)
	if len(req.PDF) > 0 {
		err := p.timed(res, apperrors.StageUpload, func() error {
			return p.objects.Put(ctx, res.DocumentKey, req.PDF, "application/pdf")
		})
		if err != nil {
			return fail(apperrors.StorageError(apperrors.CodeStorageFailure, "upload", res.DocumentKey, err), apperrors.StageUpload)
		}
	}

	// ocr
	p.progress(req.Key, "Extracting tables", 1, started)
	grids := req.Grids
	var analysis *ocr.Analysis
	if len(grids) == 0 {
		if p.analyzer == nil {
			return fail(apperrors.ConfigurationError(apperrors.CodeMissingConfig, "ocr", nil,
				errors.New("no OCR analyzer configured and the request carries no grids")), apperrors.StageOCR)
		}
		err := p.timed(res, apperrors.StageOCR, func() error {
			var err error
			analysis, err = p.analyzer.Analyze(ctx, ocr.DocumentLocation{Bucket: p.bucket, Key: res.DocumentKey})
			return err
		})
		if err != nil {
			p.metrics.OCRJob("FAILED")
			return fail(err, apperrors.StageOCR)
		}
		p.metrics.OCRJob(string(analysis.Status))
		res.JobID = analysis.JobID
		grids = analysis.Tables
		op.Step(fmt.Sprintf("OCR job %s returned %d tables", analysis.JobID, len(grids)))
	}

	// canonicalize
	p.progress(req.Key, "Mapping rows", 2, started)
	var stmt *models.SupplierStatement
	err := p.timed(res, apperrors.StageCanonicalize, func() error {
		cfg, err := p.configs.GetContactConfig(ctx, req.Key.TenantID, req.Key.ContactID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.ConfigurationError(apperrors.CodeMissingConfig, "contact_config",
				storage.ConfigKey(req.Key.TenantID, req.Key.ContactID), err)
		}
		if err != nil {
			return apperrors.StorageError(apperrors.CodeStorageFailure, "get contact config",
				storage.ConfigKey(req.Key.TenantID, req.Key.ContactID), err)
		}
		stmt, err = p.canonicalizer.Canonicalize(ctx, req.Key, grids, cfg)
		return err
	})
	if err != nil {
		return fail(err, apperrors.StageCanonicalize)
	}
	res.Statement = stmt

	// validate
	p.progress(req.Key, "Validating references", 3, started)
	if p.options.Validate {
		p.isolated(res, apperrors.StageValidate, func() error {
			return p.validate(ctx, req, res, analysis)
		})
	}

	// anomaly
	p.progress(req.Key, "Flagging anomalies", 4, started)
	if p.options.DetectAnomalies {
		p.isolated(res, apperrors.StageAnomaly, func() error {
			flagged, summary := p.detector.Apply(res.Statement, p.options.Anomaly)
			if flagged != nil {
				res.Statement = flagged
			}
			res.Statement.Anomaly = summary
			return nil
		})
	}

	// persist
	p.progress(req.Key, "Persisting", 5, started)
	if p.options.Persist {
		p.isolated(res, apperrors.StagePersist, func() error {
			return p.persist(ctx, res)
		})
	}

	p.progress(req.Key, "Completed", 6, started)
	op.Success("Statement processed", logger.Fields{
		"items":        len(res.Statement.Items),
		"stage_errors": len(res.StageErrors),
		"outcome":      res.Outcome(),
	})
	return res, nil
}

func (p *Processor) timed(res *Result, stage apperrors.Stage, fn func() error) error {
	d, err := logger.TimedOperation(string(stage), p.logger, fn)
	res.recordDuration(stage, d)
	p.metrics.ObserveStage(string(stage), d)
	return err
}

// isolated runs an optional stage. Errors and panics are recorded on res.
func (p *Processor) isolated(res *Result, stage apperrors.Stage, fn func() error) {
	err := p.timed(res, stage, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.InternalError(apperrors.CodeUnexpectedError, string(stage), fmt.Errorf("panic: %v", r))
			}
		}()
		return fn()
	})
	if err == nil {
		return
	}

	se := apperrors.WrapIfNeeded(err, apperrors.CategoryInternal, apperrors.CodeUnexpectedError, fmt.Sprintf("%s stage failed", stage))
	if se.Stage == "" {
		se = se.WithStage(stage)
	}
	res.recordError(se)
	p.metrics.StageFailed(string(stage), string(se.Code))
	p.logger.WithFields(logger.Fields{
		"stage":        stage,
		"statement_id": res.Key.StatementID,
		"code":         se.Code,
	}).WithError(err).Warn("Optional stage failed, keeping extracted items")
}

func (p *Processor) textSource(ctx context.Context, req Request, res *Result, analysis *ocr.Analysis) (validation.TextSource, error) {
	loadPDF := func() (*document.PDFText, error) {
		if len(req.PDF) > 0 {
			return document.NewPDFText(res.DocumentKey, req.PDF, p.logger), nil
		}
		return document.LoadPDFText(ctx, p.objects, res.DocumentKey, p.logger)
	}

	switch p.options.TextSource {
	case TextSourceOCR:
		if analysis == nil {
			return nil, apperrors.ValidationError(apperrors.CodeNoTextLayer, "text_source", TextSourceOCR,
				errors.New("no OCR analysis for this run"))
		}
		return analysis, nil
	case TextSourcePDF:
		return loadPDF()
	default:
		pdfText, err := loadPDF()
		if err != nil {
			if analysis != nil {
				return analysis, nil
			}
			return nil, err
		}
		if analysis == nil {
			return pdfText, nil
		}
		pages, err := pdfText.PageTexts(ctx)
		if err != nil || !document.HasTextLayer(pages) {
			return analysis, nil
		}
		return validation.StaticText(pages), nil
	}
}

func (p *Processor) validate(ctx context.Context, req Request, res *Result, analysis *ocr.Analysis) error {
	src, err := p.textSource(ctx, req, res, analysis)
	if err != nil {
		return err
	}

	vr, err := p.validator.ValidateRoundtrip(ctx, src, res.Statement.Items, p.options.ValidationField)
	if vr != nil {
		summary := vr.Summary
		res.Statement.Validation = &summary
	}

	var disagreement *validation.ItemCountDisagreementError
	switch {
	case errors.As(err, &disagreement):
		return apperrors.ValidationError(apperrors.CodeItemCountDisagreement, p.options.ValidationField, nil, err).
			WithContext("found", disagreement.Found).
			WithContext("unique", disagreement.Unique).
			WithContext("not_found", disagreement.Summary.NotFound).
			WithContext("pdf_only", disagreement.Summary.PDFOnlyRefs)
	case err != nil:
		return err
	case vr != nil && vr.Summary.Skipped:
		return apperrors.ValidationError(apperrors.CodeNoTextLayer, "document", res.DocumentKey, nil)
	}
	return nil
}

func (p *Processor) persist(ctx context.Context, res *Result) error {
	stmt := res.Statement
	stmt.RefreshDateRange()

	data, err := json.MarshalIndent(stmt, "", "  ")
	if err != nil {
		return apperrors.InternalError(apperrors.CodeUnexpectedError, "encode statement", err)
	}
	res.OutputKey = storage.StatementJSONKey(res.Key.TenantID, res.Key.StatementID)
	if err := p.objects.Put(ctx, res.OutputKey, data, "application/json"); err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "put statement json", res.OutputKey, err)
	}

	if p.items == nil {
		return nil
	}
	header := storage.StatementRecord{
		TenantID:         res.Key.TenantID,
		ContactID:        res.Key.ContactID,
		StatementID:      res.Key.StatementID,
		EarliestItemDate: stmt.EarliestItemDate,
		LatestItemDate:   stmt.LatestItemDate,
		JobID:            res.JobID,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := p.items.SaveStatement(ctx, header); err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "save statement", res.Key.StatementID, err)
	}
	if err := p.items.ReplaceStatementItems(ctx, res.Key, stmt.Items); err != nil {
		return apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "replace statement items")
	}
	return nil
}
