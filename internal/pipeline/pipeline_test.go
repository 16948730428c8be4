package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/ocr"
	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	analysis *ocr.Analysis
	err      error
	calls    []ocr.DocumentLocation
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, doc ocr.DocumentLocation) (*ocr.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, doc)
	if f.err != nil {
		return nil, f.err
	}
	return f.analysis, nil
}

// jsonFailingStore rejects canonical output writes.
type jsonFailingStore struct {
	*storage.MemoryObjectStore
}

func (s jsonFailingStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if strings.HasSuffix(key, ".json") {
		return errors.New("bucket is read-only")
	}
	return s.MemoryObjectStore.Put(ctx, key, body, contentType)
}

func createTestConfig() *models.ContactConfig {
	cfg := models.NewContactConfig("DD/MM/YYYY")
	cfg.SimpleMap[models.FieldDate] = []string{"Date"}
	cfg.SimpleMap[models.FieldNumber] = []string{"Invoice No"}
	cfg.SimpleMap[models.FieldTotal] = []string{"Amount"}
	return cfg
}

func createTestGrids() []models.TableGrid {
	return []models.TableGrid{{
		Page: 1,
		Rows: [][]string{
			{"Date", "Invoice No", "Amount"},
			{"01/07/2024", "INV-001", "100.00"},
			{"02/07/2024", "INV-002", "250.00"},
		},
	}}
}

func createTestAnalysis(lines ...string) *ocr.Analysis {
	return &ocr.Analysis{
		JobID:  "job-1",
		Status: types.JobStatusSucceeded,
		Tables: createTestGrids(),
		Lines:  []ocr.PageLines{{Page: 1, Lines: lines}},
	}
}

func testKey(statementID string) models.StatementKey {
	return models.StatementKey{TenantID: "t1", ContactID: "c1", StatementID: statementID}
}

type testEnv struct {
	configs *storage.MemoryStore
	objects *storage.MemoryObjectStore
}

func createTestProcessor(t *testing.T, analyzer Analyzer, opts Options) (*Processor, *testEnv) {
	t.Helper()
	env := &testEnv{configs: storage.NewMemoryStore(), objects: storage.NewMemoryObjectStore()}
	if _, err := env.configs.CompareAndSwapContactConfig(context.Background(), "t1", "c1", createTestConfig(), 0); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}
	p, err := NewProcessor(Deps{
		Analyzer: analyzer,
		Bucket:   "statements",
		Configs:  env.configs,
		Items:    env.configs,
		Objects:  env.objects,
	}, opts, logger.Discard())
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return p, env
}

func TestProcess_OCRPath(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: createTestAnalysis("Invoice INV-001 100.00", "Invoice INV-002 250.00")}
	opts := DefaultOptions()
	opts.TextSource = TextSourceOCR
	p, env := createTestProcessor(t, analyzer, opts)

	res, err := p.Process(context.Background(), Request{Key: testKey("S1"), PDF: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(analyzer.calls) != 1 || analyzer.calls[0] != (ocr.DocumentLocation{Bucket: "statements", Key: "t1/statements/S1.pdf"}) {
		t.Errorf("Unexpected OCR calls: %v", analyzer.calls)
	}
	if res.JobID != "job-1" {
		t.Errorf("Expected job id job-1, got %s", res.JobID)
	}
	if res.Outcome() != "success" {
		t.Errorf("Expected success, got %s with %v", res.Outcome(), res.StageErrors)
	}
	if len(res.Statement.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(res.Statement.Items))
	}
	if res.Statement.Validation == nil || res.Statement.Validation.Found != 2 {
		t.Errorf("Expected 2 references found, got %+v", res.Statement.Validation)
	}
	if res.Statement.Anomaly == nil || res.Statement.Anomaly.Total != 2 {
		t.Errorf("Expected anomaly summary over 2 items, got %+v", res.Statement.Anomaly)
	}

	if _, err := env.objects.Get(context.Background(), "t1/statements/S1.pdf"); err != nil {
		t.Errorf("Expected uploaded document, got %v", err)
	}
	if res.OutputKey != "t1/statements/S1.json" {
		t.Errorf("Unexpected output key %s", res.OutputKey)
	}
	if _, err := env.objects.Get(context.Background(), res.OutputKey); err != nil {
		t.Errorf("Expected canonical output, got %v", err)
	}

	header, err := env.configs.GetStatement(context.Background(), "t1", "S1")
	if err != nil {
		t.Fatalf("GetStatement failed: %v", err)
	}
	if header.JobID != "job-1" || header.EarliestItemDate != "2024-07-01" || header.LatestItemDate != "2024-07-02" {
		t.Errorf("Unexpected statement header: %+v", header)
	}
	items, err := env.configs.ListStatementItems(context.Background(), "t1", "S1")
	if err != nil || len(items) != 2 {
		t.Errorf("Expected 2 persisted items, got %d (%v)", len(items), err)
	}
}

func TestProcess_AutoTextFallsBackToOCR(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: createTestAnalysis("INV-001", "INV-002")}
	p, _ := createTestProcessor(t, analyzer, DefaultOptions())

	res, err := p.Process(context.Background(), Request{Key: testKey("S2"), PDF: []byte("not a pdf")})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(res.StageErrors) != 0 {
		t.Errorf("Expected no stage errors, got %v", res.StageErrors)
	}
	if res.Statement.Validation == nil || res.Statement.Validation.Skipped {
		t.Errorf("Expected validation over OCR text, got %+v", res.Statement.Validation)
	}
}

func TestProcess_ValidationDisagreementKeepsItems(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: createTestAnalysis("INV-001", "INV-002", "INV-003")}
	opts := DefaultOptions()
	opts.TextSource = TextSourceOCR
	p, env := createTestProcessor(t, analyzer, opts)

	res, err := p.Process(context.Background(), Request{Key: testKey("S3"), PDF: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("Expected optional stage failure to be recorded, got %v", err)
	}
	if res.Outcome() != "partial" {
		t.Errorf("Expected partial, got %s", res.Outcome())
	}
	if !res.HasStageError(apperrors.StageValidate) {
		t.Fatalf("Expected validate stage error, got %v", res.StageErrors)
	}
	if res.StageErrors[0].Code != apperrors.CodeItemCountDisagreement {
		t.Errorf("Expected item count disagreement, got %s", res.StageErrors[0].Code)
	}
	if len(res.Statement.Items) != 2 {
		t.Errorf("Expected items to survive, got %d", len(res.Statement.Items))
	}
	if v := res.Statement.Validation; v == nil || !v.Disagreement || len(v.PDFOnlyRefs) != 1 || v.PDFOnlyRefs[0] != "INV003" {
		t.Errorf("Expected INV003 as document-only reference, got %+v", v)
	}
	if _, err := env.objects.Get(context.Background(), "t1/statements/S3.json"); err != nil {
		t.Errorf("Expected output persisted despite disagreement, got %v", err)
	}
}

func TestProcess_GridsSkipOCR(t *testing.T) {
	opts := DefaultOptions()
	opts.Validate = false
	p, env := createTestProcessor(t, nil, opts)

	res, err := p.Process(context.Background(), Request{Key: testKey("S4"), Grids: createTestGrids()})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.JobID != "" {
		t.Errorf("Expected no OCR job, got %s", res.JobID)
	}
	if _, ok := res.Durations[apperrors.StageOCR]; ok {
		t.Error("Expected no OCR duration")
	}
	if len(env.objects.Keys("t1/statements/")) != 1 {
		t.Errorf("Expected only the canonical output, got %v", env.objects.Keys("t1/statements/"))
	}
}

func TestProcess_NoTextLayerRecorded(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: createTestAnalysis()}
	opts := DefaultOptions()
	opts.TextSource = TextSourceOCR
	p, _ := createTestProcessor(t, analyzer, opts)

	res, err := p.Process(context.Background(), Request{Key: testKey("S5"), PDF: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Statement.Validation.Skipped {
		t.Error("Expected validation to be skipped")
	}
	if len(res.StageErrors) != 1 || res.StageErrors[0].Code != apperrors.CodeNoTextLayer {
		t.Errorf("Expected a no-text-layer stage error, got %v", res.StageErrors)
	}
}

func TestProcess_FatalStages(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
		key      models.StatementKey
		grids    []models.TableGrid
		wantCode apperrors.ErrorCode
		wantRes  bool
	}{
		{
			name:     "missing contact config",
			key:      models.StatementKey{TenantID: "t1", ContactID: "unknown", StatementID: "S6"},
			grids:    createTestGrids(),
			wantCode: apperrors.CodeMissingConfig,
			wantRes:  true,
		},
		{
			name:     "ocr job failure",
			analyzer: &fakeAnalyzer{err: apperrors.OCRError(apperrors.CodeOCRJobFailed, "job-9", "FAILED", errors.New("bad document"))},
			key:      testKey("S7"),
			wantCode: apperrors.CodeOCRJobFailed,
			wantRes:  true,
		},
		{
			name:     "no analyzer and no grids",
			key:      testKey("S8"),
			wantCode: apperrors.CodeMissingConfig,
			wantRes:  true,
		},
		{
			name:     "invalid key",
			key:      models.StatementKey{TenantID: "t1"},
			wantCode: apperrors.CodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var analyzer Analyzer
			if tt.analyzer != nil {
				analyzer = tt.analyzer
			}
			p, _ := createTestProcessor(t, analyzer, DefaultOptions())

			res, err := p.Process(context.Background(), Request{Key: tt.key, PDF: []byte("%PDF-1.4"), Grids: tt.grids})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !apperrors.HasCode(err, tt.wantCode) {
				t.Errorf("Expected code %s, got %v", tt.wantCode, err)
			}
			if (res != nil) != tt.wantRes {
				t.Fatalf("Expected result present %v, got %v", tt.wantRes, res != nil)
			}
			if res != nil && (res.Statement != nil || res.Outcome() != "failed") {
				t.Errorf("Expected failed outcome without statement, got %s", res.Outcome())
			}
		})
	}
}

func TestProcess_PersistFailureIsIsolated(t *testing.T) {
	configs := storage.NewMemoryStore()
	if _, err := configs.CompareAndSwapContactConfig(context.Background(), "t1", "c1", createTestConfig(), 0); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}
	opts := DefaultOptions()
	opts.Validate = false
	p, err := NewProcessor(Deps{
		Configs: configs,
		Items:   configs,
		Objects: jsonFailingStore{storage.NewMemoryObjectStore()},
	}, opts, logger.Discard())
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	res, err := p.Process(context.Background(), Request{Key: testKey("S9"), Grids: createTestGrids()})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.HasStageError(apperrors.StagePersist) {
		t.Errorf("Expected persist stage error, got %v", res.StageErrors)
	}
	if res.StageErrors[0].Category != apperrors.CategoryStorage {
		t.Errorf("Expected storage category, got %s", res.StageErrors[0].Category)
	}
	if len(res.Statement.Items) != 2 {
		t.Errorf("Expected items to survive, got %d", len(res.Statement.Items))
	}
}

func TestProcess_ProgressCallbacks(t *testing.T) {
	opts := DefaultOptions()
	opts.Validate = false
	p, _ := createTestProcessor(t, nil, opts)

	var updates []Progress
	p.AddProgressCallback(func(pr Progress) { updates = append(updates, pr) })

	if _, err := p.Process(context.Background(), Request{Key: testKey("S10"), Grids: createTestGrids()}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(updates) != totalSteps+1 {
		t.Fatalf("Expected %d updates, got %d", totalSteps+1, len(updates))
	}
	if updates[0].PercentComplete != 0 {
		t.Errorf("Expected first update at 0%%, got %v", updates[0].PercentComplete)
	}
	last := updates[len(updates)-1]
	if last.CurrentStep != "Completed" || last.PercentComplete != 100 {
		t.Errorf("Unexpected last update: %+v", last)
	}
}

func TestNewProcessor_RequiresStores(t *testing.T) {
	if _, err := NewProcessor(Deps{Objects: storage.NewMemoryObjectStore()}, DefaultOptions(), logger.Discard()); err == nil {
		t.Error("Expected an error without a config store")
	}
	if _, err := NewProcessor(Deps{Configs: storage.NewMemoryStore()}, DefaultOptions(), logger.Discard()); err == nil {
		t.Error("Expected an error without an object store")
	}
}

func TestProcessBatch(t *testing.T) {
	opts := DefaultOptions()
	opts.Validate = false
	p, _ := createTestProcessor(t, nil, opts)

	reqs := []Request{
		{Key: testKey("B1"), Grids: createTestGrids()},
		{Key: models.StatementKey{TenantID: "t1", ContactID: "nobody", StatementID: "B2"}, Grids: createTestGrids()},
		{Key: testKey("B3"), Grids: createTestGrids()},
	}
	out, err := p.ProcessBatch(context.Background(), reqs, 2)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(out.Items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(out.Items))
	}
	for i, it := range out.Items {
		if it.Request.Key != reqs[i].Key {
			t.Errorf("Item %d out of order: %s", i, it.Request.Key.StatementID)
		}
	}
	failed := out.Failed()
	if len(failed) != 1 || failed[0].Request.Key.StatementID != "B2" {
		t.Errorf("Expected only B2 to fail, got %v", failed)
	}
	if out.Stats.Succeeded != 2 || out.Stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", out.Stats)
	}
}

func TestProcessBatch_Cancelled(t *testing.T) {
	p, _ := createTestProcessor(t, nil, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := p.ProcessBatch(ctx, []Request{{Key: testKey("C1"), Grids: createTestGrids()}}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if out.Items[0].Err == nil {
		t.Error("Expected the unprocessed item to carry an error")
	}
}
