package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/cmd/statements/config"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/pipeline"
	"statement-reconciliation-service/internal/reporter"
	apperrors "statement-reconciliation-service/pkg/errors"
)

// Flags for the process command
var (
	tenantID     string
	contactID    string
	statementID  string
	gridsFile    string
	outputFormat string
	outputFile   string
	showProgress bool
	workers      int
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process [statement.pdf ...]",
	Short: "Extract, validate and store supplier statements",
	Long: `Process runs statements through extraction: upload, OCR, canonicalization,
reference validation, anomaly flagging and persistence.

A single statement takes its id from --statement. Several PDFs are processed
in parallel, each named after its file.

Examples:
  # One statement through Textract
  statements process --tenant t1 --contact c1 --statement s1 statement.pdf

  # Pre-extracted table grids, no OCR
  statements process --tenant t1 --contact c1 --statement s1 --grids grids.json

  # A batch with progress and a CSV report
  statements process --tenant t1 --contact c1 --workers 8 --progress \
    --output-format csv --output-file report.csv march.pdf april.pdf`,

	PreRunE: validateProcessFlags,
	RunE:    runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	processCmd.Flags().StringVarP(&contactID, "contact", "c", "", "contact id (required)")
	processCmd.Flags().StringVarP(&statementID, "statement", "s", "", "statement id for a single document")
	processCmd.Flags().StringVarP(&gridsFile, "grids", "g", "", "JSON file of pre-extracted table grids (skips OCR)")
	processCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "", "output format: console, json, csv")
	processCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	processCmd.Flags().BoolVar(&showProgress, "progress", false, "show progress indicators")
	processCmd.Flags().IntVarP(&workers, "workers", "w", 0, "statements processed in parallel (overrides pipeline.workers)")

	processCmd.MarkFlagRequired("tenant")
	processCmd.MarkFlagRequired("contact")

	viper.BindPFlag("pipeline.workers", processCmd.Flags().Lookup("workers"))
}

func validateProcessFlags(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant is required")
	}
	if strings.TrimSpace(contactID) == "" {
		return fmt.Errorf("contact is required")
	}

	if len(args) == 0 && gridsFile == "" {
		return fmt.Errorf("provide at least one statement PDF or --grids")
	}
	if gridsFile != "" && len(args) > 1 {
		return fmt.Errorf("--grids applies to a single statement, got %d PDFs", len(args))
	}
	if len(args) <= 1 && statementID == "" {
		return fmt.Errorf("statement is required for a single document")
	}
	if len(args) > 1 && statementID != "" {
		return fmt.Errorf("--statement cannot be used with several PDFs")
	}

	for i, path := range args {
		if err := validateFileExists(path, fmt.Sprintf("statement file %d", i+1)); err != nil {
			return err
		}
	}
	if gridsFile != "" {
		if err := validateFileExists(gridsFile, "grids file"); err != nil {
			return err
		}
	}

	if err := validateOutputFlags(outputFormat, outputFile); err != nil {
		return err
	}
	if workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	return nil
}

func validateOutputFlags(format, file string) error {
	if format != "" {
		switch reporter.OutputFormat(format) {
		case reporter.FormatConsole, reporter.FormatJSON, reporter.FormatCSV:
		default:
			return fmt.Errorf("invalid output format '%s'. Valid formats: console, json, csv", format)
		}
	}

	if file != "" {
		dir := filepath.Dir(file)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}
	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}

// readGrids decodes a JSON array of table grids.
func readGrids(path string) ([]models.TableGrid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var grids []models.TableGrid
	if err := json.Unmarshal(data, &grids); err != nil {
		return nil, apperrors.ParseError(apperrors.CodeInvalidInput, "grids", filepath.Base(path), err).
			WithSuggestion(`Grids must be a JSON array of {"page": n, "rows": [[...]]}`)
	}
	return grids, nil
}

// buildRequests turns the command arguments into pipeline requests.
func buildRequests(tenant, contact, statement, grids string, files []string) ([]pipeline.Request, error) {
	base := models.StatementKey{TenantID: tenant, ContactID: contact, StatementID: statement}

	if len(files) <= 1 {
		req := pipeline.Request{Key: base}
		if len(files) == 1 {
			pdf, err := os.ReadFile(files[0])
			if err != nil {
				return nil, err
			}
			req.PDF = pdf
		}
		if grids != "" {
			g, err := readGrids(grids)
			if err != nil {
				return nil, err
			}
			req.Grids = g
		}
		return []pipeline.Request{req}, nil
	}

	reqs := make([]pipeline.Request, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, path := range files {
		id := statementIDFromPath(path)
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("statement id %q is shared by %s and %s", id, prev, path)
		}
		seen[id] = path

		pdf, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		key := base
		key.StatementID = id
		reqs = append(reqs, pipeline.Request{Key: key, PDF: pdf})
	}
	return reqs, nil
}

func statementIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reqs, err := buildRequests(tenantID, contactID, statementID, gridsFile, args)
	if err != nil {
		return err
	}

	svc, err := newServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if showProgress {
		svc.Processor.AddProgressCallback(func(p pipeline.Progress) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s %s (%.1f%% complete)",
				p.CompletedSteps, p.TotalSteps, p.Key.StatementID, p.CurrentStep, p.PercentComplete)
		})
	}

	return processAndReport(ctx, svc, reqs, appConfig.Pipeline.Workers, appConfig.ReportConfig(outputFormat), outputFile)
}

// processAndReport runs reqs and writes the report. A single failed
// statement returns its error; a batch returns an error when any failed.
func processAndReport(ctx context.Context, svc *config.Services, reqs []pipeline.Request, n int, rc *reporter.ReportConfig, outPath string) error {
	var (
		report interface{}
		runErr error
	)

	if len(reqs) == 1 {
		res, err := svc.Processor.Process(ctx, reqs[0])
		if showProgress {
			fmt.Fprintln(os.Stderr)
		}
		if res == nil {
			return err
		}
		report, runErr = res, err
		if msg := FormatStageErrors(res.StageErrors); msg != "" && err == nil {
			fmt.Fprintln(os.Stderr, msg)
		}
	} else {
		batch, err := svc.Processor.ProcessBatch(ctx, reqs, n)
		if showProgress {
			fmt.Fprintln(os.Stderr)
		}
		if batch == nil {
			return err
		}
		report = batch
		if failed := batch.Failed(); len(failed) > 0 {
			runErr = fmt.Errorf("%d of %d statements failed", len(failed), len(batch.Items))
		}
		if err != nil {
			runErr = err
		}
	}

	if err := writeReport(report, rc, outPath); err != nil {
		return err
	}
	return runErr
}

// writeReport renders result to outPath, or stdout when empty.
func writeReport(result interface{}, rc *reporter.ReportConfig, outPath string) error {
	generator, err := reporter.NewSafeReportGenerator(rc, appLogger)
	if err != nil {
		return err
	}

	out, closeFn, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := generator.GenerateReportSafely(result, out); err != nil {
		return err
	}

	if outPath != "" && viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Report written to: %s\n", outPath)
	}
	return nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
