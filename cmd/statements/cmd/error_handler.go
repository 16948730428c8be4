package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err and returns the exit code for it
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if statementErr, ok := apperrors.AsStatementError(err); ok {
		return h.handleStatementError(statementErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleStatementError(err *apperrors.StatementError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)
	if err.Stage != "" {
		fmt.Fprintf(h.out, "Stage: %s\n", err.Stage)
	}

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", getCategoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case isFileNotFoundError(err):
		fmt.Fprintf(h.out, "Error: %v\n", err)
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "\nRun with --verbose for more details\n")
	}
	return 1
}

// getCategoryHelp returns category-specific help text
func getCategoryHelp(category apperrors.ErrorCategory) string {
	switch category {
	case apperrors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Import a contact configuration with 'statements contacts import'
• Environment overrides use the STATEMENTS_ prefix, e.g. STATEMENTS_STORAGE_DRIVER`

	case apperrors.CategoryParse:
		return `Parse error help:
• Check the contact configuration's date format and column names
• Verify the grids JSON is an array of {"page": n, "rows": [[...]]}
• Make sure the PDF is a statement and not a scanned image without tables`

	case apperrors.CategoryOCR:
		return `OCR error help:
• Check that the document was uploaded to the configured bucket
• Verify AWS credentials and that Textract is available in the region
• Raise ocr.timeout for long statements`

	case apperrors.CategoryValidation:
		return `Validation error help:
• Check that the statement's reference column is mapped in the contact configuration
• Compare the extracted items against the PDF
• Items were still saved; review the reported references`

	case apperrors.CategoryStorage:
		return `Storage error help:
• Check storage.driver and storage.dsn
• Verify the object store root or bucket is reachable and writable
• Concurrent updates may conflict; retry the command`

	case apperrors.CategoryLedger:
		return `Ledger error help:
• Check ledger.base_url and ledger.token
• Run 'statements sync status' to see which resources failed
• Retry with --force-full to rebuild the cache`

	default:
		return `For more help:
• Use 'statements --help' for general help
• Use 'statements <command> --help' for command-specific help`
	}
}

func isFileNotFoundError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such file or directory")
}

func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func isDiskFullError(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}

// FormatStageErrors lists the non-fatal stage errors of a run
func FormatStageErrors(errs []*apperrors.StatementError) string {
	if len(errs) == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("%d stage error(s):", len(errs)))
	for i, err := range errs {
		lines = append(lines, fmt.Sprintf("  %d. [%s] %s", i+1, err.Stage, err.Message))
		if i >= 9 && len(errs) > 10 {
			lines = append(lines, fmt.Sprintf("  ... and %d more", len(errs)-10))
			break
		}
	}
	return strings.Join(lines, "\n")
}
