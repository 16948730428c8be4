package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"statement-reconciliation-service/cmd/statements/config"
	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Reconcile a stored statement with cached ledger documents",
	Long: `Match pairs each stored statement item with an invoice or credit note from the
ledger cache and compares the mapped fields. Run 'statements sync' first to
fill the cache.

Examples:
  statements match --tenant t1 --statement s1
  statements match --tenant t1 --statement s1 --output-format json --output-file match.json`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return fmt.Errorf("tenant is required")
		}
		if statementID == "" {
			return fmt.Errorf("statement is required")
		}
		return validateOutputFlags(outputFormat, outputFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		svc, err := newServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		result, err := matchStatement(ctx, svc, tenantID, statementID, appLogger)
		if err != nil {
			return err
		}
		return writeReport(result, appConfig.ReportConfig(outputFormat), outputFile)
	},
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	matchCmd.Flags().StringVarP(&statementID, "statement", "s", "", "statement id (required)")
	matchCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "", "output format: console, json, csv")
	matchCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
}

// matchStatement loads the statement's items, its contact's ledger documents
// and mapping, and reconciles them.
func matchStatement(ctx context.Context, svc *config.Services, tenant, statement string, log logger.Logger) (*matcher.ReconciliationResult, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	header, err := svc.Items.GetStatement(ctx, tenant, statement)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.StorageError(apperrors.CodeNotFound, "get statement", tenant+"/"+statement, err).
			WithSuggestion("Process the statement first with 'statements process'")
	}
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "failed to load statement")
	}

	records, err := svc.Items.ListStatementItems(ctx, tenant, statement)
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "failed to list statement items")
	}
	items := make([]models.StatementItem, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.Item)
	}

	cfg, err := loadContactConfig(ctx, svc.Configs, tenant, header.ContactID)
	if err != nil {
		return nil, err
	}

	docs, err := svc.Cache.Documents(ctx, tenant, header.ContactID)
	if err != nil {
		return nil, apperrors.LedgerError(apperrors.CodeLedgerFetchFailed, tenant, "documents", err).
			WithSuggestion("Run 'statements sync' to rebuild the ledger cache")
	}

	opLog := logger.NewOperationLogger("match_statement", log, logger.Fields{
		"tenant_id":    tenant,
		"statement_id": statement,
		"items":        len(items),
		"documents":    len(docs),
	})

	result := svc.Matcher.Reconcile(items, cfg, docs)

	svc.Metrics.Reconciled(string(matcher.StatusMatched), result.Summary.MatchedItems)
	svc.Metrics.Reconciled(string(matcher.StatusUnmatched), result.Summary.UnmatchedItems)
	svc.Metrics.Reconciled(string(matcher.StatusPayment), result.Summary.PaymentItems)

	opLog.Success("Statement reconciled", logger.Fields{
		"matched":   result.Summary.MatchedItems,
		"unmatched": result.Summary.UnmatchedItems,
		"unused":    result.Summary.UnusedDocuments,
	})
	return result, nil
}
