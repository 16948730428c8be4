package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage per-contact column mappings",
	Long: `Contacts stores the column mapping used to read a counterparty's statements.

A mapping names the statement header labels for each canonical field, the date
format and the number separators. YAML and JSON files are accepted, either as a
"statement_items" object or flattened at the root:

  statement_items:
    date: Date
    number: [Invoice No, Doc Ref]
    total:
      debit: [Debit]
      credit: [Credit]
    date_format: DD/MM/YYYY
    decimal_separator: "."
    thousands_separator: ","

Examples:
  statements contacts import --tenant t1 --contact c1 acme.yaml
  statements contacts show --tenant t1 --contact c1`,
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or replace a contact mapping",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenantContact(); err != nil {
			return err
		}
		return validateFileExists(args[0], "contact config file")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		imported, err := readContactConfig(args[0])
		if err != nil {
			return err
		}

		svc, err := newServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		saved, err := importContactConfig(ctx, svc.Configs, tenantID, contactID, imported)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (version %d)\n", storage.ConfigKey(tenantID, contactID), saved.Version)
		return nil
	},
}

var contactsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a contact mapping as JSON",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return requireTenantContact()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		svc, err := newServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		cfg, err := loadContactConfig(ctx, svc.Configs, tenantID, contactID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsImportCmd, contactsShowCmd)

	contactsCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	contactsCmd.PersistentFlags().StringVarP(&contactID, "contact", "c", "", "contact id (required)")
}

func requireTenantContact() error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant is required")
	}
	if strings.TrimSpace(contactID) == "" {
		return fmt.Errorf("contact is required")
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// readContactConfig parses a YAML or JSON mapping file. JSON is valid YAML,
// so one decoder serves both.
func readContactConfig(path string) (*models.ContactConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseContactConfig(filepath.Base(path), data)
}

func parseContactConfig(name string, data []byte) (*models.ContactConfig, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.ParseError(apperrors.CodeInvalidContact, "contact_config", name, err).
			WithSuggestion("Check the file is a YAML or JSON object")
	}

	cfg, err := models.ContactConfigFromMap(doc)
	if err != nil {
		return nil, apperrors.ParseError(apperrors.CodeInvalidContact, "contact_config", name, err)
	}
	if cfg.DateFormat == "" {
		return nil, apperrors.ConfigurationError(apperrors.CodeMissingDateFormat, "date_format", "", nil).
			WithSuggestion("Add date_format, e.g. DD/MM/YYYY")
	}
	if len(cfg.SimpleMap) == 0 && len(cfg.Buckets) == 0 {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidContact, "statement_items", name, fmt.Errorf("no field is mapped")).
			WithSuggestion("Map at least the number and total fields")
	}
	return cfg, nil
}

// importContactConfig replaces the stored mapping with imported under
// compare-and-swap.
func importContactConfig(ctx context.Context, store storage.ConfigStore, tenant, contact string, imported *models.ContactConfig) (*models.ContactConfig, error) {
	saved, err := storage.UpdateContactConfig(ctx, store, tenant, contact, func(cfg *models.ContactConfig) (bool, error) {
		version := cfg.Version
		*cfg = *imported.Clone()
		cfg.Version = version
		return true, nil
	})
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "failed to save contact config")
	}
	return saved, nil
}

func loadContactConfig(ctx context.Context, store storage.ConfigStore, tenant, contact string) (*models.ContactConfig, error) {
	cfg, err := store.GetContactConfig(ctx, tenant, contact)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ConfigurationError(apperrors.CodeMissingConfig, "contact_config", storage.ConfigKey(tenant, contact), err).
			WithSuggestion("Import one with 'statements contacts import'")
	}
	if err != nil {
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryStorage, apperrors.CodeStorageFailure, "failed to load contact config")
	}
	return cfg, nil
}
