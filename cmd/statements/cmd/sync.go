package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"statement-reconciliation-service/internal/ledger"
	"statement-reconciliation-service/internal/models"
)

var (
	forceFull  bool
	jsonOutput bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh a tenant's ledger cache",
	Long: `Sync fetches contacts, invoices, credit notes and payments from the ledger API
into the cache. Resources fresher than ledger.staleness are skipped, older ones
get a delta fetch, and empty or failed ones a full fetch.

Examples:
  statements sync --tenant t1
  statements sync --tenant t1 --force-full
  statements sync status --tenant t1 --json`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return fmt.Errorf("tenant is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		svc, err := newServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		syncer, err := svc.RequireSync()
		if err != nil {
			return err
		}

		result, err := syncer.Sync(ctx, tenantID, ledger.SyncOptions{ForceFull: forceFull})
		if result != nil {
			if werr := writeSyncResult(cmd.OutOrStdout(), result, jsonOutput); werr != nil {
				return werr
			}
		}
		return err
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a tenant's ledger cache state",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return fmt.Errorf("tenant is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		svc, err := newServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		syncer, err := svc.RequireSync()
		if err != nil {
			return err
		}

		status, state, err := syncer.Status(ctx, tenantID)
		if err != nil {
			return err
		}
		return writeSyncStatus(cmd.OutOrStdout(), status, state, jsonOutput)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncStatusCmd)

	syncCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (required)")
	syncCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")
	syncCmd.Flags().BoolVar(&forceFull, "force-full", false, "refetch everything, cancelling a running sync")
}

func writeSyncResult(w io.Writer, result *ledger.SyncResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "Tenant %s synced in %s\n", result.TenantID, result.Duration.Round(time.Millisecond))
	for _, r := range sortedResources(result.Resources) {
		out := result.Resources[r]
		line := fmt.Sprintf("  %-12s %-8s fetched=%d cached=%d", r, out.Mode, out.Fetched, out.Cached)
		if out.Error != "" {
			line += " error=" + out.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func writeSyncStatus(w io.Writer, status models.TenantStatus, state *ledger.TenantState, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Status models.TenantStatus `json:"status"`
			State  *ledger.TenantState `json:"state"`
		}{status, state})
	}

	fmt.Fprintf(w, "Status: %s\n", status)
	if state == nil {
		return nil
	}
	for _, r := range sortedResources(state.Resources) {
		rs := state.Resources[r]
		last := "never"
		if !rs.LastSyncedAt.IsZero() {
			last = rs.LastSyncedAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("  %-12s %-8s %d/%d last=%s", r, rs.Status, rs.SyncedCount, rs.TotalCount, last)
		if rs.Error != "" {
			line += " error=" + rs.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func sortedResources[V any](m map[models.Resource]V) []models.Resource {
	keys := make([]models.Resource, 0, len(m))
	for r := range m {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
