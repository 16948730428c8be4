package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/cmd/statements/config"
	"statement-reconciliation-service/internal/ledger"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

var serveTenants []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and the scheduled ledger refresh",
	Long: `Serve exposes health, Prometheus metrics, ledger sync and reconciliation
endpoints, and refreshes the ledger cache of every registered tenant on
ledger.refresh_interval.

Endpoints:
  GET  /healthz
  GET  /metrics
  POST /tenants/{tenant}/sync?force_full=true
  GET  /tenants/{tenant}/status
  GET  /tenants/{tenant}/statements/{statement}/match

Examples:
  statements serve --address :8080 --tenants t1,t2`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("address", ":8080", "listen address")
	serveCmd.Flags().StringSliceVar(&serveTenants, "tenants", nil, "tenants refreshed on schedule (adds to ledger.tenants)")

	viper.BindPFlag("server.address", serveCmd.Flags().Lookup("address"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	log := appLogger.WithComponent("server")

	var scheduler *ledger.Scheduler
	if svc.Sync != nil {
		scheduler = ledger.NewScheduler(svc.Sync, appConfig.Ledger.RefreshInterval, appLogger)
		for _, tenant := range append(append([]string{}, appConfig.Ledger.Tenants...), serveTenants...) {
			scheduler.Register(tenant)
		}
		if err := scheduler.Start(); err != nil {
			return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "ledger.refresh_interval", appConfig.Ledger.RefreshInterval, err)
		}
		defer func() { <-scheduler.Stop().Done() }()
	} else {
		log.Warn("Ledger not configured; sync endpoints and scheduled refresh are disabled")
	}

	server := &http.Server{
		Addr:              appConfig.Server.Address,
		Handler:           newRouter(svc, scheduler, appLogger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", server.Addr).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

type handlers struct {
	svc       *config.Services
	scheduler *ledger.Scheduler
	logger    logger.Logger
	// syncCtx outlives requests so a triggered sync keeps running.
	syncCtx context.Context
}

func newRouter(svc *config.Services, scheduler *ledger.Scheduler, log logger.Logger) *mux.Router {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	h := &handlers{svc: svc, scheduler: scheduler, logger: log.WithComponent("http"), syncCtx: context.Background()}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenant}/sync", h.triggerSync).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenant}/status", h.status).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenant}/statements/{statement}/match", h.match).Methods(http.MethodGet)
	return router
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": getVersionString(),
		"ledger":  h.svc.Sync != nil,
	})
}

// triggerSync starts a background sync and answers 202. A sync already
// running answers 409 unless force_full cancels it.
func (h *handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	syncer, err := h.svc.RequireSync()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	forceFull := false
	if v := r.URL.Query().Get("force_full"); v != "" {
		forceFull, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid force_full %q", v))
			return
		}
	}

	if !forceFull && syncer.IsSyncing(tenant) {
		writeError(w, http.StatusConflict, fmt.Errorf("sync already running for tenant %s", tenant))
		return
	}

	if h.scheduler != nil {
		h.scheduler.Register(tenant)
	}

	go func() {
		log := h.logger.WithField("tenant_id", tenant)
		if _, err := syncer.Sync(h.syncCtx, tenant, ledger.SyncOptions{ForceFull: forceFull}); err != nil {
			if ledger.IsSyncInProgress(err) || ledger.IsCancelled(err) {
				log.WithError(err).Debug("Triggered sync did not run to completion")
				return
			}
			log.WithError(err).Warn("Triggered sync failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"tenant_id":  tenant,
		"force_full": forceFull,
		"status":     "accepted",
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	syncer, err := h.svc.RequireSync()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	status, state, err := syncer.Status(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenant,
		"status":    status,
		"state":     state,
	})
}

func (h *handlers) match(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := matchStatement(r.Context(), h.svc, vars["tenant"], vars["statement"], h.logger)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			code = http.StatusNotFound
		case apperrors.HasCode(err, apperrors.CodeMissingConfig):
			code = http.StatusUnprocessableEntity
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if se, ok := apperrors.AsStatementError(err); ok {
		body["error"] = se.Message
		body["code"] = se.Code
		if se.Suggestion != "" {
			body["suggestion"] = se.Suggestion
		}
	}
	writeJSON(w, code, body)
}
