package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statement-reconciliation-service/cmd/statements/config"
	"statement-reconciliation-service/pkg/logger"
)

var (
	cfgFile string
	envFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	appConfig *config.AppConfig
	appLogger logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "statements",
	Short: "Supplier statement extraction and reconciliation",
	Long: `Statements extracts line items from supplier statement PDFs, validates them
against the document text, and reconciles them with invoices and credit notes
cached from the accounting ledger.

Examples:
  statements contacts import --tenant t1 --contact c1 contact.yaml
  statements process --tenant t1 --contact c1 --statement s1 statement.pdf
  statements sync --tenant t1
  statements match --tenant t1 --statement s1 --output-format csv
  statements serve --address :8080`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return NewCLIErrorHandler().HandleError(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig loads .env, the config file and STATEMENTS_* variables, then
// sets up the global logger.
func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.Logging
	if viper.GetBool("verbose") {
		debug := logger.DebugConfig()
		logCfg.Level = debug.Level
		logCfg.CallerInfo = debug.CallerInfo
	}
	log, err := logger.NewLogger(&logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobalLogger(log)

	if viper.GetBool("verbose") && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	appConfig = cfg
	appLogger = log
	return nil
}

// newServices builds the services for one command run.
func newServices(ctx context.Context) (*config.Services, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return config.NewServices(ctx, appConfig, appLogger)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
