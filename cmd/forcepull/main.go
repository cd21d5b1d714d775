// forcepull extracts Salesforce objects and queries to CSV files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/extract"
	"github.com/forcepull/forcepull/pkg/logger"
	"github.com/forcepull/forcepull/pkg/retry"
	"github.com/forcepull/forcepull/pkg/salesforce"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configFile string

func main() {
	// Load .env file if present, so credentials referenced as ${VAR} in the
	// config resolve during local development
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "forcepull",
		Short: "Salesforce data extractor",
		Long: `forcepull pulls Salesforce objects or hand-written SOQL queries into
CSV files with typed manifests, with optional incremental fetching driven
by a persisted watermark.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "forcepull.yaml", "path to configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(objectsCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads, defaults and validates the configuration, then brings up
// the logger it describes.
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if err := config.Load(configFile, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
	}); err != nil {
		return nil, err
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the configured extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signalContext()
			defer cancel()

			res, err := extract.NewRunner(cfg).Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Extracted %d rows from %s into %s\n", res.Rows, res.Object, res.Table)
			if res.Watermark != "" {
				fmt.Printf("Watermark advanced to %s\n", res.Watermark)
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Dry-run the configuration: log in, build the query and probe it with LIMIT 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signalContext()
			defer cancel()

			q, err := extract.NewRunner(cfg).Validate(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Configuration is valid.\nObject: %s\nQuery:  %s\n", q.Object, q.Text)
			return nil
		},
	}
}

func objectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objects",
		Short: "List queryable objects in the org",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signalContext()
			defer cancel()

			sess, err := salesforce.Authenticate(ctx, cfg)
			if err != nil {
				return err
			}

			policy := retry.NewPolicy(cfg.Reliability.RetryAttempts, cfg.Reliability.RetryDelay)
			objects, err := salesforce.NewDescriber(sess, policy).ListQueryableObjects(ctx)
			if err != nil {
				return err
			}

			for _, o := range objects {
				fmt.Printf("%-40s %s\n", o.Name, o.Label)
			}
			fmt.Printf("\n%d queryable objects\n", len(objects))
			return nil
		},
	}
}

func fieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields <object>",
		Short: "List the fields of an object with their types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signalContext()
			defer cancel()

			sess, err := salesforce.Authenticate(ctx, cfg)
			if err != nil {
				return err
			}

			policy := retry.NewPolicy(cfg.Reliability.RetryAttempts, cfg.Reliability.RetryDelay)
			fields, err := salesforce.NewDescriber(sess, policy).Describe(ctx, args[0])
			if err != nil {
				return err
			}

			for _, f := range fields {
				note := ""
				if !f.Queryable {
					note = " (not queryable)"
				}
				fmt.Printf("%-40s %s%s\n", f.Name, f.Type, note)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forcepull %s\n", version)
			fmt.Printf("  commit: %s\n", gitCommit)
			fmt.Printf("  built:  %s\n", buildDate)
		},
	}
}
