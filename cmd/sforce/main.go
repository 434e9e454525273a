package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sforce/pkg/bulk2"
	"github.com/ajitpratap0/sforce/pkg/config"
	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/logger"
	"github.com/ajitpratap0/sforce/pkg/metadata"
	"github.com/ajitpratap0/sforce/pkg/salesforce"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string
	var logLevel string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "sforce",
		Short: "sforce - Salesforce API client",
		Long: `sforce is a command-line client for the Salesforce REST, Bulk, and
Metadata APIs. Credentials and connection settings are read from a YAML
configuration file; ${VAR} references in the file are expanded from the
environment.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "sforce.yaml", "Configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall command timeout")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sforce v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	connect := func() (context.Context, context.CancelFunc, *salesforce.Client, error) {
		if err := logger.Init(logger.Config{Level: logLevel, Encoding: "console"}); err != nil {
			return nil, nil, nil, err
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		client, err := salesforce.New(ctx, cfg, logger.Get())
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		return ctx, cancel, client, nil
	}

	var includeDeleted bool
	queryCmd := &cobra.Command{
		Use:   "query <soql>",
		Short: "Run a SOQL query and print the records as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			var result *salesforce.QueryResult
			if includeDeleted {
				result, err = client.QueryAllIncludeDeleted(ctx, args[0])
			} else {
				result, err = client.QueryAll(ctx, args[0])
			}
			if err != nil {
				return err
			}
			out, err := sfjson.MarshalIndent(result.Records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			logger.Info("query finished", zap.Int("records", len(result.Records)))
			return nil
		},
	}
	queryCmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Include archived and soft-deleted records")
	root.AddCommand(queryCmd)

	var loadFile, externalID string
	loadCmd := &cobra.Command{
		Use:   "load <object> <operation>",
		Short: "Bulk-load a CSV file with the Bulk API v2",
		Long: `Load a CSV file into an object with the Bulk API v2. The operation is one
of insert, update, upsert, delete, or hardDelete. Large files are split into
multiple jobs automatically.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			opts := &bulk2.Options{ExternalIDField: externalID}
			results, err := client.Bulk2().Object(args[0]).LoadFile(ctx, bulk2.Operation(args[1]), loadFile, opts)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("job %s: %d processed, %d failed\n", r.JobID, r.RecordsProcessed, r.RecordsFailed)
			}
			return nil
		},
	}
	loadCmd.Flags().StringVarP(&loadFile, "file", "f", "", "CSV file to load (required)")
	loadCmd.Flags().StringVar(&externalID, "external-id", "", "External id field for upsert")
	_ = loadCmd.MarkFlagRequired("file")
	root.AddCommand(loadCmd)

	var exportDir string
	exportCmd := &cobra.Command{
		Use:   "export <object> <soql>",
		Short: "Export query results to CSV files with the Bulk API v2",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			object := client.Bulk2().Object(args[0])
			it, err := object.Query(ctx, args[1], nil)
			if err != nil {
				return err
			}
			pages, err := object.DownloadQueryResults(ctx, it.JobID(), exportDir, nil)
			if err != nil {
				return err
			}
			total := 0
			for _, page := range pages {
				fmt.Printf("%s: %d records\n", page.File, page.NumberOfRecords)
				total += page.NumberOfRecords
			}
			logger.Info("export finished", zap.Int("records", total), zap.Int("files", len(pages)))
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", ".", "Directory for result files")
	root.AddCommand(exportCmd)

	var checkOnly, sandbox bool
	var testLevel string
	var runTests []string
	deployCmd := &cobra.Command{
		Use:   "deploy <path>",
		Short: "Deploy a metadata archive or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			asyncID, state, err := client.Deploy(ctx, args[0], metadata.DeployOptions{
				CheckOnly: checkOnly,
				Sandbox:   sandbox,
				TestLevel: testLevel,
				RunTests:  runTests,
			})
			if err != nil {
				return err
			}
			fmt.Printf("deploy %s: %s\n", asyncID, state)
			return nil
		},
	}
	deployCmd.Flags().BoolVar(&checkOnly, "check-only", false, "Validate without saving")
	deployCmd.Flags().BoolVar(&sandbox, "sandbox", false, "Target a sandbox org")
	deployCmd.Flags().StringVar(&testLevel, "test-level", "", "Apex test level, e.g. RunSpecifiedTests")
	deployCmd.Flags().StringSliceVar(&runTests, "run-tests", nil, "Apex test classes to run")
	root.AddCommand(deployCmd)

	deployStatusCmd := &cobra.Command{
		Use:   "deploy-status <async-id>",
		Short: "Show the state of an async deploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			status, err := client.CheckDeployStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("state: %s\n", status.State)
			if status.StateDetail != "" {
				fmt.Printf("detail: %s\n", status.StateDetail)
			}
			fmt.Printf("components: %d/%d deployed, %d failed\n",
				status.Deployment.DeployedCount, status.Deployment.TotalCount, status.Deployment.FailedCount)
			for _, e := range status.Deployment.Errors {
				fmt.Printf("  %s %s: %s\n", e.Type, e.File, e.Problem)
			}
			for _, f := range status.UnitTest.Errors {
				fmt.Printf("  test %s.%s: %s\n", f.Class, f.Method, f.Message)
			}
			return nil
		},
	}
	root.AddCommand(deployStatusCmd)

	limitsCmd := &cobra.Command{
		Use:   "limits",
		Short: "Show org API limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, client, err := connect()
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			limits, err := client.Limits(ctx)
			if err != nil {
				return err
			}
			out, err := sfjson.MarshalIndent(limits, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	root.AddCommand(limitsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
