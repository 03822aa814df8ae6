// Command ruleflow is the thin CLI front end over internal/engine.
//
// It has no built-in tools: a definition file's "tool:" identifiers must be
// registered by whatever embeds internal/registry before a real deployment
// wires this binary to anything useful. As shipped here it exists so the
// engine has a runnable entry point at all, per SPEC_FULL.md §2.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ruleflow/internal/config"
	"ruleflow/internal/engine"
	"ruleflow/internal/errs"
	"ruleflow/internal/logging"
	"ruleflow/internal/registry"
)

var (
	flagConfig           string
	flagWorkingDirectory string
	flagDryRun           bool
	flagWorkerCount      int
	flagVerbose          bool

	cfg *config.Config
	reg = registry.New()
)

var rootCmd = &cobra.Command{
	Use:   "ruleflow",
	Short: "Run a DAG of declared-input/output rules",
	Long: `ruleflow executes a user-defined DAG of rules against declared file
and table inputs and outputs, persists execution provenance, and skips
rules whose inputs and outputs are unchanged since the last successful run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagWorkingDirectory != "" {
			c.WorkingDirectory = flagWorkingDirectory
		}
		if flagDryRun {
			c.DryRun = true
		}
		if flagWorkerCount > 0 {
			c.WorkerCount = flagWorkerCount
		}
		if flagVerbose {
			c.Logging.Debug = true
		}
		if err := logging.Init(c.Logging.Debug, c.Logging.JSON); err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run <definition-file>",
	Short: "Bind and execute every rule declared in a definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine.New(cfg, reg)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return reportResult(res)
	},
}

var (
	ruleInputFiles  map[string]string
	ruleOutputFiles map[string]string
	ruleInputTables map[string]string
	ruleOutputTables map[string]string
	ruleParams      map[string]string
)

var ruleCmd = &cobra.Command{
	Use:   "rule <tool-identifier>",
	Short: "Bind and execute a single rule in isolation, outside any definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine.New(cfg, reg)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.RunSingle(cmd.Context(), args[0], ruleInputFiles, ruleOutputFiles, ruleInputTables, ruleOutputTables, ruleParams)
		if err != nil {
			return err
		}
		return reportResult(res)
	},
}

// reportResult logs the outcome and returns a non-nil error (mapped to a
// process exit code by main) if the execution did not finish DONE.
func reportResult(res *engine.RunResult) error {
	log := logging.For(logging.CategoryRuntime)
	log.Infow("execution finished", "execution_id", res.Execution.ID, "status", res.Execution.Status)
	if res.Execution.Status != "DONE" {
		return errs.New(errs.ExecutionFailure, fmt.Sprintf("execution finished with status %s", res.Execution.Status))
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flagWorkingDirectory, "working-directory", "w", "", "base directory for resolving declared file paths")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "evaluate freshness without invoking any rule callback")
	rootCmd.PersistentFlags().IntVar(&flagWorkerCount, "worker-count", 0, "bounded worker pool size (0 keeps the configured value, which defaults to host concurrency)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")

	ruleCmd.Flags().StringToStringVar(&ruleInputFiles, "input-file", nil, "declared input file, name=path (repeatable)")
	ruleCmd.Flags().StringToStringVar(&ruleOutputFiles, "output-file", nil, "declared output file, name=path (repeatable)")
	ruleCmd.Flags().StringToStringVar(&ruleInputTables, "input-table", nil, "declared input table, name=model-identifier (repeatable)")
	ruleCmd.Flags().StringToStringVar(&ruleOutputTables, "output-table", nil, "declared output table, name=model-identifier (repeatable)")
	ruleCmd.Flags().StringToStringVar(&ruleParams, "param", nil, "rule option, name=value (repeatable)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ruleCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if e, ok := err.(*errs.Error); ok {
			fmt.Fprintln(os.Stderr, "ruleflow:", e.Error())
			os.Exit(errs.ExitCode(e.Kind))
		}
		fmt.Fprintln(os.Stderr, "ruleflow:", err)
		os.Exit(1)
	}
}
