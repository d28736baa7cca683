// Command nexus-admin is a maintenance CLI for the storage kernel's
// offline operations: CAS garbage collection, ReBAC group-closure
// rebuilds, and operation-log divergence verification. It never evaluates
// a ReBAC check on behalf of an end subject and never serves a read or
// write, so it does not reintroduce a filesystem front-end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexus-kernel/nexus/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexus-admin",
	Short: "Maintenance CLI for a Nexus storage kernel",
	Long: `nexus-admin runs one-shot maintenance operations against a kernel's
pillar drivers: a CAS GC sweep, an on-demand ReBAC group-closure rebuild,
or an operation-log divergence verification pass.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to kernel config YAML (required)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.MarkPersistentFlagRequired("config")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(rebacCmd)
	rootCmd.AddCommand(oplogCmd)

	gcCmd.AddCommand(gcRunCmd)
	rebacCmd.AddCommand(rebacRebuildClosureCmd)
	oplogCmd.AddCommand(oplogVerifyCmd)

	rebacRebuildClosureCmd.Flags().String("zone", "", "zone ID to rebuild (required)")
	rebacRebuildClosureCmd.MarkFlagRequired("zone")

	oplogVerifyCmd.Flags().String("zone", "", "zone ID to verify (required)")
	oplogVerifyCmd.Flags().Duration("since", 0, "only scan entries at or after now-since (0 scans the full log)")
	oplogVerifyCmd.MarkFlagRequired("zone")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Content-addressed storage garbage collection",
}

var rebacCmd = &cobra.Command{
	Use:   "rebac",
	Short: "ReBAC authorization graph maintenance",
}

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Operation log maintenance",
}
