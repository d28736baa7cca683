package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metadata"
	"github.com/nexus-kernel/nexus/pkg/oplog"
)

var oplogVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the operation log divergence recovery pass on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		zoneID, _ := cmd.Flags().GetString("zone")
		since, _ := cmd.Flags().GetDuration("since")

		cfg, err := kernel.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ms, err := openMetastore(cfg)
		if err != nil {
			return err
		}
		defer ms.Close()

		rs, err := openRecordStore(cfg)
		if err != nil {
			return err
		}
		defer rs.Close()

		meta := metadata.New(ms)
		opLog := oplog.New(rs)

		sinceTime := time.Unix(0, 0)
		if since > 0 {
			sinceTime = time.Now().Add(-since)
		}

		report, err := opLog.Recover(context.Background(), zoneID, meta, sinceTime)
		if err != nil {
			return fmt.Errorf("oplog verify: %w", err)
		}

		fmt.Printf("scanned %d entries, %d quarantined\n", report.Scanned, len(report.Quarantine))
		for _, q := range report.Quarantine {
			fmt.Printf("  op_id=%s path=%s op_type=%s reason=%q\n", q.OpID, q.FilePath, q.OpType, q.Reason)
		}
		return nil
	},
}
