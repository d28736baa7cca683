package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-kernel/nexus/pkg/cas"
	"github.com/nexus-kernel/nexus/pkg/kernel"
)

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one CAS GC sweep pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := kernel.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ms, err := openMetastore(cfg)
		if err != nil {
			return err
		}
		defer ms.Close()

		objStore, err := openObjectStore(cfg, "")
		if err != nil {
			return err
		}

		engine := cas.New(ms, objStore)
		sweeper := cas.NewSweeper(engine, cfg.CAS.GracePeriod, cfg.CAS.SweepInterval)

		ctx := context.Background()
		if err := sweeper.Sweep(ctx); err != nil {
			return fmt.Errorf("gc sweep: %w", err)
		}

		fmt.Println("gc sweep complete")
		return nil
	},
}
