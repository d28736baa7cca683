package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-kernel/nexus/pkg/cachestore"
	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/rebac"
)

var rebacRebuildClosureCmd = &cobra.Command{
	Use:   "rebuild-closure",
	Short: "Force an immediate ReBAC group-closure recompute for one zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		zoneID, _ := cmd.Flags().GetString("zone")

		cfg, err := kernel.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		rs, err := openRecordStore(cfg)
		if err != nil {
			return err
		}
		defer rs.Close()

		cache := cachestore.NewMemoryCacheStore()
		registry := rebac.NewRegistry()
		registry.Register(rebac.DefaultFileNamespace())
		engine := rebac.New(rs, cache, registry,
			rebac.WithLimits(rebac.Limits{
				MaxDepth:   cfg.ReBAC.MaxDepth,
				MaxNodes:   cfg.ReBAC.MaxNodesVisited,
				MaxFanout:  cfg.ReBAC.MaxFanOut,
				MaxQueries: cfg.ReBAC.MaxQueries,
				Timeout:    cfg.ReBAC.CheckTimeout,
			}),
			rebac.WithAdminBypass(cfg.ReBAC.AdminBypass))

		ctx := context.Background()
		if err := engine.RebuildClosureNow(ctx, zoneID); err != nil {
			return fmt.Errorf("rebuild closure: %w", err)
		}

		fmt.Printf("group closure rebuilt for zone %s\n", zoneID)
		return nil
	},
}
