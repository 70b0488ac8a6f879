package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/vectorpipe/config"
	srv "github.com/mohammad-safakhou/vectorpipe/internal/server"
)

func compactCMD() *cobra.Command {
	var cfgPath string
	var compact = &cobra.Command{
		Use:   "compact",
		Short: "Rebuild the vector index without tombstones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			deps, err := srv.BuildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			before := deps.Index.TombstoneRatio()
			if err := deps.Pipe.Compact(ctx); err != nil {
				return err
			}
			fmt.Printf("compacted: %d live entries, tombstone ratio %.2f -> 0.00, version %s\n",
				deps.Index.Len(), before, deps.Index.Version())
			return nil
		},
	}
	compact.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return compact
}

func budgetCMD() *cobra.Command {
	var cfgPath string
	var budgetCmd = &cobra.Command{
		Use:   "budget",
		Short: "Show the spend ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			deps, err := srv.BuildDeps(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			rec := deps.Ledger.Snapshot()
			fmt.Printf("period:   %s\n", rec.PeriodID)
			fmt.Printf("cap:      $%.4f\n", rec.Cap)
			fmt.Printf("spent:    $%.4f\n", rec.Spent)
			fmt.Printf("headroom: $%.4f\n", deps.Ledger.Headroom())
			return nil
		},
	}
	budgetCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return budgetCmd
}
