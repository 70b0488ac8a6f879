package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/vectorpipe/config"
	"github.com/mohammad-safakhou/vectorpipe/internal/retriever"
	srv "github.com/mohammad-safakhou/vectorpipe/internal/server"
)

func searchCMD() *cobra.Command {
	var cfgPath string
	var k int
	var minScore float64
	var hybrid bool

	var search = &cobra.Command{
		Use:   "search [query...]",
		Short: "Query the vector index",
		Args:  cobra.MinimumNArgs(1),
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

			var results []retriever.SearchResult
			switch {
			case len(args) > 1:
				results, err = deps.Retr.RetrieveMulti(ctx, args, k, minScore)
			case hybrid:
				results, err = deps.Retr.RetrieveHybrid(ctx, args[0], k, minScore)
			default:
				results, err = deps.Retr.Retrieve(ctx, args[0], k, minScore)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	search.Flags().IntVarP(&k, "k", "k", 0, "number of results (0 = config default)")
	search.Flags().Float64Var(&minScore, "min-score", 0, "drop results scoring below this")
	search.Flags().BoolVar(&hybrid, "hybrid", false, "fuse vector and keyword ranks")
	search.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return search
}
