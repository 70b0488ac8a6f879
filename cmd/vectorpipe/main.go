package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "vectorpipe"}

	root.AddCommand(serveCMD(), embedCMD(), searchCMD(), compactCMD(), budgetCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
