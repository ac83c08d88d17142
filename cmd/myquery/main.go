package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   "myquery",
		Short: "myquery is a document database with a cost based query planner and a plan cache",
	}
	flags := bindGlobalFlags(cmd)
	cmd.AddCommand(
		loadCmd(flags),
		findCmd(flags),
		countCmd(flags),
		explainCmd(flags),
		aggregateCmd(flags),
		indexCmd(flags),
		planCacheCmd(flags),
		serveCmd(flags),
		benchCmd(flags),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
