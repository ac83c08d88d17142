package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autom8ter/myquery"
	"github.com/spf13/cobra"
)

func indexCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "list, create and drop indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [collection]",
		Short: "list the indexes of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				return flags.print(cmd.OutOrStdout(), db.Collection(args[0]).Indexes())
			})
		},
	})

	var (
		name    string
		unique  bool
		sparse  bool
		partial string
	)
	create := &cobra.Command{
		Use:   "create [collection] [key pattern]",
		Short: "build an index, the key pattern is a comma separated list such as a,-b",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx := myquery.Index{
				Name:   name,
				Fields: myquery.ParseKeyPattern(args[1]),
				Unique: unique,
				Sparse: sparse,
			}
			if partial != "" {
				if err := json.Unmarshal([]byte(partial), &idx.PartialFilterExpression); err != nil {
					return fmt.Errorf("invalid partial filter: %w", err)
				}
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				if err := db.Collection(args[0]).CreateIndex(ctx, idx); err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), db.Collection(args[0]).Indexes())
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "index name, defaults to the key pattern")
	create.Flags().BoolVar(&unique, "unique", false, "reject duplicate keys")
	create.Flags().BoolVar(&sparse, "sparse", false, "skip documents missing every indexed field")
	create.Flags().StringVar(&partial, "partial", "", "partial filter expression (json)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "drop [collection] [name]",
		Short: "drop an index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				return db.Collection(args[0]).DropIndex(ctx, args[1])
			})
		},
	})
	return cmd
}

func planCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plancache",
		Short: "inspect and clear cached plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [collection]",
		Short: "list the cached plans of a collection, or of every collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var collection string
			if len(args) > 0 {
				collection = args[0]
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				return flags.print(cmd.OutOrStdout(), db.PlanCache().Stats(collection))
			})
		},
	})

	var q *queryFlags
	clearCmd := &cobra.Command{
		Use:   "clear [collection]",
		Short: "clear the cached plans of a collection, or of one query shape when --filter or --sort is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				c := db.Collection(args[0])
				if !cmd.Flags().Changed("filter") && !cmd.Flags().Changed("sort") && !cmd.Flags().Changed("projection") {
					return flags.print(cmd.OutOrStdout(), map[string]any{"removed": c.ClearPlanCache(ctx)})
				}
				query, err := q.query()
				if err != nil {
					return err
				}
				removed, err := c.ClearPlanCacheShape(ctx, query)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), map[string]any{"removed": removed})
			})
		},
	}
	q = bindQueryFlags(clearCmd)
	cmd.AddCommand(clearCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "params",
		Short: "print the query engine parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				return flags.print(cmd.OutOrStdout(), db.Parameters())
			})
		},
	})
	return cmd
}
