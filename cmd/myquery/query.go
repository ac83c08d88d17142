package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/autom8ter/myquery"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
)

type queryFlags struct {
	filter     string
	sort       string
	projection string
	hint       string
	skip       int
	limit      int
}

func bindQueryFlags(cmd *cobra.Command) *queryFlags {
	q := &queryFlags{}
	cmd.Flags().StringVar(&q.filter, "filter", "{}", "match document (json, @file or -)")
	cmd.Flags().StringVar(&q.sort, "sort", "", "sort fields, for example a,-b")
	cmd.Flags().StringVar(&q.projection, "projection", "", "projection document (json)")
	cmd.Flags().StringVar(&q.hint, "hint", "", "index name to force, $natural forces a collection scan")
	cmd.Flags().IntVar(&q.skip, "skip", 0, "results to skip")
	cmd.Flags().IntVar(&q.limit, "limit", 0, "maximum results")
	return q
}

func (q *queryFlags) query() (myquery.Query, error) {
	out := myquery.Query{
		Sort:  myquery.ParseSort(q.sort),
		Hint:  q.hint,
		Skip:  q.skip,
		Limit: q.limit,
	}
	raw, err := readInput(q.filter)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out.Filter); err != nil {
		return out, fmt.Errorf("invalid filter: %w", err)
	}
	if q.projection != "" {
		if err := json.Unmarshal([]byte(q.projection), &out.Projection); err != nil {
			return out, fmt.Errorf("invalid projection: %w", err)
		}
	}
	return out, nil
}

func loadCmd(flags *globalFlags) *cobra.Command {
	var (
		fake  int
		input string
	)
	cmd := &cobra.Command{
		Use:   "load [collection]",
		Short: "insert json documents from a file (a json array or one document per line) or generated users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var docs myquery.Documents
			if input != "" {
				raw, err := readInput(input)
				if err != nil {
					return err
				}
				if docs, err = parseDocuments(raw); err != nil {
					return err
				}
			}
			for i := 0; i < fake; i++ {
				doc, err := myquery.NewDocumentFrom(map[string]any{
					"name":       gofakeit.Name(),
					"email":      gofakeit.Email(),
					"account_id": gofakeit.IntRange(0, 100),
					"language":   gofakeit.Language(),
					"age":        gofakeit.IntRange(0, 100),
				})
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				ids, err := db.Collection(args[0]).Insert(ctx, docs...)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), map[string]any{"inserted": len(ids)})
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "documents to insert (json, @file or -)")
	cmd.Flags().IntVar(&fake, "fake", 0, "number of generated user documents to insert")
	return cmd
}

func parseDocuments(raw []byte) (myquery.Documents, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs myquery.Documents
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var docs myquery.Documents
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		doc, err := myquery.NewDocumentFromBytes(line)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, scanner.Err()
}

func findCmd(flags *globalFlags) *cobra.Command {
	var q *queryFlags
	cmd := &cobra.Command{
		Use:   "find [collection]",
		Short: "run a query and print the matching documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				cursor, err := db.Collection(args[0]).Cursor(ctx, query)
				if err != nil {
					return err
				}
				defer cursor.Close()
				for {
					doc, ok, err := cursor.Next(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
					if err := flags.print(cmd.OutOrStdout(), doc); err != nil {
						return err
					}
				}
			})
		},
	}
	q = bindQueryFlags(cmd)
	return cmd
}

func countCmd(flags *globalFlags) *cobra.Command {
	var q *queryFlags
	cmd := &cobra.Command{
		Use:   "count [collection]",
		Short: "count the documents matching a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				n, err := db.Collection(args[0]).Count(ctx, query)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), map[string]any{"count": n})
			})
		},
	}
	q = bindQueryFlags(cmd)
	return cmd
}

func explainCmd(flags *globalFlags) *cobra.Command {
	var q *queryFlags
	cmd := &cobra.Command{
		Use:   "explain [collection]",
		Short: "show the candidate plans of a query and the cost of the winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				explain, err := db.Collection(args[0]).Explain(ctx, query)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), explain)
			})
		},
	}
	q = bindQueryFlags(cmd)
	return cmd
}

func aggregateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate [collection] [pipeline]",
		Short: "run an aggregation pipeline (json array, @file or -)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(args[1])
			if err != nil {
				return err
			}
			var pipeline myquery.Pipeline
			if err := json.Unmarshal(raw, &pipeline); err != nil {
				return fmt.Errorf("invalid pipeline: %w", err)
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				docs, err := db.Collection(args[0]).Aggregate(ctx, pipeline)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), docs)
			})
		},
	}
	return cmd
}
