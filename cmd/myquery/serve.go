package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/autom8ter/myquery"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the diagnostic http api",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return flags.withDB(ctx, func(ctx context.Context, db *myquery.DB) error {
				server := &http.Server{
					Addr:    fmt.Sprintf(":%d", port),
					Handler: db.Handler(),
				}
				egp, ctx := errgroup.WithContext(ctx)
				egp.Go(func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", server.Addr)
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				})
				egp.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
				return egp.Wait()
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to serve on")
	return cmd
}

type benchResult struct {
	Queries       int      `json:"queries"`
	Errors        int      `json:"errors"`
	Millis        int64    `json:"millis"`
	FromPlanCache int      `json:"fromPlanCache"`
	Replanned     int      `json:"replanned"`
	Plans         []string `json:"plans"`
	CacheEntries  int      `json:"cacheEntries"`
	Evictions     int64    `json:"evictions"`
}

func benchCmd(flags *globalFlags) *cobra.Command {
	var (
		q           *queryFlags
		concurrency int
		iterations  int
	)
	cmd := &cobra.Command{
		Use:   "bench [collection]",
		Short: "run a query concurrently and report how often it was answered from the plan cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := q.query()
			if err != nil {
				return err
			}
			return flags.withDB(cmd.Context(), func(ctx context.Context, db *myquery.DB) error {
				var (
					mu     sync.Mutex
					result benchResult
				)
				start := time.Now()
				egp, ctx := errgroup.WithContext(ctx)
				egp.SetLimit(concurrency)
				for i := 0; i < iterations; i++ {
					egp.Go(func() error {
						cursor, err := db.Collection(args[0]).Cursor(ctx, query)
						if err != nil {
							mu.Lock()
							result.Errors++
							mu.Unlock()
							return nil
						}
						defer cursor.Close()
						_, err = cursor.All(ctx)
						info := cursor.Info()
						mu.Lock()
						defer mu.Unlock()
						result.Queries++
						if err != nil {
							result.Errors++
						}
						if info.FromPlanCache {
							result.FromPlanCache++
						}
						if info.Replanned {
							result.Replanned++
						}
						result.Plans = append(result.Plans, info.WinningPlan)
						return nil
					})
				}
				if err := egp.Wait(); err != nil {
					return err
				}
				result.Millis = time.Since(start).Milliseconds()
				result.Plans = lo.Uniq(result.Plans)
				result.CacheEntries = db.PlanCache().Len()
				result.Evictions = db.PlanCache().Evictions()
				return flags.print(cmd.OutOrStdout(), result)
			})
		},
	}
	q = bindQueryFlags(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "concurrent queries")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100, "total queries")
	return cmd
}
