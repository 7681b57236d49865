package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/api/handler"
	"github.com/kiranshivaraju/cardscan/internal/scan"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var setHint string

	cmd := &cobra.Command{
		Use:   "enqueue <image-url>",
		Short: "Submit a photograph for identification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				sc, job, err := scan.Submit(cmd.Context(), svc.store,
					scan.Request{ImageURL: args[0], SetHint: setHint}, time.Now())
				if err != nil {
					return err
				}
				if svc.status != nil {
					if err := svc.status.SetScanStatus(cmd.Context(), sc.ID, sc.ProcessingStatus, handler.StatusTTL); err != nil {
						slog.Warn("scan.status_mirror_failed", "scan_id", sc.ID, "error", err)
					}
				}
				return emit(cmd, map[string]any{
					"scan_id": sc.ID,
					"job_id":  job.ID,
					"status":  sc.ProcessingStatus,
				}, [][2]string{
					{"Scan", sc.ID.String()},
					{"Job", job.ID.String()},
					{"Status", sc.ProcessingStatus},
				})
			})
		},
	}
	cmd.Flags().StringVar(&setHint, "set-hint", "", "Restrict retrieval to this set code")
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stuck-job sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				res, err := svc.sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, res, [][2]string{
					{"Requeued", strconv.Itoa(res.Requeued)},
					{"Failed", strconv.Itoa(res.Failed)},
					{"Lost races", strconv.Itoa(res.Lost)},
				})
			})
		},
	}
}

func newBudgetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show today's paid fallback spend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd.Context(), func(svc *services) error {
				st, err := svc.budget.Today(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, st, [][2]string{
					{"Date", st.Date.Format(time.DateOnly)},
					{"Budget", usd(st.Budget)},
					{"Spent", usd(st.TotalCost)},
					{"Reserved", usd(st.ReservedCost)},
					{"Remaining", usd(st.Remaining)},
					{"Requests", strconv.Itoa(st.RequestCount)},
				})
			})
		},
	}
}

func usd(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}
