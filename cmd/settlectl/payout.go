package main

import (
	"fmt"

	"bookpay/internal/service"

	"github.com/spf13/cobra"
)

func payoutCmd(configPath *string) *cobra.Command {
	var (
		providerID  int64
		destination string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Batch a provider's pending payouts into one transfer",
		Long: `Without --provider, lists providers with pending payouts. With
--provider, nets pending payouts against open negative-balance adjustments
and queues a transfer to --destination; a non-positive net carries forward.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			svc := service.NewPayoutService(e.db, e.cfg.Payments.Currency, e.queue(), nil, e.logger)
			out := cmd.OutOrStdout()

			if providerID == 0 {
				ids, err := svc.ProvidersDue(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(out, "No providers with pending payouts")
					return nil
				}
				for _, id := range ids {
					plan, err := svc.ComputeNextPayout(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "provider %d: gross %d deductions %d net %d\n", id, plan.Gross, plan.Deductions, plan.Net)
				}
				return nil
			}

			if dryRun {
				plan, err := svc.ComputeNextPayout(ctx, providerID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "provider %d: %d payouts, gross %d deductions %d net %d\n",
					providerID, len(plan.Payouts), plan.Gross, plan.Deductions, plan.Net)
				return nil
			}

			run, err := svc.RunPayout(ctx, providerID, destination)
			if err != nil {
				return err
			}
			if run.BatchID == "" {
				fmt.Fprintf(out, "provider %d: net %d, nothing transferred, balance carried forward\n", providerID, run.Net)
				return nil
			}
			fmt.Fprintf(out, "provider %d: batch %s queued as task %d, net %d\n", providerID, run.BatchID, run.TaskID, run.Net)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&providerID, "provider", "p", 0, "Provider id")
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "Processor recipient id for the transfer")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the plan without moving money")

	return cmd
}
