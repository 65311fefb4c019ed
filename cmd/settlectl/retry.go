package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func retryFailedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Requeue outbound tasks that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.queue().RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d tasks\n", n)
			return nil
		},
	}
}
