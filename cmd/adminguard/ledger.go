package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/adminguard/internal/limiter"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <principal>",
		Short: "Show whether a principal may attempt a login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lim, closeFn, err := a.openLimiter(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			d, err := lim.Allow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if d.Allowed {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: allowed\n", args[0])
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: locked for %s\n", args[0], d.RetryAfter)
			return err
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <principal>",
		Short: "Clear the failed attempts of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lim, closeFn, err := a.openLimiter(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := lim.Success(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.log.Info("attempt ledger reset by operator", zap.String("principal", args[0]))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", args[0])
			return err
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired failures from the attempt ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lim, closeFn, err := a.openLimiter(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			s, ok := lim.(limiter.Sweeper)
			if !ok {
				// Redis keys expire on their own.
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s ledger expires entries itself\n", a.cfg.Limiter.Backend)
				return err
			}
			n, err := s.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", n)
			return err
		},
	}
}
