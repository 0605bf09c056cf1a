package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/adminguard/internal/config"
	"github.com/and161185/adminguard/internal/limiter"
	"github.com/and161185/adminguard/internal/model"
	"github.com/and161185/adminguard/internal/service"
)

var errNotAuthenticated = errors.New("not authenticated")

func newVerifyCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run one authentication attempt against the configured ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, _, closeFn, err := a.openGuard(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			principal := user
			if principal == "" {
				principal = g.Principal()
			}
			p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			secret, err := p.Secret("Secret: ")
			if err != nil {
				return err
			}

			res := g.Authenticate(cmd.Context(), principal, secret)
			printResult(cmd.OutOrStdout(), res)
			if !res.OK() {
				return errNotAuthenticated
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "principal to authenticate (default admin.username)")
	return cmd
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Interactive login console",
		Long: `Prompts for username and secret until end of input or interrupt.
The memory ledger is swept in the background and admin.credential is
reloaded when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, lim, closeFn, err := a.openGuard(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if s, ok := lim.(limiter.Sweeper); ok && a.cfg.Limiter.SweepInterval > 0 {
				done := make(chan struct{})
				go func() {
					defer close(done)
					limiter.RunJanitor(ctx, s, a.cfg.Limiter.SweepInterval, a.log)
				}()
				defer func() { cancel(); <-done }()
			}
			if a.v.ConfigFileUsed() != "" {
				config.Watch(a.v, g, a.log)
			}

			err = loginLoop(ctx, g, newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr()), cmd.OutOrStdout())
			a.logSummary()
			return err
		},
	}
}

func loginLoop(ctx context.Context, g *service.AuthGuard, p *prompter, out io.Writer) error {
	for ctx.Err() == nil {
		user, err := p.Line("Username: ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		secret, err := p.Secret("Secret: ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		printResult(out, g.Authenticate(ctx, user, secret))
	}
	return nil
}

func printResult(w io.Writer, r model.Result) {
	switch r.Outcome {
	case model.OutcomeSuccess:
		_, _ = fmt.Fprintln(w, "success")
	case model.OutcomeLocked:
		_, _ = fmt.Fprintf(w, "locked: retry after %s\n", r.RetryAfter.Round(time.Second))
	default:
		_, _ = fmt.Fprintln(w, "rejected: invalid credentials")
	}
}

// logSummary logs the attempt counters collected during this run.
func (a *app) logSummary() {
	families, err := a.reg.Gather()
	if err != nil {
		a.log.Warn("gather metrics", zap.Error(err))
		return
	}
	fields := make([]zap.Field, 0, 3)
	for _, f := range families {
		if f.GetName() != "adminguard_auth_attempts_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					fields = append(fields, zap.Float64(lp.GetValue(), m.GetCounter().GetValue()))
				}
			}
		}
	}
	a.log.Info("login console closed", fields...)
}
