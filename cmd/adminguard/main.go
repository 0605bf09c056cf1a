// Command adminguard manages and exercises the admin authentication guard:
// it hashes credentials, runs login attempts against the configured ledger,
// inspects or resets lockouts and applies ledger migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/adminguard/internal/config"
	"github.com/and161185/adminguard/internal/limiter"
	"github.com/and161185/adminguard/internal/metrics"
	"github.com/and161185/adminguard/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app is the state shared by all subcommands, filled in by the root pre-run.
type app struct {
	cfgFile string

	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
	reg *prometheus.Registry
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "adminguard",
		Short:        "Admin credential verification with login rate limiting",
		Version:      fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./adminguard.yaml or /etc/adminguard/adminguard.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("backend", "", "attempt ledger backend (memory, postgres, redis)")

	cmd.AddCommand(
		newHashCmd(a),
		newVerifyCmd(a),
		newLoginCmd(a),
		newStatusCmd(a),
		newResetCmd(a),
		newSweepCmd(a),
		newMigrateCmd(a),
		newConfigCmd(a),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	a.v = config.NewViper(a.cfgFile)
	flags := cmd.Root().PersistentFlags()
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		a.v.Set("log.level", f.Value.String())
	}
	if f := flags.Lookup("backend"); f != nil && f.Changed {
		a.v.Set("limiter.backend", f.Value.String())
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log.With(zap.String("backend", cfg.Limiter.Backend))
	a.reg = prometheus.NewRegistry()
	return nil
}

// openGuard assembles verifier, reference, ledger and guard from the loaded
// config. The returned func releases the ledger connection.
func (a *app) openGuard(ctx context.Context) (*service.AuthGuard, limiter.Limiter, func(), error) {
	v, err := a.cfg.Verifier()
	if err != nil {
		return nil, nil, nil, err
	}
	ref, err := a.cfg.Reference()
	if err != nil {
		return nil, nil, nil, err
	}
	if v.NeedsRehash(ref) {
		a.log.Warn("admin credential uses weaker parameters than configured; regenerate it with `adminguard hash`",
			zap.String("algorithm", string(ref.Algorithm())))
	}

	lim, closeFn, err := a.openLimiter(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := service.NewAuthGuard(a.cfg.Admin.Username, ref, v, lim,
		service.WithLogger(a.log),
		service.WithMetrics(metrics.NewGuard(a.reg)),
		service.WithMaxPrincipalLen(a.cfg.Admin.MaxPrincipalLen),
	)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return g, lim, closeFn, nil
}

func (a *app) openLimiter(ctx context.Context) (limiter.Limiter, func(), error) {
	lim, closeFn, err := a.cfg.OpenLimiter(ctx)
	if err != nil {
		a.log.Error("attempt ledger unavailable", zap.Error(err))
		return nil, nil, err
	}
	return lim, closeFn, nil
}
