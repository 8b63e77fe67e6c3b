// Command chaos runs the lending game day: concurrency experiments against a
// store, in process or through a running server, followed by an invariant
// check of that store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"libranexus/lending/internal/app"
	"libranexus/lending/internal/audit"
	"libranexus/lending/internal/clients"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/config"
	"libranexus/lending/internal/logging"
	"libranexus/lending/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	target     string
	contenders int
	reservers  int
	observe    time.Duration
	pause      time.Duration
}

func newCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "chaos",
		Short:        "Run the lending game day",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.target, "target", "", "base URL of a running server; empty drives the store in process")
	f.IntVar(&opts.contenders, "contenders", 20, "concurrent borrowers per experiment")
	f.IntVar(&opts.reservers, "reservers", 3, "members queued before the contended return")
	f.DurationVar(&opts.observe, "observe", 0, "keep sampling the invariants this long after each experiment")
	f.DurationVar(&opts.pause, "pause", 0, "wait between experiments")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName+"-chaos", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdown(context.WithoutCancel(ctx))

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := gameDay(ctx, a, logger, opts)
	if err != nil {
		return err
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.HypothesisHeld {
			return fmt.Errorf("hypothesis violated: %s", r.Experiment)
		}
	}
	return nil
}

func gameDay(ctx context.Context, a *app.App, logger *slog.Logger, opts options) ([]*audit.Result, error) {
	var target audit.Target = a.AuditTarget()
	if opts.target != "" {
		target = audit.Remote{Client: clients.New(opts.target, 30*time.Second)}
	}

	checks := a.Invariants()
	scenarios := []audit.Experiment{
		audit.BorrowRace(target, checks, opts.contenders),
		audit.ReturnRace(target, checks, opts.reservers, opts.contenders),
	}
	for i := range scenarios {
		scenarios[i].Duration = opts.observe
	}

	runner := audit.NewRunner(logger, clock.System())
	return runner.RunGameDay(ctx, audit.GameDay{
		Name:      "lending game day",
		Scenarios: scenarios,
		Pause:     opts.pause,
	})
}
