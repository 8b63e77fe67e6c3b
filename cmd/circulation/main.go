// Command circulation serves the lending API and administers the library
// from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"libranexus/lending/internal/app"
	"libranexus/lending/internal/config"
	"libranexus/lending/internal/logging"
	"libranexus/lending/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI().execute(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries what every subcommand shares.
type cli struct {
	root     *cobra.Command
	cfg      config.Config
	logger   *slog.Logger
	app      *app.App
	shutdown telemetry.Shutdown
}

func newCLI() *cli {
	c := &cli{}
	c.root = &cobra.Command{
		Use:               "circulation",
		Short:             "LibraNexus lending engine",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	c.root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.bookCmd(),
		c.copyCmd(),
		c.memberCmd(),
		c.borrowCmd(),
		c.returnCmd(),
		c.reserveCmd(),
		c.cancelCmd(),
		c.promoteCmd(),
		c.finesCmd(),
		c.auditCmd(),
	)
	return c
}

// execute runs the command line and releases whatever setup opened, also
// when the command failed.
func (c *cli) execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	return errors.Join(err, c.teardown(ctx))
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.Setup(cmd.Context(), cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg, logger)
	if err != nil {
		_ = shutdown(cmd.Context())
		return err
	}

	c.cfg, c.logger, c.app, c.shutdown = cfg, logger, a, shutdown
	return nil
}

func (c *cli) teardown(ctx context.Context) error {
	var errs []error
	if c.app != nil {
		errs = append(errs, c.app.Close())
		c.app = nil
	}
	if c.shutdown != nil {
		errs = append(errs, c.shutdown(context.WithoutCancel(ctx)))
		c.shutdown = nil
	}
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

// idArgs parses every positional argument as a UUID, named in order.
func idArgs(args []string, names ...string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(names))
	for i, name := range names {
		id, err := parseID(name, args[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
