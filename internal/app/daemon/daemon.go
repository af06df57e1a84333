// Package daemon polls IMAP mailboxes and publishes what arrives.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/pkg/logger"

	"github.com/google/uuid"
)

type Daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	scheduler scheduler
	runner    runner
}

type scheduler interface {
	ScheduleWithCtx(context.Context, schedulerSettings) error
	Stop()
}

type runner interface {
	Run(context.Context, config.ClientConfig) error
}

func NewDaemon(
	cfg config.Config,
	scheduler scheduler,
	runner runner,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:       cfg,
		scheduler: scheduler,
		runner:    runner,
		logger:    logger,
	}
}

// Start launches the scheduler, which utilizes built-in Ticker (https://pkg.go.dev/time#Ticker),
// and polls every configured client until ctx is canceled.
//
// A failed run is logged and retried on the next tick.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.State.Backend == "memory" {
		d.logger.WarnContext(ctx, "mailbox cursors are kept in memory, mail arriving while the daemon is stopped will be skipped",
			slog.String("state_backend", d.cfg.State.Backend),
		)
	}

	err := d.scheduler.ScheduleWithCtx(ctx, schedulerSettings{
		LaunchInitially: true,                          // Execute the job immediately upon scheduling.
		Interval:        d.cfg.Daemon.MailPollInterval, // Time interval between job executions.
		Callback:        d.tick,
	})
	if err != nil {
		return fmt.Errorf("error occurred while launching the scheduler: %w", err)
	}
	defer d.scheduler.Stop()

	d.logger.InfoContext(ctx, "polling mailboxes",
		slog.Int("clients", len(d.cfg.Clients)),
		slog.Duration("interval", d.cfg.Daemon.MailPollInterval),
	)

	<-ctx.Done()
	return ctx.Err()
}

func (d *Daemon) tick(ctx context.Context) {
	ctx = logger.WithAttrs(ctx, slog.String("run_id", uuid.NewString()))

	tctx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.MailPollTaskTimeout)
	defer cancel()

	for _, client := range d.cfg.Clients {
		if err := d.runner.Run(tctx, client); err != nil {
			d.logger.ErrorContext(ctx, "task execution failed",
				slog.String("client", client.Login),
				slog.Any("error", err),
			)
		}
	}
}
