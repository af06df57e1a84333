package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/daemon"
	"github.com/hickar/mailpost/internal/app/retriever"
	"github.com/hickar/mailpost/internal/app/state"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Poll the configured IMAP mailboxes and publish new mail",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Clients) == 0 {
		return errors.New("no IMAP clients configured")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	stateStore, err := state.New(ctx, cfg.State, log.With(slog.String("module", "state")))
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}
	defer func() {
		_ = stateStore.Close()
	}()

	runner := daemon.NewRunner(
		stateStore,
		retriever.NewIMAPRetriever(
			retriever.ImapDialerFunc(imapclient.DialTLS),
			cfg.MaxMessageBytes(),
			log.With(slog.String("module", "retriever")),
		),
		a.composer,
		log.With(slog.String("module", "runner")),
	)

	d := daemon.NewDaemon(
		cfg,
		&daemon.Scheduler{},
		runner,
		log.With(slog.String("module", "daemon")),
	)

	if err = d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon exited with error: %w", err)
	}

	return nil
}
