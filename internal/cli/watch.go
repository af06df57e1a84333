package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/spool"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Publish *.eml files dropped into the spool directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Spool.Dir == "" {
			return errors.New("spool.dir is not configured")
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

		w := spool.NewWatcher(cfg.Spool, a.composer, log.With(slog.String("module", "spool")))
		if err = w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	},
}
