package cli

import (
	"log/slog"

	"github.com/hickar/mailpost/internal/app/gitrepo"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cloneCmd)
}

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone the blog repository into the working copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		repo, err := gitrepo.Clone(ctx, cfg.Repository, log.With(slog.String("module", "gitrepo")))
		if err != nil {
			return err
		}

		log.InfoContext(ctx, "cloned repository", slog.String("path", repo.Path()))
		return nil
	},
}
