// Package cli implements the mailpost command line.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configFilepath string
	envFilepath    string
)

var rootCmd = &cobra.Command{
	Use:   "mailpost",
	Short: "Publish emails as Jekyll blog posts",
	Long: "Turns an email into a blog post: photos are uploaded to object storage with their EXIF\n" +
		"metadata, the text becomes a Markdown post committed to the blog's git repository.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFilepath, "config", "./config.yaml", "Filepath to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFilepath, "env-file", "./.env", "Filepath to environment variables file")
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "mailpost: %v\n", err)

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	os.Exit(1)
}

// loadConfig reads the configuration and builds the logger. Logs go to
// stderr so stdout stays free for command output.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configFilepath, envFilepath)
	if err != nil {
		// EX_CONFIG
		return cfg, nil, &exitError{code: 78, err: fmt.Errorf("failed to load configuration: %w", err)}
	}

	return cfg, logger.New(os.Stderr, slog.Level(cfg.LogLevel)), nil
}
