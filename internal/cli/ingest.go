package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hickar/mailpost/internal/app/post"
	"github.com/hickar/mailpost/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Publish one raw email read from a file or stdin",
	Long: "Reads one RFC 5322 message and publishes it. Designed to be called by Postfix or sendmail\n" +
		"as a pipe transport: the exit status follows sysexits.h (0 published or already published,\n" +
		"65 malformed message, 75 temporary failure, retry later). The post path is printed on success.",
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx = logger.WithAttrs(ctx, slog.String("run_id", uuid.NewString()))

	raw, err := readInput(cmd, args, cfg.MaxMessageBytes())
	if err != nil {
		return outcomeError(post.Classify(err), err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return outcomeError(post.OutcomeCollaboratorError, err)
	}
	defer func() {
		_ = a.Close()
	}()

	res, err := a.composer.HandleRaw(ctx, bytes.NewReader(raw))
	outcome := post.Classify(err)

	switch {
	case outcome == post.OutcomeOK:
		log.InfoContext(ctx, "published post", slog.String("path", res.RelPath))
		fmt.Fprintln(cmd.OutOrStdout(), res.Path)
		return nil
	case outcome.Conflict():
		log.InfoContext(ctx, "message already processed", slog.Any("error", err))
		return nil
	default:
		return outcomeError(outcome, err)
	}
}

// readInput reads the message from the named file or stdin, rejecting
// anything larger than limit.
func readInput(cmd *cobra.Command, args []string, limit int64) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		//nolint:gosec
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}

	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", post.ErrInvalidMessage)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: larger than %d bytes", post.ErrInvalidMessage, limit)
	}

	return raw, nil
}

func outcomeError(outcome post.Outcome, err error) error {
	return &exitError{code: outcome.ExitCode(), err: fmt.Errorf("%s: %w", outcome, err)}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
