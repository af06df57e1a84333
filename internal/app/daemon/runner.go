package daemon

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/app/mailer"
	"github.com/hickar/mailpost/internal/app/post"
	"github.com/hickar/mailpost/internal/app/state"
	"github.com/hickar/mailpost/internal/pkg/logger"
)

type MailRetriever interface {
	GetMail(ctx context.Context, cfg config.ClientConfig, cursor state.ClientState) (mailer.Mail, error)
}

type MessageHandler interface {
	Handle(ctx context.Context, msg *mailer.Message) (post.Result, error)
}

type TaskRunner struct {
	stateStore    state.Store
	mailRetriever MailRetriever
	handler       MessageHandler
	logger        *slog.Logger
}

func NewRunner(
	stateStore state.Store,
	mailRetriever MailRetriever,
	handler MessageHandler,
	logger *slog.Logger,
) *TaskRunner {
	return &TaskRunner{
		stateStore:    stateStore,
		mailRetriever: mailRetriever,
		handler:       handler,
		logger:        logger,
	}
}

// Run retrieves new mail of one client and turns every message into a post.
//
// The client cursor advances past a message once it was published, turned
// out to be already published, or was rejected as malformed. Any other
// failure stops the run with the cursor left on the failed message, so it is
// retried on the next run.
func (r *TaskRunner) Run(ctx context.Context, client config.ClientConfig) error {
	ctx = logger.WithAttrs(ctx, slog.String("client", client.Login))

	cursor, _, err := r.stateStore.Get(ctx, client.Login)
	if err != nil {
		return fmt.Errorf("load client state: %w", err)
	}

	mail, err := r.mailRetriever.GetMail(ctx, client, cursor)
	if err != nil {
		r.logger.ErrorContext(ctx, "mail retrieval failed", slog.Any("error", err))
		return fmt.Errorf("retrieve mail: %w", err)
	}
	r.logger.InfoContext(ctx, fmt.Sprintf("received %d new messages", len(mail.Messages)))

	slices.SortFunc(mail.Messages, func(a, b *mailer.Message) int {
		return cmp.Compare(a.UID, b.UID)
	})

	for _, msg := range mail.Messages {
		res, err := r.handler.Handle(ctx, msg)

		outcome := post.Classify(err)
		attrs := []any{
			slog.Any("uid", msg.UID),
			slog.String("message_id", msg.MessageID),
			slog.String("outcome", outcome.String()),
		}

		switch {
		case outcome == post.OutcomeOK:
			r.logger.InfoContext(ctx, "published post", append(attrs, slog.String("path", res.RelPath))...)
		case outcome.Conflict():
			r.logger.InfoContext(ctx, "message already processed", append(attrs, slog.Any("error", err))...)
		case outcome == post.OutcomeInputError:
			r.logger.WarnContext(ctx, "rejected message", append(attrs, slog.Any("error", err))...)
		default:
			r.logger.ErrorContext(ctx, "message processing failed", append(attrs, slog.Any("error", err))...)
			if saveErr := r.save(ctx, client.Login, cursor); saveErr != nil {
				return saveErr
			}
			return fmt.Errorf("handle message %d: %w", msg.UID, err)
		}

		cursor = state.ClientState{LastUIDNext: msg.UID + 1, LastUIDValidity: mail.LastUIDValidity}
	}

	return r.save(ctx, client.Login, state.ClientState{
		LastUIDNext:     mail.LastUID,
		LastUIDValidity: mail.LastUIDValidity,
	})
}

func (r *TaskRunner) save(ctx context.Context, login string, cursor state.ClientState) error {
	if cursor.LastUIDNext == 0 {
		return nil
	}

	if err := r.stateStore.Set(ctx, login, cursor); err != nil {
		return fmt.Errorf("store client state: %w", err)
	}
	return nil
}
