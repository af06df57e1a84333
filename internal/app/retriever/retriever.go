package retriever

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/app/mailer"
	"github.com/hickar/mailpost/internal/app/state"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
)

type ImapDialer interface {
	DialTLS(address string, options *imapclient.Options) (*imapclient.Client, error)
}

type ImapDialerFunc func(string, *imapclient.Options) (*imapclient.Client, error)

func (f ImapDialerFunc) DialTLS(address string, options *imapclient.Options) (*imapclient.Client, error) {
	return f(address, options)
}

type imapRetriever struct {
	dialer         ImapDialer
	maxMessageSize int64
	logger         *slog.Logger
}

func NewIMAPRetriever(dialer ImapDialer, maxMessageSize int64, logger *slog.Logger) *imapRetriever {
	return &imapRetriever{
		dialer:         dialer,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// GetMail fetches the messages that arrived in the client's mailbox since
// cursor.
//
// Execution flow:
//  1. Connect to the IMAP server using TLS and authenticate.
//  2. Select the mailbox read-only; bodies are fetched with PEEK so flags
//     are left untouched.
//  3. On the first run, or when UIDVALIDITY changed, only the new cursor is
//     returned: existing messages are not turned into posts.
//  4. When filters are configured, search for matching UIDs at or above the
//     cursor; otherwise take the whole range up to UIDNEXT.
//  5. Fetch and parse each message. Oversized and unparseable messages are
//     logged and skipped.
//
// The returned Mail carries the mailbox UIDNEXT and UIDVALIDITY to store as
// the cursor once every message was handled.
func (r *imapRetriever) GetMail(ctx context.Context, cfg config.ClientConfig, cursor state.ClientState) (mailer.Mail, error) {
	var mail mailer.Mail

	client, err := r.dialer.DialTLS(cfg.Address, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{},
		WordDecoder:           &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	if err != nil {
		return mail, fmt.Errorf("dial TLS: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	// imapclient commands are not context aware; closing the connection
	// unblocks any pending Wait.
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	if err = client.Login(cfg.Login, cfg.Password).Wait(); err != nil {
		return mail, fmt.Errorf("login: %w", err)
	}
	defer func() {
		_ = client.Logout().Wait()
	}()

	mailbox, err := client.Select(cfg.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return mail, fmt.Errorf("select %s: %w", cfg.Mailbox, err)
	}
	mail.LastUIDValidity = mailbox.UIDValidity
	mail.LastUID = uint32(mailbox.UIDNext)

	switch {
	case cursor.LastUIDNext == 0:
		r.logger.InfoContext(ctx, "first run, skipping existing messages")
		return mail, nil
	case cursor.LastUIDValidity != mailbox.UIDValidity:
		r.logger.WarnContext(ctx, "mailbox UIDVALIDITY changed, skipping existing messages",
			slog.Any("previous", cursor.LastUIDValidity),
			slog.Any("current", mailbox.UIDValidity),
		)
		return mail, nil
	case !hasNewMessages(mailbox, cursor):
		return mail, nil
	}

	uids := imap.UIDSet{imap.UIDRange{
		Start: imap.UID(cursor.LastUIDNext),
		Stop:  mailbox.UIDNext - 1,
	}}
	if len(cfg.Filters) > 0 {
		uids, err = getUIDsByCriteria(client, cfg.Filters, uids)
		if err != nil {
			return mail, fmt.Errorf("get UID set by search criteria: %w", err)
		}
		if len(uids) == 0 {
			return mail, nil
		}
	}

	fetchCmd := client.Fetch(uids, fetchOptions)
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		message, err := r.parseMessage(ctx, msg)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping message", slog.Any("error", err))
			continue
		}

		mail.Messages = append(mail.Messages, message)
	}

	if err = fetchCmd.Close(); err != nil {
		return mail, fmt.Errorf("fetch: %w", err)
	}

	return mail, nil
}

func getUIDsByCriteria(c *imapclient.Client, filters []string, uids imap.UIDSet) (imap.UIDSet, error) {
	criteria, err := buildSearchCriteria(filters, uids)
	if err != nil {
		return nil, fmt.Errorf("build search criteria: %w", err)
	}

	cmd, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	found := cmd.AllUIDs()
	if len(found) == 0 {
		return nil, nil
	}

	return imap.UIDSetNum(found...), nil
}

// parseMessage reads the UID, size and raw body of a fetched message.
func (r *imapRetriever) parseMessage(ctx context.Context, msg *imapclient.FetchMessageData) (*mailer.Message, error) {
	var (
		uid  imap.UID
		size int64
		body []byte
	)

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch item := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = item.UID
		case imapclient.FetchItemDataRFC822Size:
			size = item.Size
		case imapclient.FetchItemDataBodySection:
			var err error
			body, err = readLimited(item.Literal, r.maxMessageSize)
			if err != nil {
				return nil, fmt.Errorf("uid %d: %w", uid, err)
			}
		}
	}

	if uid == 0 {
		return nil, fmt.Errorf("message %d has no UID", msg.SeqNum)
	}
	if r.maxMessageSize > 0 && size > r.maxMessageSize {
		return nil, fmt.Errorf("uid %d: message of %d bytes exceeds limit of %d", uid, size, r.maxMessageSize)
	}
	if body == nil {
		return nil, fmt.Errorf("uid %d: message body section is missing", uid)
	}

	message, err := mailer.ReadMessage(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("uid %d: %w", uid, err)
	}
	message.UID = uint32(uid)

	r.logger.DebugContext(ctx, "fetched message", slog.Any("uid", uid), slog.String("message_id", message.MessageID))
	return message, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		// Drain the literal so the fetch stream stays in sync.
		_, _ = io.Copy(io.Discard, r)
		return nil, fmt.Errorf("message exceeds limit of %d bytes", limit)
	}

	return body, nil
}

func hasNewMessages(mailbox *imap.SelectData, cursor state.ClientState) bool {
	return uint32(mailbox.UIDNext) > cursor.LastUIDNext
}

func buildSearchCriteria(filters []string, uids imap.UIDSet) (*imap.SearchCriteria, error) {
	criteria := imap.SearchCriteria{UID: []imap.UIDSet{uids}}

	for _, filterExpr := range filters {
		if strings.TrimSpace(filterExpr) == "" {
			continue
		}

		newCriteria, err := ParseFilter(filterExpr)
		if err != nil {
			return nil, fmt.Errorf("parse filter expression %q: %w", filterExpr, err)
		}

		criteria.And(newCriteria)
	}

	return &criteria, nil
}

var fetchOptions = &imap.FetchOptions{
	UID:         true,
	RFC822Size:  true,
	BodySection: []*imap.FetchItemBodySection{{Peek: true}},
}
