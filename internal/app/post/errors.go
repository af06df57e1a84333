package post

import (
	"errors"

	"github.com/hickar/mailpost/internal/app/gitrepo"
	"github.com/hickar/mailpost/internal/app/mailer"
	"github.com/hickar/mailpost/internal/app/storage"
)

var (
	ErrPostExists     = errors.New("post already exists")
	ErrImageExists    = errors.New("image already exists")
	ErrInvalidMessage = errors.New("invalid message")
)

// Outcome is the caller-visible result of processing one message.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePostExists
	OutcomeImageExists
	OutcomeInputError
	OutcomeLockTimeout
	OutcomeCollaboratorError
)

// Classify maps an error returned by Composer.Handle to an Outcome.
func Classify(err error) Outcome {
	var dateErr *mailer.DateParseError

	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrPostExists):
		return OutcomePostExists
	case errors.Is(err, ErrImageExists), errors.Is(err, storage.ErrObjectExists):
		return OutcomeImageExists
	case errors.Is(err, ErrInvalidMessage), errors.As(err, &dateErr):
		return OutcomeInputError
	case errors.Is(err, gitrepo.ErrLockTimeout):
		return OutcomeLockTimeout
	default:
		return OutcomeCollaboratorError
	}
}

// Conflict reports whether the message was already processed.
func (o Outcome) Conflict() bool {
	return o == OutcomePostExists || o == OutcomeImageExists
}

// Done reports whether the source message can be discarded.
func (o Outcome) Done() bool {
	return o == OutcomeOK || o.Conflict()
}

// ExitCode follows sysexits.h: 65 is EX_DATAERR, 75 is EX_TEMPFAIL.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeOK, OutcomePostExists, OutcomeImageExists:
		return 0
	case OutcomeInputError:
		return 65
	default:
		return 75
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePostExists:
		return "post exists"
	case OutcomeImageExists:
		return "image exists"
	case OutcomeInputError:
		return "input error"
	case OutcomeLockTimeout:
		return "lock timeout"
	default:
		return "collaborator error"
	}
}
