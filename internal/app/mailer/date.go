package mailer

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// DateParseError is returned for a Date header that is not valid RFC 2822.
type DateParseError struct {
	Value string
	Err   error
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("parse date %q: %v", e.Value, e.Err)
}

func (e *DateParseError) Unwrap() error {
	return e.Err
}

// ParseDate parses an RFC 2822 date and keeps the offset written in it,
// whatever the local zone of the process is.
func ParseDate(value string) (time.Time, error) {
	t, err := mail.ParseDate(strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, &DateParseError{Value: value, Err: err}
	}

	_, offset := t.Zone()
	return t.In(time.FixedZone("", offset)), nil
}
