package mailer

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ReadMessage parses a raw RFC 5322 message. Transfer encodings and known
// charsets are decoded; parts in an unknown charset are kept undecoded.
func ReadMessage(r io.Reader) (*Message, error) {
	entity, err := message.Read(r)
	if err != nil && !isLenient(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}

	header := mail.Header{Header: entity.Header}
	msg := &Message{
		Date: header.Get("Date"),
		From: firstAddress(header, "From"),
		To:   parseAddress(header, "To"),
	}
	msg.MessageID, _ = header.MessageID()

	msg.Subject, err = header.Subject()
	if err != nil {
		msg.Subject = header.Get("Subject")
	}

	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !isLenient(err) {
			return err
		}

		segment, err := parseBodyPart(part)
		if err != nil {
			return err
		}
		if strings.HasPrefix(segment.MIMEType, "multipart/") {
			return nil
		}

		msg.BodyParts = append(msg.BodyParts, segment)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk message parts: %w", err)
	}

	return msg, nil
}

func parseBodyPart(part *message.Entity) (BodySegment, error) {
	var segment BodySegment
	var err error

	if part.Header.Get("Content-Type") == "" {
		segment.MIMEType = "text/plain"
	} else {
		segment.MIMEType, segment.MIMETypeParams, err = part.Header.ContentType()
		if err != nil {
			segment.MIMEType = "application/octet-stream"
		}
	}
	segment.MIMEType = strings.ToLower(segment.MIMEType)
	if strings.HasPrefix(segment.MIMEType, "multipart/") {
		return segment, nil
	}

	attachment := mail.AttachmentHeader{Header: part.Header}
	segment.Filename, _ = attachment.Filename()

	segment.Body, err = io.ReadAll(part.Body)
	if err != nil {
		return segment, fmt.Errorf("read %s part: %w", segment.MIMEType, err)
	}

	return segment, nil
}

func parseAddress(header mail.Header, addressListName string) []Address {
	addrList, _ := header.AddressList(addressListName)
	addrs := make([]Address, 0, len(addrList))

	for _, addr := range addrList {
		addrs = append(addrs, Address{
			Name:    addr.Name,
			Address: addr.Address,
		})
	}

	return addrs
}

func firstAddress(header mail.Header, addressListName string) Address {
	if addrs := parseAddress(header, addressListName); len(addrs) > 0 {
		return addrs[0]
	}

	return Address{}
}

func isLenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
