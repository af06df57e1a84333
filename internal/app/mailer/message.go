package mailer

import (
	"fmt"

	"jaytaylor.com/html2text"
)

// Message is a read-only view over one inbound email.
type Message struct {
	UID       uint32
	MessageID string
	Date      string // Raw Date header, see ParseDate.
	Subject   string // Decoded subject.
	From      Address
	To        []Address
	BodyParts []BodySegment // Leaf parts in MIME walk order.
}

type BodySegment struct {
	MIMEType       string
	MIMETypeParams map[string]string
	Filename       string
	Body           []byte
}

type Mail struct {
	LastUID         uint32
	LastUIDValidity uint32
	Messages        []*Message
}

type Address struct {
	Address string
	Name    string
}

// PlainText returns the first text/plain part.
func (m *Message) PlainText() (string, bool) {
	for _, part := range m.BodyParts {
		if part.MIMEType == "text/plain" {
			return string(part.Body), true
		}
	}

	return "", false
}

// HTMLText returns the first text/html part converted to plain text.
func (m *Message) HTMLText() (string, bool, error) {
	for _, part := range m.BodyParts {
		if part.MIMEType != "text/html" {
			continue
		}

		text, err := html2text.FromString(string(part.Body), html2text.Options{OmitLinks: true})
		if err != nil {
			return "", true, fmt.Errorf("convert html: %w", err)
		}
		return text, true, nil
	}

	return "", false, nil
}

// JPEGs returns every image/jpeg part, attached or inline, in message order.
func (m *Message) JPEGs() []BodySegment {
	var photos []BodySegment
	for _, part := range m.BodyParts {
		if part.MIMEType == "image/jpeg" {
			photos = append(photos, part)
		}
	}

	return photos
}
