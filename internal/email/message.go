// Package email defines the core email data model used throughout the mailer.
package email

import (
	"fmt"
	"strings"
)

// Recipient is one intended recipient and their personalized content.
// The YAML and CSV keys match the column headers of the recipient sheet.
type Recipient struct {
	Name    string `yaml:"Name"`
	Address string `yaml:"Email Address"`
	Subject string `yaml:"Subject"`
	Body    string `yaml:"Body"`
}

// String renders the recipient as "Name <address>".
func (r Recipient) String() string {
	return fmt.Sprintf("%s <%s>", r.Name, r.Address)
}

// Message is a single outgoing email built for one recipient.
type Message struct {
	From        string
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// MediaType splits ContentType into its type and subtype.
// A value without a slash is returned as the type with an empty subtype.
func (a Attachment) MediaType() (string, string) {
	typ, sub, _ := strings.Cut(a.ContentType, "/")
	return typ, sub
}

// Build creates one message per recipient, in recipient order.
// Addresses are not validated; malformed ones surface as transport failures.
func Build(sender string, recipients []Recipient) []*Message {
	messages := make([]*Message, 0, len(recipients))
	for _, r := range recipients {
		messages = append(messages, &Message{
			From:    sender,
			To:      r.Address,
			Subject: r.Subject,
			Body:    r.Body,
		})
	}
	return messages
}
