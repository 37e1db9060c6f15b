// Package mailbox polls IMAP and POP3 mailboxes for inbound email and feeds
// the ingestion pipeline. Cursors live in the target's settings and only
// advance after a batch lands.
package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/commshubhq/commshub/internal/channel"
)

// parsedMail is the channel-neutral form of one fetched message.
type parsedMail struct {
	MessageID   string
	InReplyTo   []string
	References  []string
	FromAddr    string
	FromName    string
	Subject     string
	Date        time.Time
	Body        string
	Attachments []channel.InboundAttachment
}

// parseEntity walks a MIME message, preferring the text/plain part and
// converting an HTML-only body to text.
func parseEntity(entity *message.Entity) (parsedMail, error) {
	mr := gomail.NewReader(entity)

	var parsed parsedMail
	h := mr.Header
	parsed.Subject, _ = h.Subject()
	parsed.Date, _ = h.Date()
	if id, err := h.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		parsed.InReplyTo = ids
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		parsed.References = ids
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		parsed.FromAddr = from[0].Address
		parsed.FromName = from[0].Name
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part should not discard the whole message.
			break
		}
		switch ph := part.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := ph.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/plain") && textBody == "":
				textBody = string(data)
			case strings.HasPrefix(ct, "text/html") && htmlBody == "":
				htmlBody = string(data)
			}
		case *gomail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil || len(data) == 0 {
				continue
			}
			parsed.Attachments = append(parsed.Attachments, channel.InboundAttachment{
				Name: name,
				Mime: ct,
				Data: data,
			})
		}
	}

	parsed.Body = textBody
	if parsed.Body == "" && htmlBody != "" {
		if converted, err := htmltomarkdown.ConvertString(htmlBody); err == nil {
			parsed.Body = converted
		} else {
			parsed.Body = htmlBody
		}
	}
	if parsed.FromAddr == "" {
		return parsedMail{}, fmt.Errorf("message has no From address")
	}
	return parsed, nil
}

// parseRaw parses a full RFC 5322 message from raw bytes.
func parseRaw(raw []byte) (parsedMail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return parsedMail{}, fmt.Errorf("parse message: %w", err)
	}
	return parseEntity(entity)
}

// toRawInbound converts a parsed mail into the pipeline's input form.
func toRawInbound(targetID string, p parsedMail) channel.RawInbound {
	headers := map[string]string{}
	if p.MessageID != "" {
		headers["Message-Id"] = p.MessageID
	}
	if len(p.InReplyTo) > 0 {
		headers["In-Reply-To"] = "<" + strings.Join(p.InReplyTo, "> <") + ">"
	}
	if len(p.References) > 0 {
		headers["References"] = "<" + strings.Join(p.References, "> <") + ">"
	}
	receivedAt := p.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return channel.RawInbound{
		Channel:     channel.ChannelEmail,
		TargetID:    targetID,
		Sender:      p.FromAddr,
		SenderName:  p.FromName,
		ExternalID:  p.MessageID,
		Subject:     p.Subject,
		Body:        p.Body,
		ReceivedAt:  receivedAt,
		Headers:     headers,
		Attachments: p.Attachments,
	}
}
