// Package message holds the inbound mail descriptor handed to the report
// pipeline and builds it from a raw RFC 5322 message.
package message

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

// Attachment is a single attachment of a message. It is never modified once
// parsed.
type Attachment struct {
	Filename string
	// MediaType is the declared media type without parameters.
	MediaType string
	// Charset is the charset of Content. text/* parts with a known charset
	// are converted to UTF-8 while parsing and carry "utf-8".
	Charset     string
	Disposition string
	Content     []byte
}

// Message is the parsed form of an inbound mail.
type Message struct {
	From        string
	To          []string
	Subject     string
	Date        time.Time
	MessageID   string
	HTML        string
	Text        string
	Attachments []Attachment
}

// FirstAttachment returns the first attachment or nil.
func (m *Message) FirstAttachment() *Attachment {
	if m == nil || len(m.Attachments) == 0 {
		return nil
	}
	return &m.Attachments[0]
}

// Parse reads a raw message. maxPartSize caps the size of a single body
// part or attachment, parts above the limit fail the parse.
func Parse(r io.Reader, maxPartSize int64) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("could not create reader: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}

	for {
		p, err := mr.NextPart()
		// parts with an unknown charset are readable but not converted
		converted := true
		if errors.Is(err, io.EOF) {
			break
		} else if gomessage.IsUnknownCharset(err) {
			converted = false
		} else if err != nil {
			return nil, fmt.Errorf("could not get next part: %w", err)
		}

		b, err := readPart(p.Body, maxPartSize)
		if err != nil {
			return nil, err
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			disp, dispParams, _ := ph.ContentDisposition()
			filename := dispParams["filename"]
			if filename == "" {
				filename = params["name"]
			}
			switch {
			case filename == "" && ct == "text/html":
				msg.HTML += string(b)
			case filename == "" && (ct == "text/plain" || ct == ""):
				msg.Text += string(b)
			default:
				// sometimes the attachment is inlined
				msg.Attachments = append(msg.Attachments, newAttachment(filename, ct, params, disp, b, converted))
			}
		case *mail.AttachmentHeader:
			filename, err := ph.Filename()
			if err != nil {
				return nil, fmt.Errorf("could not get attachment filename: %w", err)
			}
			ct, params, _ := ph.ContentType()
			disp, _, _ := ph.ContentDisposition()
			msg.Attachments = append(msg.Attachments, newAttachment(filename, ct, params, disp, b, converted))
		}
	}

	return msg, nil
}

func newAttachment(filename, mediaType string, params map[string]string, disposition string, content []byte, converted bool) Attachment {
	a := Attachment{
		Filename:    filename,
		MediaType:   mediaType,
		Charset:     params["charset"],
		Disposition: disposition,
		Content:     content,
	}
	// go-message decodes text/* parts that declare a charset, the encoding
	// in an XML prolog no longer applies to them
	if converted && a.Charset != "" && strings.HasPrefix(mediaType, "text/") {
		a.Charset = "utf-8"
	}
	return a
}

func readPart(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("could not read part: %w", err)
		}
		return b, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("could not read part: %w", err)
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("message part exceeds %d bytes", max)
	}
	return b, nil
}
