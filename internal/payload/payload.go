// Package payload assembles the outbound document handed to the delivery
// endpoint for every processed message.
package payload

import (
	"time"

	"github.com/firefart/dmarcforwarder/internal/dmarc"
	"github.com/firefart/dmarcforwarder/internal/helper"
	"github.com/firefart/dmarcforwarder/internal/message"
)

const (
	Version = "1.0.0"
	Source  = "dmarcforwarder"
	Parser  = "go-message"

	// TimeFormat is ISO 8601 in UTC with millisecond precision.
	TimeFormat = "2006-01-02T15:04:05.000Z"

	unknown = "unknown"
)

// EmailType classifies a processed message.
type EmailType string

const (
	TypeReport         EmailType = "dmarc_report"
	TypeAttachmentOnly EmailType = "attachment_only"
	TypeRegular        EmailType = "regular"
)

// Classify returns the type of a message from its attachment and the rows
// extracted from it.
func Classify(hasAttachment bool, rows int) EmailType {
	switch {
	case rows > 0:
		return TypeReport
	case hasAttachment:
		return TypeAttachmentOnly
	default:
		return TypeRegular
	}
}

type EmailInfo struct {
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date"`
	MessageID string   `json:"messageId"`
	HasHTML   bool     `json:"hasHtml"`
	HasText   bool     `json:"hasText"`
}

type EmailContent struct {
	HTML       *string `json:"html"`
	Text       *string `json:"text"`
	HTMLLength int     `json:"htmlLength"`
	TextLength int     `json:"textLength"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	Content     []byte `json:"content,omitempty"`
	Size        int    `json:"size"`
	Disposition string `json:"disposition"`
}

type WorkerInfo struct {
	Version             string `json:"version"`
	Source              string `json:"source"`
	Parser              string `json:"parser"`
	ProcessingTimestamp string `json:"processingTimestamp,omitempty"`
	IsRetry             bool   `json:"isRetry,omitempty"`
}

type Stats struct {
	TotalRecords       int       `json:"totalRecords"`
	HasAttachment      bool      `json:"hasAttachment"`
	EmailType          EmailType `json:"emailType"`
	HasHTMLContent     bool      `json:"hasHtmlContent"`
	HasTextContent     bool      `json:"hasTextContent"`
	ProcessingDuration int64     `json:"processingDuration"`
}

// Payload is the self-contained document sent for one message.
type Payload struct {
	EmailInfo       EmailInfo           `json:"emailInfo"`
	EmailContent    EmailContent        `json:"emailContent"`
	Attachment      *Attachment         `json:"attachment"`
	DmarcRecords    []dmarc.Row         `json:"dmarcRecords"`
	SourceHosts     map[string][]string `json:"sourceHosts,omitempty"`
	ProcessedAt     string              `json:"processedAt"`
	WorkerInfo      WorkerInfo          `json:"workerInfo"`
	ProcessingStats *Stats              `json:"processingStats,omitempty"`
}

// Assemble builds the payload for msg. att is the attachment the rows were
// taken from and may be nil. It never fails: missing message fields are
// replaced by placeholders.
func Assemble(msg *message.Message, att *message.Attachment, rows []dmarc.Row, now time.Time) *Payload {
	if msg == nil {
		msg = &message.Message{}
	}
	if rows == nil {
		rows = []dmarc.Row{}
	}
	ts := now.UTC().Format(TimeFormat)

	p := &Payload{
		EmailInfo: EmailInfo{
			From:      orDefault(msg.From, unknown),
			To:        recipients(msg.To),
			Subject:   helper.Sanitize(orDefault(msg.Subject, "No subject")),
			Date:      ts,
			MessageID: orDefault(msg.MessageID, unknown),
			HasHTML:   msg.HTML != "",
			HasText:   msg.Text != "",
		},
		EmailContent: EmailContent{
			HTMLLength: len(msg.HTML),
			TextLength: len(msg.Text),
		},
		DmarcRecords: rows,
		ProcessedAt:  ts,
		WorkerInfo: WorkerInfo{
			Version:             Version,
			Source:              Source,
			Parser:              Parser,
			ProcessingTimestamp: ts,
		},
		ProcessingStats: &Stats{
			TotalRecords:   len(rows),
			HasAttachment:  att != nil,
			EmailType:      Classify(att != nil, len(rows)),
			HasHTMLContent: msg.HTML != "",
			HasTextContent: msg.Text != "",
		},
	}
	if !msg.Date.IsZero() {
		p.EmailInfo.Date = msg.Date.UTC().Format(TimeFormat)
	}
	if msg.HTML != "" {
		html := msg.HTML
		p.EmailContent.HTML = &html
	}
	if msg.Text != "" {
		text := msg.Text
		p.EmailContent.Text = &text
	}
	if att != nil {
		p.Attachment = &Attachment{
			Filename:    helper.Sanitize(orDefault(att.Filename, "unnamed")),
			MimeType:    orDefault(att.MediaType, "application/octet-stream"),
			Content:     att.Content,
			Size:        len(att.Content),
			Disposition: orDefault(att.Disposition, "attachment"),
		}
	}
	return p
}

// Type returns the classification of the payload.
func (p *Payload) Type() EmailType {
	return Classify(p.Attachment != nil, len(p.DmarcRecords))
}

// Warnings lists data quality problems of the payload. They are meant for
// logging and never block delivery.
func (p *Payload) Warnings() []string {
	var warnings []string
	if p.EmailInfo.From == "" || p.EmailInfo.From == unknown {
		warnings = append(warnings, "sender email address is missing or invalid")
	}
	if len(p.EmailInfo.To) == 0 {
		warnings = append(warnings, "recipient email addresses are missing or invalid")
	}
	if p.EmailInfo.Subject == "" || p.EmailInfo.Subject == "No subject" || p.EmailInfo.Subject == unknown {
		warnings = append(warnings, "email subject is missing or invalid")
	}
	if p.Attachment != nil && (p.Attachment.Filename == "" || p.Attachment.Size == 0) {
		warnings = append(warnings, "attachment information is incomplete")
	}
	return warnings
}

// Simplified returns the reduced payload used when a delivery is retried:
// the attachment loses its content and the statistics are dropped.
func (p *Payload) Simplified() *Payload {
	s := *p
	if p.Attachment != nil {
		a := *p.Attachment
		a.Content = nil
		s.Attachment = &a
	}
	s.ProcessingStats = nil
	s.WorkerInfo = WorkerInfo{
		Version: p.WorkerInfo.Version,
		Source:  p.WorkerInfo.Source,
		Parser:  p.WorkerInfo.Parser,
		IsRetry: true,
	}
	return &s
}

func recipients(to []string) []string {
	out := make([]string, 0, len(to))
	for _, addr := range to {
		if addr == "" || addr == unknown {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
