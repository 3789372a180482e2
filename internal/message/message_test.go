package message

import (
	"encoding/base64"
	"strings"
	"testing"
)

const multipartMail = "From: DMARC Reporter <noreply-dmarc-support@google.com>\r\n" +
	"To: dmarc@example.org, Second <second@example.org>\r\n" +
	"Subject: Report domain: example.org Submitter: google.com Report-ID: 123\r\n" +
	"Date: Mon, 03 Aug 2020 12:00:00 +0000\r\n" +
	"Message-ID: <report-123@google.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XXBOUNDARYXX\"\r\n" +
	"\r\n" +
	"--XXBOUNDARYXX\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"This is an aggregate report.\r\n" +
	"--XXBOUNDARYXX\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>This is an aggregate report.</p>\r\n" +
	"--XXBOUNDARYXX\r\n" +
	"Content-Type: application/gzip; name=\"google.com!example.org!1596412800!1596499199.xml.gz\"\r\n" +
	"Content-Disposition: attachment; filename=\"google.com!example.org!1596412800!1596499199.xml.gz\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"%ATTACHMENT%\r\n" +
	"--XXBOUNDARYXX--\r\n"

func TestParseMultipart(t *testing.T) {
	t.Parallel()

	content := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02, 0x03}
	raw := strings.Replace(multipartMail, "%ATTACHMENT%", base64.StdEncoding.EncodeToString(content), 1)

	msg, err := Parse(strings.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("could not parse message: %v", err)
	}
	if msg.From != "noreply-dmarc-support@google.com" {
		t.Fatalf("unexpected from %q", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0] != "dmarc@example.org" || msg.To[1] != "second@example.org" {
		t.Fatalf("unexpected recipients %v", msg.To)
	}
	if !strings.HasPrefix(msg.Subject, "Report domain: example.org") {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if msg.Date.Unix() != 1596456000 {
		t.Fatalf("unexpected date %s", msg.Date)
	}
	if msg.MessageID != "report-123@google.com" {
		t.Fatalf("unexpected message id %q", msg.MessageID)
	}
	if !strings.Contains(msg.Text, "aggregate report") || !strings.Contains(msg.HTML, "<p>") {
		t.Fatalf("bodies not parsed: text=%q html=%q", msg.Text, msg.HTML)
	}

	att := msg.FirstAttachment()
	if att == nil {
		t.Fatal("expected an attachment")
	}
	if att.Filename != "google.com!example.org!1596412800!1596499199.xml.gz" {
		t.Fatalf("unexpected filename %q", att.Filename)
	}
	if att.MediaType != "application/gzip" || att.Disposition != "attachment" {
		t.Fatalf("unexpected attachment descriptor %+v", att)
	}
	if string(att.Content) != string(content) {
		t.Fatal("attachment content not decoded from base64")
	}
}

func TestParseSinglePartReport(t *testing.T) {
	t.Parallel()

	raw := "From: reporter@example.net\r\n" +
		"To: dmarc@example.org\r\n" +
		"Subject: report\r\n" +
		"Content-Type: application/zip; name=\"report.zip\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString([]byte("PK\x05\x06")) + "\r\n"

	msg, err := Parse(strings.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("could not parse message: %v", err)
	}
	att := msg.FirstAttachment()
	if att == nil {
		t.Fatal("single part report should become an attachment")
	}
	if att.Filename != "report.zip" || att.MediaType != "application/zip" || att.Disposition != "" {
		t.Fatalf("unexpected attachment %+v", att)
	}
}

func TestParsePlain(t *testing.T) {
	t.Parallel()

	raw := "From: someone@example.net\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"just text\r\n"

	msg, err := Parse(strings.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("could not parse message: %v", err)
	}
	if msg.FirstAttachment() != nil {
		t.Fatal("plain message should have no attachment")
	}
	if len(msg.To) != 0 {
		t.Fatalf("expected no recipients, got %v", msg.To)
	}
	if !strings.Contains(msg.Text, "just text") {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestParsePartLimit(t *testing.T) {
	t.Parallel()

	raw := "From: someone@example.net\r\n" +
		"\r\n" +
		strings.Repeat("x", 2048) + "\r\n"

	if _, err := Parse(strings.NewReader(raw), 1024); err == nil {
		t.Fatal("expected an error for an oversized part")
	}
}

const latin1ReportMail = "From: reporter@example.net\r\n" +
	"To: dmarc@example.org\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XXBOUNDARYXX\"\r\n" +
	"\r\n" +
	"--XXBOUNDARYXX\r\n" +
	"Content-Type: text/xml; charset=iso-8859-1; name=\"report.xml\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.xml\"\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"<?xml version=3D\"1.0\" encoding=3D\"ISO-8859-1\"?>\r\n" +
	"<feedback><report_metadata><org_name>Soci=E9t=E9</org_name></report_metadata></feedback>\r\n" +
	"--XXBOUNDARYXX--\r\n"

func TestParseConvertedTextAttachment(t *testing.T) {
	t.Parallel()

	msg, err := Parse(strings.NewReader(latin1ReportMail), 0)
	if err != nil {
		t.Fatalf("could not parse message: %v", err)
	}
	att := msg.FirstAttachment()
	if att == nil {
		t.Fatal("expected an attachment")
	}
	if att.MediaType != "text/xml" || att.Charset != "utf-8" {
		t.Fatalf("converted text part must be marked as utf-8, got %+v", att)
	}
	if !strings.Contains(string(att.Content), "<org_name>Société</org_name>") {
		t.Fatalf("content not converted to UTF-8: %q", att.Content)
	}
}

func TestParseTextAttachmentWithoutCharset(t *testing.T) {
	t.Parallel()

	raw := "From: reporter@example.net\r\n" +
		"Content-Type: text/xml; name=\"report.xml\"\r\n" +
		"Content-Disposition: attachment; filename=\"report.xml\"\r\n" +
		"\r\n" +
		"<feedback/>\r\n"

	msg, err := Parse(strings.NewReader(raw), 0)
	if err != nil {
		t.Fatalf("could not parse message: %v", err)
	}
	att := msg.FirstAttachment()
	if att == nil || att.Charset != "" {
		t.Fatalf("unconverted part must keep an empty charset, got %+v", att)
	}
}

func TestFirstAttachmentNil(t *testing.T) {
	t.Parallel()

	var msg *Message
	if msg.FirstAttachment() != nil {
		t.Fatal("nil message has no attachment")
	}
}
