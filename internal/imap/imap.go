// Package imap fetches report messages from a mailbox.
package imap

import (
	"crypto/tls"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/firefart/dmarcforwarder/internal/config"
)

// FailedFlag marks messages that can never be delivered. They stay in the
// mailbox for inspection and are skipped by FetchBatch.
const FailedFlag = "$DmarcForwardFailed"

// Message is a fetched message with its unparsed RFC 5322 content.
type Message struct {
	UID     uint32
	Subject string
	Body    []byte
}

func Connect(conf config.IMAPConfig, logger imap.Logger) (*client.Client, error) {
	tlsConfig := tls.Config{} // nolint: gosec
	if conf.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	if conf.SSL {
		c, err := client.DialTLS(conf.Host, &tlsConfig)
		if err != nil {
			return nil, err
		}
		c.Timeout = conf.Timeout.Duration
		c.ErrorLog = logger
		return c, nil
	}
	c, err := client.Dial(conf.Host)
	if err != nil {
		return nil, err
	}
	c.ErrorLog = logger
	c.Timeout = conf.Timeout.Duration
	support, err := c.SupportStartTLS()
	if err != nil {
		return nil, err
	}
	if support {
		if err := c.StartTLS(&tlsConfig); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func HasImapFolder(c *client.Client, folderName string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	hasFolder := false
	for m := range mailboxes {
		if m.Name == folderName {
			hasFolder = true
		}
	}

	if err := <-done; err != nil {
		return false, err
	}

	return hasFolder, nil
}

// Batch returns at most batchSize ids as a sequence set and whether ids
// were left out.
func Batch(ids []uint32, batchSize int) (*imap.SeqSet, bool) {
	seqset := new(imap.SeqSet)
	if batchSize <= 0 || batchSize >= len(ids) {
		seqset.AddNum(ids...)
		return seqset, false
	}
	seqset.AddNum(ids[:batchSize]...)
	return seqset, true
}

// FetchBatch loads up to batchSize messages of the selected mailbox that are
// neither flagged as deleted nor as failed.
func FetchBatch(c *client.Client, batchSize int) ([]Message, bool, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag, FailedFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, false, fmt.Errorf("could not search for mails: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}

	seqset, hasMore := Batch(ids, batchSize)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	// Get the whole message body
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchEnvelope,
		imap.FetchUid,
	}
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var result []Message
	var readErr error
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			readErr = fmt.Errorf("server didn't return message body for %d", msg.Uid)
			continue
		}
		body, err := io.ReadAll(r)
		if err != nil {
			readErr = fmt.Errorf("could not read message %d: %w", msg.Uid, err)
			continue
		}
		m := Message{
			UID:  msg.Uid,
			Body: body,
		}
		if msg.Envelope != nil {
			m.Subject = msg.Envelope.Subject
		}
		result = append(result, m)
	}

	if err := <-done; err != nil {
		return nil, false, fmt.Errorf("error on fetch: %w", err)
	}
	if readErr != nil && len(result) == 0 {
		return nil, false, readErr
	}

	return result, hasMore, nil
}

func MarkMessageAsDeleted(c *client.Client, msgUID uint32) error {
	return addFlag(c, msgUID, imap.DeletedFlag)
}

// MarkMessageAsFailed sets FailedFlag. The server has to allow keywords in
// the mailbox's permanent flags.
func MarkMessageAsFailed(c *client.Client, msgUID uint32) error {
	return addFlag(c, msgUID, FailedFlag)
}

func addFlag(c *client.Client, msgUID uint32, flag string) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{flag}
	if err := c.UidStore(seq, item, flags, nil); err != nil {
		return err
	}
	return nil
}
