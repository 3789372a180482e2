// Package processor runs the report pipeline for one message and hands the
// resulting payload to the delivery endpoint.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/firefart/dmarcforwarder/internal/dmarc"
	"github.com/firefart/dmarcforwarder/internal/forwarder"
	"github.com/firefart/dmarcforwarder/internal/mediatype"
	"github.com/firefart/dmarcforwarder/internal/message"
	"github.com/firefart/dmarcforwarder/internal/metrics"
	"github.com/firefart/dmarcforwarder/internal/payload"
)

const DefaultMaxAttachmentSize = 15 * 1024 * 1024

// ErrUnreadableMessage is returned by HandleRaw when the raw message can not
// be parsed. Handling it again gives the same result.
var ErrUnreadableMessage = errors.New("unreadable message")

// Forwarder delivers a payload.
type Forwarder interface {
	Forward(ctx context.Context, p *payload.Payload) (*forwarder.Response, error)
}

// Resolver maps source addresses to host names.
type Resolver interface {
	LookupAll(ips []string) map[string][]string
}

type Options struct {
	MaxAttachmentSize int64
	MaxDecodedSize    int64
	MaxXMLDepth       int
	// Resolver is optional. When set the payload carries the host names of
	// the report source addresses.
	Resolver Resolver
}

type Processor struct {
	log           *slog.Logger
	decoder       *dmarc.Decoder
	maxAttachment int64
	maxDepth      int
	resolver      Resolver
	forwarder     Forwarder
	now           func() time.Time
}

func New(log *slog.Logger, fwd Forwarder, opts Options) *Processor {
	if opts.MaxAttachmentSize <= 0 {
		opts.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if opts.MaxXMLDepth <= 0 {
		opts.MaxXMLDepth = dmarc.DefaultMaxDepth
	}
	return &Processor{
		log:           log,
		decoder:       dmarc.NewDecoder(opts.MaxDecodedSize),
		maxAttachment: opts.MaxAttachmentSize,
		maxDepth:      opts.MaxXMLDepth,
		resolver:      opts.Resolver,
		forwarder:     fwd,
		now:           time.Now,
	}
}

// MaxPartSize is the limit applied to single message parts when parsing raw
// messages. It leaves room above the attachment limit so oversized
// attachments are still reported with their metadata.
func (p *Processor) MaxPartSize() int64 {
	return 2 * p.maxAttachment
}

// Rows turns an attachment into report rows. The returned error is one of
// the dmarc error kinds.
func (p *Processor) Rows(att *message.Attachment) ([]dmarc.Row, error) {
	if int64(len(att.Content)) > p.maxAttachment {
		return nil, fmt.Errorf("%w: attachment of %d bytes exceeds the limit of %d bytes", dmarc.ErrDecodeFailure, len(att.Content), p.maxAttachment)
	}

	class := mediatype.Resolve(att.MediaType)
	p.log.Debug("resolved media type", slog.String("filename", att.Filename), slog.String("media_type", att.MediaType), slog.String("class", class.String()))

	doc, err := p.decoder.Decode(class, att.Content, att.Charset)
	if err != nil {
		return nil, err
	}
	tree, err := dmarc.ParseTree(doc, p.maxDepth)
	if err != nil {
		return nil, err
	}
	return dmarc.Normalize(tree)
}

// Process builds the payload for msg from its first attachment. Failures of
// the attachment pipeline are logged and result in a payload without rows.
func (p *Processor) Process(msg *message.Message) *payload.Payload {
	start := time.Now()

	var rows []dmarc.Row
	att := msg.FirstAttachment()
	if att != nil {
		var err error
		rows, err = p.Rows(att)
		if err != nil {
			kind := dmarc.ErrorKind(err)
			p.log.Warn("could not extract report rows", slog.String("filename", att.Filename), slog.String("kind", kind), slog.Any("err", err))
			metrics.AttachmentErrorInc(kind)
			rows = nil
		}
	}

	pl := payload.Assemble(msg, att, rows, p.now())
	if p.resolver != nil && len(pl.DmarcRecords) > 0 {
		ips := make([]string, 0, len(pl.DmarcRecords))
		for _, row := range pl.DmarcRecords {
			ips = append(ips, row.SourceIP)
		}
		if hosts := p.resolver.LookupAll(ips); len(hosts) > 0 {
			pl.SourceHosts = hosts
		}
	}
	pl.ProcessingStats.ProcessingDuration = time.Since(start).Milliseconds()

	metrics.MessageInc(string(pl.Type()))
	metrics.RowsAdd(len(pl.DmarcRecords))
	p.log.Info("processed message",
		slog.String("message_id", pl.EmailInfo.MessageID),
		slog.String("type", string(pl.Type())),
		slog.Int("rows", len(pl.DmarcRecords)),
	)
	return pl
}

// Handle processes msg and delivers the payload.
func (p *Processor) Handle(ctx context.Context, msg *message.Message) (*forwarder.Response, error) {
	pl := p.Process(msg)
	for _, w := range pl.Warnings() {
		p.log.Warn("payload validation", slog.String("message_id", pl.EmailInfo.MessageID), slog.String("warning", w))
	}
	resp, err := p.forwarder.Forward(ctx, pl)
	if err != nil {
		return nil, fmt.Errorf("could not deliver message %s: %w", pl.EmailInfo.MessageID, err)
	}
	return resp, nil
}

// HandleRaw parses a raw RFC 5322 message and handles it.
func (p *Processor) HandleRaw(ctx context.Context, r io.Reader) (*forwarder.Response, error) {
	msg, err := message.Parse(r, p.MaxPartSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableMessage, err)
	}
	return p.Handle(ctx, msg)
}

// Permanent reports whether handling the same message again will fail
// again: the message could not be parsed or the endpoint rejected the
// payload with a status that is not retried. Cancellation, timeouts and
// transport errors are never permanent.
func Permanent(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || forwarder.Retryable(err) {
		return false
	}
	if errors.Is(err, ErrUnreadableMessage) {
		return true
	}
	var statusErr *forwarder.StatusError
	return errors.As(err, &statusErr)
}
