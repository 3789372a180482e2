// Package forwarder delivers assembled payloads to the processing endpoint.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/firefart/dmarcforwarder/internal/metrics"
	"github.com/firefart/dmarcforwarder/internal/payload"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	DefaultUserAgent = "dmarcforwarder/" + payload.Version

	maxPayloadSize  = 10 * 1024 * 1024
	maxResponseSize = 1024 * 1024
)

// Response is the answer of the processing endpoint.
type Response struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message,omitempty"`
	Error           string          `json:"error,omitempty"`
	UploadedFileURL string          `json:"uploadedFileUrl,omitempty"`
	InsertedRecords *int            `json:"insertedRecords,omitempty"`
	ProcessingTime  *float64        `json:"processingTime,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// StatusError is returned when the endpoint answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	var reason string
	switch e.StatusCode {
	case http.StatusBadRequest:
		reason = "invalid data format"
	case http.StatusUnauthorized:
		reason = "authentication required"
	case http.StatusForbidden:
		reason = "access denied"
	case http.StatusNotFound:
		reason = "endpoint not found"
	case http.StatusRequestEntityTooLarge:
		reason = "request body too large"
	case http.StatusTooManyRequests:
		reason = "rate limit exceeded"
	case http.StatusInternalServerError:
		reason = "endpoint error"
	case http.StatusBadGateway:
		reason = "endpoint unavailable"
	case http.StatusServiceUnavailable:
		reason = "endpoint temporarily unavailable"
	case http.StatusGatewayTimeout:
		reason = "endpoint timeout"
	default:
		return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (%d): %s - %s", http.StatusText(e.StatusCode), e.StatusCode, reason, e.Body)
}

// Retryable reports whether a failed delivery may succeed when repeated:
// timeouts, network errors and 502, 503 and 504 answers.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type Options struct {
	Endpoint   string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	UserAgent  string
	Client     *http.Client
}

type Forwarder struct {
	log  *slog.Logger
	opts Options
}

func New(log *slog.Logger, opts Options) *Forwarder {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Forwarder{
		log:  log,
		opts: opts,
	}
}

// Forward posts p to the endpoint. Retryable failures are repeated with the
// simplified payload up to the configured number of retries. The returned
// error holds every failed attempt.
func (f *Forwarder) Forward(ctx context.Context, p *payload.Payload) (*Response, error) {
	requestID := uuid.NewString()

	resp, err := f.send(ctx, p, requestID, false)
	if err == nil {
		return resp, nil
	}
	result := multierror.Append(nil, err)

	for attempt := 1; attempt <= f.opts.Retries && Retryable(err); attempt++ {
		f.log.Warn("delivery failed, retrying", slog.String("request_id", requestID), slog.Int("attempt", attempt), slog.Any("err", err))
		select {
		case <-ctx.Done():
			return nil, multierror.Append(result, ctx.Err()).ErrorOrNil()
		case <-time.After(f.opts.RetryDelay):
		}

		resp, err = f.send(ctx, p.Simplified(), requestID, true)
		if err == nil {
			return resp, nil
		}
		result = multierror.Append(result, err)
	}

	return nil, result.ErrorOrNil()
}

func (f *Forwarder) send(ctx context.Context, p *payload.Payload, requestID string, retry bool) (*Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("could not marshal payload: %w", err)
	}
	if len(body) > maxPayloadSize {
		f.log.Warn("payload exceeds 10MB", slog.Int("size", len(body)), slog.String("request_id", requestID))
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Processing-Timestamp", time.Now().UTC().Format(payload.TimeFormat))
	req.Header.Set("X-Record-Count", strconv.Itoa(len(p.DmarcRecords)))
	req.Header.Set("X-Has-Attachment", strconv.FormatBool(p.Attachment != nil))
	req.Header.Set("X-Has-HTML", strconv.FormatBool(p.EmailInfo.HasHTML))
	req.Header.Set("X-Has-Text", strconv.FormatBool(p.EmailInfo.HasText))
	if retry {
		req.Header.Set("X-Is-Retry", "true")
	}

	start := time.Now()
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		metrics.DeliveryObserve(0, err, start)
		return nil, fmt.Errorf("could not post payload: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	metrics.DeliveryObserve(resp.StatusCode, err, start)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var r Response
	if err := json.Unmarshal(b, &r); err != nil {
		// the payload was accepted, do not deliver it twice
		f.log.Warn("could not decode endpoint response", slog.String("request_id", requestID), slog.Any("err", err))
		return &r, nil
	}
	if !r.Success {
		f.log.Warn("endpoint reported a processing error", slog.String("request_id", requestID), slog.String("error", r.Error), slog.String("message", r.Message))
	}
	return &r, nil
}
