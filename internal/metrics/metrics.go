// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmarcforwarder_messages_total",
			Help: "Number of processed messages, by email type.",
		},
		[]string{
			"type",
		},
	)
	metricAttachmentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmarcforwarder_attachment_errors_total",
			Help: "Number of attachments that did not yield report rows, by error kind.",
		},
		[]string{
			"kind",
		},
	)
	metricRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmarcforwarder_report_rows_total",
			Help: "Number of report rows extracted from attachments.",
		},
	)
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmarcforwarder_delivery_duration_seconds",
			Help:    "Duration of payload deliveries.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"code",
			"result",
		},
	)
)

func MessageInc(emailType string) {
	metricMessages.WithLabelValues(emailType).Inc()
}

func AttachmentErrorInc(kind string) {
	metricAttachmentErrors.WithLabelValues(kind).Inc()
}

func RowsAdd(n int) {
	metricRows.Add(float64(n))
}

// DeliveryObserve tracks the result of a delivery attempt.
func DeliveryObserve(statusCode int, err error, start time.Time) {
	metricDelivery.WithLabelValues(strconv.Itoa(statusCode), DeliveryResult(statusCode, err)).Observe(time.Since(start).Seconds())
}

// DeliveryResult condenses a status code and transport error into a label.
func DeliveryResult(statusCode int, err error) string {
	switch {
	case err == nil || statusCode != 0:
		switch statusCode / 100 {
		case 2:
			return "ok"
		case 4:
			return "usererror"
		case 5:
			return "servererror"
		default:
			return "other"
		}
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
