package dmarc

import (
	"errors"
	"fmt"
)

// Error kinds raised while turning an attachment into report rows. All of
// them are wrapped with context, use errors.Is to classify.
var (
	ErrUnsupportedFormat      = errors.New("unsupported format")
	ErrDecodeFailure          = errors.New("decode failure")
	ErrMalformedXML           = errors.New("malformed xml")
	ErrInvalidReportStructure = errors.New("invalid report structure")
)

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ErrorKind returns a short label for err, suitable for logs and metric
// labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrMalformedXML):
		return "malformed_xml"
	case errors.Is(err, ErrInvalidReportStructure):
		return "invalid_report_structure"
	default:
		return "other"
	}
}
