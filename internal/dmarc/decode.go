package dmarc

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/firefart/dmarcforwarder/internal/helper"
	"github.com/firefart/dmarcforwarder/internal/mediatype"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultMaxDecodedSize is the largest document Decode returns when the
// Decoder has no explicit limit.
const DefaultMaxDecodedSize = 20 * 1024 * 1024

var (
	errLimit = errors.New("input exceeds maximum size")

	utf8BOM = []byte{0xef, 0xbb, 0xbf}

	xmlEncodingRe = regexp.MustCompile(`^\s*<\?xml[^>]*?encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
)

// Decoder turns raw attachment content into an XML document. The strategy
// is chosen only by the extension class, the content is never sniffed to
// pick a different one.
type Decoder struct {
	// MaxSize caps the size of the decoded document in bytes.
	MaxSize int64
}

// NewDecoder returns a Decoder with the given size limit. A limit <= 0 uses
// DefaultMaxDecodedSize.
func NewDecoder(maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxDecodedSize
	}
	return &Decoder{MaxSize: maxSize}
}

// Decode returns the UTF-8 XML text held in content. charset is the charset
// parameter of the declared media type and may be empty, in which case the
// encoding declared in the XML prolog is honoured.
func (d *Decoder) Decode(class mediatype.Class, content []byte, charset string) (string, error) {
	var raw []byte
	var err error
	switch class {
	case mediatype.Gzip:
		raw, err = d.inflate(content)
	case mediatype.Zip:
		raw, err = d.unzip(content)
	case mediatype.XML:
		raw, err = d.readAll(bytes.NewReader(content))
	default:
		return "", wrap(ErrUnsupportedFormat, "no decoder for extension class %s", class)
	}
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", wrap(ErrDecodeFailure, "%s content decoded to an empty document", class)
	}
	return toUTF8(raw, charset)
}

func (d *Decoder) maxSize() int64 {
	if d.MaxSize <= 0 {
		return DefaultMaxDecodedSize
	}
	return d.MaxSize
}

func (d *Decoder) readAll(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(&limitReader{R: r, Limit: d.maxSize()})
	if err != nil {
		return nil, wrap(ErrDecodeFailure, "could not read: %v", err)
	}
	return b, nil
}

// inflate handles the deflate stream of a gzip class attachment. Most
// reporters send a gzip file, some send zlib framed or raw deflate data.
func (d *Decoder) inflate(content []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch helper.DeflateWrapper(content) {
	case helper.WrapperGzip:
		r, err = gzip.NewReader(bytes.NewReader(content))
	case helper.WrapperZlib:
		r, err = zlib.NewReader(bytes.NewReader(content))
	default:
		r = flate.NewReader(bytes.NewReader(content))
	}
	if err != nil {
		return nil, wrap(ErrDecodeFailure, "could not open compressed stream: %v", err)
	}
	defer r.Close()

	return d.readAll(r)
}

// unzip returns the content of the first entry of the archive, in archive
// order.
func (d *Decoder) unzip(content []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, wrap(ErrDecodeFailure, "could not open zip: %v", err)
	}
	if len(zr.File) == 0 {
		return nil, wrap(ErrDecodeFailure, "zip archive contains no entries")
	}

	f := zr.File[0]
	if f.FileInfo().IsDir() {
		return nil, wrap(ErrDecodeFailure, "first zip entry %s is a directory", f.Name)
	}
	if f.UncompressedSize64 > uint64(d.maxSize()) {
		return nil, wrap(ErrDecodeFailure, "zip entry %s is %d bytes, limit is %d", f.Name, f.UncompressedSize64, d.maxSize())
	}
	x, err := f.Open()
	if err != nil {
		return nil, wrap(ErrDecodeFailure, "could not open file %s inside zip: %v", f.Name, err)
	}
	defer x.Close()

	return d.readAll(x)
}

// toUTF8 converts the decoded bytes to UTF-8 text. The charset comes from
// the media type or, when missing, from the XML declaration.
func toUTF8(b []byte, label string) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if label == "" {
		switch {
		case bytes.HasPrefix(b, []byte{0xff, 0xfe}), bytes.HasPrefix(b, []byte{0xfe, 0xff}):
			label = "utf-16"
		default:
			label = declaredEncoding(b)
		}
	}

	if label != "" && !isUTF8Label(label) {
		if r := charsetReader(label, bytes.NewReader(b)); r != nil {
			converted, err := io.ReadAll(r)
			if err != nil {
				return "", wrap(ErrDecodeFailure, "could not convert from charset %s: %v", label, err)
			}
			b = bytes.TrimPrefix(converted, utf8BOM)
		}
	}

	if !utf8.Valid(b) {
		return "", wrap(ErrDecodeFailure, "document is not valid UTF-8 text")
	}
	return string(b), nil
}

// charsetReader returns a reader decoding from label to UTF-8, or nil when
// the charset is unknown.
func charsetReader(label string, r io.Reader) io.Reader {
	enc, _ := ianaindex.MIME.Encoding(label)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(label)
	}
	if enc != nil {
		return enc.NewDecoder().Reader(r)
	}
	// the WHATWG label table knows more aliases, e.g. gb2312
	cr, err := htmlcharset.NewReaderLabel(label, r)
	if err != nil {
		return nil
	}
	return cr
}

func declaredEncoding(b []byte) string {
	head := b
	if len(head) > 256 {
		head = head[:256]
	}
	m := xmlEncodingRe.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func isUTF8Label(label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// limitReader reads up to Limit bytes and fails once more are read.
type limitReader struct {
	R     io.Reader
	Limit int64
}

func (r *limitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	if n > 0 {
		r.Limit -= int64(n)
		if r.Limit < 0 {
			return 0, errLimit
		}
	}
	return n, err
}
