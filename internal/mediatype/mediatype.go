// Package mediatype maps a declared attachment media type to the container
// format used to decode it.
package mediatype

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Class is the canonical container format derived from a media type.
type Class uint8

const (
	Unknown Class = iota
	Gzip
	Zip
	XML
)

func (c Class) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zip:
		return "zip-archive"
	case XML:
		return "xml"
	default:
		return "unknown"
	}
}

// Resolve looks up the declared media type in mimetype's type table and
// returns the class of its registered file extension. Parameters such as
// charset are ignored. Types without a supported extension yield Unknown.
func Resolve(declared string) Class {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	} else if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" {
		return Unknown
	}

	m := mimetype.Lookup(mt)
	if m == nil {
		return Unknown
	}
	switch m.Extension() {
	case ".gz":
		return Gzip
	case ".zip":
		return Zip
	case ".xml":
		return XML
	default:
		return Unknown
	}
}
