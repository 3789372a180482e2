package mediatype

import "testing"

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mediaType string
		want      Class
	}{
		{"application/gzip", Gzip},
		{"application/x-gzip", Gzip},
		{"APPLICATION/GZIP", Gzip},
		{"application/zip", Zip},
		{"application/x-zip-compressed", Zip},
		{"text/xml", XML},
		{"application/xml", XML},
		{"text/xml; charset=iso-8859-1", XML},
		{"application/pdf", Unknown},
		{"application/octet-stream", Unknown},
		{"bogus/type", Unknown},
		{"", Unknown},
	}
	for _, tt := range tests {
		if got := Resolve(tt.mediaType); got != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.mediaType, got, tt.want)
		}
	}
}
