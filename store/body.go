package store

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Body storage encodings. Compression is a storage concern: callers of
// Get and Put only ever see decompressed bytes.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

// minCompressSize is the smallest body worth compressing. Tiny pages cost
// more in gzip framing than they save.
const minCompressSize = 512

// encodeBody compresses the body when it pays off and returns the stored
// bytes with the encoding used.
func encodeBody(body []byte) ([]byte, string) {
	if len(body) < minCompressSize {
		return body, EncodingIdentity
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return body, EncodingIdentity
	}
	if err := zw.Close(); err != nil {
		return body, EncodingIdentity
	}

	if buf.Len() >= len(body) {
		return body, EncodingIdentity
	}
	return buf.Bytes(), EncodingGzip
}

// decodeBody reverses encodeBody.
func decodeBody(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return data, nil
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip reader: %w", err)
		}
		defer func() { _ = zr.Close() }()

		body, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
