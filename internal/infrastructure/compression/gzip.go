package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// GzipCodec compresses cache payloads with standard gzip. The level is fixed
// at construction; BestSpeed suits hot-path media segments, DefaultCompression
// suits cold storage.
type GzipCodec struct {
	level int
}

func NewGzipCodec(level int) (*GzipCodec, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid gzip level %d", level)
	}
	return &GzipCodec{level: level}, nil
}

func NewDefaultGzipCodec() *GzipCodec {
	return &GzipCodec{level: gzip.DefaultCompression}
}

func (c *GzipCodec) Name() string {
	return "gzip"
}

func (c *GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt gzip payload: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("corrupt gzip payload: %w", err)
	}
	return out, nil
}

// IdentityCodec passes payloads through untouched, for callers that want the
// codec seam without compression.
type IdentityCodec struct{}

func NewIdentityCodec() *IdentityCodec {
	return &IdentityCodec{}
}

func (IdentityCodec) Name() string {
	return "identity"
}

func (IdentityCodec) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (IdentityCodec) Decompress(data []byte) ([]byte, error) {
	return data, nil
}
