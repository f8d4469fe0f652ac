package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the stream compression applied around the tar stream.
type Codec string

const (
	CodecNone Codec = "none"
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// ParseCodec validates a configured codec name. Empty means gzip.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CodecGzip, nil
	case CodecNone, CodecGzip, CodecZstd, CodecLZ4:
		return c, nil
	}
	return "", fmt.Errorf("unsupported compression %q (want gzip, zstd, lz4 or none)", s)
}

// Extension is the archive suffix for the codec, including the .tar part.
func (c Codec) Extension() string {
	switch c {
	case CodecGzip:
		return ".tar.gz"
	case CodecZstd:
		return ".tar.zst"
	case CodecLZ4:
		return ".tar.lz4"
	}
	return ".tar"
}

// Compressed reports whether the codec shrinks data.
func (c Codec) Compressed() bool {
	return c != CodecNone && c != ""
}

// NewWriter wraps w so that everything written is compressed with c. Close
// flushes the codec but does not close w.
func NewWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level5)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return zw, nil
	case CodecNone, "":
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

// NewReader returns a reader that decompresses r according to c.
func NewReader(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecNone, "":
		return io.NopCloser(r), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
