package rpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// Supported compressor names.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

func init() {
	encoding.RegisterCompressor(newZstdCompressor())
	encoding.RegisterCompressor(lz4Compressor{})
}

// ValidCompression reports whether name is a known compressor or "none".
func ValidCompression(name string) bool {
	switch name {
	case "", CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
		return true
	}
	return false
}

// zstdCompressor shares one encoder and one decoder; EncodeAll and
// DecodeAll are safe for concurrent use.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &zstdCompressor{enc: enc, dec: dec}
}

func (z *zstdCompressor) Name() string { return CompressionZstd }

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &zstdWriter{enc: z.enc, w: w}, nil
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read zstd frame: %w", err)
	}
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd frame: %w", err)
	}
	return bytes.NewReader(out), nil
}

type zstdWriter struct {
	enc *zstd.Encoder
	w   io.Writer
	buf bytes.Buffer
}

func (z *zstdWriter) Write(p []byte) (int, error) { return z.buf.Write(p) }

func (z *zstdWriter) Close() error {
	_, err := z.w.Write(z.enc.EncodeAll(z.buf.Bytes(), nil))
	return err
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return CompressionLZ4 }

func (lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}
