package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var ErrDecompression = errors.New("decompression failed")

// Compressor compresses a frame body.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// Decompressor inflates a frame body that must expand to exactly
// expectedSize bytes.
type Decompressor interface {
	Decompress(data []byte, expectedSize int) ([]byte, error)
}

// Codec is both halves of a compression scheme.
type Codec interface {
	Compressor
	Decompressor
}

// ZlibCodec compresses frame bodies with zlib.
type ZlibCodec struct {
	Level int
}

// NewZlibCodec returns a codec using the default compression level.
func NewZlibCodec() *ZlibCodec {
	return &ZlibCodec{Level: zlib.DefaultCompression}
}

// Compress deflates data into a zlib stream.
func (z *ZlibCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.Level)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates data and fails unless the stream produces exactly
// expectedSize bytes. Bytes after the end of the zlib stream are ignored.
func (z *ZlibCodec) Decompress(data []byte, expectedSize int) ([]byte, error) {
	if expectedSize < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrDecompression, expectedSize)
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer r.Close()

	out := make([]byte, expectedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: want %d bytes: %v", ErrDecompression, expectedSize, err)
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: stream larger than %d bytes", ErrDecompression, expectedSize)
	}
	return out, nil
}
