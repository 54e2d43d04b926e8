package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression names
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionS2   = "s2"
)

// Compressor compresses whole payloads
type Compressor interface {
	Name() string
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the compressor for name. An empty name means none.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressionNone:
		return noneCompressor{}, nil
	case CompressionZstd:
		return newZstdCompressor(), nil
	case CompressionS2:
		return s2Compressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", name)
	}
}

type noneCompressor struct{}

func (noneCompressor) Name() string                           { return CompressionNone }
func (noneCompressor) Compress(data []byte) []byte            { return data }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

type zstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

func newZstdCompressor() *zstdCompressor {
	zc := &zstdCompressor{}
	zc.encoderPool.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}
	zc.decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}
	return zc
}

func (zc *zstdCompressor) Name() string {
	return CompressionZstd
}

func (zc *zstdCompressor) Compress(data []byte) []byte {
	enc := zc.encoderPool.Get().(*zstd.Encoder)
	defer zc.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec := zc.decoderPool.Get().(*zstd.Decoder)
	defer zc.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}

// s2Compressor is Snappy compatible with better ratios
type s2Compressor struct{}

func (s2Compressor) Name() string {
	return CompressionS2
}

func (s2Compressor) Compress(data []byte) []byte {
	return s2.Encode(nil, data)
}

func (s2Compressor) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}
