package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Zstd is a Compressor using Zstandard.
// It is safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd produces a Zstd Compressor.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (*Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(inp []byte) []byte {
	return z.enc.EncodeAll(inp, nil)
}

func (z *Zstd) Uncompress(inp []byte) ([]byte, error) {
	return z.dec.DecodeAll(inp, nil)
}

type Flate struct {
	Level int
}

func (Flate) Name() string { return "flate" }

func (f Flate) Compress(inp []byte) []byte {
	buf := new(bytes.Buffer)
	level := f.Level
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	w, _ := flate.NewWriter(buf, level)
	w.Write(inp)
	w.Close()
	return buf.Bytes()
}

func (f Flate) Uncompress(inp []byte) ([]byte, error) {
	rr := flate.NewReader(bytes.NewReader(inp))
	defer rr.Close()
	return io.ReadAll(rr)
}
