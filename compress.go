package roo

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// maxDecompressed caps what one payload may inflate to.
const maxDecompressed = 64 << 20

// zstdCompressor handles payload compression for
// a Socket. EncodeAll and DecodeAll are safe for
// concurrent use, so no working buffers are shared
// between callers; each result is freshly allocated
// and may be handed to the transport as is.
type zstdCompressor struct {
	compressor *zstd.Encoder
	decomp     *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {

	// The nil argument here means only do []byte compressions,
	// unless you do a Reset(io.Writer)
	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	// default is 4 decompressor goro.
	decomp, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
	if err != nil {
		compressor.Close()
		return nil, err
	}

	return &zstdCompressor{
		compressor: compressor,
		decomp:     decomp,
	}, nil
}

// Close releases held resources, important for cleanup.
func (c *zstdCompressor) Close() {
	c.compressor.Close()
	c.decomp.Close()
}

func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := c.decomp.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("roo: zstd payload: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Compress(src []byte) []byte {
	return c.compressor.EncodeAll(src, nil)
}
