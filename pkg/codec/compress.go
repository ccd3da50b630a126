package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// errIncompressible signals that a compressor produced output no smaller
// than its input. Callers store the block raw instead.
var errIncompressible = errors.New("data is incompressible")

// maxDecodedBlock bounds decoder memory for a single block. Blocks never
// exceed the largest configurable block size, plus transform headroom.
const maxDecodedBlock = 64 << 20

// Level is a compression effort setting from 1 (fastest) to 4 (smallest)
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 2
	LevelBetter  Level = 3
	LevelBest    Level = 4
)

// zstdLevel maps a Level onto the zstd encoder levels
func (l Level) zstdLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// CompressionManager compresses and decompresses single blocks. The zstd
// encoder and decoder are safe for concurrent use, so one manager serves
// every worker.
type CompressionManager struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	level       Level
}

// NewCompressionManager creates a manager with zstd configured at level
func NewCompressionManager(level Level) (*CompressionManager, error) {
	if level < LevelFastest || level > LevelBest {
		level = LevelDefault
	}

	zstdEncoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level.zstdLevel()))
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder with level %v: %w", level.zstdLevel(), err)
	}

	zstdDecoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBlock))
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &CompressionManager{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
		level:       level,
	}, nil
}

// Compress compresses data with c. It returns errIncompressible when the
// output would not be strictly smaller than the input.
func (m *CompressionManager) Compress(data []byte, c Compressor) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}

	var out []byte
	var err error
	switch c {
	case CompressorNone:
		return data, nil
	case CompressorZstd:
		out = m.zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	case CompressorLZ4:
		out, err = compressLZ4(data, m.level)
	case CompressorSnappy:
		out = snappy.Encode(nil, data)
	case CompressorXZ:
		out, err = compressLZMA(data)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, c)
	}
	if err != nil {
		return nil, err
	}
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// Decompress reverses Compress. The output must be exactly rawLength bytes.
func (m *CompressionManager) Decompress(data []byte, c Compressor, rawLength int) ([]byte, error) {
	if rawLength < 0 || rawLength > maxDecodedBlock {
		return nil, fmt.Errorf("%w: declared length %d out of range", ErrDecodeMismatch, rawLength)
	}

	var out []byte
	var err error
	switch c {
	case CompressorNone:
		out = data
	case CompressorZstd:
		out, err = m.zstdDecoder.DecodeAll(data, make([]byte, 0, rawLength))
	case CompressorLZ4:
		out, err = decompressLZ4(data, rawLength)
	case CompressorSnappy:
		out, err = decompressSnappy(data, rawLength)
	case CompressorXZ:
		out, err = decompressLZMA(data, rawLength)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrDecodeMismatch, c, err)
	}
	if len(out) != rawLength {
		return nil, fmt.Errorf("%w: %v produced %d bytes, expected %d", ErrDecodeMismatch, c, len(out), rawLength)
	}
	return out, nil
}

// Close releases the zstd encoder and decoder
func (m *CompressionManager) Close() error {
	if m.zstdEncoder != nil {
		m.zstdEncoder.Close()
		m.zstdEncoder = nil
	}
	if m.zstdDecoder != nil {
		m.zstdDecoder.Close()
		m.zstdDecoder = nil
	}
	return nil
}

func compressLZ4(data []byte, level Level) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))

	var n int
	var err error
	if level >= LevelBetter {
		n, err = lz4.CompressBlockHC(data, dst, lz4.Level9, nil, nil)
	} else {
		n, err = lz4.CompressBlock(data, dst, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means the block did not compress.
	if n == 0 {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(data []byte, rawLength int) ([]byte, error) {
	dst := make([]byte, rawLength)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func decompressSnappy(data []byte, rawLength int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n != rawLength {
		return nil, fmt.Errorf("snappy header declares %d bytes", n)
	}
	return snappy.Decode(make([]byte, rawLength), data)
}

func compressLZMA(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lzma compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lzma close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZMA(data []byte, rawLength int) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// Read one byte past the declared length so oversized streams are caught
	// without inflating them completely.
	buf := bytes.NewBuffer(make([]byte, 0, rawLength))
	if _, err := buf.ReadFrom(io.LimitReader(r, int64(rawLength)+1)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
