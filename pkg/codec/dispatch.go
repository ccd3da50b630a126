package codec

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/usf/pkg/format"
)

// Probe thresholds for binary data under automatic selection
const (
	zstdMinRatio = 1.5
	lz4MinRatio  = 1.1
)

// Options configures a Dispatcher
type Options struct {
	// BlockSize is the largest logical chunk stored in one block
	BlockSize int
	// Compressor forces one algorithm for every block, or CompressorAuto
	Compressor Compressor
	Level      Level
	// ImageTranscode enables PNG re-encoding for image entries
	ImageTranscode bool
	// DeltaEncode enables delta transforms for structured and JSON entries
	DeltaEncode bool
	// Workers bounds parallel block encoding within one payload
	Workers int
}

// Block is one encoded chunk ready to be written
type Block struct {
	ID        ID
	Payload   []byte
	RawLength int
}

// Plan is the complete encoding of one payload
type Plan struct {
	Transform Transform
	Blocks    []Block
	// Size is the length of the original payload
	Size int
	// Stored is the total payload bytes across all blocks
	Stored int
}

// Dispatcher picks a transform and per-block compressor for each payload
// and applies their inverses on the read path. It holds no mutable state
// after construction and is safe for concurrent use.
type Dispatcher struct {
	opts       Options
	compressor *CompressionManager
}

// NewDispatcher creates a dispatcher from opts
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.BlockSize < format.MinBlockSize || opts.BlockSize > format.MaxBlockSize {
		return nil, fmt.Errorf("block size %d outside [%d, %d]", opts.BlockSize, format.MinBlockSize, format.MaxBlockSize)
	}
	if opts.Compressor != CompressorAuto && !opts.Compressor.Known() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, opts.Compressor)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	cm, err := NewCompressionManager(opts.Level)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{opts: opts, compressor: cm}, nil
}

// BlockSize returns the configured chunk size
func (d *Dispatcher) BlockSize() int {
	return d.opts.BlockSize
}

// Close releases codec resources
func (d *Dispatcher) Close() error {
	return d.compressor.Close()
}

// Encode produces the storage plan for data. It never fails: any codec
// that errors or does not shrink its input is replaced by raw storage.
func (d *Dispatcher) Encode(data []byte, dt format.DataType) *Plan {
	t, stream := d.transform(data, dt)
	plan := d.chunk(stream, t, dt)
	plan.Size = len(data)

	if t == TransformDelta || t == TransformDeltaJSON {
		plain := d.chunk(data, TransformNone, dt)
		plain.Size = len(data)
		if plain.Stored <= plan.Stored {
			return plain
		}
	}
	return plan
}

// transform chooses and verifies a whole-payload transform
func (d *Dispatcher) transform(data []byte, dt format.DataType) (Transform, []byte) {
	var t Transform
	var stream []byte
	var err error

	switch {
	case dt == format.TypeImage && d.opts.ImageTranscode:
		t, stream, err = transcodeImage(data)
		if err != nil {
			return TransformImageFallback, data
		}
	case dt == format.TypeStructured && d.opts.DeltaEncode:
		t = TransformDelta
		stream, err = applyDelta(t, data)
	case dt == format.TypeJSON && d.opts.DeltaEncode:
		t = TransformDeltaJSON
		stream, err = applyDelta(t, data)
	default:
		return TransformNone, data
	}
	if err != nil {
		return TransformNone, data
	}

	// A transform is only kept if its inverse reproduces the input exactly.
	back, err := d.Restore(t, stream, len(data))
	if err != nil || !bytes.Equal(back, data) {
		if t.IsImage() {
			return TransformImageFallback, data
		}
		return TransformNone, data
	}
	return t, stream
}

// chunk splits stream into blocks and compresses them in parallel
func (d *Dispatcher) chunk(stream []byte, t Transform, dt format.DataType) *Plan {
	bs := d.opts.BlockSize
	n := (len(stream) + bs - 1) / bs
	if n == 0 {
		n = 1
	}

	blocks := make([]Block, n)
	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for i := range blocks {
		lo := i * bs
		hi := min(lo+bs, len(stream))
		g.Go(func() error {
			blocks[i] = d.encodeBlock(stream[lo:hi], t, dt)
			return nil
		})
	}
	_ = g.Wait()

	plan := &Plan{Transform: t, Blocks: blocks}
	for _, b := range blocks {
		plan.Stored += len(b.Payload)
	}
	return plan
}

func (d *Dispatcher) encodeBlock(raw []byte, t Transform, dt format.DataType) Block {
	c, out := d.compress(raw, t, dt)
	return Block{ID: MakeID(t, c), Payload: out, RawLength: len(raw)}
}

// compress returns the compressor used and its output, falling back to
// raw storage whenever compression does not strictly shrink raw.
func (d *Dispatcher) compress(raw []byte, t Transform, dt format.DataType) (Compressor, []byte) {
	if len(raw) == 0 {
		return CompressorNone, raw
	}

	c := d.opts.Compressor
	if c == CompressorAuto {
		return d.autoCompress(raw, t, dt)
	}
	out, err := d.compressor.Compress(raw, c)
	if err != nil {
		return CompressorNone, raw
	}
	return c, out
}

func (d *Dispatcher) autoCompress(raw []byte, t Transform, dt format.DataType) (Compressor, []byte) {
	textual := dt == format.TypeText || dt == format.TypeJSON || dt == format.TypeStructured ||
		t == TransformImageFallback
	if textual {
		out, err := d.compressor.Compress(raw, CompressorZstd)
		if err != nil {
			return CompressorNone, raw
		}
		return CompressorZstd, out
	}

	// Binary, unknown and transcoded images are probed with zstd; the
	// probe output is reused when it clears the threshold.
	out, err := d.compressor.Compress(raw, CompressorZstd)
	if err != nil {
		return CompressorNone, raw
	}
	ratio := float64(len(raw)) / float64(len(out))
	if ratio >= zstdMinRatio {
		return CompressorZstd, out
	}
	if ratio >= lz4MinRatio {
		if lz, err := d.compressor.Compress(raw, CompressorLZ4); err == nil {
			return CompressorLZ4, lz
		}
		return CompressorZstd, out
	}
	return CompressorNone, raw
}

// DecodeBlock decompresses one block payload. The result must be exactly
// rawLength bytes.
func (d *Dispatcher) DecodeBlock(id ID, payload []byte, rawLength int) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return d.compressor.Decompress(payload, id.Compressor(), rawLength)
}

// Restore inverts transform t over the reassembled stream. size is the
// original payload length.
func (d *Dispatcher) Restore(t Transform, stream []byte, size int) ([]byte, error) {
	var out []byte
	var err error
	switch {
	case t == TransformNone || t == TransformImageFallback:
		out = stream
	case t == TransformDelta || t == TransformDeltaJSON:
		out, err = invertDelta(t, stream)
	case t.IsImage():
		out, err = invertImage(t, stream, size)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, t)
	}
	if err != nil {
		if errors.Is(err, ErrDecodeMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v: %v", ErrDecodeMismatch, t, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: %v restored %d bytes, expected %d", ErrDecodeMismatch, t, len(out), size)
	}
	return out, nil
}
