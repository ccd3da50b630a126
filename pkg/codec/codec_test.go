package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/KevoDB/usf/pkg/format"
)

func newTestDispatcher(t testing.TB, opts Options) *Dispatcher {
	t.Helper()
	if opts.BlockSize == 0 {
		opts.BlockSize = format.DefaultBlockSize
	}
	d, err := NewDispatcher(opts)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func defaultOptions() Options {
	return Options{
		BlockSize:      format.DefaultBlockSize,
		Compressor:     CompressorAuto,
		Level:          LevelDefault,
		ImageTranscode: true,
		DeltaEncode:    true,
		Workers:        4,
	}
}

// decodePlan reverses a plan the way the read path does
func decodePlan(t *testing.T, d *Dispatcher, p *Plan) []byte {
	t.Helper()
	var stream []byte
	for i, b := range p.Blocks {
		raw, err := d.DecodeBlock(b.ID, b.Payload, b.RawLength)
		if err != nil {
			t.Fatalf("Failed to decode block %d (%v): %v", i, b.ID, err)
		}
		stream = append(stream, raw...)
	}
	out, err := d.Restore(p.Transform, stream, p.Size)
	if err != nil {
		t.Fatalf("Failed to restore %v: %v", p.Transform, err)
	}
	return out
}

func int64Sequence(values ...int64) []byte {
	return encodeInt64Sequence(values)
}

func TestIDPacking(t *testing.T) {
	id := MakeID(TransformDeltaJSON, CompressorXZ)
	if id.Transform() != TransformDeltaJSON {
		t.Errorf("Transform mismatch: got %v, expected %v", id.Transform(), TransformDeltaJSON)
	}
	if id.Compressor() != CompressorXZ {
		t.Errorf("Compressor mismatch: got %v, expected %v", id.Compressor(), CompressorXZ)
	}
	if err := id.Validate(); err != nil {
		t.Errorf("Unexpected validation error: %v", err)
	}

	for _, bad := range []ID{0x0E, 0x70, 0xF1} {
		if err := bad.Validate(); !errors.Is(err, ErrUnsupportedCodec) {
			t.Errorf("Expected ErrUnsupportedCodec for %#02x, got %v", uint8(bad), err)
		}
	}
}

func TestParseCompressor(t *testing.T) {
	for _, c := range []Compressor{CompressorNone, CompressorZstd, CompressorLZ4, CompressorSnappy, CompressorXZ, CompressorAuto} {
		got, err := ParseCompressor(c.String())
		if err != nil {
			t.Errorf("Failed to parse %q: %v", c.String(), err)
		}
		if got != c {
			t.Errorf("Parse mismatch: got %v, expected %v", got, c)
		}
	}
	if _, err := ParseCompressor("brotli"); err == nil {
		t.Error("Expected error for unknown compressor")
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	cm, err := NewCompressionManager(LevelDefault)
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer cm.Close()

	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200))

	for _, c := range []Compressor{CompressorZstd, CompressorLZ4, CompressorSnappy, CompressorXZ} {
		t.Run(c.String(), func(t *testing.T) {
			out, err := cm.Compress(data, c)
			if err != nil {
				t.Fatalf("Failed to compress: %v", err)
			}
			if len(out) >= len(data) {
				t.Errorf("Compressed size %d not smaller than input %d", len(out), len(data))
			}

			back, err := cm.Decompress(out, c, len(data))
			if err != nil {
				t.Fatalf("Failed to decompress: %v", err)
			}
			if !bytes.Equal(back, data) {
				t.Error("Decompressed data does not match input")
			}

			// A wrong declared length is a decode error, never truncation
			if _, err := cm.Decompress(out, c, len(data)-1); !errors.Is(err, ErrDecodeMismatch) {
				t.Errorf("Expected ErrDecodeMismatch for short length, got %v", err)
			}
			if _, err := cm.Decompress(out, c, len(data)+1); !errors.Is(err, ErrDecodeMismatch) {
				t.Errorf("Expected ErrDecodeMismatch for long length, got %v", err)
			}
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	cm, err := NewCompressionManager(LevelFastest)
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer cm.Close()

	data := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(data)

	for _, c := range []Compressor{CompressorZstd, CompressorLZ4, CompressorSnappy} {
		if _, err := cm.Compress(data, c); !errors.Is(err, errIncompressible) {
			t.Errorf("%v: expected errIncompressible for random data, got %v", c, err)
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	cm, err := NewCompressionManager(LevelDefault)
	if err != nil {
		t.Fatalf("Failed to create compression manager: %v", err)
	}
	defer cm.Close()

	garbage := []byte("definitely not a compressed stream")
	for _, c := range []Compressor{CompressorZstd, CompressorLZ4, CompressorSnappy, CompressorXZ} {
		if _, err := cm.Decompress(garbage, c, 1000); !errors.Is(err, ErrDecodeMismatch) {
			t.Errorf("%v: expected ErrDecodeMismatch, got %v", c, err)
		}
	}
}

func TestDeltaExample(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())
	data := int64Sequence(1, 2, 3, 4, 5)

	plan := d.Encode(data, format.TypeStructured)
	if plan.Transform != TransformDelta {
		t.Errorf("Expected delta transform, got %v", plan.Transform)
	}
	if plan.Stored >= len(data) {
		t.Errorf("Delta plan stored %d bytes, expected fewer than %d", plan.Stored, len(data))
	}

	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Restored bytes do not match the original sequence")
	}
}

func TestDeltaRejectedWhenLarger(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	// Full-range random values make every delta a ten byte varint, larger
	// than the fixed eight byte encoding.
	r := rand.New(rand.NewSource(3))
	values := make([]int64, 256)
	for i := range values {
		values[i] = int64(r.Uint64())
	}
	data := int64Sequence(values...)

	plan := d.Encode(data, format.TypeStructured)
	if plan.Transform != TransformNone {
		t.Errorf("Expected untransformed plan, got %v", plan.Transform)
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Restored bytes do not match")
	}
}

func TestDeltaNotApplicable(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	cases := map[string][]byte{
		"short":          {1, 2, 3},
		"count mismatch": append(binary.LittleEndian.AppendUint64(nil, 9), make([]byte, 16)...),
		"ragged":         append(int64Sequence(1, 2), 0xFF),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			plan := d.Encode(data, format.TypeStructured)
			if plan.Transform != TransformNone {
				t.Errorf("Expected no transform, got %v", plan.Transform)
			}
			if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
				t.Error("Restored bytes do not match")
			}
		})
	}
}

func TestDeltaJSON(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < 2000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.FormatInt(1700000000+int64(i)*3, 10))
	}
	sb.WriteString("]")
	data := []byte(sb.String())

	plan := d.Encode(data, format.TypeJSON)
	if plan.Transform != TransformDeltaJSON {
		t.Errorf("Expected delta-json transform, got %v", plan.Transform)
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Restored JSON does not match")
	}

	// Whitespace makes the array non-canonical; it must be stored as-is
	spaced := []byte("[1, 2, 3]")
	plan = d.Encode(spaced, format.TypeJSON)
	if plan.Transform != TransformNone {
		t.Errorf("Expected no transform for non-canonical JSON, got %v", plan.Transform)
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, spaced) {
		t.Error("Restored JSON does not match")
	}
}

func TestDeltaRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int64()).Draw(t, "values")
		got, err := deltaDecode(deltaEncode(values))
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if len(got) != len(values) {
			t.Fatalf("length mismatch: got %d, expected %d", len(got), len(values))
		}
		for i := range values {
			if got[i] != values[i] {
				t.Fatalf("value %d mismatch: got %d, expected %d", i, got[i], values[i])
			}
		}
	})
}

func TestDeltaDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":          nil,
		"count too big":  binary.AppendUvarint(nil, 1000),
		"trailing bytes": append(deltaEncode([]int64{1, 2}), 0x01),
		"cut varint":     {0x01, 0x80},
	}
	for name, stream := range cases {
		if _, err := deltaDecode(stream); !errors.Is(err, ErrDecodeMismatch) {
			t.Errorf("%s: expected ErrDecodeMismatch, got %v", name, err)
		}
	}
}

func gradientPNG(t *testing.T, level png.CompressionLevel) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestImageTranscode(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	data := gradientPNG(t, png.NoCompression)
	plan := d.Encode(data, format.TypeImage)
	if plan.Transform != TransformImagePNGStored {
		t.Errorf("Expected %v, got %v", TransformImagePNGStored, plan.Transform)
	}
	if plan.Stored >= len(data) {
		t.Errorf("Transcoded image stored %d bytes, expected fewer than %d", plan.Stored, len(data))
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Restored image bytes do not match the source")
	}
}

func TestImageFallback(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	cases := map[string][]byte{
		"not an image": []byte("GIF89a but really just text, repeated repeated repeated"),
		"truncated png": gradientPNG(t, png.NoCompression)[:100],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			plan := d.Encode(data, format.TypeImage)
			if plan.Transform != TransformImageFallback {
				t.Errorf("Expected fallback, got %v", plan.Transform)
			}
			for _, b := range plan.Blocks {
				if b.ID.Transform() != TransformImageFallback {
					t.Errorf("Block codec %v does not record the fallback", b.ID)
				}
			}
			if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
				t.Error("Restored bytes do not match")
			}
		})
	}
}

// oversizedPNG returns a valid PNG header declaring width x height RGBA
// pixels followed by a truncated IDAT chunk
func oversizedPNG(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.Write(pngSignature)

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], width)
	binary.BigEndian.PutUint32(ihdr[4:], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // truecolor with alpha

	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))

	binary.Write(&buf, binary.BigEndian, uint32(4096))
	buf.WriteString("IDAT")
	buf.Write([]byte{0x78, 0x9c, 0x00})
	return buf.Bytes()
}

func TestImageDecodeLimit(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())
	data := oversizedPNG(12000, 12000)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	plan := d.Encode(data, format.TypeImage)
	runtime.ReadMemStats(&after)

	if plan.Transform != TransformImageFallback {
		t.Errorf("Expected fallback, got %v", plan.Transform)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > maxDecodedImage {
		t.Errorf("Encode allocated %d bytes for a %d byte input", allocated, len(data))
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Restored bytes do not match")
	}

	if _, err := d.Restore(TransformImagePNG, data, len(data)); err == nil {
		t.Error("Expected restore of an oversized image stream to fail")
	}
}

func TestCheckPNGBounds(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint32
		wantErr       bool
	}{
		{"small", 64, 64, false},
		{"at limit", 4096, 4096, false},
		{"too wide", 65535, 65535, true},
		{"tall strip", 1, 1 << 30, true},
	}

	for _, tt := range tests {
		err := checkPNGBounds(oversizedPNG(tt.width, tt.height))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: checkPNGBounds error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestImageTranscodeDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.ImageTranscode = false
	d := newTestDispatcher(t, opts)

	plan := d.Encode(gradientPNG(t, png.NoCompression), format.TypeImage)
	if plan.Transform != TransformNone {
		t.Errorf("Expected no transform, got %v", plan.Transform)
	}
}

func TestChunking(t *testing.T) {
	opts := defaultOptions()
	opts.BlockSize = format.MinBlockSize
	d := newTestDispatcher(t, opts)

	data := make([]byte, 3*format.MinBlockSize+17)
	rand.New(rand.NewSource(7)).Read(data)

	plan := d.Encode(data, format.TypeBinary)
	if len(plan.Blocks) != 4 {
		t.Fatalf("Expected 4 blocks, got %d", len(plan.Blocks))
	}
	for i, b := range plan.Blocks[:3] {
		if b.RawLength != format.MinBlockSize {
			t.Errorf("Block %d raw length %d, expected %d", i, b.RawLength, format.MinBlockSize)
		}
	}
	if plan.Blocks[3].RawLength != 17 {
		t.Errorf("Last block raw length %d, expected 17", plan.Blocks[3].RawLength)
	}

	// Random data never compresses, so every block must be stored raw
	for i, b := range plan.Blocks {
		if b.ID.Compressor() != CompressorNone {
			t.Errorf("Block %d used %v for random data", i, b.ID.Compressor())
		}
	}
	if plan.Stored != len(data) {
		t.Errorf("Stored %d bytes, expected %d", plan.Stored, len(data))
	}
	if out := decodePlan(t, d, plan); !bytes.Equal(out, data) {
		t.Error("Reassembled data does not match")
	}
}

func TestEmptyPayload(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())

	for _, dt := range []format.DataType{format.TypeText, format.TypeBinary, format.TypeImage, format.TypeStructured} {
		plan := d.Encode(nil, dt)
		if len(plan.Blocks) != 1 {
			t.Fatalf("%v: expected a single empty block, got %d", dt, len(plan.Blocks))
		}
		if plan.Blocks[0].RawLength != 0 || len(plan.Blocks[0].Payload) != 0 {
			t.Errorf("%v: expected empty block, got raw=%d stored=%d", dt, plan.Blocks[0].RawLength, len(plan.Blocks[0].Payload))
		}
		if out := decodePlan(t, d, plan); len(out) != 0 {
			t.Errorf("%v: expected empty output, got %d bytes", dt, len(out))
		}
	}
}

func TestForcedCompressor(t *testing.T) {
	text := []byte(strings.Repeat("lorem ipsum dolor sit amet ", 500))

	for _, c := range []Compressor{CompressorNone, CompressorZstd, CompressorLZ4, CompressorSnappy, CompressorXZ} {
		t.Run(c.String(), func(t *testing.T) {
			opts := defaultOptions()
			opts.Compressor = c
			d := newTestDispatcher(t, opts)

			plan := d.Encode(text, format.TypeText)
			if got := plan.Blocks[0].ID.Compressor(); got != c {
				t.Errorf("Expected %v, got %v", c, got)
			}
			if out := decodePlan(t, d, plan); !bytes.Equal(out, text) {
				t.Error("Restored text does not match")
			}
		})
	}
}

func TestNeverExpands(t *testing.T) {
	d := newTestDispatcher(t, Options{
		BlockSize:   format.MinBlockSize,
		Compressor:  CompressorAuto,
		Level:       LevelFastest,
		DeltaEncode: true,
		Workers:     2,
	})

	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 3*format.MinBlockSize).Draw(rt, "data")
		dt := format.DataType(rapid.IntRange(0, int(format.TypeStructured)).Draw(rt, "type"))

		plan := d.Encode(data, dt)
		if plan.Stored > len(data) {
			rt.Fatalf("stored %d bytes for a %d byte payload", plan.Stored, len(data))
		}
		for i, b := range plan.Blocks {
			if len(b.Payload) > b.RawLength {
				rt.Fatalf("block %d expanded from %d to %d", i, b.RawLength, len(b.Payload))
			}
		}
	})
}

func TestRestoreUnknownTransform(t *testing.T) {
	d := newTestDispatcher(t, defaultOptions())
	if _, err := d.Restore(Transform(9), []byte("x"), 1); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
	if _, err := d.DecodeBlock(MakeID(TransformNone, Compressor(9)), []byte("x"), 1); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(Options{BlockSize: 10}); err == nil {
		t.Error("Expected error for undersized blocks")
	}
	if _, err := NewDispatcher(Options{BlockSize: format.DefaultBlockSize, Compressor: Compressor(12)}); err == nil {
		t.Error("Expected error for unknown compressor")
	}
}
