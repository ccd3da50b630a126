package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"strings"

	"github.com/KevoDB/usf/pkg/format"
)

var words = strings.Fields(`lorem ipsum dolor sit amet consectetur adipiscing elit sed do
eiusmod tempor incididunt ut labore et dolore magna aliqua enim ad minim veniam quis
nostrud exercitation ullamco laboris nisi aliquip ex ea commodo consequat`)

// generator produces synthetic payloads shaped like real data of one type
type generator struct {
	dt   format.DataType
	size int
	rng  *rand.Rand
}

func newGenerator(dt format.DataType, size int, seed int64) *generator {
	return &generator{dt: dt, size: size, rng: rand.New(rand.NewSource(seed))}
}

func (g *generator) next() []byte {
	switch g.dt {
	case format.TypeText:
		return g.text()
	case format.TypeJSON:
		return g.json()
	case format.TypeStructured:
		return g.series()
	case format.TypeImage:
		return g.image()
	default:
		return g.binary()
	}
}

func (g *generator) text() []byte {
	var b strings.Builder
	for b.Len() < g.size {
		b.WriteString(words[g.rng.Intn(len(words))])
		if g.rng.Intn(12) == 0 {
			b.WriteString(".\n")
		} else {
			b.WriteByte(' ')
		}
	}
	return []byte(b.String()[:g.size])
}

// binary mixes random runs with repeated runs so it is partly compressible
func (g *generator) binary() []byte {
	out := make([]byte, 0, g.size)
	for len(out) < g.size {
		n := min(64+g.rng.Intn(512), g.size-len(out))
		if g.rng.Intn(2) == 0 {
			chunk := make([]byte, n)
			g.rng.Read(chunk)
			out = append(out, chunk...)
		} else {
			out = append(out, bytes.Repeat([]byte{byte(g.rng.Intn(256))}, n)...)
		}
	}
	return out
}

type sample struct {
	ID     int       `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
	Score  float64   `json:"score"`
	Tags   []string  `json:"tags"`
	Values []float64 `json:"values"`
}

func (g *generator) json() []byte {
	var records []sample
	approx := 0
	for approx < g.size {
		r := sample{
			ID:     len(records),
			Name:   words[g.rng.Intn(len(words))],
			Active: g.rng.Intn(2) == 0,
			Score:  math.Round(g.rng.Float64()*10000) / 100,
			Tags:   []string{words[g.rng.Intn(len(words))], words[g.rng.Intn(len(words))]},
			Values: []float64{g.rng.Float64(), g.rng.Float64()},
		}
		records = append(records, r)
		approx += 160
	}
	data, _ := json.MarshalIndent(records, "", "  ")
	return data
}

// series is a length-prefixed little endian int64 sequence of a slowly
// drifting signal, the shape delta encoding targets
func (g *generator) series() []byte {
	n := max(g.size/8-1, 1)
	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+8*n), uint64(n))
	v := g.rng.Int63n(1 << 40)
	for i := 0; i < n; i++ {
		v += int64(g.rng.Intn(64)) - 16
		out = binary.LittleEndian.AppendUint64(out, uint64(v))
	}
	return out
}

// image renders a noisy gradient as an uncompressed-filter PNG
func (g *generator) image() []byte {
	side := max(int(math.Sqrt(float64(g.size)/4)), 8)
	img := image.NewNRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / side),
				G: uint8(y * 255 / side),
				B: uint8(g.rng.Intn(16)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	_ = enc.Encode(&buf, img)
	return buf.Bytes()
}
