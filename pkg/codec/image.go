package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// maxDecodedImage bounds the pixel buffer a PNG may decode into. The
// decoder allocates it from the header dimensions before reading any pixel
// data.
const maxDecodedImage = maxDecodedBlock

// bytesPerPixel returns the in-memory pixel size the PNG decoder uses for m
func bytesPerPixel(m color.Model) int64 {
	switch m {
	case color.GrayModel, color.AlphaModel:
		return 1
	case color.Gray16Model, color.Alpha16Model:
		return 2
	case color.RGBA64Model, color.NRGBA64Model:
		return 8
	}
	if _, ok := m.(color.Palette); ok {
		return 1
	}
	return 4
}

// checkPNGBounds reads only the PNG header and rejects images whose decoded
// pixels would exceed maxDecodedImage
func checkPNGBounds(data []byte) error {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if cfg.Width <= 0 || cfg.Height <= 0 || pixels > maxDecodedImage/bytesPerPixel(cfg.ColorModel) {
		return fmt.Errorf("png of %dx%d exceeds decode limit", cfg.Width, cfg.Height)
	}
	return nil
}

// pngSourceLevels lists the encoder settings a PNG may have been written
// with, paired with the transform that records them.
var pngSourceLevels = []struct {
	transform Transform
	level     png.CompressionLevel
}{
	{TransformImagePNG, png.DefaultCompression},
	{TransformImagePNGStored, png.NoCompression},
	{TransformImagePNGFast, png.BestSpeed},
}

func pngLevelFor(t Transform) (png.CompressionLevel, bool) {
	for _, s := range pngSourceLevels {
		if s.transform == t {
			return s.level, true
		}
	}
	return 0, false
}

func encodePNG(img image.Image, level png.CompressionLevel, sizeHint int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transcodeImage re-encodes a PNG at best compression. Transcoding is only
// offered when the source is byte-identical to what this encoder produces
// at one of the known levels; otherwise the pixels could be recovered but
// the original bytes could not.
func transcodeImage(data []byte) (Transform, []byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return TransformImageFallback, nil, errNotApplicable
	}
	if err := checkPNGBounds(data); err != nil {
		return TransformImageFallback, nil, errNotApplicable
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return TransformImageFallback, nil, errNotApplicable
	}

	for _, s := range pngSourceLevels {
		again, err := encodePNG(img, s.level, len(data))
		if err != nil || !bytes.Equal(again, data) {
			continue
		}
		smaller, err := encodePNG(img, png.BestCompression, len(data))
		if err != nil || len(smaller) >= len(data) {
			return TransformImageFallback, nil, errNotApplicable
		}
		return s.transform, smaller, nil
	}
	return TransformImageFallback, nil, errNotApplicable
}

func invertImage(t Transform, stream []byte, sizeHint int) ([]byte, error) {
	level, ok := pngLevelFor(t)
	if !ok {
		return nil, errNotApplicable
	}
	if err := checkPNGBounds(stream); err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, err
	}
	return encodePNG(img, level, sizeHint)
}
