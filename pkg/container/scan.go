package container

import (
	"bytes"
	"encoding/binary"

	"github.com/KevoDB/usf/pkg/format"
)

const scanWindow = 64 * 1024

var (
	recordMagic  = binary.LittleEndian.AppendUint32(nil, format.RecordMagic)
	trailerMagic = binary.LittleEndian.AppendUint64(nil, format.TrailerMagic)
)

// ScanResult summarizes a linear scan
type ScanResult struct {
	// End is the offset just past the last record or trailer that parsed
	End int64
	// Skipped counts unparseable regions that were stepped over
	Skipped int
	// SkippedBytes is the total size of those regions
	SkippedBytes int64
}

// Scan walks the file from start to end and calls fn for every record
// whose header verifies. Unparseable bytes are skipped by resynchronising
// on the next record or trailer magic, so one damaged record never hides
// the ones after it. Only I/O errors stop the scan.
func Scan(f *File, start, end int64, fn func(h *format.RecordHeader, offset int64)) (ScanResult, error) {
	res := ScanResult{End: start}
	pos := start
	fixed := make([]byte, format.RecordHeaderSize)

	for pos < end {
		size, h, err := parseAt(f, pos, end, fixed)
		if err != nil {
			return res, err
		}
		if size > 0 {
			if h != nil {
				fn(h, pos)
			}
			pos += size
			res.End = pos
			continue
		}

		next, err := resync(f, pos+1, end)
		if err != nil {
			return res, err
		}
		res.Skipped++
		res.SkippedBytes += next - pos
		pos = next
	}
	return res, nil
}

// parseAt tries to parse a record or trailer at pos. It returns the size
// consumed, or zero if nothing valid starts there. Trailers are consumed
// with a nil header.
func parseAt(f *File, pos, end int64, fixed []byte) (int64, *format.RecordHeader, error) {
	remaining := end - pos

	if remaining >= format.TrailerSize {
		head := fixed[:format.TrailerSize]
		if err := f.ReadAt(head, pos); err != nil {
			return 0, nil, err
		}
		if format.IsTrailerStart(head) {
			if _, err := format.DecodeTrailer(head); err == nil {
				return format.TrailerSize, nil, nil
			}
			return 0, nil, nil
		}
	}

	if remaining < format.RecordHeaderSize {
		return 0, nil, nil
	}
	if err := f.ReadAt(fixed, pos); err != nil {
		return 0, nil, err
	}
	if !format.IsRecordStart(fixed) {
		return 0, nil, nil
	}

	keyLen, err := format.PeekKeyLength(fixed)
	if err != nil || int64(format.RecordHeaderSize+keyLen) > remaining {
		return 0, nil, nil
	}
	head := make([]byte, format.RecordHeaderSize+keyLen)
	copy(head, fixed)
	if keyLen > 0 {
		if err := f.ReadAt(head[format.RecordHeaderSize:], pos+format.RecordHeaderSize); err != nil {
			return 0, nil, err
		}
	}

	h, err := format.DecodeRecordHeader(head)
	if err != nil || h.Size() > remaining {
		return 0, nil, nil
	}
	return h.Size(), h, nil
}

// resync returns the offset of the next record or trailer magic at or
// after from, or end if there is none
func resync(f *File, from, end int64) (int64, error) {
	// Windows overlap so a magic straddling a boundary is still found.
	buf := make([]byte, scanWindow+len(trailerMagic)-1)
	for pos := from; pos < end; pos += scanWindow {
		n := min(int64(len(buf)), end-pos)
		window := buf[:n]
		if err := f.ReadAt(window, pos); err != nil {
			return 0, err
		}

		best := -1
		for _, magic := range [][]byte{recordMagic, trailerMagic} {
			if i := bytes.Index(window, magic); i >= 0 && (best < 0 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			return pos + int64(best), nil
		}
	}
	return end, nil
}
