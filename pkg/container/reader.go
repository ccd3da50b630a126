package container

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/usf/pkg/checksum"
	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/crypt"
	"github.com/KevoDB/usf/pkg/format"
	"github.com/KevoDB/usf/pkg/index"
)

// Reader fetches, verifies and decodes block records
type Reader struct {
	file         *File
	dispatcher   *codec.Dispatcher
	cipher       *crypt.Cipher
	workers      int
	verifyDigest bool
}

// ReadRecord reads the record of length bytes at offset and checks its
// header. The payload checksum is not verified here.
func (r *Reader) ReadRecord(offset, length uint64) (*format.RecordHeader, []byte, error) {
	if length < format.RecordHeaderSize || length > uint64(format.RecordHeaderSize+format.MaxKeyLength+maxStoredLen) {
		return nil, nil, fmt.Errorf("%w: record length %d", format.ErrInvalidHeader, length)
	}

	data := make([]byte, length)
	if err := r.file.ReadAt(data, int64(offset)); err != nil {
		return nil, nil, err
	}

	h, payload, err := format.SplitRecord(data)
	if err != nil {
		return nil, nil, err
	}
	if h.Size() != int64(length) {
		return nil, nil, fmt.Errorf("%w: record is %d bytes, index says %d", format.ErrInvalidHeader, h.Size(), length)
	}
	return h, payload, nil
}

// maxStoredLen bounds a single block payload: the largest block plus
// encryption overhead and worst-case compressor framing
const maxStoredLen = format.MaxBlockSize + format.MaxBlockSize/8 + crypt.Overhead + 1024

// ReadEntry reassembles the payload of e from the block records at locs,
// as returned by index.Resolve. Blocks are fetched and decoded in parallel;
// when several fail, the error for the lowest block index is returned.
func (r *Reader) ReadEntry(e index.Entry, locs []index.Location) ([]byte, error) {
	if len(locs) != len(e.Blocks) {
		return nil, &BlockError{Kind: CorruptBlock, Key: e.Key, Index: -1,
			Err: fmt.Errorf("%d locations for %d blocks", len(locs), len(e.Blocks))}
	}

	raws := make([][]byte, len(e.Blocks))
	errs := make([]error, len(e.Blocks))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, seq := range e.Blocks {
		g.Go(func() error {
			raws[i], errs[i] = r.readBlock(e, i, seq, locs[i])
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for i := range raws {
		if errs[i] != nil {
			return nil, errs[i]
		}
		total += len(raws[i])
	}

	stream := make([]byte, 0, total)
	for _, raw := range raws {
		stream = append(stream, raw...)
	}

	out, err := r.dispatcher.Restore(e.Transform, stream, int(e.Size))
	if err != nil {
		kind := DecodeMismatch
		if errors.Is(err, codec.ErrUnsupportedCodec) {
			kind = UnsupportedCodec
		}
		return nil, &BlockError{Kind: kind, Key: e.Key, Index: -1, Err: err}
	}

	if r.verifyDigest && !e.Digest.IsZero() {
		if got := checksum.ContentDigest(out); got != e.Digest {
			return nil, &BlockError{
				Kind:  DecodeMismatch,
				Key:   e.Key,
				Index: -1,
				Err:   fmt.Errorf("content digest %x does not match %x", got[:8], e.Digest[:8]),
			}
		}
	}

	return out, nil
}

// readBlock returns the decoded raw chunk for block i of e
func (r *Reader) readBlock(e index.Entry, i int, seq uint64, loc index.Location) ([]byte, error) {
	blockErr := func(kind BlockErrorKind, offset uint64, err error) error {
		return &BlockError{Kind: kind, Key: e.Key, Index: i, Sequence: seq, Offset: offset, Err: err}
	}

	if loc.Length == 0 || loc.Sequence != seq {
		return nil, blockErr(CorruptBlock, 0, errors.New("block missing from index"))
	}

	h, payload, err := r.ReadRecord(loc.Offset, loc.Length)
	if err != nil {
		if errors.Is(err, ErrIO) {
			return nil, err
		}
		return nil, blockErr(CorruptBlock, loc.Offset, err)
	}

	switch {
	case h.Kind != format.KindBlock:
		err = fmt.Errorf("record is a %v", h.Kind)
	case h.Sequence != seq:
		err = fmt.Errorf("record has sequence %d", h.Sequence)
	case h.Key != e.Key:
		err = fmt.Errorf("record belongs to key %q", h.Key)
	case h.Part != uint32(i) || h.Parts != uint32(len(e.Blocks)):
		err = fmt.Errorf("record is part %d of %d", h.Part, h.Parts)
	}
	if err != nil {
		return nil, blockErr(CorruptBlock, loc.Offset, err)
	}

	// The checksum covers the payload exactly as written, so it is checked
	// before decryption or decompression touches it.
	if !checksum.Verify(payload, h.Checksum) {
		return nil, blockErr(CorruptBlock, loc.Offset,
			fmt.Errorf("%w: payload has %x, calculated %x", format.ErrChecksum, h.Checksum, checksum.Sum64(payload)))
	}

	if h.Encrypted() {
		if r.cipher == nil {
			return nil, blockErr(DecryptFailed, loc.Offset, crypt.ErrKeyRequired)
		}
		payload, err = r.cipher.Open(payload, crypt.BlockAAD(h.Key, h.Part))
		if err != nil {
			return nil, blockErr(DecryptFailed, loc.Offset, err)
		}
	}

	id := codec.ID(h.Codec)
	if err := id.Validate(); err != nil {
		return nil, blockErr(UnsupportedCodec, loc.Offset, err)
	}
	if id.Transform() != e.Transform {
		return nil, blockErr(CorruptBlock, loc.Offset,
			fmt.Errorf("block transform %v differs from entry transform %v", id.Transform(), e.Transform))
	}

	raw, err := r.dispatcher.DecodeBlock(id, payload, int(h.RawLength))
	if err != nil {
		return nil, blockErr(DecodeMismatch, loc.Offset, err)
	}
	return raw, nil
}
