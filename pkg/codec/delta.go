package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var errNotApplicable = errors.New("transform not applicable")

// parseInt64Sequence decodes the structured integer layout: a u64 LE count
// followed by exactly that many i64 LE values.
func parseInt64Sequence(data []byte) ([]int64, error) {
	if len(data) < 8 {
		return nil, errNotApplicable
	}
	count := binary.LittleEndian.Uint64(data)
	if count > uint64(len(data)-8)/8 || uint64(len(data)-8) != count*8 {
		return nil, errNotApplicable
	}

	values := make([]int64, count)
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(data[8+8*i:]))
	}
	return values, nil
}

func encodeInt64Sequence(values []int64) []byte {
	out := make([]byte, 8+8*len(values))
	binary.LittleEndian.PutUint64(out, uint64(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8+8*i:], uint64(v))
	}
	return out
}

// parseJSONIntArray accepts only input that is byte-for-byte the canonical
// encoding of an integer array, so the inverse can reproduce it exactly.
func parseJSONIntArray(data []byte) ([]int64, error) {
	if len(data) < 2 || data[0] != '[' {
		return nil, errNotApplicable
	}
	var values []int64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errNotApplicable
	}
	canonical, err := encodeJSONIntArray(values)
	if err != nil || string(canonical) != string(data) {
		return nil, errNotApplicable
	}
	return values, nil
}

func encodeJSONIntArray(values []int64) ([]byte, error) {
	if values == nil {
		values = []int64{}
	}
	return json.Marshal(values)
}

// deltaEncode writes the value count as a uvarint followed by the zigzag
// varint difference of each value from its predecessor. Differences wrap
// on overflow; decoding wraps the same way.
func deltaEncode(values []int64) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(values)*2)
	out = binary.AppendUvarint(out, uint64(len(values)))
	var prev int64
	for _, v := range values {
		out = binary.AppendVarint(out, v-prev)
		prev = v
	}
	return out
}

func deltaDecode(stream []byte) ([]int64, error) {
	count, n := binary.Uvarint(stream)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad delta count", ErrDecodeMismatch)
	}
	stream = stream[n:]
	// Every value takes at least one byte.
	if count > uint64(len(stream)) {
		return nil, fmt.Errorf("%w: delta count %d exceeds stream", ErrDecodeMismatch, count)
	}

	values := make([]int64, count)
	var prev int64
	for i := range values {
		d, n := binary.Varint(stream)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad delta at %d", ErrDecodeMismatch, i)
		}
		stream = stream[n:]
		prev += d
		values[i] = prev
	}
	if len(stream) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after deltas", ErrDecodeMismatch, len(stream))
	}
	return values, nil
}

// applyDelta returns the delta stream for data, or errNotApplicable when
// data is not an integer sequence of the kind t expects.
func applyDelta(t Transform, data []byte) ([]byte, error) {
	var values []int64
	var err error
	switch t {
	case TransformDelta:
		values, err = parseInt64Sequence(data)
	case TransformDeltaJSON:
		values, err = parseJSONIntArray(data)
	default:
		return nil, errNotApplicable
	}
	if err != nil {
		return nil, err
	}
	return deltaEncode(values), nil
}

func invertDelta(t Transform, stream []byte) ([]byte, error) {
	values, err := deltaDecode(stream)
	if err != nil {
		return nil, err
	}
	if t == TransformDeltaJSON {
		out, err := encodeJSONIntArray(values)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeMismatch, err)
		}
		return out, nil
	}
	return encodeInt64Sequence(values), nil
}
