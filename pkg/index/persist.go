package index

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// persistVersion is the version of the serialized index layout
const persistVersion = 1

// ErrInvalidIndex indicates a serialized index that cannot be trusted
var ErrInvalidIndex = errors.New("invalid index")

// encMode produces Core Deterministic CBOR, so equal indexes always
// serialize to identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so newer writers stay readable.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 27,
		MaxMapPairs:      1 << 27,
	}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

type persisted struct {
	Version        uint32     `cbor:"1,keyasint"`
	NextSequence   uint64     `cbor:"2,keyasint"`
	NextGeneration uint64     `cbor:"3,keyasint"`
	Entries        []Entry    `cbor:"4,keyasint"`
	Blocks         []Location `cbor:"5,keyasint"`
}

// Encode serializes the current index
func (idx *Index) Encode() ([]byte, error) {
	return idx.EncodeWith(Change{})
}

// EncodeWith serializes the index as it will look once c is applied,
// without modifying it. The engine persists this snapshot before
// committing the change in memory.
func (idx *Index) EncodeWith(c Change) ([]byte, error) {
	idx.mu.RLock()
	entries := make(map[string]*Entry, len(idx.entries)+1)
	for k, e := range idx.entries {
		entries[k] = e
	}
	blocks := make(map[uint64]Location, len(idx.blocks)+len(c.Locations))
	for s, l := range idx.blocks {
		blocks[s] = l
	}
	p := persisted{
		Version:        persistVersion,
		NextSequence:   idx.nextSequence,
		NextGeneration: idx.nextGeneration,
	}
	idx.mu.RUnlock()

	applyChange(entries, blocks, c)

	p.Entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		p.Entries = append(p.Entries, *e)
	}
	slices.SortFunc(p.Entries, func(a, b Entry) int {
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})

	p.Blocks = make([]Location, 0, len(blocks))
	for _, l := range blocks {
		p.Blocks = append(p.Blocks, l)
	}
	slices.SortFunc(p.Blocks, func(a, b Location) int {
		if a.Sequence < b.Sequence {
			return -1
		}
		if a.Sequence > b.Sequence {
			return 1
		}
		return 0
	})

	data, err := encMode.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	return data, nil
}

// Decode parses a serialized index and checks that every entry's blocks
// resolve to known locations.
func Decode(data []byte) (*Index, error) {
	var p persisted
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	if p.Version != persistVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidIndex, p.Version)
	}

	idx := New()
	if p.NextSequence > 0 {
		idx.nextSequence = p.NextSequence
	}
	if p.NextGeneration > 0 {
		idx.nextGeneration = p.NextGeneration
	}

	for _, l := range p.Blocks {
		if l.Sequence >= idx.nextSequence {
			return nil, fmt.Errorf("%w: block %d beyond next sequence %d", ErrInvalidIndex, l.Sequence, idx.nextSequence)
		}
		idx.blocks[l.Sequence] = l
	}
	for i := range p.Entries {
		e := p.Entries[i]
		if e.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidIndex)
		}
		if len(e.Blocks) == 0 {
			return nil, fmt.Errorf("%w: key %q has no blocks", ErrInvalidIndex, e.Key)
		}
		for _, seq := range e.Blocks {
			if _, ok := idx.blocks[seq]; !ok {
				return nil, fmt.Errorf("%w: key %q references missing block %d", ErrInvalidIndex, e.Key, seq)
			}
		}
		idx.entries[e.Key] = &e
	}
	return idx, nil
}
