// Package index maintains the in-memory mapping from logical keys to the
// block records that hold their data, and its persisted CBOR form.
package index

import (
	"slices"
	"sync"
	"time"

	"github.com/KevoDB/usf/pkg/checksum"
	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/format"
)

// Location is where a block record lives in the container file
type Location struct {
	Sequence uint64 `cbor:"1,keyasint"`
	Offset   uint64 `cbor:"2,keyasint"`
	Length   uint64 `cbor:"3,keyasint"`
}

// Entry describes one stored key
type Entry struct {
	Key  string          `cbor:"1,keyasint"`
	Type format.DataType `cbor:"2,keyasint"`
	// Blocks lists block sequence numbers in payload order
	Blocks    []uint64        `cbor:"3,keyasint"`
	Size      uint64          `cbor:"4,keyasint"`
	Created   int64           `cbor:"5,keyasint"`
	Modified  int64           `cbor:"6,keyasint"`
	Encrypted bool            `cbor:"7,keyasint,omitempty"`
	// Generation is the store that produced this version of the key
	Generation uint64          `cbor:"8,keyasint"`
	Transform  codec.Transform `cbor:"9,keyasint,omitempty"`
	Digest     checksum.Digest `cbor:"10,keyasint"`
}

// CreatedAt returns the creation timestamp
func (e *Entry) CreatedAt() time.Time {
	return time.Unix(0, e.Created)
}

// ModifiedAt returns the last modification timestamp
func (e *Entry) ModifiedAt() time.Time {
	return time.Unix(0, e.Modified)
}

func (e *Entry) clone() Entry {
	c := *e
	c.Blocks = slices.Clone(e.Blocks)
	return c
}

// Change is one mutation of the index: either a new version of an entry
// with the locations of its blocks, or the removal of a key.
type Change struct {
	Put       *Entry
	Locations []Location
	Delete    string
}

// Index maps keys to entries and block sequence numbers to locations. All
// methods are safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	blocks  map[uint64]Location

	nextSequence   uint64
	nextGeneration uint64
}

// New creates an empty index. Sequence and generation numbering start at 1.
func New() *Index {
	return &Index{
		entries:        make(map[string]*Entry),
		blocks:         make(map[uint64]Location),
		nextSequence:   1,
		nextGeneration: 1,
	}
}

// NewAt creates an empty index whose numbering continues after an
// existing one
func NewAt(nextSequence, lastGeneration uint64) *Index {
	idx := New()
	idx.nextSequence = max(nextSequence, 1)
	idx.nextGeneration = lastGeneration + 1
	return idx
}

// Get returns a copy of the entry for key
func (idx *Index) Get(key string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e, ok := idx.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Resolve returns a copy of the entry for key together with the locations
// of its blocks, in payload order, read under one lock so a concurrent
// Apply cannot separate them. A block the index has no location for is
// returned with only its Sequence set.
func (idx *Index) Resolve(key string) (Entry, []Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e, ok := idx.entries[key]
	if !ok {
		return Entry{}, nil, false
	}
	locs := make([]Location, len(e.Blocks))
	for i, seq := range e.Blocks {
		loc, ok := idx.blocks[seq]
		if !ok {
			loc = Location{Sequence: seq}
		}
		locs[i] = loc
	}
	return e.clone(), locs, true
}

// Locate returns the location of a block record
func (idx *Index) Locate(seq uint64) (Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	loc, ok := idx.blocks[seq]
	return loc, ok
}

// Len returns the number of live keys
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Keys returns a sorted snapshot of the live keys
func (idx *Index) Keys() []string {
	idx.mu.RLock()
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	idx.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Entries returns copies of all live entries sorted by key
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e.clone())
	}
	idx.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Reserve allocates n consecutive block sequence numbers and one new
// generation. Numbers are never reused, even if the caller fails to
// commit them.
func (idx *Index) Reserve(n int) (firstSequence, generation uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	firstSequence = idx.nextSequence
	idx.nextSequence += uint64(n)
	generation = idx.nextGeneration
	idx.nextGeneration++
	return firstSequence, generation
}

// Counters returns the next sequence number and the last generation issued
func (idx *Index) Counters() (nextSequence, lastGeneration uint64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nextSequence, idx.nextGeneration - 1
}

// Apply commits a change to the in-memory index
func (idx *Index) Apply(c Change) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	applyChange(idx.entries, idx.blocks, c)
}

func applyChange(entries map[string]*Entry, blocks map[uint64]Location, c Change) {
	if c.Delete != "" {
		if old, ok := entries[c.Delete]; ok {
			for _, seq := range old.Blocks {
				delete(blocks, seq)
			}
			delete(entries, c.Delete)
		}
	}

	if c.Put != nil {
		if old, ok := entries[c.Put.Key]; ok {
			for _, seq := range old.Blocks {
				delete(blocks, seq)
			}
		}
		e := c.Put.clone()
		entries[e.Key] = &e
		for _, loc := range c.Locations {
			blocks[loc.Sequence] = loc
		}
	}
}

// LiveBytes returns the on-disk size of the block records of all live
// entries
func (idx *Index) LiveBytes() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total uint64
	for _, loc := range idx.blocks {
		total += loc.Length
	}
	return total
}

// TotalSize returns the sum of the logical sizes of all live entries
func (idx *Index) TotalSize() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total uint64
	for _, e := range idx.entries {
		total += e.Size
	}
	return total
}
