package index

import (
	"fmt"

	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/format"
)

// RecoveryState describes how the index of an open container was obtained
type RecoveryState int

const (
	// IndexLoaded means the index came from a valid trailer, or a rebuild
	// has completed and been persisted
	IndexLoaded RecoveryState = iota
	// IndexRebuilding means the trailer or index record was unusable and
	// the index is being reconstructed from a linear scan
	IndexRebuilding
)

// String returns the name of the state
func (s RecoveryState) String() string {
	switch s {
	case IndexLoaded:
		return "loaded"
	case IndexRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RebuildStats summarizes a rebuild
type RebuildStats struct {
	Records    int
	Tombstones int
	// Skipped counts byte ranges that did not parse as records
	Skipped int
	// Incomplete counts generations missing one or more parts
	Incomplete int
	Entries    int
}

type generationKey struct {
	key        string
	generation uint64
}

type generation struct {
	first *format.RecordHeader
	parts map[uint32]Location
	total uint32
	bad   bool
}

// Rebuilder reconstructs an index from the self-describing headers found
// by a linear scan of the container.
type Rebuilder struct {
	generations map[generationKey]*generation
	tombstones  map[string]uint64
	maxSequence uint64
	maxGen      uint64
	stats       RebuildStats
}

// NewRebuilder creates an empty rebuilder
func NewRebuilder() *Rebuilder {
	return &Rebuilder{
		generations: make(map[generationKey]*generation),
		tombstones:  make(map[string]uint64),
	}
}

// Add records a header found at offset
func (r *Rebuilder) Add(h *format.RecordHeader, offset uint64) {
	r.maxGen = max(r.maxGen, h.Generation)

	switch h.Kind {
	case format.KindTombstone:
		r.stats.Tombstones++
		if h.Generation > r.tombstones[h.Key] {
			r.tombstones[h.Key] = h.Generation
		}
	case format.KindBlock:
		r.stats.Records++
		r.maxSequence = max(r.maxSequence, h.Sequence)

		gk := generationKey{key: h.Key, generation: h.Generation}
		g, ok := r.generations[gk]
		if !ok {
			g = &generation{parts: make(map[uint32]Location), total: h.Parts}
			r.generations[gk] = g
		}
		if h.Parts != g.total {
			g.bad = true
			return
		}
		if h.Part == 0 {
			g.first = h
		}
		g.parts[h.Part] = Location{
			Sequence: h.Sequence,
			Offset:   offset,
			Length:   uint64(h.Size()),
		}
	}
}

// Skip notes a region of the file that could not be parsed
func (r *Rebuilder) Skip() {
	r.stats.Skipped++
}

// Build produces the rebuilt index. For each key the newest complete
// generation wins unless a tombstone with a later generation exists.
func (r *Rebuilder) Build() (*Index, RebuildStats) {
	newest := make(map[string]generationKey)
	for gk, g := range r.generations {
		if g.bad || g.first == nil || uint32(len(g.parts)) != g.total {
			r.stats.Incomplete++
			continue
		}
		if cur, ok := newest[gk.key]; !ok || gk.generation > cur.generation {
			newest[gk.key] = gk
		}
	}

	idx := New()
	idx.nextSequence = r.maxSequence + 1
	idx.nextGeneration = r.maxGen + 1

	for key, gk := range newest {
		if r.tombstones[key] > gk.generation {
			continue
		}
		g := r.generations[gk]
		h := g.first

		e := Entry{
			Key:        key,
			Type:       h.DataType,
			Blocks:     make([]uint64, g.total),
			Size:       h.EntrySize,
			Created:    h.Created,
			Modified:   h.Modified,
			Encrypted:  h.Encrypted(),
			Generation: gk.generation,
			Transform:  codec.ID(h.Codec).Transform(),
			Digest:     h.Digest,
		}
		for part := uint32(0); part < g.total; part++ {
			loc := g.parts[part]
			e.Blocks[part] = loc.Sequence
			idx.blocks[loc.Sequence] = loc
		}
		idx.entries[key] = &e
	}

	r.stats.Entries = len(idx.entries)
	return idx, r.stats
}
