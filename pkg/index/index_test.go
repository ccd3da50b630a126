package index

import (
	"errors"
	"slices"
	"testing"

	"github.com/KevoDB/usf/pkg/checksum"
	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/format"
)

func putChange(idx *Index, key string, parts int, offset uint64) Change {
	first, gen := idx.Reserve(parts)
	e := &Entry{
		Key:        key,
		Type:       format.TypeText,
		Size:       uint64(parts * 10),
		Created:    100,
		Modified:   200,
		Generation: gen,
		Digest:     checksum.ContentDigest([]byte(key)),
	}
	var locs []Location
	for i := 0; i < parts; i++ {
		seq := first + uint64(i)
		e.Blocks = append(e.Blocks, seq)
		locs = append(locs, Location{Sequence: seq, Offset: offset + uint64(i)*50, Length: 50})
	}
	return Change{Put: e, Locations: locs}
}

func TestIndexPutGetDelete(t *testing.T) {
	idx := New()
	idx.Apply(putChange(idx, "a", 2, 40))
	idx.Apply(putChange(idx, "b", 1, 140))

	if idx.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", idx.Len())
	}

	e, ok := idx.Get("a")
	if !ok {
		t.Fatal("Expected to find key a")
	}
	if !slices.Equal(e.Blocks, []uint64{1, 2}) {
		t.Errorf("Blocks mismatch: got %v, expected [1 2]", e.Blocks)
	}
	for _, seq := range e.Blocks {
		if _, ok := idx.Locate(seq); !ok {
			t.Errorf("Block %d not located", seq)
		}
	}

	// Mutating a returned entry must not affect the index
	e.Blocks[0] = 99
	if again, _ := idx.Get("a"); again.Blocks[0] != 1 {
		t.Error("Get returned an alias of the stored entry")
	}

	idx.Apply(Change{Delete: "a"})
	if _, ok := idx.Get("a"); ok {
		t.Error("Key a still present after delete")
	}
	if _, ok := idx.Locate(1); ok {
		t.Error("Block 1 still located after delete")
	}
	if !slices.Equal(idx.Keys(), []string{"b"}) {
		t.Errorf("Keys mismatch: got %v", idx.Keys())
	}
}

func TestResolveSnapshot(t *testing.T) {
	idx := New()
	idx.Apply(putChange(idx, "k", 3, 40))

	e, locs, ok := idx.Resolve("k")
	if !ok {
		t.Fatal("Expected to resolve key k")
	}
	if len(locs) != len(e.Blocks) {
		t.Fatalf("Locations mismatch: got %d, expected %d", len(locs), len(e.Blocks))
	}

	// Superseding the key must leave the earlier snapshot intact
	idx.Apply(putChange(idx, "k", 1, 500))
	for i, seq := range e.Blocks {
		if locs[i].Sequence != seq || locs[i].Length == 0 {
			t.Errorf("Location %d mismatch: got %+v for block %d", i, locs[i], seq)
		}
	}

	if _, _, ok := idx.Resolve("missing"); ok {
		t.Error("Resolved a missing key")
	}

	// A block without a location comes back with only its sequence set
	idx.Apply(Change{Put: &Entry{Key: "orphan", Blocks: []uint64{77}}})
	_, locs, _ = idx.Resolve("orphan")
	if len(locs) != 1 || locs[0].Sequence != 77 || locs[0].Length != 0 {
		t.Errorf("Orphan location mismatch: got %+v", locs)
	}
}

func TestIndexOverwriteReleasesBlocks(t *testing.T) {
	idx := New()
	idx.Apply(putChange(idx, "k", 3, 40))
	idx.Apply(putChange(idx, "k", 1, 500))

	e, _ := idx.Get("k")
	if !slices.Equal(e.Blocks, []uint64{4}) {
		t.Errorf("Blocks mismatch: got %v, expected [4]", e.Blocks)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if _, ok := idx.Locate(seq); ok {
			t.Errorf("Superseded block %d still located", seq)
		}
	}
	if e.Generation != 2 {
		t.Errorf("Generation mismatch: got %d, expected 2", e.Generation)
	}
}

func TestReserveNeverReuses(t *testing.T) {
	idx := New()
	s1, g1 := idx.Reserve(3)
	s2, g2 := idx.Reserve(0)
	s3, g3 := idx.Reserve(1)

	if s1 != 1 || s2 != 4 || s3 != 4 {
		t.Errorf("Sequences mismatch: got %d %d %d", s1, s2, s3)
	}
	if g1 != 1 || g2 != 2 || g3 != 3 {
		t.Errorf("Generations mismatch: got %d %d %d", g1, g2, g3)
	}

	next, last := idx.Counters()
	if next != 5 || last != 3 {
		t.Errorf("Counters mismatch: got %d %d, expected 5 3", next, last)
	}
}

func TestEncodeDecode(t *testing.T) {
	idx := New()
	c := putChange(idx, "docs/readme.md", 2, 40)
	c.Put.Transform = codec.TransformDelta
	c.Put.Encrypted = true
	idx.Apply(c)
	idx.Apply(putChange(idx, "img.png", 1, 200))

	data, err := idx.Encode()
	if err != nil {
		t.Fatalf("Failed to encode index: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode index: %v", err)
	}

	if !slices.Equal(decoded.Keys(), idx.Keys()) {
		t.Errorf("Keys mismatch: got %v, expected %v", decoded.Keys(), idx.Keys())
	}
	want, _ := idx.Get("docs/readme.md")
	got, _ := decoded.Get("docs/readme.md")
	if got.Digest != want.Digest || got.Transform != want.Transform || !got.Encrypted {
		t.Errorf("Entry mismatch: got %+v, expected %+v", got, want)
	}

	n1, g1 := idx.Counters()
	n2, g2 := decoded.Counters()
	if n1 != n2 || g1 != g2 {
		t.Errorf("Counters mismatch: got %d/%d, expected %d/%d", n2, g2, n1, g1)
	}

	// Deterministic encoding
	again, err := decoded.Encode()
	if err != nil {
		t.Fatalf("Failed to re-encode index: %v", err)
	}
	if string(again) != string(data) {
		t.Error("Re-encoded index differs from the original encoding")
	}
}

func TestEncodeWithDoesNotMutate(t *testing.T) {
	idx := New()
	idx.Apply(putChange(idx, "a", 1, 40))

	pending := putChange(idx, "b", 1, 100)
	data, err := idx.EncodeWith(pending)
	if err != nil {
		t.Fatalf("Failed to encode snapshot: %v", err)
	}
	if _, ok := idx.Get("b"); ok {
		t.Error("EncodeWith applied the change to the live index")
	}

	snap, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if !slices.Equal(snap.Keys(), []string{"a", "b"}) {
		t.Errorf("Snapshot keys mismatch: got %v", snap.Keys())
	}

	data, err = idx.EncodeWith(Change{Delete: "a"})
	if err != nil {
		t.Fatalf("Failed to encode snapshot: %v", err)
	}
	if _, ok := idx.Get("a"); !ok {
		t.Error("EncodeWith removed a key from the live index")
	}
	snap, err = Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.Len() != 0 {
		t.Errorf("Expected empty snapshot, got %v", snap.Keys())
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	if _, err := Decode([]byte{0xFF, 0x00}); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Expected ErrInvalidIndex for garbage, got %v", err)
	}

	p := persisted{
		Version:        persistVersion,
		NextSequence:   5,
		NextGeneration: 2,
		Entries:        []Entry{{Key: "x", Blocks: []uint64{3}}},
	}
	data, err := encMode.Marshal(&p)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Expected ErrInvalidIndex for dangling block, got %v", err)
	}

	p.Version = 99
	data, _ = encMode.Marshal(&p)
	if _, err := Decode(data); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Expected ErrInvalidIndex for unknown version, got %v", err)
	}
}

func blockHeader(key string, seq, gen uint64, part, parts uint32) *format.RecordHeader {
	return &format.RecordHeader{
		Kind:       format.KindBlock,
		DataType:   format.TypeBinary,
		Codec:      uint8(codec.MakeID(codec.TransformNone, codec.CompressorZstd)),
		Sequence:   seq,
		Generation: gen,
		Part:       part,
		Parts:      parts,
		EntrySize:  uint64(parts) * 100,
		StoredLen:  60,
		Created:    10,
		Modified:   20,
		Key:        key,
	}
}

func TestRebuildNewestCompleteGeneration(t *testing.T) {
	r := NewRebuilder()
	off := uint64(format.FileHeaderSize)

	// generation 1 of "a" complete
	r.Add(blockHeader("a", 1, 1, 0, 2), off)
	r.Add(blockHeader("a", 2, 1, 1, 2), off+200)
	// generation 2 of "a" lost its second part
	r.Add(blockHeader("a", 3, 2, 0, 2), off+400)
	// "b" complete, then deleted
	r.Add(blockHeader("b", 4, 3, 0, 1), off+600)
	r.Add(&format.RecordHeader{Kind: format.KindTombstone, Generation: 4, Key: "b"}, off+800)
	// "c" deleted, then stored again
	r.Add(&format.RecordHeader{Kind: format.KindTombstone, Generation: 5, Key: "c"}, off+900)
	r.Add(blockHeader("c", 5, 6, 0, 1), off+1000)
	r.Skip()

	idx, stats := r.Build()

	if !slices.Equal(idx.Keys(), []string{"a", "c"}) {
		t.Fatalf("Keys mismatch: got %v, expected [a c]", idx.Keys())
	}

	a, _ := idx.Get("a")
	if a.Generation != 1 || !slices.Equal(a.Blocks, []uint64{1, 2}) {
		t.Errorf("Expected generation 1 blocks [1 2], got generation %d blocks %v", a.Generation, a.Blocks)
	}
	if loc, _ := idx.Locate(2); loc.Offset != off+200 {
		t.Errorf("Offset mismatch: got %d, expected %d", loc.Offset, off+200)
	}

	next, last := idx.Counters()
	if next != 6 || last != 6 {
		t.Errorf("Counters mismatch: got %d/%d, expected 6/6", next, last)
	}

	if stats.Incomplete != 1 || stats.Skipped != 1 || stats.Tombstones != 2 || stats.Entries != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRecoveryStateString(t *testing.T) {
	if IndexLoaded.String() != "loaded" || IndexRebuilding.String() != "rebuilding" {
		t.Errorf("Unexpected names: %s %s", IndexLoaded, IndexRebuilding)
	}
}
