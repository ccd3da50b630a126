// Package container implements the on-disk block container: the single
// appending writer, the block reader and verifier, the recovery scan and
// compaction. It owns the open file handle and the in-memory index.
package container

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/usf/pkg/checksum"
	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/crypt"
	"github.com/KevoDB/usf/pkg/format"
	"github.com/KevoDB/usf/pkg/index"
)

// Container is an open container file. Store, Retrieve and Delete may be
// called concurrently; Compact and Close wait for them and run alone.
type Container struct {
	mu sync.RWMutex

	cfg        *config.Config
	header     *format.FileHeader
	file       *File
	appender   *Appender
	reader     *Reader
	index      *index.Index
	dispatcher *codec.Dispatcher
	cipher     *crypt.Cipher

	recovery RecoveryInfo
	closed   bool

	// indexLength is the size of the index record the trailer points at
	indexLength atomic.Uint64
}

// RecoveryInfo describes how the index was obtained when the container
// was opened
type RecoveryInfo struct {
	State    index.RecoveryState
	Reason   error
	Rebuild  index.RebuildStats
	Scan     ScanResult
	Duration time.Duration
}

// Create creates a new container at path. The block size and encryption
// flag from cfg are fixed in the file header.
func Create(path string, cfg *config.Config, key []byte) (*Container, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Encrypt && len(key) == 0 {
		return nil, crypt.ErrKeyRequired
	}

	f, err := CreateFile(path)
	if err != nil {
		return nil, err
	}

	var flags uint32
	if cfg.Encrypt {
		flags |= format.FlagEncrypted
	}
	header := format.NewFileHeader(uint32(cfg.BlockSize), flags)

	c, err := newContainer(f, header, cfg, key)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	if err := f.WriteAt(header.Encode(), 0); err != nil {
		c.closeResources()
		os.Remove(path)
		return nil, err
	}
	c.appender = NewAppender(f, format.FileHeaderSize, config.SyncImmediate, cfg.SyncBytes)
	if err := c.persistIndex(); err != nil {
		c.closeResources()
		os.Remove(path)
		return nil, err
	}
	c.appender.syncMode = cfg.SyncMode

	return c, nil
}

// Open opens an existing container. If the trailer or the index record it
// points at is unusable, the index is rebuilt by a linear scan and a fresh
// index is persisted before Open returns.
func Open(path string, cfg *config.Config, key []byte) (*Container, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f, err := OpenFile(path)
	if err != nil {
		return nil, err
	}

	headerData := make([]byte, format.FileHeaderSize)
	if f.Size() < format.FileHeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", ErrNotContainer, f.Size())
	}
	if err := f.ReadAt(headerData, 0); err != nil {
		f.Close()
		return nil, err
	}
	header, err := format.DecodeFileHeader(headerData)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrNotContainer, err)
	}

	c, err := newContainer(f, header, cfg, key)
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := c.load(); err != nil {
		c.closeResources()
		return nil, err
	}
	return c, nil
}

func newContainer(f *File, header *format.FileHeader, cfg *config.Config, key []byte) (*Container, error) {
	if cfg.LockFile {
		if err := lockFile(f); err != nil {
			return nil, err
		}
	}

	var cipher *crypt.Cipher
	if header.Encrypted() {
		var err error
		cipher, err = crypt.NewCipher(key, header.Created)
		if err != nil {
			return nil, err
		}
	}

	compressor, err := codec.ParseCompressor(cfg.Compressor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	dispatcher, err := codec.NewDispatcher(codec.Options{
		BlockSize:      int(header.BlockSize),
		Compressor:     compressor,
		Level:          codec.Level(cfg.CompressionLevel),
		ImageTranscode: cfg.ImageTranscode,
		DeltaEncode:    cfg.DeltaEncode,
		Workers:        cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	c := &Container{
		cfg:        cfg,
		header:     header,
		file:       f,
		index:      index.New(),
		dispatcher: dispatcher,
		cipher:     cipher,
	}
	c.reader = c.newReader(f)
	return c, nil
}

func (c *Container) newReader(f *File) *Reader {
	return &Reader{
		file:         f,
		dispatcher:   c.dispatcher,
		cipher:       c.cipher,
		workers:      c.cfg.Workers,
		verifyDigest: c.cfg.VerifyDigest,
	}
}

// load reads the index through the trailer, falling back to a rebuild
func (c *Container) load() error {
	start := time.Now()
	size := c.file.Size()

	idx, err := c.loadFromTrailer(size)
	if err == nil {
		c.index = idx
		c.appender = NewAppender(c.file, size, c.cfg.SyncMode, c.cfg.SyncBytes)
		c.recovery = RecoveryInfo{State: index.IndexLoaded, Duration: time.Since(start)}
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}

	c.recovery = RecoveryInfo{State: index.IndexRebuilding, Reason: err}
	if err := c.rebuild(size); err != nil {
		return err
	}
	c.recovery.State = index.IndexLoaded
	c.recovery.Duration = time.Since(start)
	return nil
}

func (c *Container) loadFromTrailer(size int64) (*index.Index, error) {
	if size < format.FileHeaderSize+format.TrailerSize {
		return nil, fmt.Errorf("%w: no room for a trailer", format.ErrTruncated)
	}

	data := make([]byte, format.TrailerSize)
	if err := c.file.ReadAt(data, size-format.TrailerSize); err != nil {
		return nil, err
	}
	trailer, err := format.DecodeTrailer(data)
	if err != nil {
		return nil, err
	}

	if trailer.IndexOffset < format.FileHeaderSize ||
		trailer.IndexOffset+trailer.IndexLength > uint64(size-format.TrailerSize) {
		return nil, fmt.Errorf("%w: index record at %d+%d outside file", format.ErrInvalidHeader,
			trailer.IndexOffset, trailer.IndexLength)
	}

	h, payload, err := c.reader.ReadRecord(trailer.IndexOffset, trailer.IndexLength)
	if err != nil {
		return nil, err
	}
	if h.Kind != format.KindIndex {
		return nil, fmt.Errorf("%w: trailer points at a %v record", format.ErrInvalidHeader, h.Kind)
	}
	if !checksum.Verify(payload, h.Checksum) {
		return nil, fmt.Errorf("%w: index payload", format.ErrChecksum)
	}

	idx, err := index.Decode(payload)
	if err != nil {
		return nil, err
	}
	c.indexLength.Store(trailer.IndexLength)
	return idx, nil
}

// rebuild reconstructs the index from a linear scan, drops any torn tail
// and persists the result
func (c *Container) rebuild(size int64) error {
	rb := index.NewRebuilder()
	res, err := Scan(c.file, format.FileHeaderSize, size, func(h *format.RecordHeader, offset int64) {
		rb.Add(h, uint64(offset))
	})
	if err != nil {
		return err
	}
	for i := 0; i < res.Skipped; i++ {
		rb.Skip()
	}

	idx, stats := rb.Build()
	c.index = idx
	c.recovery.Rebuild = stats
	c.recovery.Scan = res

	end := res.End
	if end < size {
		if err := c.file.Truncate(end); err != nil {
			return err
		}
	}
	c.appender = NewAppender(c.file, end, config.SyncImmediate, c.cfg.SyncBytes)
	if err := c.persistIndex(); err != nil {
		return err
	}
	c.appender.syncMode = c.cfg.SyncMode
	return nil
}

// persistIndex appends the current index and a trailer
func (c *Container) persistIndex() error {
	return c.appender.Write(func(b *Batch) error {
		_, gen := c.index.Counters()
		return c.writeIndex(b, index.Change{}, gen)
	})
}

// writeIndex appends an index record describing the index with change
// applied, followed by the trailer that points at it
func (c *Container) writeIndex(b *Batch, change index.Change, generation uint64) error {
	snapshot, err := c.index.EncodeWith(change)
	if err != nil {
		return err
	}

	h := &format.RecordHeader{
		Kind:       format.KindIndex,
		Generation: generation,
		Created:    time.Now().UnixNano(),
	}
	h.Modified = h.Created
	record, err := format.EncodeRecord(h, snapshot)
	if err != nil {
		return err
	}

	offset, err := b.Append(record)
	if err != nil {
		return err
	}

	next, last := c.index.Counters()
	trailer := format.Trailer{
		IndexOffset:  offset,
		IndexLength:  uint64(len(record)),
		Generation:   last,
		NextSequence: next,
	}
	if _, err := b.Append(trailer.Encode()); err != nil {
		return err
	}
	b.AfterCommit(func() { c.indexLength.Store(trailer.IndexLength) })
	return nil
}

// StoreResult describes a completed Store
type StoreResult struct {
	index.Entry
	// StoredBytes is the on-disk size of the block records written
	StoredBytes uint64
	// Codecs holds the codec chosen for each block, in order
	Codecs []codec.ID
}

// Store writes data under key, replacing any previous version. Encoding,
// encryption and checksumming run before the writer's critical section.
func (c *Container) Store(key string, data []byte, dt format.DataType) (StoreResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return StoreResult{}, ErrClosed
	}

	plan := c.dispatcher.Encode(data, dt)
	digest := checksum.ContentDigest(data)

	payloads := make([][]byte, len(plan.Blocks))
	if c.cipher != nil {
		var g errgroup.Group
		g.SetLimit(c.cfg.Workers)
		for i, blk := range plan.Blocks {
			g.Go(func() error {
				sealed, err := c.cipher.Seal(blk.Payload, crypt.BlockAAD(key, uint32(i)))
				payloads[i] = sealed
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return StoreResult{}, err
		}
	} else {
		for i, blk := range plan.Blocks {
			payloads[i] = blk.Payload
		}
	}

	var flags uint8
	if c.cipher != nil {
		flags |= format.RecordEncrypted
	}

	result := StoreResult{Codecs: make([]codec.ID, len(plan.Blocks))}
	err := c.appender.Write(func(b *Batch) error {
		now := time.Now().UnixNano()
		created := now
		if old, ok := c.index.Get(key); ok {
			created = old.Created
		}

		first, gen := c.index.Reserve(len(plan.Blocks))
		entry := index.Entry{
			Key:        key,
			Type:       dt,
			Blocks:     make([]uint64, len(plan.Blocks)),
			Size:       uint64(len(data)),
			Created:    created,
			Modified:   now,
			Encrypted:  c.cipher != nil,
			Generation: gen,
			Transform:  plan.Transform,
			Digest:     digest,
		}
		locations := make([]index.Location, len(plan.Blocks))

		for i, blk := range plan.Blocks {
			h := &format.RecordHeader{
				Kind:       format.KindBlock,
				DataType:   dt,
				Codec:      uint8(blk.ID),
				Flags:      flags,
				Sequence:   first + uint64(i),
				Generation: gen,
				Part:       uint32(i),
				Parts:      uint32(len(plan.Blocks)),
				RawLength:  uint32(blk.RawLength),
				EntrySize:  entry.Size,
				Created:    created,
				Modified:   now,
				Digest:     digest,
				Key:        key,
			}
			record, err := format.EncodeRecord(h, payloads[i])
			if err != nil {
				return err
			}
			offset, err := b.Append(record)
			if err != nil {
				return err
			}
			entry.Blocks[i] = h.Sequence
			locations[i] = index.Location{Sequence: h.Sequence, Offset: offset, Length: uint64(len(record))}
			result.Codecs[i] = blk.ID
			result.StoredBytes += uint64(len(record))
		}

		change := index.Change{Put: &entry, Locations: locations}
		if err := c.writeIndex(b, change, gen); err != nil {
			return err
		}
		b.AfterCommit(func() { c.index.Apply(change) })
		result.Entry = entry
		return nil
	})
	if err != nil {
		return StoreResult{}, err
	}
	return result, nil
}

// Retrieve returns the bytes stored under key
func (c *Container) Retrieve(key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	e, locs, ok := c.index.Resolve(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return c.reader.ReadEntry(e, locs)
}

// Delete removes key by appending a tombstone. The file does not shrink
// until Compact.
func (c *Container) Delete(key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	return c.appender.Write(func(b *Batch) error {
		if _, ok := c.index.Get(key); !ok {
			return ErrKeyNotFound
		}

		_, gen := c.index.Reserve(0)
		now := time.Now().UnixNano()
		h := &format.RecordHeader{
			Kind:       format.KindTombstone,
			Generation: gen,
			Created:    now,
			Modified:   now,
			Key:        key,
		}
		record, err := format.EncodeRecord(h, nil)
		if err != nil {
			return err
		}
		if _, err := b.Append(record); err != nil {
			return err
		}

		change := index.Change{Delete: key}
		if err := c.writeIndex(b, change, gen); err != nil {
			return err
		}
		b.AfterCommit(func() { c.index.Apply(change) })
		return nil
	})
}

// Stat returns the index entry for key and the on-disk size of its block
// records, taken from one index snapshot
func (c *Container) Stat(key string) (index.Entry, uint64, bool) {
	e, locs, ok := c.index.Resolve(key)
	if !ok {
		return index.Entry{}, 0, false
	}
	var stored uint64
	for _, loc := range locs {
		stored += loc.Length
	}
	return e, stored, true
}

// Keys returns a sorted snapshot of the stored keys
func (c *Container) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Keys()
}

// Len returns the number of stored keys
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Len()
}

// Header returns the file header
func (c *Container) Header() format.FileHeader {
	return *c.header
}

// Path returns the container file path
func (c *Container) Path() string {
	return c.file.Path()
}

// Size returns the committed size of the file in bytes
func (c *Container) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appender.End()
}

// LogicalSize returns the total uncompressed size of all stored entries
func (c *Container) LogicalSize() uint64 {
	return c.index.TotalSize()
}

// Reclaimable returns the number of bytes Compact would free: superseded
// and deleted block records, tombstones and every index record but the
// current one
func (c *Container) Reclaimable() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0
	}
	live := int64(format.FileHeaderSize+format.TrailerSize) + int64(c.index.LiveBytes()) + int64(c.indexLength.Load())
	return max(c.appender.End()-live, 0)
}

// Recovery returns how the index was obtained at open
func (c *Container) Recovery() RecoveryInfo {
	return c.recovery
}

// Corruption reports one key that failed verification
type Corruption struct {
	Key string
	Err error
}

// Verify reads back every entry and reports those that fail. It never
// stops early.
func (c *Container) Verify() ([]Corruption, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	var out []Corruption
	for _, key := range c.index.Keys() {
		e, locs, ok := c.index.Resolve(key)
		if !ok {
			continue
		}
		if _, err := c.reader.ReadEntry(e, locs); err != nil {
			out = append(out, Corruption{Key: key, Err: err})
		}
	}
	return out, nil
}

// Close syncs pending writes and closes the file. It is safe to call more
// than once.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.appender != nil {
		err = c.appender.Flush()
	}
	if cerr := c.closeResources(); err == nil {
		err = cerr
	}
	return err
}

func (c *Container) closeResources() error {
	err := c.file.Close()
	c.dispatcher.Close()
	return err
}
