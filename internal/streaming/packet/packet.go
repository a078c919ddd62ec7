// Package packet implements the streaming data packet and data range types
// (spec §3, §4.1): the fixed-capacity, reference-counted transport quantum
// that flows through the graph, plus the timing/flag bits carried on it.
package packet

import (
	"sync"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/pool"
	"github.com/alxayo/streamcore/internal/streaming/diag"
)

// MaxEntries is the fixed capacity shared by tags and ranges: num_tags +
// num_ranges <= MaxEntries (spec §3 invariant).
const MaxEntries = 16

// Flags is the packet's marker/command bit field (spec §6). The exact
// numeric assignment is opaque outside this package; only the bit identity
// matters, and it is stable for the lifetime of one build.
type Flags uint32

const (
	FlagSegmentStart Flags = 1 << iota
	FlagSegmentEnd
	FlagGroupStart
	FlagGroupEnd
	FlagSingleUnitGroup
	FlagDataDiscontinuity
	FlagTimeDiscontinuity
	FlagEndOfStream
	FlagStartTimeValid
	FlagEndTimeValid
	FlagTagsValid
	FlagSkipUntil
	FlagCutAfter
	FlagSegmentStartNotification
	FlagSegmentEndNotification
	FlagGroupStartNotification
	FlagGroupEndNotification
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Range is a refcounted view into a pool-owned memory block: (block, offset,
// size). Holding a Range counts as a reference on its block; the block
// returns to its pool when the last reference drops. Multiple holders may
// simultaneously reference one Range; holder identity is tracked only for
// diagnostics (internal/streaming/diag), never for lifetime decisions.
type Range struct {
	block  *pool.Block
	alloc  pool.Allocator
	offset int
	size   int

	mu       sync.Mutex
	refcount int
}

// NewRange wraps a pool block as a Range with a starting refcount of zero;
// the first AddRef establishes the initial reference.
func NewRange(block *pool.Block, alloc pool.Allocator, offset, size int) *Range {
	return &Range{block: block, alloc: alloc, offset: offset, size: size}
}

// Bytes returns the byte view this range addresses.
func (r *Range) Bytes() []byte {
	if r == nil || r.block == nil {
		return nil
	}
	end := r.offset + r.size
	if end > len(r.block.Data) {
		end = len(r.block.Data)
	}
	return r.block.Data[r.offset:end]
}

// Size reports the range's logical size.
func (r *Range) Size() int { return r.size }

// AddRef increments the reference count and records holder for diagnostics.
func (r *Range) AddRef(holder string) {
	r.mu.Lock()
	r.refcount++
	r.mu.Unlock()
	diag.Record(diag.Entry{ObjectID: r.objectID(), Holder: holder, Action: "add_ref"})
}

// Release decrements the reference count, returning the block to its pool
// when the count reaches zero. It is a programming error to call Release
// more times than AddRef; callers (Packet) ensure balanced pairs.
func (r *Range) Release(holder string) {
	r.mu.Lock()
	r.refcount--
	n := r.refcount
	r.mu.Unlock()
	diag.Record(diag.Entry{ObjectID: r.objectID(), Holder: holder, Action: "release"})
	if n == 0 && r.alloc != nil && r.block != nil {
		r.alloc.PutMemoryBlock(r.block)
	}
}

// RefCount reports the current reference count (diagnostics/tests only).
func (r *Range) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount
}

func (r *Range) objectID() string {
	if r == nil {
		return "<nil-range>"
	}
	return "range"
}

// Tag is a small, opaque configuration unit carried in a packet ahead of its
// ranges. Concrete tag semantics (codec parameters, …) are an external
// concern; the core only moves tags around and filters by ID (spec §4.5).
type Tag struct {
	ID    uint32
	Value []byte
}

// entry is one slot of the packet's shared tags+ranges array: tags occupy
// [0, NumTags), ranges occupy [NumTags, NumTags+NumRanges).
type entry struct {
	tag   *Tag
	rng   *Range
	frame bool // this range begins a frame (only meaningful for range slots)
}

// Manager is the packet's originator: the pool of empty packets it returns
// to on ReturnToOrigin (spec §4.1, §4.6 output connector).
type Manager interface {
	ReturnPacket(p *Packet)
}

// Packet is the fixed-capacity, reference-counted transport quantum (spec
// §3). A packet may carry pure boundary/timing information with no ranges.
type Packet struct {
	SegmentNumber uint32
	GroupNumber   uint32

	Flags Flags

	StartTime    uint64
	EndTime      uint64
	CutDuration  uint64
	SkipDuration uint64

	FrameStartFlags uint32 // bit i set => entries[numTags+i] begins a frame

	numTags   int
	numRanges int
	entries   [MaxEntries]entry

	originator Manager
	released   bool // true between ReturnToOrigin and the next Reset (get_empty)
}

// NewEmpty returns a packet ready for construction, owned by mgr.
func NewEmpty(mgr Manager) *Packet {
	return &Packet{originator: mgr}
}

// Reset clears a packet back to its empty state (the get_empty transition).
func (p *Packet) Reset() {
	p.SegmentNumber = 0
	p.GroupNumber = 0
	p.Flags = 0
	p.StartTime = 0
	p.EndTime = 0
	p.CutDuration = 0
	p.SkipDuration = 0
	p.FrameStartFlags = 0
	p.numTags = 0
	p.numRanges = 0
	p.entries = [MaxEntries]entry{}
	p.released = false
}

// NumTags and NumRanges report the current occupancy.
func (p *Packet) NumTags() int   { return p.numTags }
func (p *Packet) NumRanges() int { return p.numRanges }

// AppendTag adds a tag, returning object_full if capacity is exhausted.
// Tags must all be appended before any range (spec §3: "tags first, then
// ranges").
func (p *Packet) AppendTag(t Tag) error {
	if p.numRanges > 0 {
		return serr.New(serr.RangeViolation, "packet.append_tag", nil)
	}
	if p.numTags+p.numRanges >= MaxEntries {
		return serr.New(serr.ObjectFull, "packet.append_tag", nil)
	}
	p.entries[p.numTags] = entry{tag: &t}
	p.numTags++
	p.Flags |= FlagTagsValid
	return nil
}

// Tag returns the i'th tag (0 <= i < NumTags()).
func (p *Packet) Tag(i int) *Tag {
	if i < 0 || i >= p.numTags {
		return nil
	}
	return p.entries[i].tag
}

// AppendRange adds a range, optionally marking it as a frame start. Returns
// object_full if capacity is exhausted.
func (p *Packet) AppendRange(r *Range, frameStart bool) error {
	if p.numTags+p.numRanges >= MaxEntries {
		return serr.New(serr.ObjectFull, "packet.append_range", nil)
	}
	idx := p.numTags + p.numRanges
	p.entries[idx] = entry{rng: r, frame: frameStart}
	if frameStart {
		p.FrameStartFlags |= 1 << uint(p.numRanges)
	}
	p.numRanges++
	return nil
}

// Range returns the i'th range (0 <= i < NumRanges()).
func (p *Packet) Range(i int) *Range {
	if i < 0 || i >= p.numRanges {
		return nil
	}
	return p.entries[p.numTags+i].rng
}

// FrameStartAt reports whether range i begins a frame. Bits at positions
// >= NumRanges() are never meaningful (spec §3 invariant).
func (p *Packet) FrameStartAt(i int) bool {
	if i < 0 || i >= p.numRanges {
		return false
	}
	return p.FrameStartFlags&(1<<uint(i)) != 0
}

// AddRefToRanges increments every contained range's reference count and
// records holder (spec §4.1).
func (p *Packet) AddRefToRanges(holder string) {
	for i := 0; i < p.numRanges; i++ {
		if r := p.entries[p.numTags+i].rng; r != nil {
			r.AddRef(holder)
		}
	}
}

// ReleaseRanges decrements every contained range's reference count,
// dropping the block back to its pool on the last release (spec §4.1).
func (p *Packet) ReleaseRanges(holder string) {
	for i := 0; i < p.numRanges; i++ {
		if r := p.entries[p.numTags+i].rng; r != nil {
			r.Release(holder)
		}
	}
}

// TransferRangesOwnership is AddRef(newHolder) followed by Release(self) on
// every contained range (spec §4.1) — it changes who diagnostics attribute
// the holding to without altering the net refcount.
func (p *Packet) TransferRangesOwnership(oldHolder, newHolder string) {
	for i := 0; i < p.numRanges; i++ {
		if r := p.entries[p.numTags+i].rng; r != nil {
			r.AddRef(newHolder)
			r.Release(oldHolder)
		}
	}
}

// ReturnToOrigin asserts no range references remain under this packet and
// hands it back to its manager (spec §4.1). Calling it while ranges are
// still referenced is a programming error (range_violation).
func (p *Packet) ReturnToOrigin() error {
	for i := 0; i < p.numRanges; i++ {
		if r := p.entries[p.numTags+i].rng; r != nil && r.RefCount() != 0 {
			return serr.New(serr.RangeViolation, "packet.return_to_origin", nil)
		}
	}
	p.released = true
	if p.originator != nil {
		p.originator.ReturnPacket(p)
	}
	return nil
}

// Released reports whether the packet is between ReturnToOrigin and the
// next Reset; no holder may reference its ranges during this window
// (spec §3 invariant).
func (p *Packet) Released() bool { return p.released }

// IsConfigurationOnly reports whether this packet carries pure tag/boundary
// information with no ranges — still a valid, honored configuration event
// (spec §8 boundary behavior).
func (p *Packet) IsConfigurationOnly() bool {
	return p.numRanges == 0 && (p.Flags.Has(FlagTagsValid) || p.hasAnyBoundaryFlag())
}

func (p *Packet) hasAnyBoundaryFlag() bool {
	const boundary = FlagSegmentStart | FlagSegmentEnd | FlagGroupStart | FlagGroupEnd
	return p.Flags&boundary != 0
}

// Validate checks the structural invariants of spec §3/§8: capacity and
// frame-start bit range. Segment and group numbers are not checked.
func (p *Packet) Validate() error {
	if p.numTags+p.numRanges > MaxEntries {
		return serr.New(serr.RangeViolation, "packet.validate", nil)
	}
	if p.FrameStartFlags != 0 {
		for bit := 0; bit < 32; bit++ {
			if p.FrameStartFlags&(1<<uint(bit)) != 0 && bit >= p.numRanges {
				return serr.New(serr.RangeViolation, "packet.validate.frame_start_flags", nil)
			}
		}
	}
	return nil
}

// CopyFrom copies every field of src except its originator and released
// state: segment/group numbers, flags, times, durations, frame-start flags,
// tag/range counts and the tag/range entries themselves. Copying never
// ref-counts ranges: that is always explicit via AddRefToRanges/
// TransferRangesOwnership (spec §4.1 copy rules).
func (p *Packet) CopyFrom(src *Packet) {
	p.SegmentNumber = src.SegmentNumber
	p.GroupNumber = src.GroupNumber
	p.Flags = src.Flags
	p.StartTime = src.StartTime
	p.EndTime = src.EndTime
	p.CutDuration = src.CutDuration
	p.SkipDuration = src.SkipDuration
	p.FrameStartFlags = src.FrameStartFlags
	p.numTags = src.numTags
	p.numRanges = src.numRanges
	p.entries = src.entries
}
