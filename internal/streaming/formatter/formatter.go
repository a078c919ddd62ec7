// Package formatter implements the streaming formatter (spec §4.5): the
// complement of the parser, assembling a single output packet until one of
// several forced-flush conditions triggers a send. Formatter implements
// parser.Handler, so a Parser can drive a Formatter directly — the
// idiomatic way to express a pass-through/reformatting stage, and the
// shape the round-trip property of spec §8 exercises.
package formatter

import (
	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/streaming/packet"
	"github.com/alxayo/streamcore/internal/streaming/parser"
)

// holderID is the diagnostics holder name the formatter uses when it
// ref-counts ranges onto the packet it is assembling (spec §4.5: "Ranges
// added to a packet are ref-counted with the packet as holder").
const holderID = "formatter"

// EmptySource supplies empty packets the formatter assembles into. It is
// satisfied by *connector.Output.
type EmptySource interface {
	GetEmptyDataPacket() (*packet.Packet, error)
}

// Sink receives a completed packet. It is satisfied by *connector.Output
// (via SendPacket) once plugged, or any test double.
type Sink interface {
	SendPacket(p *packet.Packet) error
}

// defaultRangeThreshold is the configurable range-count forced-flush
// threshold (spec §4.5); NewWithRangeThreshold overrides it.
const defaultRangeThreshold = 12

// lowLatencyRangeThreshold is the range count low_latency_commit checks
// against (spec §4.5: "already carries ≥5 ranges").
const lowLatencyRangeThreshold = 5

// Formatter assembles packets and flushes them downstream once a trigger
// condition fires.
type Formatter struct {
	empty EmptySource
	sink  Sink

	current *packet.Packet

	rangeThreshold int
	framePending   bool

	// tagUnitIDs is the downstream-advertised supported tag ID set,
	// populated at connection-completion time (spec §4.5, §12). An empty
	// set means pass-through (no filtering).
	tagUnitIDs map[uint32]struct{}
}

var _ parser.Handler = (*Formatter)(nil)

// New constructs a Formatter with the default range threshold.
func New(empty EmptySource, sink Sink) *Formatter {
	return &Formatter{empty: empty, sink: sink, rangeThreshold: defaultRangeThreshold}
}

// NewWithRangeThreshold overrides the default forced-flush range count.
func NewWithRangeThreshold(empty EmptySource, sink Sink, threshold int) *Formatter {
	f := New(empty, sink)
	f.rangeThreshold = threshold
	return f
}

// SetTagUnitIDs installs the downstream tag filter, obtained at connection
// completion time (spec §4.5, §12). An empty/nil set disables filtering.
func (f *Formatter) SetTagUnitIDs(ids []uint32) {
	if len(ids) == 0 {
		f.tagUnitIDs = nil
		return
	}
	f.tagUnitIDs = make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		f.tagUnitIDs[id] = struct{}{}
	}
}

func (f *Formatter) tagAllowed(id uint32) bool {
	if len(f.tagUnitIDs) == 0 {
		return true
	}
	_, ok := f.tagUnitIDs[id]
	return ok
}

func (f *Formatter) ensureCurrent() error {
	if f.current != nil {
		return nil
	}
	p, err := f.empty.GetEmptyDataPacket()
	if err != nil {
		return err
	}
	f.current = p
	return nil
}

// flush sends the assembled packet downstream and starts a new one. A send
// failure (object_full) leaves f.current intact so the caller's forced-flush
// trigger re-fires identically on retry (spec §7 propagation policy).
func (f *Formatter) flush() error {
	if f.current == nil {
		return nil
	}
	if err := f.current.Validate(); err != nil {
		return err
	}
	if err := f.sink.SendPacket(f.current); err != nil {
		return err
	}
	f.current = nil
	f.framePending = false
	return nil
}

// Commit forces emission of whatever has been assembled so far.
func (f *Formatter) Commit() error { return f.flush() }

// LowLatencyCommit forces emission only when the packet already carries
// enough to be useful: >= lowLatencyRangeThreshold ranges, or an
// end-time/group-end marker already set (spec §4.5).
func (f *Formatter) LowLatencyCommit() error {
	if f.current == nil {
		return nil
	}
	if f.current.NumRanges() >= lowLatencyRangeThreshold ||
		f.current.Flags.Has(packet.FlagEndTimeValid) ||
		f.current.Flags.Has(packet.FlagGroupEnd) {
		return f.flush()
	}
	return nil
}

// --- parser.Handler implementation ---

func (f *Formatter) DataDiscontinuity() error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagDataDiscontinuity
	return nil
}

func (f *Formatter) BeginSegment(segmentNumber uint32) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagSegmentStart
	f.current.SegmentNumber = segmentNumber
	return nil
}

func (f *Formatter) BeginConfigure() error { return f.ensureCurrent() }

func (f *Formatter) Configure(tag packet.Tag) error {
	if !f.tagAllowed(tag.ID) {
		return nil
	}
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	if err := f.current.AppendTag(tag); err != nil {
		if !serr.Is(err, serr.ObjectFull) {
			return err
		}
		// Tag list hit capacity: forced flush (spec §4.5), then retry on
		// the fresh packet.
		if err := f.flush(); err != nil {
			return err
		}
		if err := f.ensureCurrent(); err != nil {
			return err
		}
		return f.current.AppendTag(tag)
	}
	return nil
}

func (f *Formatter) EndConfigure() error { return nil }

func (f *Formatter) BeginGroup(groupNumber uint32) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagGroupStart
	f.current.GroupNumber = groupNumber
	return nil
}

func (f *Formatter) StartTime(t uint64) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagStartTimeValid
	f.current.StartTime = t
	return nil
}

func (f *Formatter) SkipUntil(d uint64) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagSkipUntil
	f.current.SkipDuration = d
	return nil
}

func (f *Formatter) CutAfter(d uint64) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagCutAfter
	f.current.CutDuration = d
	return nil
}

func (f *Formatter) FrameStart() error {
	f.framePending = true
	return nil
}

func (f *Formatter) DataRange(r *packet.Range) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	frame := f.framePending
	f.framePending = false
	if err := f.current.AppendRange(r, frame); err != nil {
		if !serr.Is(err, serr.ObjectFull) {
			return err
		}
		if err := f.flush(); err != nil {
			f.framePending = frame
			return err
		}
		if err := f.ensureCurrent(); err != nil {
			f.framePending = frame
			return err
		}
		if err := f.current.AppendRange(r, frame); err != nil {
			return err
		}
	}
	r.AddRef(holderID)
	if f.current.NumRanges() >= f.rangeThreshold {
		return f.flush()
	}
	return nil
}

func (f *Formatter) EndTime(t uint64) error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagEndTimeValid
	f.current.EndTime = t
	return f.flush()
}

func (f *Formatter) EndGroup() error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagGroupEnd
	return nil
}

func (f *Formatter) TimeDiscontinuity() error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagTimeDiscontinuity
	return f.flush()
}

func (f *Formatter) EndSegment() error {
	if err := f.ensureCurrent(); err != nil {
		return err
	}
	f.current.Flags |= packet.FlagSegmentEnd
	return f.flush()
}
