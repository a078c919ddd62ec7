// Package parser implements the streaming parser (spec §4.4): a linear,
// resumable state machine that decomposes one packet into an ordered event
// stream (segment/group start/end, tags, ranges, time, discontinuity).
package parser

import (
	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

// step identifies a position in the fixed visitation order of spec §4.4.
type step int

const (
	stepDataDiscontinuity step = iota
	stepBeginSegment
	stepBeginConfigure
	stepConfigureTags
	stepEndConfigure
	stepBeginGroup
	stepStartTime
	stepSkipUntil
	stepCutAfter
	stepDataRanges
	stepEndTime
	stepEndGroup
	stepTimeDiscontinuity
	stepEndSegment
	stepDone
)

// Handler receives parse events. Any method may return an object_full
// StreamingError; the parser preserves its position and resumes from the
// same step on the next Parse call with the same packet (spec §4.4).
// BeginConfigure may additionally return the defer_stream_parse_configure
// sentinel, in which case the parser enqueues tags into its own deferral
// buffer instead of calling Configure immediately.
type Handler interface {
	DataDiscontinuity() error
	BeginSegment(segmentNumber uint32) error
	BeginConfigure() error
	Configure(tag packet.Tag) error
	EndConfigure() error
	BeginGroup(groupNumber uint32) error
	StartTime(t uint64) error
	SkipUntil(d uint64) error
	CutAfter(d uint64) error
	FrameStart() error
	DataRange(r *packet.Range) error
	EndTime(t uint64) error
	EndGroup() error
	TimeDiscontinuity() error
	EndSegment() error
}

// Parser holds resumable state across Parse calls for a single logical
// stream. One Parser must not be shared across concurrent packets (the
// base streaming unit's pending-packet lock, spec §4.3, already serializes
// access).
type Parser struct {
	cur      step
	rangeIdx int

	// deferred holds tags enqueued by a "defer" BeginConfigure until
	// ParseDeferredConfigure is called explicitly (spec §4.4 tag
	// deferral). It grows on demand, matching the original driver's
	// resizable STFQueues-style buffer (spec §12).
	deferred []packet.Tag
}

// New returns a Parser ready to process the first packet of a stream.
func New() *Parser { return &Parser{} }

// Parse drives h through the ordered event stream derived from p, resuming
// from wherever a previous call left off on the *same* packet. Callers must
// pass the same p repeatedly until Parse returns nil before moving to the
// next packet (spec §4.4, §4.3 step 3).
func (ps *Parser) Parse(p *packet.Packet, h Handler) error {
	if ps.cur == stepDone {
		ps.cur = stepDataDiscontinuity
		ps.rangeIdx = 0
	}

	for ps.cur != stepDone {
		if err := ps.runStep(p, h); err != nil {
			return err // position preserved in ps.cur/ps.rangeIdx
		}
	}
	return nil
}

func (ps *Parser) runStep(p *packet.Packet, h Handler) error {
	switch ps.cur {
	case stepDataDiscontinuity:
		if p.Flags.Has(packet.FlagDataDiscontinuity) {
			if err := h.DataDiscontinuity(); err != nil {
				return err
			}
		}
		ps.cur = stepBeginSegment

	case stepBeginSegment:
		if p.Flags.Has(packet.FlagSegmentStart) {
			if err := h.BeginSegment(p.SegmentNumber); err != nil {
				return err
			}
		}
		ps.cur = stepBeginConfigure

	case stepBeginConfigure:
		if p.Flags.Has(packet.FlagTagsValid) && p.NumTags() > 0 {
			err := h.BeginConfigure()
			if serr.Is(err, serr.DeferStreamParseConfigure) {
				ps.deferTags(p)
				ps.cur = stepEndConfigure
				return nil
			}
			if err != nil {
				return err
			}
		}
		ps.cur = stepConfigureTags

	case stepConfigureTags:
		if p.Flags.Has(packet.FlagTagsValid) {
			for i := 0; i < p.NumTags(); i++ {
				if err := h.Configure(*p.Tag(i)); err != nil {
					return err
				}
			}
		}
		ps.cur = stepEndConfigure

	case stepEndConfigure:
		if p.Flags.Has(packet.FlagTagsValid) && p.NumTags() > 0 {
			if err := h.EndConfigure(); err != nil {
				return err
			}
		}
		ps.cur = stepBeginGroup

	case stepBeginGroup:
		if p.Flags.Has(packet.FlagGroupStart) {
			if err := h.BeginGroup(p.GroupNumber); err != nil {
				return err
			}
		}
		ps.cur = stepStartTime

	case stepStartTime:
		if p.Flags.Has(packet.FlagStartTimeValid) {
			if err := h.StartTime(p.StartTime); err != nil {
				return err
			}
		}
		ps.cur = stepSkipUntil

	case stepSkipUntil:
		if p.Flags.Has(packet.FlagSkipUntil) {
			if err := h.SkipUntil(p.SkipDuration); err != nil {
				return err
			}
		}
		ps.cur = stepCutAfter

	case stepCutAfter:
		if p.Flags.Has(packet.FlagCutAfter) {
			if err := h.CutAfter(p.CutDuration); err != nil {
				return err
			}
		}
		ps.cur = stepDataRanges
		ps.rangeIdx = 0

	case stepDataRanges:
		for ps.rangeIdx < p.NumRanges() {
			if p.FrameStartAt(ps.rangeIdx) {
				if err := h.FrameStart(); err != nil {
					return err
				}
			}
			if err := h.DataRange(p.Range(ps.rangeIdx)); err != nil {
				return err
			}
			ps.rangeIdx++
		}
		ps.cur = stepEndTime

	case stepEndTime:
		if p.Flags.Has(packet.FlagEndTimeValid) {
			if err := h.EndTime(p.EndTime); err != nil {
				return err
			}
		}
		ps.cur = stepEndGroup

	case stepEndGroup:
		if p.Flags.Has(packet.FlagGroupEnd) {
			if err := h.EndGroup(); err != nil {
				return err
			}
		}
		ps.cur = stepTimeDiscontinuity

	case stepTimeDiscontinuity:
		if p.Flags.Has(packet.FlagTimeDiscontinuity) {
			if err := h.TimeDiscontinuity(); err != nil {
				return err
			}
		}
		ps.cur = stepEndSegment

	case stepEndSegment:
		if p.Flags.Has(packet.FlagSegmentEnd) {
			if err := h.EndSegment(); err != nil {
				return err
			}
		}
		ps.cur = stepDone
	}
	return nil
}

func (ps *Parser) deferTags(p *packet.Packet) {
	for i := 0; i < p.NumTags(); i++ {
		ps.deferred = append(ps.deferred, *p.Tag(i))
	}
}

// ParseDeferredConfigure applies tags previously enqueued by a "defer"
// BeginConfigure, at a point the caller has determined is permitted
// (spec §4.4 tag deferral).
func (ps *Parser) ParseDeferredConfigure(h Handler) error {
	if len(ps.deferred) == 0 {
		return nil
	}
	for _, tag := range ps.deferred {
		if err := h.Configure(tag); err != nil {
			return err
		}
	}
	ps.deferred = ps.deferred[:0]
	return nil
}

// PendingDeferredCount reports how many tags are queued awaiting
// ParseDeferredConfigure (diagnostics/tests only).
func (ps *Parser) PendingDeferredCount() int { return len(ps.deferred) }

// AtStepBoundary reports whether the parser has fully consumed p and is
// ready for the next packet.
func (ps *Parser) AtStepBoundary() bool { return ps.cur == stepDone }
