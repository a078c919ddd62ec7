package parser

import (
	"testing"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

type recordingHandler struct {
	events      []string
	failOnce    string // event name to fail with object_full exactly once
	failed      bool
	deferConfig bool
}

func (h *recordingHandler) maybeFail(name string) error {
	if h.failOnce == name && !h.failed {
		h.failed = true
		return serr.New(serr.ObjectFull, "handler."+name, nil)
	}
	h.events = append(h.events, name)
	return nil
}

func (h *recordingHandler) DataDiscontinuity() error   { return h.maybeFail("data_discontinuity") }
func (h *recordingHandler) BeginSegment(n uint32) error { return h.maybeFail("begin_segment") }
func (h *recordingHandler) BeginConfigure() error {
	if h.deferConfig {
		h.events = append(h.events, "begin_configure_defer")
		return serr.New(serr.DeferStreamParseConfigure, "handler.begin_configure", nil)
	}
	return h.maybeFail("begin_configure")
}
func (h *recordingHandler) Configure(t packet.Tag) error { return h.maybeFail("configure") }
func (h *recordingHandler) EndConfigure() error          { return h.maybeFail("end_configure") }
func (h *recordingHandler) BeginGroup(n uint32) error    { return h.maybeFail("begin_group") }
func (h *recordingHandler) StartTime(t uint64) error     { return h.maybeFail("start_time") }
func (h *recordingHandler) SkipUntil(d uint64) error     { return h.maybeFail("skip_until") }
func (h *recordingHandler) CutAfter(d uint64) error      { return h.maybeFail("cut_after") }
func (h *recordingHandler) FrameStart() error            { return h.maybeFail("frame_start") }
func (h *recordingHandler) DataRange(r *packet.Range) error {
	return h.maybeFail("data_range")
}
func (h *recordingHandler) EndTime(t uint64) error      { return h.maybeFail("end_time") }
func (h *recordingHandler) EndGroup() error             { return h.maybeFail("end_group") }
func (h *recordingHandler) TimeDiscontinuity() error    { return h.maybeFail("time_discontinuity") }
func (h *recordingHandler) EndSegment() error           { return h.maybeFail("end_segment") }

func fullPacket() *packet.Packet {
	p := packet.NewEmpty(nil)
	p.SegmentNumber = 1
	p.GroupNumber = 1
	p.Flags = packet.FlagSegmentStart | packet.FlagGroupStart | packet.FlagStartTimeValid |
		packet.FlagEndTimeValid | packet.FlagGroupEnd | packet.FlagSegmentEnd
	p.StartTime = 100
	p.EndTime = 200
	r1 := packet.NewRange(nil, nil, 0, 0)
	p.AppendRange(r1, true)
	return p
}

func TestParserVisitsStepsInOrder(t *testing.T) {
	p := fullPacket()
	h := &recordingHandler{}
	ps := New()
	if err := ps.Parse(p, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"begin_segment", "begin_group", "start_time", "frame_start", "data_range", "end_time", "end_group", "end_segment"}
	if len(h.events) != len(want) {
		t.Fatalf("expected %v, got %v", want, h.events)
	}
	for i, e := range want {
		if h.events[i] != e {
			t.Fatalf("step %d: expected %s, got %s", i, e, h.events[i])
		}
	}
}

func TestObjectFullResumesAtSameStep(t *testing.T) {
	p := fullPacket()
	h := &recordingHandler{failOnce: "data_range"}
	ps := New()

	err := ps.Parse(p, h)
	if !serr.Is(err, serr.ObjectFull) {
		t.Fatalf("expected object_full, got %v", err)
	}
	if ps.AtStepBoundary() {
		t.Fatalf("parser must preserve its position, not report done")
	}

	if err := ps.Parse(p, h); err != nil {
		t.Fatalf("unexpected error on resume: %v", err)
	}
	found := false
	for _, e := range h.events {
		if e == "data_range" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected data_range to be delivered on resume")
	}
}

func TestElidedStepsWhenFlagsAbsent(t *testing.T) {
	p := packet.NewEmpty(nil)
	p.Flags = packet.FlagSegmentStart
	p.SegmentNumber = 5
	h := &recordingHandler{}
	ps := New()
	if err := ps.Parse(p, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.events) != 1 || h.events[0] != "begin_segment" {
		t.Fatalf("expected only begin_segment, got %v", h.events)
	}
}

func TestDeferredConfigureAppliedLater(t *testing.T) {
	p := packet.NewEmpty(nil)
	p.Flags = packet.FlagTagsValid
	p.AppendTag(packet.Tag{ID: 1})
	p.AppendTag(packet.Tag{ID: 2})
	h := &recordingHandler{deferConfig: true}
	ps := New()
	if err := ps.Parse(p, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ps.PendingDeferredCount() != 2 {
		t.Fatalf("expected 2 deferred tags, got %d", ps.PendingDeferredCount())
	}
	// Configure must not have been called inline while deferred.
	for _, e := range h.events {
		if e == "configure" {
			t.Fatalf("configure should not run inline when deferred")
		}
	}
	if err := ps.ParseDeferredConfigure(h); err != nil {
		t.Fatalf("unexpected error applying deferred configure: %v", err)
	}
	if ps.PendingDeferredCount() != 0 {
		t.Fatalf("expected deferred buffer drained")
	}
}

func TestFrameStartGranularityMultipleRanges(t *testing.T) {
	p := packet.NewEmpty(nil)
	p.AppendRange(packet.NewRange(nil, nil, 0, 0), true)
	p.AppendRange(packet.NewRange(nil, nil, 0, 0), false)
	p.AppendRange(packet.NewRange(nil, nil, 0, 0), true)
	h := &recordingHandler{}
	ps := New()
	if err := ps.Parse(p, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for _, e := range h.events {
		if e == "frame_start" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected frame_start fired at 2 set bits, got %d", count)
	}
}
