package formatter

import (
	"testing"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/streaming/packet"
	"github.com/alxayo/streamcore/internal/streaming/parser"
)

type fakeSource struct {
	packets []*packet.Packet
}

func (s *fakeSource) GetEmptyDataPacket() (*packet.Packet, error) {
	if len(s.packets) == 0 {
		return nil, serr.New(serr.ObjectEmpty, "fakeSource", nil)
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil
}

func (s *fakeSource) add(n int) {
	for i := 0; i < n; i++ {
		s.packets = append(s.packets, packet.NewEmpty(nil))
	}
}

type fakeSink struct {
	sent []*packet.Packet
}

func (s *fakeSink) SendPacket(p *packet.Packet) error {
	s.sent = append(s.sent, p)
	return nil
}

func TestEndTimeForcesFlush(t *testing.T) {
	src := &fakeSource{}
	src.add(2)
	sink := &fakeSink{}
	f := New(src, sink)

	if err := f.BeginSegment(1); err != nil {
		t.Fatalf("begin segment: %v", err)
	}
	if err := f.EndTime(42); err != nil {
		t.Fatalf("end time: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected end_time_valid to force a flush, got %d sent", len(sink.sent))
	}
	if !sink.sent[0].Flags.Has(packet.FlagEndTimeValid) {
		t.Fatalf("expected sent packet to carry end_time_valid")
	}
}

func TestSegmentEndAndTimeDiscontinuityForceFlush(t *testing.T) {
	src := &fakeSource{}
	src.add(4)
	sink := &fakeSink{}
	f := New(src, sink)

	f.BeginSegment(1)
	if err := f.EndSegment(); err != nil {
		t.Fatalf("end segment: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected segment_end to force a flush")
	}

	f.BeginSegment(2)
	if err := f.TimeDiscontinuity(); err != nil {
		t.Fatalf("time discontinuity: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("expected time_discontinuity to force a flush")
	}
}

func TestGroupEndAloneDoesNotForceFlush(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	sink := &fakeSink{}
	f := New(src, sink)

	f.BeginGroup(1)
	if err := f.EndGroup(); err != nil {
		t.Fatalf("end group: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("group_end alone must not force a flush")
	}
}

func TestLowLatencyCommitHonorsThresholds(t *testing.T) {
	src := &fakeSource{}
	src.add(2)
	sink := &fakeSink{}
	f := New(src, sink)

	f.BeginGroup(1)
	if err := f.LowLatencyCommit(); err != nil {
		t.Fatalf("low latency commit: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("without >=5 ranges or end/group markers, low_latency_commit must not flush")
	}

	if err := f.EndGroup(); err != nil {
		t.Fatalf("end group: %v", err)
	}
	if err := f.LowLatencyCommit(); err != nil {
		t.Fatalf("low latency commit: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("group_end marker present, low_latency_commit must flush")
	}
}

func TestTagFilteringDropsUnsupportedTags(t *testing.T) {
	src := &fakeSource{}
	src.add(1)
	sink := &fakeSink{}
	f := New(src, sink)
	f.SetTagUnitIDs([]uint32{1, 2})

	if err := f.Configure(packet.Tag{ID: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := f.Configure(packet.Tag{ID: 99}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sink.sent[0].NumTags() != 1 {
		t.Fatalf("expected exactly 1 tag to survive filtering, got %d", sink.sent[0].NumTags())
	}
}

func TestRoundTripParserToFormatter(t *testing.T) {
	src := &fakeSource{}
	src.add(2)
	sink := &fakeSink{}
	f := New(src, sink)
	ps := parser.New()

	original := packet.NewEmpty(nil)
	original.SegmentNumber = 7
	original.GroupNumber = 3
	original.Flags = packet.FlagSegmentStart | packet.FlagGroupStart | packet.FlagStartTimeValid |
		packet.FlagEndTimeValid | packet.FlagGroupEnd | packet.FlagSegmentEnd
	original.StartTime = 1000
	original.EndTime = 2000
	original.AppendRange(packet.NewRange(nil, nil, 0, 0), true)

	if err := ps.Parse(original, f); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(sink.sent) == 0 {
		t.Fatalf("expected at least one reconstructed packet")
	}
	got := sink.sent[0]
	if got.SegmentNumber != original.SegmentNumber || got.GroupNumber != original.GroupNumber {
		t.Fatalf("segment/group mismatch: got seg=%d group=%d", got.SegmentNumber, got.GroupNumber)
	}
	if got.StartTime != original.StartTime || got.EndTime != original.EndTime {
		t.Fatalf("time mismatch: got start=%d end=%d", got.StartTime, got.EndTime)
	}
}
