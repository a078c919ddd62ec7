package replicator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

type recordingSink struct {
	notes []connector.Notification
}

func (s *recordingSink) Notify(n connector.Notification) { s.notes = append(s.notes, n) }

func newOutputs(n int) []*connector.Output {
	outs := make([]*connector.Output, n)
	for i := range outs {
		outs[i] = connector.NewOutput(i, 4, nil)
	}
	return outs
}

func TestDefaultModeGroupStartFiresOnFirstOutputOnly(t *testing.T) {
	outs := newOutputs(3)
	sink := &recordingSink{}
	r := New(ModeDefault, outs, sink, nil)

	p := packet.NewEmpty(nil)
	p.GroupNumber = 5
	p.Flags = packet.FlagGroupStart | packet.FlagGroupEnd
	require.NoError(t, r.Replicate(p))

	r.Notify(0, connector.Notification{Kind: connector.GroupStart, Param0: 5})
	require.Len(t, sink.notes, 1, "default mode: group_start should forward after just the first output")

	r.Notify(1, connector.Notification{Kind: connector.GroupStart, Param0: 5})
	require.Len(t, sink.notes, 1, "a second output's group_start must not forward twice for the same key")
}

func TestDefaultModeGroupEndRequiresAllOutputs(t *testing.T) {
	outs := newOutputs(3)
	sink := &recordingSink{}
	r := New(ModeDefault, outs, sink, nil)

	p := packet.NewEmpty(nil)
	p.GroupNumber = 7
	p.Flags = packet.FlagGroupStart | packet.FlagGroupEnd
	require.NoError(t, r.Replicate(p))

	r.Notify(0, connector.Notification{Kind: connector.GroupEnd, Param0: 7})
	r.Notify(1, connector.Notification{Kind: connector.GroupEnd, Param0: 7})
	require.Empty(t, sink.notes, "group_end must wait for all N outputs")

	r.Notify(2, connector.Notification{Kind: connector.GroupEnd, Param0: 7})
	require.Len(t, sink.notes, 1)
	require.Equal(t, uint64(7), sink.notes[0].Param0)
}

func TestCombineModeSegmentEndCountEqualsDownstreamDividedByN(t *testing.T) {
	const n = 3
	outs := newOutputs(n)
	sink := &recordingSink{}
	r := New(ModeCombine, outs, sink, nil)

	totalDownstream := 0
	for seg := uint32(0); seg < 4; seg++ {
		p := packet.NewEmpty(nil)
		p.SegmentNumber = seg
		p.Flags = packet.FlagSegmentEnd
		require.NoError(t, r.Replicate(p))
		for i := 0; i < n; i++ {
			r.Notify(i, connector.Notification{Kind: connector.SegmentEnd, Param0: uint64(seg)})
			totalDownstream++
		}
	}

	require.Equal(t, totalDownstream/n, len(sink.notes))
}

func TestNotifyIsIdempotentPerOutput(t *testing.T) {
	outs := newOutputs(2)
	sink := &recordingSink{}
	r := New(ModeCombine, outs, sink, nil)

	p := packet.NewEmpty(nil)
	p.SegmentNumber = 1
	p.Flags = packet.FlagSegmentEnd
	require.NoError(t, r.Replicate(p))

	r.Notify(0, connector.Notification{Kind: connector.SegmentEnd, Param0: 1})
	r.Notify(0, connector.Notification{Kind: connector.SegmentEnd, Param0: 1}) // duplicate, must not double-count
	require.Empty(t, sink.notes)

	r.Notify(1, connector.Notification{Kind: connector.SegmentEnd, Param0: 1})
	require.Len(t, sink.notes, 1)
}

func TestModeAllForwardsEveryMessageUncounted(t *testing.T) {
	outs := newOutputs(2)
	sink := &recordingSink{}
	r := New(ModeAll, outs, sink, nil)

	r.Notify(0, connector.Notification{Kind: connector.GroupStart, Param0: 1})
	r.Notify(1, connector.Notification{Kind: connector.GroupStart, Param0: 1})
	require.Len(t, sink.notes, 2, "mode all forwards every message, uncounted")
}

func TestStartPossibleRequiresAllOutputs(t *testing.T) {
	outs := newOutputs(3)
	sink := &recordingSink{}
	r := New(ModeDefault, outs, sink, nil)

	r.Notify(0, connector.Notification{Kind: connector.StartPossible, Param0: 1})
	r.Notify(1, connector.Notification{Kind: connector.StartPossible, Param0: 1})
	require.Empty(t, sink.notes, "start_possible must wait for every output")

	r.Notify(2, connector.Notification{Kind: connector.StartPossible, Param0: 1})
	require.Len(t, sink.notes, 1)
	require.Equal(t, connector.StartPossible, sink.notes[0].Kind)
}

func TestStartRequiredFiresOnFirstOutput(t *testing.T) {
	outs := newOutputs(3)
	sink := &recordingSink{}
	r := New(ModeDefault, outs, sink, nil)

	r.Notify(1, connector.Notification{Kind: connector.StartRequired, Param0: 1})
	require.Len(t, sink.notes, 1, "start_required should forward after just the first output")

	r.Notify(0, connector.Notification{Kind: connector.StartRequired, Param0: 1})
	require.Len(t, sink.notes, 1, "a second output's start_required must not forward twice for the same key")
}

func TestReplicateFansOutToEveryOutputWithRefcountedRanges(t *testing.T) {
	outs := newOutputs(3)
	r := New(ModeAll, outs, nil, nil)

	p := packet.NewEmpty(nil)
	rng := packet.NewRange(nil, nil, 0, 0)
	p.AppendRange(rng, true)
	rng.AddRef("source")

	require.NoError(t, r.Replicate(p))
	require.Equal(t, 1+len(outs), rng.RefCount(), "source holds one ref, plus one per replica")
}
