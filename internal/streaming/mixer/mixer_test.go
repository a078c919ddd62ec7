package mixer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

type recordingSink struct {
	notes []connector.Notification
}

func (s *recordingSink) Notify(n connector.Notification) { s.notes = append(s.notes, n) }

// stubFrameMixer fills every output packet with a single zero-size range so
// the scheduler has something to send.
type stubFrameMixer struct {
	received int
	mixed    int
	lastSeen map[int]*packet.Packet
}

func (s *stubFrameMixer) ReceivePacket(inputID int, p *packet.Packet, effectiveStart time.Duration) (StartupRequest, error) {
	s.received++
	return StartupNone, nil
}

func (s *stubFrameMixer) MixFrame(outputPackets map[int]*packet.Packet) error {
	s.mixed++
	s.lastSeen = outputPackets
	for _, p := range outputPackets {
		p.StartTime = uint64(s.mixed)
	}
	return nil
}

func (s *stubFrameMixer) BeginOutput(outputID int) error { return nil }
func (s *stubFrameMixer) FlushOutput(outputID int) error { return nil }

func TestRegisterInputGrowsByDoubling(t *testing.T) {
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	require.Equal(t, 0, cap(m.inputs))
	for i := 0; i < 5; i++ {
		m.RegisterInput("video", nil, nil)
	}
	require.Equal(t, 5, len(m.inputs))
	require.Equal(t, 8, cap(m.inputs))
}

func TestTripleBufferReadReturnsLastWrittenPair(t *testing.T) {
	var tb TripleBuffer
	tb.Write(42, 100*time.Millisecond)
	frame, rt, ok := tb.Read()
	require.True(t, ok)
	require.Equal(t, uint64(42), frame)
	require.Equal(t, 100*time.Millisecond, rt)
}

func TestReceivePacketBouncesWhenRingNearlyFull(t *testing.T) {
	fm := &stubFrameMixer{}
	m := New(fm, 20*time.Millisecond, nil, nil)
	id := m.RegisterInput("video", nil, nil)

	in := m.input(id)
	// Fill the ring to within minFreeRingSlots-1 of capacity.
	for i := 0; i < ringCapacity-minFreeRingSlots+1; i++ {
		in.ring.push(pendingNotification{})
	}

	p := packet.NewEmpty(nil)
	p.Flags = packet.FlagSegmentStart
	err := m.ReceivePacket(id, p)
	require.Error(t, err)

	in.mu.Lock()
	bounced := in.packetBounced
	in.mu.Unlock()
	require.True(t, bounced)
}

func TestReceivePacketUnknownInputReturnsRangeViolation(t *testing.T) {
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	err := m.ReceivePacket(99, packet.NewEmpty(nil))
	require.Error(t, err)
}

func TestMixerThreadLoopProducesOneFrameRoundTrip(t *testing.T) {
	fm := &stubFrameMixer{}
	sink := &recordingSink{}
	m := New(fm, 5*time.Millisecond, sink, nil)

	outConn := connector.NewOutput(0, 4, nil)
	inConn := connector.NewInput(0, 4, 0, nil)
	inConn.Plug(outConn)
	outID := m.RegisterOutput(outConn)

	m.RequestOutputPrepare(outID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return inConn.Depth() > 0
	}, time.Second, 2*time.Millisecond, "expected at least one output packet to reach the plugged input")
}

func TestStepInputAdvancesFrameNumberAndNotifies(t *testing.T) {
	sink := &recordingSink{}
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	id := m.RegisterInput("audio", sink, nil)

	require.NoError(t, m.StepInput(id, 3))
	in := m.input(id)
	in.mu.Lock()
	fn := in.frameNumber
	in.mu.Unlock()
	require.Equal(t, uint64(3), fn)
	require.Len(t, sink.notes, 1)
}

func TestFlushInputClearsRing(t *testing.T) {
	sink := &recordingSink{}
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	id := m.RegisterInput("audio", sink, nil)
	in := m.input(id)
	in.ring.push(pendingNotification{})
	require.NoError(t, m.FlushInput(id))
	require.Equal(t, ringCapacity, in.ring.freeSlots())
}

func TestPacketAllocationStampsNotificationRequestsAndNumbers(t *testing.T) {
	fm := &stubFrameMixer{}
	m := New(fm, 20*time.Millisecond, nil, nil)

	outConn := connector.NewOutput(0, 4, nil)
	inConn := connector.NewInput(0, 4, 0, nil)
	inConn.Plug(outConn)
	outID := m.RegisterOutput(outConn)
	m.outputs[outID].streaming = true
	m.outputs[outID].segmentNumber = 3
	m.outputs[outID].groupNumber = 7

	require.True(t, m.runIteration(context.Background()))
	require.NotNil(t, fm.lastSeen)

	p := fm.lastSeen[outID]
	require.True(t, p.Flags.Has(packet.FlagSegmentStart))
	require.True(t, p.Flags.Has(packet.FlagSegmentStartNotification))
	require.True(t, p.Flags.Has(packet.FlagGroupStartNotification))
	require.True(t, p.Flags.Has(packet.FlagGroupEndNotification))
	require.Equal(t, uint32(3), p.SegmentNumber)
	require.Equal(t, uint32(7), p.GroupNumber)
}

func TestServicePassTwoSynchRequestsOnlyActiveInputs(t *testing.T) {
	sink := &recordingSink{}
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	activeID := m.RegisterInput("video", sink, nil)
	idleSink := &recordingSink{}
	idleID := m.RegisterInput("audio", idleSink, nil)

	idle := m.input(idleID)
	idle.mu.Lock()
	idle.startFrameNumber = idle.frameNumber // not active: frame_number == start_frame_number
	idle.mu.Unlock()

	require.Zero(t, m.frameNumber.Load()%syncInterval, "frame 0 is a sync boundary")
	m.servicePass()

	require.Len(t, sink.notes, 1)
	require.Equal(t, connector.SynchRequest, sink.notes[0].Kind)
	require.Equal(t, activeID, sink.notes[0].ConnectorID)
	require.Empty(t, idleSink.notes, "an input whose frame_number == start_frame_number is not active")
}

func TestMixerPreparedFiresOnlyOncePerCycle(t *testing.T) {
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	sink := &recordingSink{}
	m.sink = sink

	outConn := connector.NewOutput(0, 4, nil)
	outID := m.RegisterOutput(outConn)
	m.MarkRenderStarted(outID)

	m.servicePass()
	m.servicePass()
	m.servicePass()
	require.Len(t, sink.notes, 1, "mixer_prepared must fire once per prepare cycle, not on every idle pass")

	m.RequestOutputPrepare(outID)
	m.servicePass()
	require.Len(t, sink.notes, 2, "a fresh RequestOutputPrepare must re-arm the gate")
}

func TestReceiveOutputBoundaryDrainsRingAndRewritesTimedMessages(t *testing.T) {
	sink := &recordingSink{}
	m := New(&stubFrameMixer{}, 20*time.Millisecond, nil, nil)
	id := m.RegisterInput("video", sink, nil)
	in := m.input(id)

	in.mu.Lock()
	in.lastTimedMessageAt = 10 * time.Millisecond
	in.mu.Unlock()
	in.ring.push(pendingNotification{
		dueTime: 0,
		msg:     connector.Notification{Kind: connector.GroupEnd, ConnectorID: id, Param0: 7},
	})

	m.RenderTime(5, 50*time.Millisecond)

	// Only the master output (id 0) drives timed-message delivery.
	m.ReceiveOutputBoundary(1, connector.Notification{Kind: connector.GroupEnd})
	require.Empty(t, sink.notes, "non-master output boundary feedback must not drain the ring")

	m.ReceiveOutputBoundary(0, connector.Notification{Kind: connector.GroupEnd})
	require.Len(t, sink.notes, 1)
	require.Equal(t, connector.GroupEnd, sink.notes[0].Kind)
	require.Equal(t, uint64(40*time.Millisecond), sink.notes[0].Param1, "param1 is elapsed time since the input's last timed message")
}
