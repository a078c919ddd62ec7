// Package mixer implements the N-inputs-to-M-outputs stream mixer (spec
// §4.8): a dedicated-thread scheduler sitting above a pluggable frame mixer
// (the codec-specific engine that assembles one output frame from
// per-input state).
package mixer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/metrics"
	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

// Infinite is the start_frame_number sentinel for "not scheduled" (spec
// §4.8.1).
const Infinite uint64 = ^uint64(0)

// Direction mirrors unit.Direction but adds Unknown, as spec §4.8.1 lists a
// third input-node direction value absent from the unit state machine.
type Direction int8

const (
	DirUnknown  Direction = 0
	DirForward  Direction = 1
	DirBackward Direction = -1
)

// StartupState is one input's data-sufficiency state (spec §4.8.1).
type StartupState int

const (
	StartupInitial StartupState = iota
	StartupNotEnoughData
	StartupSufficientData
	StartupFull
)

// StartupRequest is the out-param the frame mixer reports after accepting a
// packet (spec §4.8.3 step 2).
type StartupRequest int

const (
	StartupNone StartupRequest = iota
	StartPossible
	StartRequired
)

// ringCapacity is the pending-notification ring's fixed power-of-two size
// (spec §4.8.1: "bounded (power-of-two, default 64)").
const ringCapacity = 64

// minFreeRingSlots is the headroom receive_packet requires before accepting
// a new packet (spec §4.8.3: "checks the ring has >=5 free slots").
const minFreeRingSlots = 5

// syncInterval is how often the input-sync service pass fires (spec §4.8.4
// service pass 2: "every 16 mixer frames").
const syncInterval = 16

// pendingNotification is one (due_time, message) ring entry (spec §4.8.1).
type pendingNotification struct {
	dueTime time.Duration
	msg     connector.Notification
}

// notificationRing is the bounded FIFO of pendingNotification entries
// described in spec §4.8.1/§4.8.3.
type notificationRing struct {
	mu   sync.Mutex
	buf  [ringCapacity]pendingNotification
	head int
	size int
}

func (r *notificationRing) freeSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ringCapacity - r.size
}

func (r *notificationRing) push(n pendingNotification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == ringCapacity {
		return false
	}
	idx := (r.head + r.size) % ringCapacity
	r.buf[idx] = n
	r.size++
	return true
}

// drainDue removes and returns every entry whose dueTime has been reached.
func (r *notificationRing) drainDue(now time.Duration) []pendingNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []pendingNotification
	for r.size > 0 && r.buf[r.head].dueTime <= now {
		due = append(due, r.buf[r.head])
		r.head = (r.head + 1) % ringCapacity
		r.size--
	}
	return due
}

func (r *notificationRing) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.size = 0, 0
}

// InputNode is one registered mixer input (spec §4.8.1).
type InputNode struct {
	ID    int
	Kind  string
	Param any
	sink  connector.NotificationSink

	mu                   sync.Mutex
	startFrameNumber     uint64
	frameNumber          uint64
	speed                int32
	direction            Direction
	startStreamTime      time.Duration
	reqStartStreamTime   time.Duration
	startStreamTimeValid bool
	commandStop          bool
	commandResync        bool
	commandPrepare       bool
	configurePending     bool
	starvation           bool
	packetRequest        bool
	packetBounced        bool
	startup              StartupState
	lastTimedMessageAt   time.Duration

	ring notificationRing
}

// OutputNode is one registered mixer output (spec §4.8.1).
type OutputNode struct {
	ID  int
	Out *connector.Output

	mu                sync.Mutex
	streaming         bool
	firstOutputPacket bool
	renderStarted     bool
	commandPrepare    bool
	commandFlush      bool
	pending           *packet.Packet
	segmentNumber     uint32
	groupNumber       uint32
}

// TripleBuffer is the lock-free render-time structure of spec §4.8.2: the
// producer (renderer callback) republishes (frame,time) across three slots;
// the consumer retries until all frame slots and both time slots agree,
// avoiding the
// priority inversion a mutex would cause when it runs at lower priority
// than the producer.
type TripleBuffer struct {
	frame0, time0 atomic.Uint64
	frame1, time1 atomic.Uint64
	frame2        atomic.Uint64
}

// Write publishes a new (frame, time) pair (the renderer callback, spec
// §4.8.2: "frame0=time0=frame1=time1=frame2=new").
func (t *TripleBuffer) Write(frame uint64, renderTime time.Duration) {
	tv := uint64(renderTime)
	t.frame0.Store(frame)
	t.time0.Store(tv)
	t.frame1.Store(frame)
	t.time1.Store(tv)
	t.frame2.Store(frame)
}

// Read returns the most recently published (frame, time) pair, retrying
// until all three frame slots and both time slots agree (bounded to avoid
// spinning forever against a stalled producer).
func (t *TripleBuffer) Read() (frame uint64, renderTime time.Duration, ok bool) {
	for i := 0; i < 100; i++ {
		f0, t0 := t.frame0.Load(), t.time0.Load()
		f1, t1 := t.frame1.Load(), t.time1.Load()
		f2 := t.frame2.Load()
		if f0 == f1 && t0 == t1 && f0 == f2 {
			return f0, time.Duration(t0), true
		}
	}
	return 0, 0, false
}

// FrameMixer is the pluggable codec-specific engine the scheduler drives
// (spec §4.8: "the codec-specific engine that actually assembles one output
// frame from per-input state").
type FrameMixer interface {
	// ReceivePacket absorbs one accepted input packet at its effective
	// start time, returning a startup request if this changes whether
	// playback can/must begin.
	ReceivePacket(inputID int, p *packet.Packet, effectiveStart time.Duration) (StartupRequest, error)

	// MixFrame fills every entry of outputPackets (keyed by output id) with
	// one frame's worth of mixed data.
	MixFrame(outputPackets map[int]*packet.Packet) error

	BeginOutput(outputID int) error
	FlushOutput(outputID int) error
}

// Mixer is the dedicated-thread scheduler of spec §4.8.
type Mixer struct {
	log           *slog.Logger
	frameMixer    FrameMixer
	frameDuration time.Duration
	metrics       *metrics.Registry

	mu      sync.Mutex
	inputs  []*InputNode
	outputs []*OutputNode

	frameNumber atomic.Uint64
	render      TripleBuffer
	sink        connector.NotificationSink
	sendLimiter *rate.Limiter

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	idledLoop bool

	// preparedSignalled gates service pass 5 (spec §4.8.4 step 5) so
	// mixer_prepared fires once per prepare cycle rather than on every idle
	// pass after every output has rendered.
	preparedSignalled bool
}

// New constructs a Mixer with no registered inputs/outputs. frameDuration is
// the mixer's output frame period; sink receives upstream notifications
// (spec §4.8.6).
func New(fm FrameMixer, frameDuration time.Duration, sink connector.NotificationSink, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	return &Mixer{
		log:           log,
		frameMixer:    fm,
		frameDuration: frameDuration,
		sink:          sink,
		// Bounded backoff on repeated send_packet failure (spec §9 Open
		// Question #1): retry at most 50 times/sec per mixer instead of
		// spinning the thread hot against a stalled downstream.
		sendLimiter: rate.NewLimiter(rate.Limit(50), 1),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// SetMetrics installs the registry this mixer reports frame/starvation
// counters to. A nil registry (the default) is safe and simply drops them.
func (m *Mixer) SetMetrics(reg *metrics.Registry) { m.metrics = reg }

// RegisterInput adds an input node, returning its stable id. The backing
// array grows geometrically (spec §4.8.1), mirroring the clock's client
// array growth (spec §12).
func (m *Mixer) RegisterInput(kind string, sink connector.NotificationSink, param any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == cap(m.inputs) {
		newCap := 4
		if cap(m.inputs) > 0 {
			newCap = cap(m.inputs) * 2
		}
		grown := make([]*InputNode, len(m.inputs), newCap)
		copy(grown, m.inputs)
		m.inputs = grown
	}
	id := len(m.inputs)
	m.inputs = append(m.inputs, &InputNode{
		ID:               id,
		Kind:             kind,
		Param:            param,
		sink:             sink,
		startFrameNumber: Infinite,
	})
	return id
}

// RegisterOutput adds an output node, returning its stable id.
func (m *Mixer) RegisterOutput(out *connector.Output) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outputs) == cap(m.outputs) {
		newCap := 4
		if cap(m.outputs) > 0 {
			newCap = cap(m.outputs) * 2
		}
		grown := make([]*OutputNode, len(m.outputs), newCap)
		copy(grown, m.outputs)
		m.outputs = grown
	}
	id := len(m.outputs)
	m.outputs = append(m.outputs, &OutputNode{ID: id, Out: out, firstOutputPacket: true})
	return id
}

func (m *Mixer) input(id int) *InputNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.inputs) {
		return nil
	}
	return m.inputs[id]
}

// ReceivePacket is the input data path of spec §4.8.3.
func (m *Mixer) ReceivePacket(inputID int, p *packet.Packet) error {
	in := m.input(inputID)
	if in == nil {
		return serr.New(serr.RangeViolation, "mixer.receive_packet.bad_input_id", nil)
	}

	if in.ring.freeSlots() < minFreeRingSlots {
		in.mu.Lock()
		in.packetBounced = true
		in.mu.Unlock()
		return serr.New(serr.ObjectFull, "mixer.receive_packet", nil)
	}

	effective := time.Duration(p.StartTime)
	if !p.Flags.Has(packet.FlagStartTimeValid) {
		in.mu.Lock()
		effective = time.Duration(in.frameNumber) * m.frameDuration
		in.mu.Unlock()
	}

	req, err := m.frameMixer.ReceivePacket(inputID, p, effective)
	if err != nil {
		return err
	}
	if req != StartupNone {
		kind := connector.StartPossible
		if req == StartRequired {
			kind = connector.StartRequired
		}
		in.notify(connector.Notification{Kind: kind, ConnectorID: inputID})
	}

	m.enqueueBoundaryNotifications(in, p)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (in *InputNode) notify(n connector.Notification) {
	if in.sink != nil {
		in.sink.Notify(n)
	}
}

// enqueueBoundaryNotifications arms the ring with segment/group start/end
// notifications keyed by their due render time (spec §4.8.3 step 3). Each
// boundary is armed only when the producer also set the corresponding
// notification-request bit (spec §6) — the marker flag alone says "this is
// a boundary"; the request flag says "tell upstream about it".
func (m *Mixer) enqueueBoundaryNotifications(in *InputNode, p *packet.Packet) {
	due := time.Duration(p.StartTime)
	arm := func(kind connector.NotificationKind, num uint64) {
		in.ring.push(pendingNotification{dueTime: due, msg: connector.Notification{
			Kind: kind, ConnectorID: in.ID, Param0: num,
		}})
	}
	if p.Flags.Has(packet.FlagSegmentStart) && p.Flags.Has(packet.FlagSegmentStartNotification) {
		arm(connector.SegmentStart, uint64(p.SegmentNumber))
	}
	if p.Flags.Has(packet.FlagGroupStart) && p.Flags.Has(packet.FlagGroupStartNotification) {
		arm(connector.GroupStart, uint64(p.GroupNumber))
	}
	if p.Flags.Has(packet.FlagGroupEnd) && p.Flags.Has(packet.FlagGroupEndNotification) {
		arm(connector.GroupEnd, uint64(p.GroupNumber))
	}
	if p.Flags.Has(packet.FlagSegmentEnd) && p.Flags.Has(packet.FlagSegmentEndNotification) {
		arm(connector.SegmentEnd, uint64(p.SegmentNumber))
	}
}

// FlushInput synchronously clears an input's ring and emits mixer_flushed
// as a CommandCompleted notification on the input's sink (spec §4.8.7).
// The frame mixer is not called: FrameMixer has no per-input flush.
func (m *Mixer) FlushInput(inputID int) error {
	in := m.input(inputID)
	if in == nil {
		return serr.New(serr.RangeViolation, "mixer.flush_input.bad_input_id", nil)
	}
	in.ring.clear()
	in.notify(connector.Notification{Kind: connector.CommandCompleted, ConnectorID: inputID})
	return nil
}

// StepInput advances the input node's own frame number by numFrames,
// injects a resync request, and emits mixer_stepped as a CommandCompleted
// notification on the input's sink (spec §4.8.7). The frame mixer is not
// called.
func (m *Mixer) StepInput(inputID int, numFrames int64) error {
	in := m.input(inputID)
	if in == nil {
		return serr.New(serr.RangeViolation, "mixer.step_input.bad_input_id", nil)
	}
	in.mu.Lock()
	in.frameNumber = uint64(int64(in.frameNumber) + numFrames)
	in.commandResync = true
	in.mu.Unlock()
	in.notify(connector.Notification{Kind: connector.CommandCompleted, ConnectorID: inputID})
	return nil
}

// Start launches the mixer thread loop (spec §4.8.4).
func (m *Mixer) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop terminates the mixer thread and waits for it to exit.
func (m *Mixer) Stop() {
	close(m.done)
	m.wg.Wait()
}

func (m *Mixer) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		progressed := m.runIteration(ctx)
		m.idledLoop = !progressed
		if !progressed {
			select {
			case <-m.signal:
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-time.After(m.frameDuration):
			}
		}
	}
}

// runIteration runs one packet_allocation -> mix_frame -> send_frame pass
// plus, when nothing was ready, the service passes (spec §4.8.4).
func (m *Mixer) runIteration(ctx context.Context) bool {
	m.mu.Lock()
	outputs := append([]*OutputNode(nil), m.outputs...)
	m.mu.Unlock()

	progressed := false

	// packet_allocation
	pending := make(map[int]*packet.Packet)
	for _, out := range outputs {
		out.mu.Lock()
		streaming := out.streaming
		p := out.pending
		out.mu.Unlock()
		if !streaming {
			continue
		}
		if p == nil {
			np, err := out.Out.GetEmptyDataPacket()
			if err != nil {
				continue // object_empty: try again next iteration
			}
			np.FrameStartFlags = 1
			out.mu.Lock()
			out.pending = np
			first := out.firstOutputPacket
			out.firstOutputPacket = false
			np.SegmentNumber = out.segmentNumber
			np.GroupNumber = out.groupNumber
			out.mu.Unlock()
			if first {
				np.Flags |= packet.FlagSegmentStart
				np.Flags |= packet.FlagSegmentStartNotification
			}
			// Every newly-allocated packet requests group boundary
			// notifications from downstream (spec §4.8.4 packet_allocation:
			// "initialize with group notification requests").
			np.Flags |= packet.FlagGroupStartNotification | packet.FlagGroupEndNotification
			p = np
			progressed = true
		}
		pending[out.ID] = p
	}

	if len(pending) > 0 {
		// mix_frame
		if err := m.frameMixer.MixFrame(pending); err != nil {
			m.log.Error("mix_frame failed", "error", err)
		} else {
			progressed = true
		}

		// send_frame
		allSent := true
		for _, out := range outputs {
			p, ok := pending[out.ID]
			if !ok {
				continue
			}
			if err := out.Out.SendPacket(p); err != nil {
				allSent = false
				_ = m.sendLimiter.Wait(ctx)
				continue
			}
			out.mu.Lock()
			out.pending = nil
			if p.Flags.Has(packet.FlagSegmentEnd) {
				out.segmentNumber++
			}
			if p.Flags.Has(packet.FlagGroupEnd) {
				out.groupNumber++
			}
			out.mu.Unlock()
			m.metrics.ObserveMixerFrame(strconv.Itoa(out.ID))
			progressed = true
		}
		if allSent {
			m.frameNumber.Add(1)
		}
	} else {
		if m.servicePass() {
			progressed = true
		}
	}

	return progressed
}

// servicePass runs the six service passes of spec §4.8.4 when no packets
// were ready this iteration.
func (m *Mixer) servicePass() bool {
	progressed := false

	m.mu.Lock()
	outputs := append([]*OutputNode(nil), m.outputs...)
	inputs := append([]*InputNode(nil), m.inputs...)
	m.mu.Unlock()

	// 1. Output commands.
	for _, out := range outputs {
		out.mu.Lock()
		prepare := out.commandPrepare
		flush := out.commandFlush
		streaming := out.streaming
		out.mu.Unlock()
		if prepare && !streaming {
			if err := m.frameMixer.BeginOutput(out.ID); err == nil {
				out.mu.Lock()
				out.streaming = true
				out.commandPrepare = false
				out.firstOutputPacket = true
				out.mu.Unlock()
				progressed = true
			}
		}
		if flush {
			_ = m.frameMixer.FlushOutput(out.ID)
			out.mu.Lock()
			out.streaming = false
			out.commandFlush = false
			pending := out.pending
			out.pending = nil
			out.mu.Unlock()
			if pending != nil {
				pending.ReleaseRanges("mixer")
				_ = pending.ReturnToOrigin()
			}
			progressed = true
		}
	}

	// 2. Input sync, every syncInterval frames: emit mixer_synch_request to
	// each active input, one whose frame_number != start_frame_number (spec
	// §4.8.4 step 2). This is distinct from the timed-message delivery of
	// §4.8.6, which drains the ring on output-side boundary feedback instead
	// (see handleTimedMessages).
	if m.frameNumber.Load()%syncInterval == 0 {
		for _, in := range inputs {
			in.mu.Lock()
			active := in.frameNumber != in.startFrameNumber
			in.mu.Unlock()
			if active {
				in.notify(connector.Notification{Kind: connector.SynchRequest, ConnectorID: in.ID})
				progressed = true
			}
		}
	}

	// 3. Packet request / starvation.
	for _, in := range inputs {
		in.mu.Lock()
		pr := in.packetRequest
		starve := in.starvation
		in.packetRequest = false
		in.starvation = false
		in.mu.Unlock()
		if pr {
			in.notify(connector.Notification{Kind: connector.PacketRequest, ConnectorID: in.ID})
			progressed = true
		}
		if starve {
			in.notify(connector.Notification{Kind: connector.Starving, ConnectorID: in.ID})
			m.metrics.ObserveMixerStarvation(strconv.Itoa(in.ID))
			progressed = true
		}
	}

	// 4. Stop.
	for _, in := range inputs {
		in.mu.Lock()
		if in.commandStop {
			elapsed := m.frameDuration * time.Duration(int64(m.frameNumber.Load())-int64(in.startFrameNumber))
			if in.direction == DirBackward {
				elapsed = -elapsed
			}
			in.startStreamTime += time.Duration(int64(elapsed) * int64(in.speed) / 0x10000)
			in.startFrameNumber = Infinite
			in.speed = 0
			in.commandStop = false
			progressed = true
		}
		in.mu.Unlock()
	}

	// 5. Prepare: hold off until every output has rendered, then signal
	// mixer_prepared exactly once per prepare cycle (spec §4.8.4 step 5;
	// preparedSignalled is cleared again by the next RequestOutputPrepare).
	allRendered := len(outputs) > 0
	for _, out := range outputs {
		out.mu.Lock()
		if !out.renderStarted {
			allRendered = false
		}
		out.mu.Unlock()
	}
	m.mu.Lock()
	alreadySignalled := m.preparedSignalled
	if allRendered && !alreadySignalled {
		m.preparedSignalled = true
	}
	m.mu.Unlock()
	if allRendered && !alreadySignalled {
		if m.sink != nil {
			m.sink.Notify(connector.Notification{Kind: connector.CommandCompleted})
		}
		progressed = true
	}

	// 6. Tag configure: drain configure_pending inputs.
	for _, in := range inputs {
		in.mu.Lock()
		if in.configurePending {
			in.configurePending = false
			progressed = true
		}
		in.mu.Unlock()
	}

	return progressed
}

// ReceiveOutputBoundary reports an upstream notification about outputID's
// own packet reaching a segment/group boundary downstream. Only the master
// output (id 0) drives timed-message delivery (spec §4.8.6); every other
// output's boundary feedback is ignored here.
func (m *Mixer) ReceiveOutputBoundary(outputID int, n connector.Notification) {
	if outputID != 0 {
		return
	}
	switch n.Kind {
	case connector.SegmentStart, connector.SegmentStartTime, connector.SegmentEnd, connector.GroupStart, connector.GroupEnd:
		m.handleTimedMessages()
	}
}

// handleTimedMessages implements spec §4.8.6: triggered by the master
// output's own downstream boundary feedback, it reads the current renderer
// time from the triple buffer (the mixer frame counter is left unchanged),
// then walks every input's
// pending-notification ring and emits any entry whose due time has been
// reached, rewriting each message per its type:
//
//   - segment_start_time: the params encode the renderer's 64-bit system time.
//   - group_start/group_end: param1 is the elapsed system time since the
//     last timed message sent from that input.
func (m *Mixer) handleTimedMessages() {
	_, renderTime, ok := m.render.Read()
	if !ok {
		return
	}

	m.mu.Lock()
	inputs := append([]*InputNode(nil), m.inputs...)
	m.mu.Unlock()

	for _, in := range inputs {
		for _, due := range in.ring.drainDue(renderTime) {
			msg := due.msg
			switch msg.Kind {
			case connector.SegmentStartTime:
				msg.Param0 = uint64(renderTime)
			case connector.GroupStart, connector.GroupEnd:
				in.mu.Lock()
				elapsed := renderTime - in.lastTimedMessageAt
				in.lastTimedMessageAt = renderTime
				in.mu.Unlock()
				msg.Param1 = uint64(elapsed)
			}
			in.notify(msg)
		}
	}
}

// MarkRenderStarted records that out has begun rendering, for the prepare
// service pass (spec §4.8.4 step 5).
func (m *Mixer) MarkRenderStarted(outputID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outputID < 0 || outputID >= len(m.outputs) {
		return
	}
	out := m.outputs[outputID]
	out.mu.Lock()
	out.renderStarted = true
	out.mu.Unlock()
}

// RequestOutputPrepare arms command_prepare on an output (spec §4.8.1,
// §4.8.4 step 1).
func (m *Mixer) RequestOutputPrepare(outputID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outputID < 0 || outputID >= len(m.outputs) {
		return
	}
	out := m.outputs[outputID]
	out.mu.Lock()
	out.commandPrepare = true
	out.mu.Unlock()
	m.preparedSignalled = false
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// RequestOutputFlush arms command_flush on an output.
func (m *Mixer) RequestOutputFlush(outputID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if outputID < 0 || outputID >= len(m.outputs) {
		return
	}
	out := m.outputs[outputID]
	out.mu.Lock()
	out.commandFlush = true
	out.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// FrameNumber reports the global mixer frame counter (diagnostics/tests).
func (m *Mixer) FrameNumber() uint64 { return m.frameNumber.Load() }

// RenderTime publishes a new (frame, time) pair to the triple buffer — the
// renderer callback's role (spec §4.8.2).
func (m *Mixer) RenderTime(frame uint64, t time.Duration) { m.render.Write(frame, t) }

// CurrentRenderTime reads the triple buffer (spec §4.8.2).
func (m *Mixer) CurrentRenderTime() (uint64, time.Duration, bool) { return m.render.Read() }
