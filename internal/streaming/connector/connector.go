// Package connector implements the input/output connector framework
// (spec §4.6): typed plug pairs that enforce queued/unqueued delivery,
// packet request/flow-control, allocator propagation, and upstream
// notifications.
package connector

import (
	"sync"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/pool"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

// NotificationKind enumerates the upstream messages of spec §6. Values are
// stable within a process but opaque across packages, mirroring the
// source's interface-id convention (spec §9).
type NotificationKind int

const (
	PacketRequest NotificationKind = iota
	PacketArrival
	Starving
	CommandCompleted
	SegmentStart
	SegmentStartTime
	SegmentEnd
	GroupStart
	GroupEnd
	StartPossible
	StartRequired
	AllocatorBlocksAvailable
	DataDiscontinuityProcessed
	// SynchRequest is the mixer's periodic "mixer_synch_request" message to
	// an active input (spec §4.8.4 step 2).
	SynchRequest
)

// Notification is one upstream message (spec §6 table). Param usage is
// message-specific: e.g. for SegmentStart, Param0 is the segment number;
// for GroupStart/GroupEnd, Param0 is the group number and Param1 the
// delta-ticks since the last timed message from this connector.
type Notification struct {
	Kind        NotificationKind
	ConnectorID int
	Param0      uint64
	Param1      uint64
}

// NotificationSink receives upstream notifications from a connector.
type NotificationSink interface {
	Notify(n Notification)
}

// Flags describe a connector's static capabilities (spec §4: "Flag set:
// {input, output, synchronous, parent/nested, queued}").
type Flags uint8

const (
	FlagInput Flags = 1 << iota
	FlagOutput
	FlagSynchronous
	FlagNested
	FlagQueued
)

// Input is an input connector: queued (bounded FIFO) or unqueued
// (synchronous pass-through), per spec §4.6.
type Input struct {
	ID        int
	Flags     Flags
	Threshold int // queue depth at or above which the arrival callback fires (queued only)

	mu       sync.Mutex
	queue    []*packet.Packet
	capacity int

	peer *Output
	sink NotificationSink

	onArrival func()
}

// NewInput constructs a queued input connector with the given bounded
// capacity and arrival threshold, or an unqueued one when capacity <= 0.
func NewInput(id int, capacity, threshold int, sink NotificationSink) *Input {
	f := FlagInput
	if capacity > 0 {
		f |= FlagQueued
	}
	return &Input{ID: id, Flags: f, Threshold: threshold, capacity: capacity, sink: sink}
}

// Plug connects this input to its peer output (spec: "Plugged in pairs").
func (in *Input) Plug(out *Output) {
	in.peer = out
	out.peer = in
}

// SetArrivalCallback installs the callback invoked when a queued input's
// depth reaches Threshold (spec §4.3: "signal_packet_arrival just wakes the
// thread").
func (in *Input) SetArrivalCallback(fn func()) { in.onArrival = fn }

// IsQueued reports whether this input owns a FIFO (spec §4.6).
func (in *Input) IsQueued() bool { return in.Flags&FlagQueued != 0 }

// ReceivePacket delivers p. Queued inputs push to the FIFO, returning
// object_full when at capacity. Unqueued inputs buffer nothing and return
// nil; the caller processes p directly.
func (in *Input) ReceivePacket(p *packet.Packet) error {
	if !in.IsQueued() {
		return nil // unqueued: caller processes p directly, nothing to buffer
	}
	in.mu.Lock()
	if len(in.queue) >= in.capacity {
		in.mu.Unlock()
		return serr.New(serr.ObjectFull, "input.receive_packet", nil)
	}
	in.queue = append(in.queue, p)
	n := len(in.queue)
	in.mu.Unlock()

	if in.Threshold > 0 && n >= in.Threshold && in.onArrival != nil {
		in.onArrival()
	}
	return nil
}

// Dequeue pops the oldest queued packet, or nil if empty.
func (in *Input) Dequeue() *packet.Packet {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	p := in.queue[0]
	in.queue = in.queue[1:]
	return p
}

// Depth reports the current queue length.
func (in *Input) Depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// RequestPackets emits a packet_request for count packets on this input's
// notification sink (spec §4.6); it does nothing when no sink is set.
func (in *Input) RequestPackets(count int) {
	if in.sink != nil {
		in.sink.Notify(Notification{Kind: PacketRequest, ConnectorID: in.ID, Param0: uint64(count)})
	}
}

// Flush drains the queue, releasing each packet's ranges and returning it
// to its originator (spec §4.6). Flush is best-effort and never fails
// (spec §7).
func (in *Input) Flush(holder string) {
	in.mu.Lock()
	pending := in.queue
	in.queue = nil
	in.mu.Unlock()

	for _, p := range pending {
		p.ReleaseRanges(holder)
		_ = p.ReturnToOrigin()
	}
}

// ProvideAllocator pushes an allocator to the peer output (spec §4.6), the
// direction allocators flow: downstream input → upstream output.
func (in *Input) ProvideAllocator(a pool.Allocator) {
	if in.peer != nil {
		in.peer.ReceiveAllocator(a)
	}
}

// Output is an output connector: owns a stack of empty packets and the
// packet-manager facet they return to, plus the allocator received from
// downstream (spec §4.6).
type Output struct {
	ID    int
	Flags Flags

	mu    sync.Mutex
	empty []*packet.Packet

	peer  *Input
	alloc pool.Allocator

	// onAllocator fires when ReceiveAllocator is called, letting the owning
	// unit fan the allocator further up its own chain (spec §4.6).
	onAllocator func(pool.Allocator)
}

// NewOutput constructs an output connector whose pool holds `depth`
// pre-populated empty packets, each owned by mgr.
func NewOutput(id int, depth int, mgr packet.Manager) *Output {
	o := &Output{ID: id, Flags: FlagOutput}
	for i := 0; i < depth; i++ {
		o.empty = append(o.empty, packet.NewEmpty(mgr))
	}
	return o
}

// OnAllocator installs the callback the owning unit uses to propagate a
// newly received allocator further upstream (spec §4.6 "fan it up via
// receive_allocator on their unit").
func (o *Output) OnAllocator(fn func(pool.Allocator)) { o.onAllocator = fn }

// GetEmptyDataPacket pops an empty packet, returning object_empty if none
// remain (spec §4.6).
func (o *Output) GetEmptyDataPacket() (*packet.Packet, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.empty) == 0 {
		return nil, serr.New(serr.ObjectEmpty, "output.get_empty_data_packet", nil)
	}
	n := len(o.empty) - 1
	p := o.empty[n]
	o.empty = o.empty[:n]
	p.Reset()
	return p, nil
}

// ReturnPacket implements packet.Manager: packets come back to this
// output's empty pool once fully drained (spec §4.6 output connector owns
// a pool of empty packets).
func (o *Output) ReturnPacket(p *packet.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.empty = append(o.empty, p)
}

// SendPacket calls the plugged input's ReceivePacket (spec §4.6). Returns
// object_not_current if unplugged.
func (o *Output) SendPacket(p *packet.Packet) error {
	if o.peer == nil {
		return serr.New(serr.ObjectNotCurrent, "output.send_packet", nil)
	}
	return o.peer.ReceivePacket(p)
}

// ReceiveAllocator accepts an allocator pushed from downstream and fans it
// to the owning unit (spec §4.6 allocator propagation).
func (o *Output) ReceiveAllocator(a pool.Allocator) {
	o.mu.Lock()
	o.alloc = a
	cb := o.onAllocator
	o.mu.Unlock()
	if cb != nil {
		cb(a)
	}
}

// Allocator returns the allocator currently assigned to this output, if any.
func (o *Output) Allocator() pool.Allocator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alloc
}

// EmptyCount reports the number of empty packets currently available
// (diagnostics/tests only).
func (o *Output) EmptyCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.empty)
}

// PoolAllocatorListener adapts a pool.Allocator's async "blocks available"
// notification channel into an upstream AllocatorBlocksAvailable message,
// the pool-allocator-wrapper role of spec §4.6/§4.11.
type PoolAllocatorListener struct {
	sink NotificationSink
	connID int
	ch   chan struct{}
	done chan struct{}
}

// NewPoolAllocatorListener subscribes to a, forwarding its "blocks
// available" signal as an upstream notification on sink tagged with connID.
func NewPoolAllocatorListener(a pool.Allocator, sink NotificationSink, connID int) *PoolAllocatorListener {
	l := &PoolAllocatorListener{sink: sink, connID: connID, ch: make(chan struct{}, 1), done: make(chan struct{})}
	a.Notify(l.ch)
	go l.run()
	return l
}

func (l *PoolAllocatorListener) run() {
	for {
		select {
		case <-l.ch:
			if l.sink != nil {
				l.sink.Notify(Notification{Kind: AllocatorBlocksAvailable, ConnectorID: l.connID})
			}
		case <-l.done:
			return
		}
	}
}

// Close stops the listener goroutine.
func (l *PoolAllocatorListener) Close() { close(l.done) }
