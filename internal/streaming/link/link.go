// Package link implements the chain link pair (spec §4.10): a passive
// cross-chain bridge that couples two independently activated chains while
// preserving segment/group message semantics even when the downstream chain
// is not ready.
package link

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/streamcore/internal/streaming/clock"
	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

// TargetChainState is the subset of chain activation the link-input side
// needs to decide forward-vs-drop (spec §4.10: "if the target chain is in
// ready or streaming").
type TargetChainState int

const (
	TargetIdle TargetChainState = iota
	TargetReady
	TargetStreaming
)

// TargetChainQuery reports the current activation state of the chain a
// link-input is bridging into.
type TargetChainQuery interface {
	TargetChainState() TargetChainState
}

// Input is the link-input side (spec §4.10 "Link-input side"): it receives
// packets from its producing chain and either forwards them verbatim onto
// the receiving chain's connector, or drops them while still synthesizing
// the upstream segment/group messages the drop must not suppress.
type Input struct {
	log    *slog.Logger
	target TargetChainQuery
	out    *connector.Output
	sink   connector.NotificationSink
}

// NewInput constructs a link-input forwarding onto out when target is ready
// or streaming, and reporting synthesized upstream messages on sink
// otherwise.
func NewInput(target TargetChainQuery, out *connector.Output, sink connector.NotificationSink, log *slog.Logger) *Input {
	if log == nil {
		log = slog.Default()
	}
	return &Input{log: log, target: target, out: out, sink: sink}
}

// Receive implements the link-input decision of spec §4.10: forward
// verbatim if the target chain can accept it, else drop and synthesize.
func (in *Input) Receive(p *packet.Packet) error {
	state := in.target.TargetChainState()
	if state == TargetReady || state == TargetStreaming {
		if err := in.out.SendPacket(p); err != nil {
			return err
		}
		return nil
	}

	in.synthesize(p)
	p.ReleaseRanges("link_input_drop")
	return p.ReturnToOrigin()
}

// synthesize emits the segment/group start/end messages a forwarded packet
// would have triggered downstream, preserving message causality on the
// producing chain even though no packet actually crosses (spec §4.10). Each
// boundary is only synthesized when the dropped packet itself requested a
// notification for it (spec §6's notification-request bits) — otherwise the
// drop would invent an upstream message the live forward path would never
// have produced.
//
// Decision (DESIGN.md): start_possible/start_required are generated here too,
// for parity with the forwarded path — the original left them out with a
// comment reading as a known gap, not an intentional omission (spec §9).
func (in *Input) synthesize(p *packet.Packet) {
	if in.sink == nil {
		return
	}
	emit := func(kind connector.NotificationKind, num uint64) {
		in.sink.Notify(connector.Notification{Kind: kind, Param0: num})
	}
	if p.Flags.Has(packet.FlagSegmentStart) && p.Flags.Has(packet.FlagSegmentStartNotification) {
		emit(connector.SegmentStart, uint64(p.SegmentNumber))
	}
	if p.Flags.Has(packet.FlagGroupStart) && p.Flags.Has(packet.FlagGroupStartNotification) {
		emit(connector.GroupStart, uint64(p.GroupNumber))
	}
	if p.Flags.Has(packet.FlagStartTimeValid) {
		emit(connector.StartPossible, uint64(p.SegmentNumber))
		emit(connector.StartRequired, uint64(p.SegmentNumber))
	}
	if p.Flags.Has(packet.FlagGroupEnd) && p.Flags.Has(packet.FlagGroupEndNotification) {
		emit(connector.GroupEnd, uint64(p.GroupNumber))
	}
	if p.Flags.Has(packet.FlagSegmentEnd) && p.Flags.Has(packet.FlagSegmentEndNotification) {
		emit(connector.SegmentEnd, uint64(p.SegmentNumber))
	}
}

// Output is the link-output side (spec §4.10 "Link-output side"): it
// exposes the adopted packet stream on the receiving chain, time-adjusting
// every packet and registering as a streaming-clock client of that chain.
type Output struct {
	log *slog.Logger

	systemCaptureOffset time.Duration
	chainDelay          time.Duration

	mu            sync.Mutex
	clk           *clock.Clock
	clientID      uint32
	ownOffset     time.Duration
	insideSegment bool
	insideGroup   bool

	isPushingChain *bool // cached after first query, nil until determined
	pushQuery      func() bool
}

// NewOutput constructs a link-output registered as a client of clk.
// systemCaptureOffset and chainDelay parameterize the time-adjustment
// formula of spec §4.10. pushQuery determines is_pushing_chain on first use
// and is then cached.
func NewOutput(clk *clock.Clock, systemCaptureOffset, chainDelay time.Duration, pushQuery func() bool, log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	o := &Output{
		log:                 log,
		clk:                 clk,
		systemCaptureOffset: systemCaptureOffset,
		chainDelay:          chainDelay,
		pushQuery:           pushQuery,
	}
	o.clientID = clk.RegisterClient(o)
	return o
}

// SetStartupFrame implements clock.Client.
func (o *Output) SetStartupFrame(startFrameNumber uint64, streamStartTime time.Duration) {
	// The link-output side has no render frame cadence of its own and
	// ignores both values; Adjust does not depend on them.
}

// ClientID returns this output's streaming-clock client id.
func (o *Output) ClientID() uint32 { return o.clientID }

// GetCurrentStreamTimeOffset implements clock.Client. It reports this
// link-output's own last-known offset (set via ReportOffset), not the
// clock's aggregate — the aggregate itself queries every registered client,
// this one included, so delegating back to it here would recurse.
func (o *Output) GetCurrentStreamTimeOffset() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ownOffset
}

// ReportOffset records this link-output's current stream-time offset, as
// observed from its own render feedback, for the clock's aggregation.
func (o *Output) ReportOffset(offset time.Duration) {
	o.mu.Lock()
	o.ownOffset = offset
	o.mu.Unlock()
}

// Adjust computes output_time for one forwarded input_time, per spec
// §4.10's time-adjustment formula. current_system_time_offset is the
// receiving chain's clock aggregate across every registered client, this
// link-output's own reported offset included.
func (o *Output) Adjust(inputTime time.Duration) time.Duration {
	currentOffset := o.clk.GetCurrentStreamTimeOffset()
	return inputTime - o.systemCaptureOffset + currentOffset + o.chainDelay
}

// Forward applies the time adjustment to p's StartTime/EndTime (when valid),
// tracks inside_segment/inside_group, and delivers p to out.
func (o *Output) Forward(p *packet.Packet, out *connector.Output) error {
	if p.Flags.Has(packet.FlagStartTimeValid) {
		p.StartTime = uint64(o.Adjust(time.Duration(p.StartTime)))
	}
	if p.Flags.Has(packet.FlagEndTimeValid) {
		p.EndTime = uint64(o.Adjust(time.Duration(p.EndTime)))
	}

	o.mu.Lock()
	if p.Flags.Has(packet.FlagSegmentStart) {
		o.insideSegment = true
	}
	if p.Flags.Has(packet.FlagGroupStart) {
		o.insideGroup = true
	}
	if p.Flags.Has(packet.FlagGroupEnd) {
		o.insideGroup = false
	}
	if p.Flags.Has(packet.FlagSegmentEnd) {
		o.insideSegment = false
	}
	o.mu.Unlock()

	return out.SendPacket(p)
}

// StopRequest synthesizes a segment/group end (whichever is still open) on
// an empty packet drawn from out's pool, then signals done — the
// stop_request handling of spec §4.10.
func (o *Output) StopRequest(out *connector.Output, done func(error)) {
	o.mu.Lock()
	insideSeg, insideGrp := o.insideSegment, o.insideGroup
	o.insideSegment, o.insideGroup = false, false
	o.mu.Unlock()

	if !insideSeg && !insideGrp {
		done(nil)
		return
	}

	p, err := out.GetEmptyDataPacket()
	if err != nil {
		done(err)
		return
	}
	if insideGrp {
		p.Flags |= packet.FlagGroupEnd
	}
	if insideSeg {
		p.Flags |= packet.FlagSegmentEnd
	}
	if err := out.SendPacket(p); err != nil {
		done(err)
		return
	}
	done(nil)
}

// IsPushingChain reports whether the receiving chain is a push chain (one
// whose units request packets themselves) vs. a pull chain (one this link
// must drive). The underlying query runs once; the result is cached for the
// lifetime of the Output (spec §4.10: "cached after first query").
func (o *Output) IsPushingChain() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.isPushingChain == nil {
		v := o.pushQuery()
		o.isPushingChain = &v
	}
	return *o.isPushingChain
}

