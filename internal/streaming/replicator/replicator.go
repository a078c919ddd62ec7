// Package replicator implements the 1-to-N stream replicator (spec §4.7):
// one input fanned out to N outputs, with upstream notification combination
// keyed per message-forward mode.
package replicator

import (
	"log/slog"
	"strconv"
	"sync"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/metrics"
	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/packet"
)

// Mode is the message-forward mode governing how upstream notifications are
// combined across the N outputs (spec §4.7 step 1).
type Mode int

const (
	// ModeDefault forwards start messages as soon as the first output
	// reports them (count=1) and end messages only once every output has
	// (count=N).
	ModeDefault Mode = iota
	// ModeFirst forwards only the first output's messages, full stop.
	ModeFirst
	// ModeCombine requires all N outputs for both start and end messages.
	ModeCombine
	// ModeMain counts only the designated main output's messages.
	ModeMain
	// ModeAll installs no counters: every message is forwarded verbatim,
	// once per output.
	ModeAll
)

// key identifies one upstream counter: which notification kind, for which
// segment or group number.
type key struct {
	kind connector.NotificationKind
	num  uint64
}

type counterState struct {
	remaining int
	contributed map[int]bool // output index -> already counted
	baseTime    uint64       // last timed message's render time, for delta tracking
}

// Replicator fans one input into N outputs, each its own empty-packet pool,
// ref-counting the shared ranges across the replicas (spec §4.7).
type Replicator struct {
	log  *slog.Logger
	mode Mode

	mu       sync.Mutex
	outputs  []*connector.Output
	counters map[key]*counterState

	sink connector.NotificationSink

	mainOutput int // index of the designated "main" output for ModeMain

	metrics *metrics.Registry
}

// SetMetrics installs the registry this replicator reports forwarded-message
// counters to. A nil registry (the default) is safe and simply drops them.
func (r *Replicator) SetMetrics(reg *metrics.Registry) { r.metrics = reg }

// New constructs a Replicator fanning into the given outputs.
func New(mode Mode, outputs []*connector.Output, sink connector.NotificationSink, log *slog.Logger) *Replicator {
	if log == nil {
		log = slog.Default()
	}
	return &Replicator{
		mode:     mode,
		outputs:  outputs,
		sink:     sink,
		counters: make(map[key]*counterState),
		log:      log,
	}
}

const holderID = "replicator"

// Replicate fans p into one empty packet per output, ref-counting the
// shared ranges, then sends each replica. Returns object_full (leaving no
// partial state beyond already-sent replicas) if any output's empty pool is
// exhausted; the caller retries the same p (spec §4.7 step 2).
func (r *Replicator) Replicate(p *packet.Packet) error {
	r.armCounters(p)

	for _, out := range r.outputs {
		replica, err := out.GetEmptyDataPacket()
		if err != nil {
			if serr.Is(err, serr.ObjectEmpty) {
				return serr.New(serr.ObjectFull, "replicator.replicate", err)
			}
			return err
		}
		replica.CopyFrom(p)
		p.AddRefToRanges(holderID)
		if err := out.SendPacket(replica); err != nil {
			if !serr.Is(err, serr.ObjectFull) {
				return err
			}
			return err // retry on next tick, per spec §4.7 step 3
		}
	}
	return nil
}

// armCounters arms the per-flag upstream event counters keyed by segment or
// group number, per the active mode (spec §4.7 step 1).
func (r *Replicator) armCounters(p *packet.Packet) {
	if r.mode == ModeAll {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	arm := func(kind connector.NotificationKind, num uint64, startMessage bool) {
		k := key{kind: kind, num: num}
		if _, exists := r.counters[k]; exists {
			return
		}
		n := len(r.outputs)
		switch r.mode {
		case ModeFirst:
			n = 1
		case ModeMain:
			n = 1
		case ModeCombine:
			// n stays N for both start and end.
		case ModeDefault:
			if startMessage {
				n = 1
			}
			// end stays N
		}
		r.counters[k] = &counterState{remaining: n, contributed: make(map[int]bool)}
	}

	if p.Flags.Has(packet.FlagSegmentStart) {
		arm(connector.SegmentStart, uint64(p.SegmentNumber), true)
	}
	if p.Flags.Has(packet.FlagStartTimeValid) {
		arm(connector.SegmentStartTime, uint64(p.SegmentNumber), true)
	}
	if p.Flags.Has(packet.FlagSegmentEnd) {
		arm(connector.SegmentEnd, uint64(p.SegmentNumber), false)
	}
	if p.Flags.Has(packet.FlagGroupStart) {
		arm(connector.GroupStart, uint64(p.GroupNumber), true)
	}
	if p.Flags.Has(packet.FlagGroupEnd) {
		arm(connector.GroupEnd, uint64(p.GroupNumber), false)
	}
}

// Notify is called when one output connector reports an upstream
// notification (spec §4.7 "upstream combination"). outputIndex identifies
// which of r.outputs contributed, for idempotence.
func (r *Replicator) Notify(outputIndex int, n connector.Notification) {
	if r.mode == ModeAll {
		r.forward(n)
		return
	}
	if r.mode == ModeMain && outputIndex != r.mainOutput {
		return
	}

	r.mu.Lock()
	k := key{kind: n.Kind, num: n.Param0}
	c, ok := r.counters[k]
	if !ok {
		// Startup aggregation (spec §4.7): start_possible requires every
		// output to report before forwarding upstream; start_required
		// forwards as soon as the first output reports it. Neither is
		// pre-armed by armCounters, since both arrive from the outputs'
		// own upstream feedback rather than from a packet flag on the
		// input path, so they are armed here on first sight instead.
		switch n.Kind {
		case connector.StartPossible:
			c = &counterState{remaining: len(r.outputs), contributed: make(map[int]bool)}
		case connector.StartRequired:
			c = &counterState{remaining: 1, contributed: make(map[int]bool)}
		default:
			r.mu.Unlock()
			return
		}
		r.counters[k] = c
	}
	if n.Kind == connector.StartRequired && c.remaining <= 0 {
		// Already forwarded for this key: later reports are dropped.
		r.mu.Unlock()
		return
	}
	if c.contributed[outputIndex] {
		r.mu.Unlock()
		return
	}
	c.contributed[outputIndex] = true
	c.remaining--

	fire := c.remaining <= 0
	var delta uint64
	isTimed := n.Kind == connector.SegmentStartTime || n.Kind == connector.GroupStart || n.Kind == connector.GroupEnd
	if isTimed {
		if n.Param1 >= c.baseTime {
			delta = n.Param1 - c.baseTime
		}
		c.baseTime = n.Param1
	}
	if fire && n.Kind != connector.StartRequired {
		delete(r.counters, k)
	}
	r.mu.Unlock()

	if fire {
		out := n
		if isTimed {
			out.Param1 = delta
		}
		r.forward(out)
	}
}

func (r *Replicator) forward(n connector.Notification) {
	r.metrics.ObserveReplicatorForward(strconv.Itoa(int(n.Kind)))
	if r.sink != nil {
		r.sink.Notify(n)
	}
}

// SetMainOutput designates which output index counts for ModeMain.
func (r *Replicator) SetMainOutput(idx int) { r.mainOutput = idx }
