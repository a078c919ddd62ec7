// Package unit implements the base streaming unit (spec §4.2, §4.3): its
// steady/transitional state machine, command parameter validation, and the
// non-threaded pending-packet ingress pipeline that drives the parser.
package unit

import (
	"log/slog"
	"sync"
	"sync/atomic"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/streaming/connector"
	"github.com/alxayo/streamcore/internal/streaming/ids"
	"github.com/alxayo/streamcore/internal/streaming/packet"
	"github.com/alxayo/streamcore/internal/streaming/parser"
)

// State is a position in the unit state machine (spec §4.2).
type State int

const (
	Idle State = iota
	Ready
	Streaming
	Preparing
	Starting
	Stopping
	Flushing
	Stepping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Preparing:
		return "preparing"
	case Starting:
		return "starting"
	case Stopping:
		return "stopping"
	case Flushing:
		return "flushing"
	case Stepping:
		return "stepping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Direction is the streaming direction a begin/do/step command carries.
type Direction int8

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// FlushMode is an opaque flush-mode constant (spec §4.2: "flush takes a mode
// constant"); concrete mode semantics are a caller concern.
type FlushMode int

// CommandKind identifies which of the four proxy-driven commands is in
// flight (spec §4.2).
type CommandKind int

const (
	CmdBegin CommandKind = iota
	CmdDo
	CmdStep
	CmdFlush
)

func (k CommandKind) String() string {
	switch k {
	case CmdBegin:
		return "begin"
	case CmdDo:
		return "do"
	case CmdStep:
		return "step"
	case CmdFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Command is one of the four commands the proxy drives through the
// three-phase protocol (spec §4.2).
type Command struct {
	Kind   CommandKind
	Dir    Direction
	Speed  float64
	Frames int64
	Mode   FlushMode
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func signI(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// validateParams enforces spec §4.2's parameter rules, independent of the
// current state.
func validateParams(cmd Command) error {
	switch cmd.Kind {
	case CmdBegin:
		if cmd.Dir != Forward && cmd.Dir != Backward {
			return serr.New(serr.InvalidStreamingDirection, "unit.validate_params.begin", nil)
		}
	case CmdDo:
		if cmd.Speed == 0 {
			return serr.New(serr.InvalidStreamingSpeed, "unit.validate_params.do", nil)
		}
		if sign(cmd.Speed) != int(cmd.Dir) {
			return serr.New(serr.InvalidStreamingSpeed, "unit.validate_params.do.sign_mismatch", nil)
		}
	case CmdStep:
		if cmd.Frames == 0 {
			return nil // no-op, valid
		}
		if signI(cmd.Frames) != int(cmd.Dir) {
			return serr.New(serr.InvalidStreamingStepTime, "unit.validate_params.step.sign_mismatch", nil)
		}
	case CmdFlush:
		// mode is an opaque constant; nothing to validate here.
	default:
		return serr.New(serr.InvalidStreamingCommand, "unit.validate_params.unknown_kind", nil)
	}
	return nil
}

// transition describes one steady-state row of spec §4.2's command table:
// the transitional state the proxy's prepare phase sets, and the steady
// state complete() applies on success.
type transition struct {
	transitional State
	target       State
}

// transitionFor resolves the (transitional, target) pair for cmd issued
// from steady state cur, or an error if the command is not allowed from cur
// (spec §4.2 table). A same-direction begin from ready/streaming is still
// permitted by the table as a (dir change) row — the distinction only
// affects whether the frame mixer/replicator skips work, not which
// transitional/target states apply.
func transitionFor(cur State, cmd Command) (transition, error) {
	switch cur {
	case Idle:
		switch cmd.Kind {
		case CmdBegin:
			return transition{Preparing, Ready}, nil
		case CmdFlush:
			return transition{Idle, Idle}, nil // no-op
		default:
			return transition{}, serr.New(serr.InvalidStreamingStateForCommand, "unit.transition.idle", nil)
		}
	case Ready:
		switch cmd.Kind {
		case CmdBegin:
			return transition{Preparing, Ready}, nil
		case CmdDo:
			return transition{Starting, Streaming}, nil
		case CmdStep:
			return transition{Stepping, Ready}, nil
		case CmdFlush:
			return transition{Flushing, Idle}, nil
		default:
			return transition{}, serr.New(serr.InvalidStreamingStateForCommand, "unit.transition.ready", nil)
		}
	case Streaming:
		switch cmd.Kind {
		case CmdBegin:
			return transition{Stopping, Ready}, nil
		case CmdDo:
			return transition{Starting, Streaming}, nil
		case CmdFlush:
			return transition{Flushing, Idle}, nil
		default:
			return transition{}, serr.New(serr.InvalidStreamingStateForCommand, "unit.transition.streaming", nil)
		}
	default:
		return transition{}, serr.New(serr.InvalidStreamingStateForCommand, "unit.transition.not_steady", nil)
	}
}

// Unit is the base streaming unit: holds the state machine, the pending
// command in flight, and the non-threaded packet ingress pipeline of
// spec §4.3. Threaded units embed Unit and drive ProcessPendingPacket from
// their own thread loop instead of inline (spec §4.3).
type Unit struct {
	id   ids.UnitID
	kind string
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	dir     Direction
	inFlight *Command

	// BeginFunc, when set, performs the unit's begin-phase work and calls
	// done exactly once when finished (spec §4.2: "each child may return
	// asynchronously"). nil means the base unit's work is synchronous and
	// completes immediately.
	BeginFunc func(cmd Command, done func(error))

	// --- packet ingress pipeline (spec §4.3) ---
	lockCount      int32
	processRequest atomic.Bool
	flushRequest   atomic.Bool
	bounced        bool

	pendingMu sync.Mutex
	pending   *packet.Packet

	parser  *parser.Parser
	handler parser.Handler
	output  *connector.Input // upstream packet_request target (this unit's input peer's sink), optional
}

// New constructs a Unit in the idle state.
func New(id ids.UnitID, kind string, handler parser.Handler, log *slog.Logger) *Unit {
	if log == nil {
		log = slog.Default()
	}
	return &Unit{
		id:      id,
		kind:    kind,
		log:     log,
		state:   Idle,
		parser:  parser.New(),
		handler: handler,
	}
}

// ID and Kind identify the unit for logging/diagnostics.
func (u *Unit) ID() ids.UnitID { return u.id }
func (u *Unit) Kind() string   { return u.kind }

// State reports the unit's current position in the state machine.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Direction reports the unit's last-committed streaming direction.
func (u *Unit) Direction() Direction {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dir
}

// Prepare is phase 1 of the three-phase protocol (spec §4.2): validates cmd
// against the current steady state and parameter rules, then sets the
// transitional state. No long-running work happens here.
func (u *Unit) Prepare(cmd Command) error {
	if err := validateParams(cmd); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == Terminated {
		return serr.New(serr.InvalidStreamingStateForCommand, "unit.prepare.terminated", nil)
	}
	if u.inFlight != nil {
		return serr.New(serr.ProcessingCommand, "unit.prepare.in_flight", nil)
	}
	t, err := transitionFor(u.state, cmd)
	if err != nil {
		return err
	}
	c := cmd
	u.inFlight = &c
	u.state = t.transitional
	u.log.Debug("unit prepared", "unit", u.id, "kind", u.kind, "command", cmd.Kind, "state", u.state)
	return nil
}

// Begin is phase 2: runs BeginFunc (or completes immediately if nil). done
// is invoked with the eventual result, exactly once, possibly asynchronously
// (spec §4.2).
func (u *Unit) Begin(done func(error)) {
	u.mu.Lock()
	cmd := u.inFlight
	u.mu.Unlock()
	if cmd == nil {
		done(serr.New(serr.InvalidStreamingCommand, "unit.begin.no_command_prepared", nil))
		return
	}
	if u.BeginFunc != nil {
		u.BeginFunc(*cmd, done)
		return
	}
	done(nil)
}

// Complete is phase 3: applies the steady target state on success, or drives
// the unit to Terminated on failure (spec §4.2). Returns the command that
// was in flight so the proxy can emit command_completed.
func (u *Unit) Complete(err error) (Command, State) {
	u.mu.Lock()
	defer u.mu.Unlock()

	cmd := Command{}
	if u.inFlight != nil {
		cmd = *u.inFlight
	}
	if err != nil {
		u.state = Terminated
		u.inFlight = nil
		u.log.Error("unit command failed, terminating", "unit", u.id, "command", cmd.Kind, "error", err)
		return cmd, Terminated
	}

	target := targetFor(u.state)
	if cmd.Kind == CmdBegin {
		u.dir = cmd.Dir
	}
	u.state = target
	u.inFlight = nil
	u.log.Debug("unit command completed", "unit", u.id, "command", cmd.Kind, "state", u.state)
	return cmd, target
}

// targetFor maps a transitional state back to its steady target, mirroring
// the table of spec §4.2 — each transitional state has exactly one target
// regardless of which command produced it.
func targetFor(transitional State) State {
	switch transitional {
	case Preparing, Stepping:
		return Ready
	case Flushing:
		return Idle
	case Starting:
		return Streaming
	case Stopping:
		return Ready
	default:
		return transitional
	}
}

// --- packet ingress pipeline (spec §4.3) ---

// Feed installs p as the pending packet. Returns object_full if a packet is
// already pending (the caller, typically a connector's queue drain loop,
// retries later).
func (u *Unit) Feed(p *packet.Packet) error {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	if u.pending != nil {
		return serr.New(serr.ObjectFull, "unit.feed", nil)
	}
	u.pending = p
	return nil
}

// RequestUpstreamPacketsOn configures the input whose RequestPackets is
// called when a bounced slot frees up with nothing pending (spec §4.3 step
// 4). Optional: a unit with no upstream input never calls it.
func (u *Unit) RequestUpstreamPacketsOn(in *connector.Input) { u.output = in }

// SetFlushRequest arms the flush path of the pipeline (spec §4.3 step 2):
// the next ProcessPendingPacket call drains the pending packet instead of
// parsing it. The chain proxy does not call it.
func (u *Unit) SetFlushRequest() { u.flushRequest.Store(true) }

// ProcessPendingPacket drives one iteration (or retry-chain of iterations)
// of the pipeline of spec §4.3. A concurrent caller that finds the unit
// already locked sets the retry flag and returns immediately, guaranteeing
// eventual drainage without recursion.
func (u *Unit) ProcessPendingPacket() error {
	if !atomic.CompareAndSwapInt32(&u.lockCount, 0, 1) {
		u.processRequest.Store(true)
		return nil
	}
	defer atomic.StoreInt32(&u.lockCount, 0)

	for {
		if err := u.runPendingPacket(); err != nil {
			return err
		}
		if !u.processRequest.CompareAndSwap(true, false) {
			return nil
		}
	}
}

func (u *Unit) runPendingPacket() error {
	// Step 1: apply any tag change sets queued by a deferred BeginConfigure
	// before flush/parse run (spec §4.3 step 1, §4.4 tag deferral).
	if err := u.parser.ParseDeferredConfigure(u.handler); err != nil {
		if serr.Is(err, serr.ObjectFull) {
			return nil // retry later; deferred tags remain queued
		}
		return err
	}

	// Step 2: flush takes priority over normal parsing.
	if u.flushRequest.Load() {
		u.pendingMu.Lock()
		p := u.pending
		u.pending = nil
		u.pendingMu.Unlock()
		if p != nil {
			p.ReleaseRanges(string(u.id))
			_ = p.ReturnToOrigin()
		}
		u.flushRequest.Store(false)
		u.log.Debug("unit flush drained", "unit", u.id)
		return nil
	}

	// Step 3: run the parser against whatever is pending.
	u.pendingMu.Lock()
	p := u.pending
	u.pendingMu.Unlock()

	if p == nil {
		u.maybeRequestPackets()
		return nil
	}

	if err := u.parser.Parse(p, u.handler); err != nil {
		if serr.Is(err, serr.ObjectFull) {
			return nil // retry later, state preserved in u.parser
		}
		return err
	}

	p.ReleaseRanges(string(u.id))
	if err := p.ReturnToOrigin(); err != nil {
		return err
	}
	u.pendingMu.Lock()
	u.pending = nil
	u.pendingMu.Unlock()
	u.bounced = false

	u.maybeRequestPackets()
	return nil
}

func (u *Unit) maybeRequestPackets() {
	u.pendingMu.Lock()
	empty := u.pending == nil
	wasBounced := u.bounced
	u.pendingMu.Unlock()
	if empty && wasBounced && u.output != nil {
		u.output.RequestPackets(1)
	}
}

// MarkBounced records that the caller was refused a slot to feed into
// (spec §4.3 step 4: "if the previous packet was bounced").
func (u *Unit) MarkBounced() { u.bounced = true }

// HasPending reports whether a packet currently occupies the single pending
// slot (diagnostics/tests only).
func (u *Unit) HasPending() bool {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	return u.pending != nil
}
