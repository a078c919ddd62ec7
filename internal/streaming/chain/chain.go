// Package chain implements the proxy that drives the three-phase
// prepare/begin/complete command protocol across every unit of one chain
// (spec §4.2, §2), serializing commands through a single mutex so only one
// command executes system-wide at a time.
package chain

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	serr "github.com/alxayo/streamcore/internal/errors"
	"github.com/alxayo/streamcore/internal/metrics"
	"github.com/alxayo/streamcore/internal/streaming/ids"
	"github.com/alxayo/streamcore/internal/streaming/unit"
)

// CommandResult is delivered to the application once every participant has
// completed (spec §4.2 phase 3: "emits command_completed(command, result)").
type CommandResult struct {
	Command unit.Command
	Err     error // non-nil if any participant failed; all participants are Terminated in that case
}

// Proxy coordinates the units of one chain through begin/do/step/flush.
// Commands are serialized by mu; a command issued while one is already in
// flight returns errors.ProcessingCommand (spec §4.2).
type Proxy struct {
	id  ids.ChainID
	log *slog.Logger

	mu       sync.Mutex // global command serialization (spec §4.2, §5)
	children []*unit.Unit

	onCompleted func(CommandResult)

	metrics *metrics.Registry
}

// New constructs an empty Proxy for one chain.
func New(id ids.ChainID, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{id: id, log: log}
}

// SetMetrics installs the registry this proxy reports command latency and
// in-flight status to. A nil registry (the default) is safe and simply
// drops them.
func (p *Proxy) SetMetrics(reg *metrics.Registry) { p.metrics = reg }

// OnCommandCompleted installs the application-facing completion callback
// (spec §4.2 phase 3).
func (p *Proxy) OnCommandCompleted(fn func(CommandResult)) { p.onCompleted = fn }

// AddUnit registers a child unit as a command participant.
func (p *Proxy) AddUnit(u *unit.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, u)
}

// Issue drives cmd through the three-phase protocol across every registered
// unit: prepare all, begin all (counting participants, awaiting every
// completion), then complete all — applying the steady target state on
// success or Terminated everywhere on any failure (spec §4.2).
//
// Issue blocks until every participant's begin phase has signalled
// completion; units with asynchronous begin work still complete through the
// same done callback, so Issue's blocking here is just "wait for the
// slowest", not a busy poll.
func (p *Proxy) Issue(cmd unit.Command) CommandResult {
	if !p.mu.TryLock() {
		return CommandResult{Command: cmd, Err: serr.New(serr.ProcessingCommand, "chain.issue", nil)}
	}
	defer p.mu.Unlock()

	p.log.Debug("chain command issued", "chain", p.id, "command", cmd.Kind)
	started := time.Now()
	p.metrics.SetCommandsInFlight(1)
	defer p.metrics.SetCommandsInFlight(0)

	// Phase 1: prepare.
	for i, u := range p.children {
		if err := u.Prepare(cmd); err != nil {
			// The failing child itself must also reach Terminated (spec
			// §4.2 phase 3: "on any child failure, all children are
			// completed into terminated") — not just the ones already
			// prepared ahead of it.
			p.abortPrepared(p.children[:i+1], cmd)
			res := CommandResult{Command: cmd, Err: err}
			p.metrics.ObserveCommandDuration(cmd.Kind.String(), "error", time.Since(started).Seconds())
			p.emit(res)
			return res
		}
	}

	// Phase 2: begin. Each child's (possibly asynchronous) begin work runs
	// under an errgroup.Group, one goroutine per participant plus the proxy
	// itself (spec: counter "includes itself") — errgroup.Wait plays the
	// role of the participant counter reaching zero.
	var g errgroup.Group
	for _, u := range p.children {
		u := u
		g.Go(func() error {
			done := make(chan error, 1)
			u.Begin(func(err error) { done <- err })
			return <-done
		})
	}
	g.Go(func() error { return nil }) // the proxy's own (trivial) participation

	firstErr := g.Wait()

	// Phase 3: complete.
	var lastTarget unit.State
	for _, u := range p.children {
		_, target := u.Complete(firstErr)
		lastTarget = target
	}

	res := CommandResult{Command: cmd, Err: firstErr}
	result := "ok"
	if firstErr != nil {
		result = "error"
	}
	p.metrics.ObserveCommandDuration(cmd.Kind.String(), result, time.Since(started).Seconds())
	p.log.Debug("chain command completed", "chain", p.id, "command", cmd.Kind, "error", firstErr, "target", lastTarget)
	p.emit(res)
	return res
}

// abortPrepared rolls a partially-prepared command back by completing every
// already-prepared unit, plus the unit whose Prepare call itself failed,
// into Terminated — matching spec §4.2's "on any child failure, all
// children are completed into terminated" even when the failure is
// detected mid-prepare rather than mid-begin. Callers pass the failing
// unit's own index as the slice's exclusive upper bound plus one.
func (p *Proxy) abortPrepared(prepared []*unit.Unit, cmd unit.Command) {
	failure := serr.New(serr.InvalidStreamingStateForCommand, "chain.prepare.partial_failure", nil)
	for _, u := range prepared {
		u.Complete(failure)
	}
}

func (p *Proxy) emit(res CommandResult) {
	if p.onCompleted != nil {
		p.onCompleted(res)
	}
}

// ID returns the chain's identifier.
func (p *Proxy) ID() ids.ChainID { return p.id }
