// Package pool adapts an external memory pool allocator to the view a
// streaming unit needs (spec §4.11): fixed-size block classes handed out by
// a sync.Pool-backed allocator, with an asynchronous "blocks available"
// notification fired when a Put makes a previously-exhausted class
// available again. The concrete allocator (board-specific pool hardware,
// a page allocator, …) is an external collaborator; this package only
// supplies the in-process stand-in used by tests and the demo chain in
// cmd/graphctl, plus the Allocator interface units actually depend on.
package pool

import "sync"

var sizeClasses = []int{256, 4096, 65536, 1 << 20}

// Block is an opaque memory block. Ownership of a block is recorded against
// the requesting unit by the caller (internal/streaming/packet.Range); the
// pool itself only tracks which size class a block belongs to.
type Block struct {
	Data  []byte
	class int
}

// Allocator is the abstract pool interface a streaming unit consumes
// (spec §4.11). Concrete board allocators implement this; Pool below is the
// in-process reference implementation.
type Allocator interface {
	// GetMemoryBlocks fills dest with up to len(dest) blocks sized >= preferred,
	// returns the count actually obtained. owner is opaque and only used for
	// diagnostics.
	GetMemoryBlocks(dest []*Block, preferred int, owner string) (got int)
	// PutMemoryBlock returns a block to the pool. The block's class is
	// returned to its sync.Pool; any range refcount on it must already be
	// zero (enforced by internal/streaming/packet).
	PutMemoryBlock(b *Block)
	// Notify registers a channel that receives a value whenever a
	// previously-exhausted class becomes available again
	// (allocator_blocks_available, spec §6).
	Notify(ch chan<- struct{})
}

type classPool struct {
	size      int
	pool      *sync.Pool
	mu        sync.Mutex
	exhausted bool
}

// Pool is the reference Allocator: a set of sync.Pool-backed size classes,
// the same growth/reuse discipline as the teacher's bufpool, extended with
// the blocks-available notification the streaming connectors subscribe to.
type Pool struct {
	pools     []*classPool
	notifyMu  sync.Mutex
	listeners []chan<- struct{}
}

// New creates a Pool with the default size classes.
func New() *Pool {
	p := &Pool{pools: make([]*classPool, len(sizeClasses))}
	for i, size := range sizeClasses {
		size := size
		p.pools[i] = &classPool{
			size: size,
			pool: &sync.Pool{
				New: func() any { return make([]byte, size) },
			},
		}
	}
	return p
}

func (p *Pool) classFor(preferred int) *classPool {
	for _, c := range p.pools {
		if preferred <= c.size {
			return c
		}
	}
	return nil
}

// GetMemoryBlocks implements Allocator. Requests above the largest size
// class are served with unpooled blocks of exactly preferred bytes and
// always fill dest. Requests made while their class is exhausted return
// fewer than len(dest).
func (p *Pool) GetMemoryBlocks(dest []*Block, preferred int, owner string) int {
	class := p.classFor(preferred)
	got := 0
	for got < len(dest) {
		if class == nil {
			dest[got] = &Block{Data: make([]byte, preferred), class: -1}
			got++
			continue
		}
		class.mu.Lock()
		if class.exhausted {
			class.mu.Unlock()
			break
		}
		class.mu.Unlock()
		buf := class.pool.Get().([]byte)
		dest[got] = &Block{Data: buf, class: indexOf(p.pools, class)}
		got++
	}
	return got
}

// PutMemoryBlock implements Allocator.
func (p *Pool) PutMemoryBlock(b *Block) {
	if b == nil {
		return
	}
	if b.class < 0 || b.class >= len(p.pools) {
		return
	}
	class := p.pools[b.class]
	clear(b.Data)
	class.pool.Put(b.Data)

	class.mu.Lock()
	wasExhausted := class.exhausted
	class.exhausted = false
	class.mu.Unlock()
	if wasExhausted {
		p.fireBlocksAvailable()
	}
}

// MarkExhausted is used by tests/operators to simulate a class running dry,
// so GetMemoryBlocks starts returning short counts until the next Put.
func (p *Pool) MarkExhausted(classIndex int) {
	if classIndex < 0 || classIndex >= len(p.pools) {
		return
	}
	p.pools[classIndex].mu.Lock()
	p.pools[classIndex].exhausted = true
	p.pools[classIndex].mu.Unlock()
}

// Notify implements Allocator.
func (p *Pool) Notify(ch chan<- struct{}) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.listeners = append(p.listeners, ch)
}

func (p *Pool) fireBlocksAvailable() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func indexOf(pools []*classPool, target *classPool) int {
	for i, c := range pools {
		if c == target {
			return i
		}
	}
	return -1
}
