// Package clock implements the streaming clock: one per chain, owned by the
// proxy, rendezvousing every client's startup timing into a single common
// start frame and then acting as the runtime priority-arbitrated sync point
// (spec §4.9). Grounded on original_source/VDR/Source/Streaming/
// StreamingClock.cpp, including its client-array growth-by-doubling
// (spec §12).
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// startupHorizon bounds how far a client's stream start can lag the
// earliest one before its startup silence is simply clamped (spec §4.9
// step 2; StreamingClock.cpp: "we handle > 100 sec as anyway outside the
// scope of this startup").
const startupHorizon = 100 * time.Second

// clampedSilence is the startup silence assigned to a client whose lag
// exceeds startupHorizon (mirrors the original's fixed 100-second clamp).
const clampedSilence = 100 * time.Second

// fixedPointScale is the speed fixed-point base (spec §6: "0x10000 = 1.0x").
const fixedPointScale = 0x10000

// Client is one streaming-clock participant: typically a threaded streaming
// unit's output side.
type Client interface {
	// SetStartupFrame is invoked once, at the end of the startup rendezvous,
	// telling the client which render frame number to start at and the
	// stream time that corresponds to.
	SetStartupFrame(startFrameNumber uint64, streamStartTime time.Duration)

	// GetCurrentStreamTimeOffset reports this client's current stream-time
	// offset for GetCurrentStreamTimeOffset aggregation.
	GetCurrentStreamTimeOffset() time.Duration
}

// StartupInfo is what each client reports once at the start of a startup
// sequence (spec §4.9 step: "each client reports its (...)").
type StartupInfo struct {
	StreamStartTime      time.Duration
	StreamStartTimeValid bool
	RenderFrameDuration  time.Duration
	NextRenderFrameTime  time.Duration
	NextRenderFrameNumber uint64
}

type clientEntry struct {
	client Client

	info     StartupInfo
	priority uint32
	offset   time.Duration

	startupSilence time.Duration
	delayFrames    uint64
	delayDuration  time.Duration
}

// Clock is one chain's streaming clock. The zero value is not usable; use
// New.
type Clock struct {
	mu      sync.Mutex
	clients []*clientEntry

	speed   int32
	pending atomic.Int32
}

// New returns a Clock with no registered clients, array capacity 4
// (StreamingClock.cpp's initial maxClients), growing by doubling as clients
// register beyond capacity.
func New() *Clock {
	return &Clock{clients: make([]*clientEntry, 0, 4)}
}

// RegisterClient adds c as a participant, returning its stable client id
// (its index). The backing array grows by doubling on overflow, exactly the
// original's StreamingClockClientInfo reallocation (spec §12).
func (c *Clock) RegisterClient(client Client) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.clients) == cap(c.clients) {
		grown := make([]*clientEntry, len(c.clients), cap(c.clients)*2)
		copy(grown, c.clients)
		c.clients = grown
	}
	id := uint32(len(c.clients))
	c.clients = append(c.clients, &clientEntry{client: client})
	return id
}

// NumClients reports the current participant count (diagnostics/tests).
func (c *Clock) NumClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// BeginStartupSequence resets the pending-client counter to N and records
// the playback speed the rendezvous computation will use (spec §4.9).
func (c *Clock) BeginStartupSequence(speed int32) {
	c.mu.Lock()
	n := int32(len(c.clients))
	c.mu.Unlock()
	c.speed = speed
	c.pending.Store(n)
}

// ReportStartup records one client's startup info. When the last of the N
// expected reports arrives (the atomic decrement reaching zero — this is
// the synchronization point: it establishes happens-before for every
// client's write below, so the final computation safely observes them all,
// spec §5), the full rendezvous computation of spec §4.9 runs and every
// client is given its SetStartupFrame call.
func (c *Clock) ReportStartup(id uint32, info StartupInfo) {
	c.mu.Lock()
	c.clients[id].info = info
	c.clients[id].priority = 0
	c.mu.Unlock()

	if c.pending.Add(-1) != 0 {
		return
	}
	if c.speed > 0 {
		c.runStartupComputation()
	}
}

func (c *Clock) runStartupComputation() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clients := c.clients
	n := len(clients)
	if n == 0 {
		return
	}

	// Step 1: first_stream_time = min of all valid stream start times;
	// clients without a valid one adopt it.
	firstValid := 0
	for firstValid < n && !clients[firstValid].info.StreamStartTimeValid {
		firstValid++
	}
	if firstValid >= n {
		firstValid = n - 1
	}
	firstStreamTime := clients[firstValid].info.StreamStartTime
	for i := firstValid; i < n; i++ {
		if clients[i].info.StreamStartTimeValid && clients[i].info.StreamStartTime < firstStreamTime {
			firstStreamTime = clients[i].info.StreamStartTime
		}
	}
	for i := 0; i < n; i++ {
		if !clients[i].info.StreamStartTimeValid {
			clients[i].info.StreamStartTime = firstStreamTime
		}
	}

	// Step 2: per-client startup silence duration, clamped past the horizon.
	speed := int64(c.speed)
	for i := 0; i < n; i++ {
		lag := clients[i].info.StreamStartTime - firstStreamTime
		if lag < startupHorizon {
			clients[i].startupSilence = time.Duration(int64(lag) * fixedPointScale / speed)
		} else {
			clients[i].startupSilence = clampedSilence
		}
	}

	// Step 3: common_start_frame_time = max over clients of
	// next_render_frame_time - startup_silence_duration.
	commonStartFrameTime := clients[0].info.NextRenderFrameTime - clients[0].startupSilence
	for i := 1; i < n; i++ {
		startFrameTime := clients[i].info.NextRenderFrameTime - clients[i].startupSilence
		if startFrameTime > commonStartFrameTime {
			commonStartFrameTime = startFrameTime
		}
	}

	// Step 4: select the client with the largest render frame duration.
	maxIdx := 0
	for i := 1; i < n; i++ {
		if clients[i].info.RenderFrameDuration > clients[maxIdx].info.RenderFrameDuration {
			maxIdx = i
		}
	}
	maxClient := clients[maxIdx]
	maxClient.delayDuration = commonStartFrameTime + maxClient.startupSilence - maxClient.info.NextRenderFrameTime
	maxClient.delayFrames = uint64(maxClient.delayDuration / maxClient.info.RenderFrameDuration)
	if maxClient.info.RenderFrameDuration*time.Duration(maxClient.delayFrames) < maxClient.delayDuration {
		maxClient.delayFrames++
	}
	maxClient.delayDuration = maxClient.info.RenderFrameDuration * time.Duration(maxClient.delayFrames)
	adaptedStartFrameTime := maxClient.delayDuration - maxClient.startupSilence + maxClient.info.NextRenderFrameTime

	// Step 5: every other client's delay, rounded to the nearest frame.
	for i, cl := range clients {
		if i == maxIdx {
			continue
		}
		cl.delayDuration = adaptedStartFrameTime + cl.startupSilence - cl.info.NextRenderFrameTime
		cl.delayFrames = uint64(cl.delayDuration / cl.info.RenderFrameDuration)
		cl.delayDuration = cl.info.RenderFrameDuration * time.Duration(cl.delayFrames)

		startFrameTime := cl.delayDuration + cl.info.NextRenderFrameTime - cl.startupSilence
		if (adaptedStartFrameTime-startFrameTime)*2 > cl.info.RenderFrameDuration {
			cl.delayFrames++
			cl.delayDuration += cl.info.RenderFrameDuration
		}
	}

	// Step 6: trigger every client.
	for _, cl := range clients {
		cl.client.SetStartupFrame(cl.info.NextRenderFrameNumber+cl.delayFrames, cl.info.StreamStartTime)
	}
}

// SynchronizeClient stores id's system offset, stamps its priority (offset
// by one so priority 0 means "no opinion"), and returns the system offset
// of whichever client currently holds the highest priority — that client is
// the de facto master (spec §4.9).
func (c *Clock) SynchronizeClient(id uint32, priority uint32, systemOffset time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clients[id].offset = systemOffset
	c.clients[id].priority = priority + 1

	maxIdx := 0
	for i := 1; i < len(c.clients); i++ {
		if c.clients[i].priority > c.clients[maxIdx].priority {
			maxIdx = i
		}
	}
	return c.clients[maxIdx].offset
}

// GetCurrentStreamTimeOffset queries every client and returns the max
// (forward playback, speed >= 0) or min (reverse playback) offset
// (spec §4.9).
func (c *Clock) GetCurrentStreamTimeOffset() time.Duration {
	c.mu.Lock()
	clients := make([]*clientEntry, len(c.clients))
	copy(clients, c.clients)
	speed := c.speed
	c.mu.Unlock()

	if len(clients) == 0 {
		return 0
	}
	result := clients[0].client.GetCurrentStreamTimeOffset()
	for i := 1; i < len(clients); i++ {
		offset := clients[i].client.GetCurrentStreamTimeOffset()
		if result < offset {
			if speed >= 0 {
				result = offset
			}
		} else {
			if speed < 0 {
				result = offset
			}
		}
	}
	return result
}
