package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu           sync.Mutex
	startFrame   uint64
	startTime    time.Duration
	offset       time.Duration
	startupCalls int
}

func (c *fakeClient) SetStartupFrame(frame uint64, streamStartTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startFrame = frame
	c.startTime = streamStartTime
	c.startupCalls++
}

func (c *fakeClient) GetCurrentStreamTimeOffset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func (c *fakeClient) snapshot() (uint64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startFrame, c.startupCalls
}

func TestRegisterClientGrowsByDoubling(t *testing.T) {
	c := New()
	require.Equal(t, 4, cap(c.clients))
	for i := 0; i < 5; i++ {
		c.RegisterClient(&fakeClient{})
	}
	require.Equal(t, 5, c.NumClients())
	require.Equal(t, 8, cap(c.clients))
}

func TestStartupRendezvousFiresOnLastReport(t *testing.T) {
	c := New()
	a := &fakeClient{}
	b := &fakeClient{}
	idA := c.RegisterClient(a)
	idB := c.RegisterClient(b)

	c.BeginStartupSequence(0x10000) // 1.0x

	c.ReportStartup(idA, StartupInfo{
		StreamStartTime:       0,
		StreamStartTimeValid:  true,
		RenderFrameDuration:   40 * time.Millisecond,
		NextRenderFrameTime:   100 * time.Millisecond,
		NextRenderFrameNumber: 10,
	})
	if _, calls := a.snapshot(); calls != 0 {
		t.Fatalf("rendezvous must not fire before every client has reported")
	}

	c.ReportStartup(idB, StartupInfo{
		StreamStartTime:       20 * time.Millisecond,
		StreamStartTimeValid:  true,
		RenderFrameDuration:   20 * time.Millisecond,
		NextRenderFrameTime:   120 * time.Millisecond,
		NextRenderFrameNumber: 5,
	})

	_, callsA := a.snapshot()
	_, callsB := b.snapshot()
	require.Equal(t, 1, callsA)
	require.Equal(t, 1, callsB)
}

func TestStartupRendezvousClientsWithoutValidTimeAdoptFirst(t *testing.T) {
	c := New()
	a := &fakeClient{}
	b := &fakeClient{}
	idA := c.RegisterClient(a)
	idB := c.RegisterClient(b)
	c.BeginStartupSequence(0x10000)

	c.ReportStartup(idA, StartupInfo{
		StreamStartTime:       50 * time.Millisecond,
		StreamStartTimeValid:  true,
		RenderFrameDuration:   40 * time.Millisecond,
		NextRenderFrameTime:   100 * time.Millisecond,
		NextRenderFrameNumber: 10,
	})
	c.ReportStartup(idB, StartupInfo{
		StreamStartTimeValid:  false,
		RenderFrameDuration:   40 * time.Millisecond,
		NextRenderFrameTime:   100 * time.Millisecond,
		NextRenderFrameNumber: 10,
	})

	require.Equal(t, 50*time.Millisecond, c.clients[idB].info.StreamStartTime)
}

func TestSynchronizeClientReturnsHighestPriorityOffset(t *testing.T) {
	c := New()
	idA := c.RegisterClient(&fakeClient{})
	idB := c.RegisterClient(&fakeClient{})

	c.SynchronizeClient(idA, 1, 10*time.Millisecond)
	got := c.SynchronizeClient(idB, 5, 20*time.Millisecond)
	require.Equal(t, 20*time.Millisecond, got, "higher priority client's offset should win")

	// idA re-synchronizes with still-lower priority: idB remains master.
	got = c.SynchronizeClient(idA, 2, 99*time.Millisecond)
	require.Equal(t, 20*time.Millisecond, got)
}

func TestAggregateStreamTimeOffsetForwardTakesMax(t *testing.T) {
	c := New()
	a := &fakeClient{offset: 10 * time.Millisecond}
	b := &fakeClient{offset: 30 * time.Millisecond}
	c.RegisterClient(a)
	c.RegisterClient(b)
	c.speed = 1

	require.Equal(t, 30*time.Millisecond, c.GetCurrentStreamTimeOffset())
}

func TestAggregateStreamTimeOffsetReverseTakesMin(t *testing.T) {
	c := New()
	a := &fakeClient{offset: 10 * time.Millisecond}
	b := &fakeClient{offset: 30 * time.Millisecond}
	c.RegisterClient(a)
	c.RegisterClient(b)
	c.speed = -1

	require.Equal(t, 10*time.Millisecond, c.GetCurrentStreamTimeOffset())
}
