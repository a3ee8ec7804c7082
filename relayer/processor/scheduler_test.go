package processor

import (
	"context"
	"testing"
	"time"

	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/provider"
)

func TestSchedulerEndToEnd(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	sched := NewScheduler(zaptest.NewLogger(t)).WithFlushInterval(0)
	require.NoError(t, sched.AddPath(h.path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	// malformed events are dropped without killing the loop
	h.chainA.Emit(
		provider.Event{Type: "bogus"},
		provider.Event{Type: chantypes.EventTypeSendPacket},
	)

	info := h.sendOnA(t, "live", h.timeoutOnB(1000))

	// The first block may commit before the scheduler's subscription is up,
	// so replay the send event every attempt; duplicates land as redundant.
	require.Eventually(t, func() bool {
		h.chainA.Emit(provider.Event{Type: chantypes.EventTypeSendPacket, Packet: &info})
		h.chainA.AdvanceBlock()
		h.chainB.AdvanceBlock()
		return h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1) &&
			len(h.chainA.Commitments(h.link.ChannelOnA, h.link.Port)) == 0
	}, 10*time.Second, 50*time.Millisecond, "packet was not relayed and acknowledged")

	status, err := sched.WorkerStatus(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(status))
	for _, st := range status {
		names = append(names, st.Object)
	}
	require.Contains(t, names, "packet{channel-0:transfer mocknet-1->mocknet-2}")
	require.Contains(t, names, "client{07-mock-0 on mocknet-1 tracking mocknet-2}")
	require.Contains(t, names, "client{07-mock-0 on mocknet-2 tracking mocknet-1}")

	// stop the packet worker; event batches still in flight may respawn it,
	// so poll until the backlog drains and the stop sticks
	packetObj := PacketObject("mocknet-1", "mocknet-2", "channel-0", "transfer")
	require.Eventually(t, func() bool {
		stopped, err := sched.StopWorker(ctx, packetObj)
		require.NoError(t, err)
		return stopped
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		stopped, err := sched.StopWorker(ctx, packetObj)
		require.NoError(t, err)
		return !stopped
	}, 5*time.Second, 20*time.Millisecond)

	// an operator can start it back up by hand
	require.NoError(t, sched.StartWorker(ctx, packetObj))
	stopped, err := sched.StopWorker(ctx, packetObj)
	require.NoError(t, err)
	require.True(t, stopped)

	// nothing serves a worker on a chain no path uses
	err = sched.StartWorker(ctx, PacketObject("ghostnet-1", "mocknet-2", "channel-0", "transfer"))
	require.Error(t, err)

	require.Error(t, sched.ClearPackets(ctx, "no-such-path"))
	require.NoError(t, sched.ClearPackets(ctx, ""))

	cancel()
	require.NoError(t, <-runErr)
}

// Packets committed while the relayer was down are picked up by the startup
// clear pass without any fresh events.
func TestSchedulerClearOnStart(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)

	far := h.timeoutOnB(1000)
	h.sendOnA(t, "p1", far)
	h.sendOnA(t, "p2", far)
	// commit the block with no subscribers, losing the events
	h.chainA.AdvanceBlock()

	sched := NewScheduler(zaptest.NewLogger(t)).
		WithFlushInterval(0).
		WithClearOnStart(true)
	require.NoError(t, sched.AddPath(h.path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1) &&
			h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 2)
	}, 10*time.Second, 50*time.Millisecond, "startup clear did not deliver the backlog")

	cancel()
	require.NoError(t, <-runErr)
}

func TestSchedulerAddPathDuplicate(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	sched := NewScheduler(zaptest.NewLogger(t))

	require.NoError(t, sched.AddPath(h.path))
	require.Error(t, sched.AddPath(h.path))
}

func TestSchedulerRunWithoutPaths(t *testing.T) {
	sched := NewScheduler(zaptest.NewLogger(t))
	err := sched.Run(context.Background())
	require.EqualError(t, err, "no paths registered")
}
