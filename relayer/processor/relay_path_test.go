package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"

	"github.com/straitlabs/strait/relayer/provider"
)

func TestMissingFrom(t *testing.T) {
	tests := []struct {
		name          string
		seqs, exclude []uint64
		want          []uint64
	}{
		{"empty", nil, nil, nil},
		{"nothing excluded", []uint64{1, 2, 3}, nil, []uint64{1, 2, 3}},
		{"everything excluded", []uint64{1, 2, 3}, []uint64{1, 2, 3}, nil},
		{"middle excluded", []uint64{1, 2, 3}, []uint64{2}, []uint64{1, 3}},
		{"exclude superset", []uint64{5, 9}, []uint64{1, 5, 7, 9, 11}, nil},
		{"disjoint", []uint64{4, 6}, []uint64{1, 2, 3}, []uint64{4, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, missingFrom(tt.seqs, tt.exclude))
		})
	}
}

func TestConsecutiveFrom(t *testing.T) {
	tests := []struct {
		name  string
		seqs  []uint64
		start uint64
		want  []uint64
	}{
		{"empty", nil, 1, nil},
		{"full run", []uint64{1, 2, 3}, 1, []uint64{1, 2, 3}},
		{"gap stops the run", []uint64{1, 2, 5, 6}, 1, []uint64{1, 2}},
		{"does not start at cursor", []uint64{2, 3}, 1, nil},
		{"skips already received", []uint64{1, 2, 3, 4}, 3, []uint64{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, consecutiveFrom(tt.seqs, tt.start))
		})
	}
}

func TestPacketTimedOutRevisionAware(t *testing.T) {
	// destination runs revision 2 at height 100
	dst := provider.LatestBlock{Height: 100, Time: time.Unix(0, 1000)}
	pkt := func(h clienttypes.Height, ts uint64) provider.PacketInfo {
		return provider.PacketInfo{TimeoutHeight: h, TimeoutTimestamp: ts}
	}

	require.True(t, packetTimedOut(pkt(clienttypes.NewHeight(2, 100), 0), "mocknet-2", dst))
	require.True(t, packetTimedOut(pkt(clienttypes.NewHeight(2, 99), 0), "mocknet-2", dst))
	require.False(t, packetTimedOut(pkt(clienttypes.NewHeight(2, 101), 0), "mocknet-2", dst))

	// a timeout height in a later revision has not passed even though its
	// raw height is far below the chain's current height
	require.False(t, packetTimedOut(pkt(clienttypes.NewHeight(3, 1), 0), "mocknet-2", dst))
	// a timeout height in an earlier revision has always passed
	require.True(t, packetTimedOut(pkt(clienttypes.NewHeight(1, 5000), 0), "mocknet-2", dst))

	require.True(t, packetTimedOut(pkt(clienttypes.Height{}, 999), "mocknet-2", dst))
	require.True(t, packetTimedOut(pkt(clienttypes.Height{}, 1000), "mocknet-2", dst))
	require.False(t, packetTimedOut(pkt(clienttypes.Height{}, 1001), "mocknet-2", dst))
}

func TestValidatePacket(t *testing.T) {
	good := provider.PacketInfo{
		Sequence:      1,
		Data:          []byte("x"),
		TimeoutHeight: clienttypes.NewHeight(1, 100),
	}
	require.NoError(t, validatePacket(good))

	zeroSeq := good
	zeroSeq.Sequence = 0
	require.Error(t, validatePacket(zeroSeq))

	noData := good
	noData.Data = nil
	require.Error(t, validatePacket(noData))

	noTimeout := good
	noTimeout.TimeoutHeight = clienttypes.Height{}
	require.Error(t, validatePacket(noTimeout))

	tsOnly := noTimeout
	tsOnly.TimeoutTimestamp = 12345
	require.NoError(t, validatePacket(tsOnly))
}

// A full clear cycle settles packets in two passes (receives, then the
// acknowledgements their receipt produced) and further passes submit
// nothing at all.
func TestClearIdempotent(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	far := h.timeoutOnB(1000)
	h.sendOnA(t, "p1", far)
	h.sendOnA(t, "p2", far)
	h.sendOnA(t, "p3", far)

	require.NoError(t, h.path.Clear(ctx))
	for seq := uint64(1); seq <= 3; seq++ {
		require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, seq), "sequence %d not received", seq)
	}
	// commitments survive until the acknowledgements land back home
	require.Equal(t, []uint64{1, 2, 3}, h.chainA.Commitments(h.link.ChannelOnA, h.link.Port))

	require.NoError(t, h.path.Clear(ctx))
	require.Empty(t, h.chainA.Commitments(h.link.ChannelOnA, h.link.Port))

	before := h.sends()
	require.NoError(t, h.path.Clear(ctx))
	require.NoError(t, h.path.Clear(ctx))
	require.Equal(t, before, h.sends(), "clear passes over settled channels must not submit")
}

// On an ordered channel only the first pending sequence may time out, and
// the timeout closes the channel end; fresher sequences behind it are left
// alone.
func TestClearOrderedFirstSequenceTimeout(t *testing.T) {
	h := newPathHarness(t, chantypes.ORDERED)
	ctx := context.Background()

	h.sendOnA(t, "p1", h.timeoutOnB(2))
	far := h.timeoutOnB(1000)
	h.sendOnA(t, "p2", far)
	h.sendOnA(t, "p3", far)

	// expire the first packet on the destination
	h.chainB.AdvanceBlocks(3)

	require.NoError(t, h.path.Clear(ctx))

	require.Equal(t, []uint64{2, 3}, h.chainA.Commitments(h.link.ChannelOnA, h.link.Port),
		"only the first pending sequence times out")
	require.Equal(t, uint64(1), h.chainB.NextSequenceRecv(h.link.ChannelOnB, h.link.Port),
		"nothing may be received past an expired first sequence")

	ch, ok := h.chainA.Channel(h.link.ChannelOnA, h.link.Port)
	require.True(t, ok)
	require.Equal(t, chantypes.CLOSED, ch.State, "ordered timeout closes the channel end")

	// the closed channel drops out of later passes
	before := h.sends()
	require.NoError(t, h.path.Clear(ctx))
	require.Equal(t, before, h.sends())
}

// On an unordered channel an expired packet times out while its neighbors
// relay normally.
func TestClearUnorderedTimeoutIndependent(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	far := h.timeoutOnB(1000)
	h.sendOnA(t, "p1", far)
	h.sendOnA(t, "p2", h.timeoutOnB(2))
	h.sendOnA(t, "p3", far)

	h.chainB.AdvanceBlocks(3)

	require.NoError(t, h.path.Clear(ctx))

	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
	require.False(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 2), "expired packet must not be received")
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 3))

	// the timeout cleared sequence 2's commitment; 1 and 3 wait for acks
	require.Equal(t, []uint64{1, 3}, h.chainA.Commitments(h.link.ChannelOnA, h.link.Port))

	ch, ok := h.chainA.Channel(h.link.ChannelOnA, h.link.Port)
	require.True(t, ok)
	require.Equal(t, chantypes.OPEN, ch.State, "unordered timeouts leave the channel open")
}

// A closed counterparty turns every pending packet into a timeout-on-close,
// expired or not.
func TestClearTimeoutOnClosedCounterparty(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	h.sendOnA(t, "p1", h.timeoutOnB(1000))

	ch, ok := h.chainB.Channel(h.link.ChannelOnB, h.link.Port)
	require.True(t, ok)
	ch.State = chantypes.CLOSED
	h.chainB.AddChannel(h.link.ChannelOnB, h.link.Port, ch)

	require.NoError(t, h.path.Clear(ctx))

	require.Empty(t, h.chainA.Commitments(h.link.ChannelOnA, h.link.Port))
	require.False(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}

func TestClearRespectsChannelFilter(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	h.path.WithChannelFilter(ChannelFilter{
		Rule: RuleDenyList,
		List: []ChannelMatch{{ChannelID: h.link.ChannelOnA}},
	})
	h.sendOnA(t, "p1", h.timeoutOnB(1000))

	before := h.sends()
	require.NoError(t, h.path.Clear(ctx))
	require.Equal(t, before, h.sends(), "filtered channels must be skipped")
	require.False(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}

func TestClearSurfacesFrozenClient(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	h.sendOnA(t, "p1", h.timeoutOnB(1000))

	cs, ok := h.chainB.ClientState(h.link.ClientOnB)
	require.True(t, ok)
	cs.FrozenHeight = clienttypes.NewHeight(0, 1)
	h.chainB.SetClientState(cs)

	err := h.path.Clear(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrFrozenClient))
	require.False(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}

func TestRelayBatchLimits(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	far := h.timeoutOnB(1000)
	for i := 0; i < 5; i++ {
		h.sendOnA(t, "p", far)
	}
	h.path.WithBatchLimits(2, 0)

	before := h.provB.sends.Load()
	require.NoError(t, h.path.Clear(ctx))

	// 5 receives under a 2-message cap ride in 3 transactions
	require.Equal(t, before+3, h.provB.sends.Load())
	for seq := uint64(1); seq <= 5; seq++ {
		require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, seq))
	}
}

// A failed gas estimation reassembles the batch with fresh proofs instead of
// giving up.
func TestSendBatchReassemblesAfterEstimationFailure(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	h.sendOnA(t, "p1", h.timeoutOnB(1000))
	h.provB.QueueSendError(provider.NewEstimateGasError(errors.New("proof went stale")))

	before := h.provB.sends.Load()
	require.NoError(t, h.path.Clear(ctx))
	require.Equal(t, before+2, h.provB.sends.Load(), "one failed estimation, one reassembled delivery")
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}
