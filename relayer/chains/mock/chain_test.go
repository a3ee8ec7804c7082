package mock

import (
	"context"
	"testing"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/provider"
)

func TestLinkChainsSeedsOpenEnds(t *testing.T) {
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)

	csA, ok := a.ClientState(link.ClientOnA)
	require.True(t, ok)
	require.Equal(t, clienttypes.NewHeight(2, 1), csA.ConsensusHeight, "client on A trusts B's genesis header")
	require.False(t, csA.Frozen())

	csB, ok := b.ClientState(link.ClientOnB)
	require.True(t, ok)
	require.Equal(t, clienttypes.NewHeight(1, 1), csB.ConsensusHeight)

	connA, ok := a.Connection(link.ConnOnA)
	require.True(t, ok)
	require.Equal(t, conntypes.OPEN, connA.State)
	require.Equal(t, link.ConnOnB, connA.Counterparty.ConnectionId)

	chA, ok := a.Channel(link.ChannelOnA, link.Port)
	require.True(t, ok)
	require.Equal(t, chantypes.OPEN, chA.State)
	require.Equal(t, link.ChannelOnB, chA.Counterparty.ChannelId)

	chB, ok := b.Channel(link.ChannelOnB, link.Port)
	require.True(t, ok)
	require.Equal(t, chantypes.OPEN, chB.State)
}

func TestChainRevisionFromChainID(t *testing.T) {
	require.Equal(t, uint64(2), NewChain("mocknet-2").Revision())
	require.Equal(t, uint64(0), NewChain("mocknet").Revision(), "no revision suffix reads as revision zero")
}

func TestSendPacketRequiresOpenChannel(t *testing.T) {
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)

	_, err := a.SendPacket("channel-9", link.Port, []byte("x"), clienttypes.NewHeight(2, 100), 0)
	require.Error(t, err)

	ch, _ := a.Channel(link.ChannelOnA, link.Port)
	ch.State = chantypes.CLOSED
	a.AddChannel(link.ChannelOnA, link.Port, ch)
	_, err = a.SendPacket(link.ChannelOnA, link.Port, []byte("x"), clienttypes.NewHeight(2, 100), 0)
	require.Error(t, err)
}

func TestAdvanceBlockDeliversPendingEvents(t *testing.T) {
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)

	info, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("x"), clienttypes.NewHeight(2, 100), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.Sequence)
	require.Equal(t, link.ChannelOnB, info.DestChannel)

	batch := a.AdvanceBlock()
	require.Equal(t, uint64(2), batch.Height)
	require.Len(t, batch.Events, 1)
	require.Equal(t, chantypes.EventTypeSendPacket, batch.Events[0].Type)
	require.Equal(t, uint64(1), batch.Events[0].Packet.Sequence)

	// the queue drains with the block
	require.Empty(t, a.AdvanceBlock().Events)
}

func TestOrderedRecvSequenceEnforcement(t *testing.T) {
	ctx := context.Background()
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.ORDERED)
	pb := NewProvider(zaptest.NewLogger(t), b, "mock2relayer")

	far := clienttypes.NewHeight(2, 1000)
	p1, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("p1"), far, 0)
	require.NoError(t, err)
	p2, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("p2"), far, 0)
	require.NoError(t, err)

	recv2, err := pb.MsgRecvPacket(p2, provider.PacketProof{})
	require.NoError(t, err)
	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv2}, "")
	require.Error(t, err, "receiving sequence 2 before 1 must fail on an ordered channel")

	recv1, err := pb.MsgRecvPacket(p1, provider.PacketProof{})
	require.NoError(t, err)
	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv1}, "")
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.NextSequenceRecv(link.ChannelOnB, link.Port))

	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv2}, "")
	require.NoError(t, err)
	require.Equal(t, uint64(3), b.NextSequenceRecv(link.ChannelOnB, link.Port))
}

// A transaction in which no message changes state is rejected the way chains
// reject no-op relays.
func TestRedundantTransaction(t *testing.T) {
	ctx := context.Background()
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)
	pb := NewProvider(zaptest.NewLogger(t), b, "mock2relayer")

	info, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("x"), clienttypes.NewHeight(2, 1000), 0)
	require.NoError(t, err)
	recv, err := pb.MsgRecvPacket(info, provider.PacketProof{})
	require.NoError(t, err)

	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv}, "")
	require.NoError(t, err)
	require.True(t, b.HasReceipt(link.ChannelOnB, link.Port, 1))

	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv}, "")
	require.ErrorIs(t, err, chantypes.ErrRedundantTx)
}

func TestRecvAfterTimeoutRejected(t *testing.T) {
	ctx := context.Background()
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)
	pb := NewProvider(zaptest.NewLogger(t), b, "mock2relayer")

	info, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("x"), clienttypes.NewHeight(2, b.Height()+1), 0)
	require.NoError(t, err)
	b.AdvanceBlocks(2)

	recv, err := pb.MsgRecvPacket(info, provider.PacketProof{})
	require.NoError(t, err)
	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv}, "")
	require.Error(t, err)
	require.False(t, b.HasReceipt(link.ChannelOnB, link.Port, 1))
}

func TestQueuedSendErrorsFireInOrder(t *testing.T) {
	ctx := context.Background()
	a := NewChain("mocknet-1")
	b := NewChain("mocknet-2")
	link := LinkChains(a, b, chantypes.UNORDERED)
	pb := NewProvider(zaptest.NewLogger(t), b, "mock2relayer")

	info, err := a.SendPacket(link.ChannelOnA, link.Port, []byte("x"), clienttypes.NewHeight(2, 1000), 0)
	require.NoError(t, err)
	recv, err := pb.MsgRecvPacket(info, provider.PacketProof{})
	require.NoError(t, err)

	errA := provider.NewEstimateGasError(nil)
	pb.QueueSendError(errA)

	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv}, "")
	require.ErrorIs(t, err, errA)
	require.False(t, b.HasReceipt(link.ChannelOnB, link.Port, 1), "a queued error fails the send before state changes")

	_, _, err = pb.SendMessages(ctx, []provider.RelayerMessage{recv}, "")
	require.NoError(t, err)
	require.True(t, b.HasReceipt(link.ChannelOnB, link.Port, 1))
}
