package relayer

import (
	"context"
	"testing"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/chains/mock"
)

func linkedChains(t *testing.T) (map[string]*Chain, mock.Link, []NamedPath) {
	t.Helper()
	log := zaptest.NewLogger(t)

	chainA := mock.NewChain("mocknet-1")
	chainB := mock.NewChain("mocknet-2")
	link := mock.LinkChains(chainA, chainB, chantypes.UNORDERED)
	chainA.AdvanceBlocks(3)
	chainB.AdvanceBlocks(3)

	chains := map[string]*Chain{
		"mocknet-1": NewChain(log, mock.NewProvider(log, chainA, "mock1relayer"), false),
		"mocknet-2": NewChain(log, mock.NewProvider(log, chainB, "mock2relayer"), false),
	}

	paths := []NamedPath{{
		Name: "demo",
		Path: &Path{
			Src: &PathEnd{ChainID: "mocknet-1", ClientID: link.ClientOnA, ConnectionID: link.ConnOnA},
			Dst: &PathEnd{ChainID: "mocknet-2", ClientID: link.ClientOnB, ConnectionID: link.ConnOnB},
		},
	}}
	return chains, link, paths
}

func TestFlushOnce(t *testing.T) {
	ctx := context.Background()
	chains, link, paths := linkedChains(t)
	chainA := link.ChainA
	chainB := link.ChainB

	far := clienttypes.NewHeight(chainB.Revision(), chainB.Height()+1000)
	_, err := chainA.SendPacket(link.ChannelOnA, link.Port, []byte("p1"), far, 0)
	require.NoError(t, err)
	_, err = chainA.SendPacket(link.ChannelOnA, link.Port, []byte("p2"), far, 0)
	require.NoError(t, err)

	require.NoError(t, FlushOnce(ctx, zaptest.NewLogger(t), chains, paths, 0, 0, "", nil))
	require.True(t, chainB.HasReceipt(link.ChannelOnB, link.Port, 1))
	require.True(t, chainB.HasReceipt(link.ChannelOnB, link.Port, 2))

	// the second sweep settles the acknowledgements the first produced
	require.NoError(t, FlushOnce(ctx, zaptest.NewLogger(t), chains, paths, 0, 0, "", nil))
	require.Empty(t, chainA.Commitments(link.ChannelOnA, link.Port))
}

func TestNewEngineRequiresConfiguredChains(t *testing.T) {
	chains, _, paths := linkedChains(t)

	delete(chains, "mocknet-2")
	_, err := NewEngine(zaptest.NewLogger(t), chains, paths, 0, 0, "", 0, 0, false, nil, nil)
	require.ErrorContains(t, err, "is not configured")
}

func TestNewEngineRejectsDuplicatePathNames(t *testing.T) {
	chains, _, paths := linkedChains(t)

	paths = append(paths, paths[0])
	_, err := NewEngine(zaptest.NewLogger(t), chains, paths, 0, 0, "", 0, 0, false, nil, nil)
	require.ErrorContains(t, err, "already registered")
}
