package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/chains/mock"
	"github.com/straitlabs/strait/relayer/provider"
)

// countingProvider wraps a mock provider and counts broadcast attempts, so
// tests can assert exactly how many transactions (including failed ones) a
// code path produced.
type countingProvider struct {
	*mock.Provider
	sends atomic.Int64
}

var _ provider.ChainProvider = (*countingProvider)(nil)

func (p *countingProvider) SendMessages(ctx context.Context, msgs []provider.RelayerMessage, memo string) (*provider.RelayerTxResponse, bool, error) {
	p.sends.Add(1)
	return p.Provider.SendMessages(ctx, msgs, memo)
}

// pathHarness is a fully linked pair of mock chains with the engine pieces
// wired over them: clientOnA is hosted on chainA tracking chainB, clientOnB
// the reverse.
type pathHarness struct {
	chainA, chainB *mock.Chain
	provA, provB   *countingProvider
	link           mock.Link

	submitter *Submitter
	clientOnA *ForeignClient
	clientOnB *ForeignClient
	path      *RelayPath
}

func newPathHarness(t *testing.T, order chantypes.Order) *pathHarness {
	t.Helper()
	log := zaptest.NewLogger(t)

	chainA := mock.NewChain("mocknet-1")
	chainB := mock.NewChain("mocknet-2")
	link := mock.LinkChains(chainA, chainB, order)

	// Client updates trust consensus height +1, so a few blocks must exist
	// past the seeded trusted height before any update can assemble.
	chainA.AdvanceBlocks(3)
	chainB.AdvanceBlocks(3)

	provA := &countingProvider{Provider: mock.NewProvider(log, chainA, "mock1relayer")}
	provB := &countingProvider{Provider: mock.NewProvider(log, chainB, "mock2relayer")}

	submitter := NewSubmitter(log, RetryPolicy{
		Attempts: 3,
		Delay:    time.Millisecond,
		MaxDelay: 4 * time.Millisecond,
	}, "", nil)

	clientOnA := NewForeignClient(log, provB, provA, link.ClientOnA, 0, submitter, nil)
	clientOnB := NewForeignClient(log, provA, provB, link.ClientOnB, 0, submitter, nil)

	end1 := PathEnd{ChainProvider: provA, ClientID: link.ClientOnA, ConnectionID: link.ConnOnA}
	end2 := PathEnd{ChainProvider: provB, ClientID: link.ClientOnB, ConnectionID: link.ConnOnB}

	path := NewRelayPath(log, "demo", end1, end2, clientOnA, clientOnB, submitter, nil)

	return &pathHarness{
		chainA:    chainA,
		chainB:    chainB,
		provA:     provA,
		provB:     provB,
		link:      link,
		submitter: submitter,
		clientOnA: clientOnA,
		clientOnB: clientOnB,
		path:      path,
	}
}

// timeoutOnB returns a timeout height on chainB the given number of blocks
// past its current height.
func (h *pathHarness) timeoutOnB(blocks uint64) clienttypes.Height {
	return clienttypes.NewHeight(h.chainB.Revision(), h.chainB.Height()+blocks)
}

func (h *pathHarness) sends() int64 {
	return h.provA.sends.Load() + h.provB.sends.Load()
}

// sendOnA commits a packet from chainA toward chainB.
func (h *pathHarness) sendOnA(t *testing.T, data string, timeout clienttypes.Height) provider.PacketInfo {
	t.Helper()
	info, err := h.chainA.SendPacket(h.link.ChannelOnA, h.link.Port, []byte(data), timeout, 0)
	if err != nil {
		t.Fatalf("send packet on %s: %v", h.chainA.ChainID(), err)
	}
	return info
}
