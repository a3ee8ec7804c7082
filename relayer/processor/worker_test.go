package processor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/provider"
)

// Deliver never blocks: a full inbox sheds its oldest batch so the newest
// always lands.
func TestWorkerDeliverDropsOldest(t *testing.T) {
	w := newWorker(zaptest.NewLogger(t), WalletObject("mocknet-1"), nil)

	for h := uint64(1); h <= 20; h++ {
		w.Deliver(provider.EventBatch{ChainID: "mocknet-1", Height: h})
	}

	require.Len(t, w.events, workerInboxSize)

	first := <-w.events
	require.Equal(t, uint64(5), first.Height, "heights 1-4 were shed to make room")

	var last provider.EventBatch
	for len(w.events) > 0 {
		last = <-w.events
	}
	require.Equal(t, uint64(20), last.Height)
}

func TestWorkerFlushCoalesces(t *testing.T) {
	w := newWorker(zaptest.NewLogger(t), WalletObject("mocknet-1"), nil)

	w.Flush()
	w.Flush()
	w.Flush()

	require.Len(t, w.flushC, 1, "pending flush requests coalesce into one")
}
