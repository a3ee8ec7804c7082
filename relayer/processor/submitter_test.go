package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	legacyerrors "github.com/cosmos/cosmos-sdk/types/errors"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"

	"github.com/straitlabs/strait/relayer/provider"
)

// recvMessageOnB builds a MsgRecvPacket for chainB from a packet committed
// on chainA.
func recvMessageOnB(t *testing.T, h *pathHarness, info provider.PacketInfo) provider.RelayerMessage {
	t.Helper()
	msg, err := h.provB.MsgRecvPacket(info, provider.PacketProof{})
	require.NoError(t, err)
	return msg
}

// Exactly as many broadcast attempts as the policy allows, with backoff
// between them, then failure; the next submission is untainted.
func TestSubmitterRetryBudget(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	info := h.sendOnA(t, "ping", h.timeoutOnB(1000))
	msg := recvMessageOnB(t, h, info)

	h.provB.QueueSendError(
		legacyerrors.ErrMempoolIsFull,
		legacyerrors.ErrMempoolIsFull,
		legacyerrors.ErrMempoolIsFull,
	)

	start := time.Now()
	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	elapsed := time.Since(start)

	require.Equal(t, OutcomeSubmissionFailed, res.Outcome)
	require.False(t, res.Delivered())
	require.ErrorIs(t, res.Err, legacyerrors.ErrMempoolIsFull)
	require.Equal(t, int64(3), h.provB.sends.Load(), "the retry budget is three attempts, no more")
	require.False(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
	require.GreaterOrEqual(t, elapsed, 3*time.Millisecond, "attempts must be spaced by backoff")

	res = h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}

func TestSubmitterRecoversFromTransientErrors(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	info := h.sendOnA(t, "ping", h.timeoutOnB(1000))
	msg := recvMessageOnB(t, h, info)

	h.provB.QueueSendError(legacyerrors.ErrMempoolIsFull, legacyerrors.ErrWrongSequence)

	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.Equal(t, int64(3), h.provB.sends.Load())
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
}

func TestSubmitterDoesNotRetryNonTransientErrors(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	info := h.sendOnA(t, "ping", h.timeoutOnB(1000))
	msg := recvMessageOnB(t, h, info)

	h.provB.QueueSendError(legacyerrors.ErrInsufficientFunds)

	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeSubmissionFailed, res.Outcome)
	require.ErrorIs(t, res.Err, legacyerrors.ErrInsufficientFunds)
	require.Equal(t, int64(1), h.provB.sends.Load(), "non-transient errors burn a single attempt")
}

func TestSubmitterEstimationFailure(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	info := h.sendOnA(t, "ping", h.timeoutOnB(1000))
	msg := recvMessageOnB(t, h, info)

	h.provB.QueueSendError(provider.NewEstimateGasError(errors.New("account sequence mismatch")))

	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeEstimationFailed, res.Outcome)
	require.False(t, res.Delivered())
	require.Equal(t, int64(1), h.provB.sends.Load())
}

// Messages another relayer already delivered count as delivered here too.
func TestSubmitterRedundantDelivery(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	info := h.sendOnA(t, "ping", h.timeoutOnB(1000))
	msg := recvMessageOnB(t, h, info)

	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeSubmitted, res.Outcome)

	res = h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg})
	require.Equal(t, OutcomeRedundant, res.Outcome)
	require.True(t, res.Delivered())
	require.ErrorIs(t, res.Err, chantypes.ErrRedundantTx)
	require.Equal(t, int64(2), h.provB.sends.Load(), "redundant transactions are not retried")
}

func TestSubmitterEmptyBatch(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)

	res := h.submitter.Submit(context.Background(), h.provB, "demo/mocknet-2", nil)
	require.Equal(t, OutcomeSubmitted, res.Outcome)
	require.True(t, res.Delivered())
	require.Equal(t, int64(0), h.provB.sends.Load())
}

func TestSubmitterBroadcastModeSingle(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()
	h.provB.WithBroadcastMode(provider.BroadcastModeSingle)

	far := h.timeoutOnB(1000)
	msg1 := recvMessageOnB(t, h, h.sendOnA(t, "p1", far))
	msg2 := recvMessageOnB(t, h, h.sendOnA(t, "p2", far))

	res := h.submitter.Submit(ctx, h.provB, "demo/mocknet-2", []provider.RelayerMessage{msg1, msg2})
	require.True(t, res.Delivered())
	require.Equal(t, int64(2), h.provB.sends.Load(), "single mode broadcasts one transaction per message")
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 1))
	require.True(t, h.chainB.HasReceipt(h.link.ChannelOnB, h.link.Port, 2))
}

func TestIsTransientSendError(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{legacyerrors.ErrWrongSequence, true},
		{legacyerrors.ErrMempoolIsFull, true},
		{legacyerrors.ErrTxInMempoolCache, true},
		{legacyerrors.ErrOutOfGas, false},
		{legacyerrors.ErrInsufficientFunds, false},
		{legacyerrors.ErrInsufficientFee, false},
		{legacyerrors.ErrInvalidCoins, false},
		{legacyerrors.ErrUnauthorized, false},
		{errors.New("connection reset by peer"), true},
		{fmt.Errorf("wrapped: %w", legacyerrors.ErrOutOfGas), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.transient, isTransientSendError(tt.err), "error: %v", tt.err)
	}
}
