package processor

import (
	"context"
	"testing"
	"time"

	legacyerrors "github.com/cosmos/cosmos-sdk/types/errors"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/relayer/provider"
)

// The two-thirds trusting period rule: no update just before the threshold,
// an update just past it.
func TestForeignClientRefreshTwoThirdsRule(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()
	fc := h.clientOnB

	// the client was seeded trusting chainA's header at height 1; the
	// trusting period is one hour, so the threshold sits at 40 minutes
	consensusTime := h.chainA.HeaderAt(1).Time

	before := h.provB.sends.Load()
	require.NoError(t, fc.Refresh(ctx, consensusTime.Add(39*time.Minute)))
	require.Equal(t, before, h.provB.sends.Load(), "no update before two thirds of the trusting period")
	require.Equal(t, ClientFresh, fc.Phase())

	require.NoError(t, fc.Refresh(ctx, consensusTime.Add(41*time.Minute)))
	require.Equal(t, before+1, h.provB.sends.Load(), "update past two thirds of the trusting period")
	require.Equal(t, ClientFresh, fc.Phase())
	require.Equal(t, clienttypes.NewHeight(1, h.chainA.Height()), fc.State().ConsensusHeight)

	cs, ok := h.chainB.ClientState(h.link.ClientOnB)
	require.True(t, ok)
	require.Equal(t, clienttypes.NewHeight(1, h.chainA.Height()), cs.ConsensusHeight)
}

// A configured update threshold triggers before the trusting period rule
// does.
func TestForeignClientRefreshConfiguredThreshold(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()

	fc := NewForeignClient(
		zaptest.NewLogger(t), h.provA, h.provB, h.link.ClientOnB,
		10*time.Minute, h.submitter, nil,
	)
	consensusTime := h.chainA.HeaderAt(1).Time

	before := h.provB.sends.Load()
	require.NoError(t, fc.Refresh(ctx, consensusTime.Add(11*time.Minute)))
	require.Equal(t, before+1, h.provB.sends.Load())
}

func TestForeignClientUpdateMessage(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()
	fc := h.clientOnB

	target := clienttypes.NewHeight(1, h.chainA.Height())

	msg, newHeight, err := fc.UpdateMessage(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, msg, "an update is needed to reach the proof height")
	require.Equal(t, target, newHeight)

	// the message has not landed yet, so asking again reassembles it
	msg2, _, err := fc.UpdateMessage(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	res := h.submitter.Submit(ctx, h.provB, "t", []provider.RelayerMessage{msg})
	require.True(t, res.Delivered())
	fc.NoteUpdated(newHeight)

	msg3, covered, err := fc.UpdateMessage(ctx, target)
	require.NoError(t, err)
	require.Nil(t, msg3, "the client already covers the requested height")
	require.True(t, covered.GTE(target))

	// the source chain cannot prove a height it has not reached
	_, _, err = fc.UpdateMessage(ctx, clienttypes.NewHeight(1, h.chainA.Height()+100))
	require.Error(t, err)
}

func TestForeignClientNoteUpdatedKeepsHighest(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	fc := h.clientOnB

	fc.NoteUpdated(clienttypes.NewHeight(1, 10))
	require.Equal(t, clienttypes.NewHeight(1, 10), fc.State().ConsensusHeight)

	// lower heights never move the cache backwards
	fc.NoteUpdated(clienttypes.NewHeight(1, 4))
	require.Equal(t, clienttypes.NewHeight(1, 10), fc.State().ConsensusHeight)
}

func TestForeignClientCheckMisbehaviour(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()
	fc := h.clientOnB

	canonical := h.chainA.HeaderAt(1)

	// a clean update matches the header the source chain produced
	found, err := fc.CheckMisbehaviour(ctx, provider.ClientInfo{
		ClientID:        fc.ClientID(),
		ConsensusHeight: clienttypes.NewHeight(1, 1),
		Header:          canonical.Bytes(),
	})
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, ClientFresh, fc.Phase())

	// store a conflicting consensus state, as a fooled on-chain client would
	forged := canonical
	forged.AppHash = []byte("forged app hash")
	h.chainB.SetClientConsensus(fc.ClientID(), 1, forged.ConsensusState())

	found, err = fc.CheckMisbehaviour(ctx, provider.ClientInfo{
		ClientID:        fc.ClientID(),
		ConsensusHeight: clienttypes.NewHeight(1, 1),
		Header:          forged.Bytes(),
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ClientFrozen, fc.Phase())

	cs, ok := h.chainB.ClientState(fc.ClientID())
	require.True(t, ok)
	require.True(t, cs.Frozen(), "evidence submission freezes the client on chain")

	_, _, err = fc.UpdateMessage(ctx, clienttypes.NewHeight(1, 2))
	require.ErrorIs(t, err, ErrFrozenClient)
	require.ErrorIs(t, fc.Refresh(ctx, time.Now()), ErrFrozenClient)

	// a frozen client reports no further conflicts
	found, err = fc.CheckMisbehaviour(ctx, provider.ClientInfo{
		ClientID:        fc.ClientID(),
		ConsensusHeight: clienttypes.NewHeight(1, 1),
		Header:          forged.Bytes(),
	})
	require.NoError(t, err)
	require.False(t, found)
}

// Failed evidence submission keeps the evidence pending; the next refresh
// retries it and freezes the client.
func TestForeignClientEvidenceRetriedOnRefresh(t *testing.T) {
	h := newPathHarness(t, chantypes.UNORDERED)
	ctx := context.Background()
	fc := h.clientOnB

	forged := h.chainA.HeaderAt(1)
	forged.AppHash = []byte("forged app hash")
	h.chainB.SetClientConsensus(fc.ClientID(), 1, forged.ConsensusState())

	// exhaust the submitter's whole retry budget
	h.provB.QueueSendError(
		legacyerrors.ErrMempoolIsFull,
		legacyerrors.ErrMempoolIsFull,
		legacyerrors.ErrMempoolIsFull,
	)

	found, err := fc.CheckMisbehaviour(ctx, provider.ClientInfo{
		ClientID:        fc.ClientID(),
		ConsensusHeight: clienttypes.NewHeight(1, 1),
		Header:          forged.Bytes(),
	})
	require.True(t, found)
	require.Error(t, err)
	require.Equal(t, ClientMisbehaviourSuspected, fc.Phase())

	require.ErrorIs(t, fc.Refresh(ctx, time.Now()), ErrFrozenClient)
	require.Equal(t, ClientFrozen, fc.Phase())

	cs, ok := h.chainB.ClientState(fc.ClientID())
	require.True(t, ok)
	require.True(t, cs.Frozen())
}
