package processor

import (
	"context"
	"errors"
	"fmt"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// channelTask advances the handshake of one channel end. What to send is
// decided from the state of both ends on chain, never from event replay, so
// a missed event costs one wakeup and nothing more. The worker retires when
// the handshake has nothing left to do.
type channelTask struct {
	path      *RelayPath
	d         direction
	channelID string
	portID    string
}

func newChannelTask(path *RelayPath, d direction, channelID, portID string) *channelTask {
	return &channelTask{path: path, d: d, channelID: channelID, portID: portID}
}

func (t *channelTask) run(ctx context.Context, w *Worker) error {
	w.setState("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.flushC:
		case batch := <-w.events:
			if len(batch.Events) == 0 {
				// block tick; handshake steps are driven by channel events
				// and flushes
				continue
			}
		}

		w.setState("reconciling")
		done, err := t.reconcile(ctx, w)
		w.setState("running")
		if err != nil {
			if errors.Is(err, ErrFrozenClient) {
				return err
			}
			w.log.Warn("Failed to advance channel handshake", zap.Error(err))
			continue
		}
		if done {
			return nil
		}
	}
}

// reconcile inspects both channel ends and submits the counterparty's next
// handshake step if one is due. done reports that no further step can ever
// originate from this end.
func (t *channelTask) reconcile(ctx context.Context, w *Worker) (bool, error) {
	src := t.d.src.ChainProvider
	dst := t.d.dst.ChainProvider

	srcLatest, err := src.QueryLatestBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("error querying latest block on %s: %w", src.ChainID(), err)
	}
	channel, err := src.QueryChannel(ctx, int64(srcLatest.Height), t.channelID, t.portID)
	if err != nil {
		return false, fmt.Errorf("error querying channel: %w", err)
	}

	dstState := chantypes.UNINITIALIZED
	if channel.Counterparty.ChannelId != "" {
		dstLatest, err := dst.QueryLatestBlock(ctx)
		if err != nil {
			return false, fmt.Errorf("error querying latest block on %s: %w", dst.ChainID(), err)
		}
		dstChannel, err := dst.QueryChannel(ctx, int64(dstLatest.Height), channel.Counterparty.ChannelId, channel.Counterparty.PortId)
		if err != nil {
			return false, fmt.Errorf("error querying counterparty channel: %w", err)
		}
		dstState = dstChannel.State
	}

	var eventType string
	switch {
	case channel.State == chantypes.INIT && dstState == chantypes.UNINITIALIZED:
		eventType = chantypes.EventTypeChannelOpenTry
	case channel.State == chantypes.TRYOPEN && dstState == chantypes.INIT:
		eventType = chantypes.EventTypeChannelOpenAck
	case channel.State == chantypes.OPEN && dstState == chantypes.TRYOPEN:
		eventType = chantypes.EventTypeChannelOpenConfirm
	case channel.State == chantypes.CLOSED && dstState != chantypes.CLOSED && dstState != chantypes.UNINITIALIZED:
		eventType = chantypes.EventTypeChannelCloseConfirm
	case channel.State == chantypes.OPEN && dstState == chantypes.OPEN:
		w.log.Debug("Channel handshake complete")
		return true, nil
	case channel.State == chantypes.CLOSED && dstState == chantypes.CLOSED,
		channel.State == chantypes.UNINITIALIZED:
		return true, nil
	default:
		// the next step originates from the counterparty end
		w.log.Debug("No channel handshake step due from this end",
			zap.String("state", channel.State.String()),
			zap.String("counterparty_state", dstState.String()),
		)
		return false, nil
	}

	info := provider.ChannelInfo{
		Height:                srcLatest.Height,
		PortID:                t.portID,
		ChannelID:             t.channelID,
		CounterpartyPortID:    channel.Counterparty.PortId,
		CounterpartyChannelID: channel.Counterparty.ChannelId,
		ConnID:                t.d.src.ConnectionID,
		CounterpartyConnID:    t.d.dst.ConnectionID,
		Order:                 channel.Ordering,
		Version:               channel.Version,
	}

	w.log.Info("Advancing channel handshake",
		zap.String("step", eventType),
		zap.String("state", channel.State.String()),
		zap.String("counterparty_state", dstState.String()),
	)

	msg, proofHeight, err := assembleChannelMsg(ctx, t.d, eventType, info, srcLatest.Height)
	if err != nil {
		return false, err
	}
	return false, t.path.relayHandshake(ctx, t.d, msg, proofHeight)
}

// assembleChannelMsg queries the channel proof on the source end and builds
// the named handshake message for the destination.
func assembleChannelMsg(
	ctx context.Context,
	d direction,
	eventType string,
	info provider.ChannelInfo,
	proofHeight uint64,
) (provider.RelayerMessage, clienttypes.Height, error) {
	var assembleMessage func(provider.ChannelInfo, provider.ChannelProof) (provider.RelayerMessage, error)
	switch eventType {
	case chantypes.EventTypeChannelOpenTry:
		assembleMessage = d.dst.ChainProvider.MsgChannelOpenTry
	case chantypes.EventTypeChannelOpenAck:
		assembleMessage = d.dst.ChainProvider.MsgChannelOpenAck
	case chantypes.EventTypeChannelOpenConfirm:
		assembleMessage = d.dst.ChainProvider.MsgChannelOpenConfirm
	case chantypes.EventTypeChannelCloseConfirm:
		assembleMessage = d.dst.ChainProvider.MsgChannelCloseConfirm
	default:
		return nil, clienttypes.Height{}, fmt.Errorf("unexpected channel message event type for assembly: %s", eventType)
	}

	proof, err := d.src.ChainProvider.ChannelProof(ctx, info, proofHeight)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying channel proof: %w", err)
	}
	msg, err := assembleMessage(info, proof)
	if err != nil {
		return nil, clienttypes.Height{}, err
	}
	return msg, proof.ProofHeight, nil
}
