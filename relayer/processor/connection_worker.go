package processor

import (
	"context"
	"errors"
	"fmt"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// connectionTask advances the handshake of one connection end, mirroring
// channelTask: on-chain state of both ends decides the next step.
type connectionTask struct {
	path   *RelayPath
	d      direction
	connID string
}

func newConnectionTask(path *RelayPath, d direction, connID string) *connectionTask {
	return &connectionTask{path: path, d: d, connID: connID}
}

func (t *connectionTask) run(ctx context.Context, w *Worker) error {
	w.setState("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.flushC:
		case batch := <-w.events:
			if len(batch.Events) == 0 {
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
			w.log.Warn("Failed to advance connection handshake", zap.Error(err))
			continue
		}
		if done {
			return nil
		}
	}
}

func (t *connectionTask) reconcile(ctx context.Context, w *Worker) (bool, error) {
	src := t.d.src.ChainProvider
	dst := t.d.dst.ChainProvider

	srcLatest, err := src.QueryLatestBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("error querying latest block on %s: %w", src.ChainID(), err)
	}
	conn, err := src.QueryConnection(ctx, int64(srcLatest.Height), t.connID)
	if err != nil {
		return false, fmt.Errorf("error querying connection: %w", err)
	}

	dstState := conntypes.UNINITIALIZED
	if conn.Counterparty.ConnectionId != "" {
		dstLatest, err := dst.QueryLatestBlock(ctx)
		if err != nil {
			return false, fmt.Errorf("error querying latest block on %s: %w", dst.ChainID(), err)
		}
		dstConn, err := dst.QueryConnection(ctx, int64(dstLatest.Height), conn.Counterparty.ConnectionId)
		if err != nil {
			return false, fmt.Errorf("error querying counterparty connection: %w", err)
		}
		dstState = dstConn.State
	}

	var eventType string
	switch {
	case conn.State == conntypes.INIT && dstState == conntypes.UNINITIALIZED:
		eventType = conntypes.EventTypeConnectionOpenTry
	case conn.State == conntypes.TRYOPEN && dstState == conntypes.INIT:
		eventType = conntypes.EventTypeConnectionOpenAck
	case conn.State == conntypes.OPEN && dstState == conntypes.TRYOPEN:
		eventType = conntypes.EventTypeConnectionOpenConfirm
	case conn.State == conntypes.OPEN && dstState == conntypes.OPEN:
		w.log.Debug("Connection handshake complete")
		return true, nil
	case conn.State == conntypes.UNINITIALIZED:
		return true, nil
	default:
		w.log.Debug("No connection handshake step due from this end",
			zap.String("state", conn.State.String()),
			zap.String("counterparty_state", dstState.String()),
		)
		return false, nil
	}

	info := provider.ConnectionInfo{
		Height:               srcLatest.Height,
		ClientID:             conn.ClientId,
		ConnID:               t.connID,
		CounterpartyClientID: conn.Counterparty.ClientId,
		CounterpartyConnID:   conn.Counterparty.ConnectionId,
	}

	w.log.Info("Advancing connection handshake",
		zap.String("step", eventType),
		zap.String("state", conn.State.String()),
		zap.String("counterparty_state", dstState.String()),
	)

	msg, proofHeight, err := assembleConnectionMsg(ctx, t.d, eventType, info, srcLatest.Height)
	if err != nil {
		return false, err
	}
	return false, t.path.relayHandshake(ctx, t.d, msg, proofHeight)
}

// assembleConnectionMsg queries the connection handshake proofs on the
// source end and builds the named message for the destination.
func assembleConnectionMsg(
	ctx context.Context,
	d direction,
	eventType string,
	info provider.ConnectionInfo,
	proofHeight uint64,
) (provider.RelayerMessage, clienttypes.Height, error) {
	var assembleMessage func(provider.ConnectionInfo, provider.ConnectionProof) (provider.RelayerMessage, error)
	switch eventType {
	case conntypes.EventTypeConnectionOpenTry:
		assembleMessage = d.dst.ChainProvider.MsgConnectionOpenTry
	case conntypes.EventTypeConnectionOpenAck:
		assembleMessage = d.dst.ChainProvider.MsgConnectionOpenAck
	case conntypes.EventTypeConnectionOpenConfirm:
		assembleMessage = d.dst.ChainProvider.MsgConnectionOpenConfirm
	default:
		return nil, clienttypes.Height{}, fmt.Errorf("unexpected connection message event type for assembly: %s", eventType)
	}

	proof, err := d.src.ChainProvider.ConnectionProof(ctx, info, proofHeight)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying connection proof: %w", err)
	}
	msg, err := assembleMessage(info, proof)
	if err != nil {
		return nil, clienttypes.Height{}, err
	}
	return msg, proof.ProofHeight, nil
}
