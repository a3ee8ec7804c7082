package processor

import (
	"context"
	"errors"

	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// packetTask relays live traffic for one channel end: send events become
// receives on the counterparty, write-acknowledgement events become
// acknowledgements back home. A flush runs the full pending scan for the
// channel, catching anything the event stream missed.
type packetTask struct {
	path      *RelayPath
	d         direction
	channelID string
	portID    string
}

func newPacketTask(path *RelayPath, d direction, channelID, portID string) *packetTask {
	return &packetTask{path: path, d: d, channelID: channelID, portID: portID}
}

func (t *packetTask) run(ctx context.Context, w *Worker) error {
	w.setState("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.flushC:
			if err := t.flush(ctx, w); err != nil {
				return err
			}
		case batch := <-w.events:
			if err := t.handleBatch(ctx, w, batch); err != nil {
				return err
			}
		}
	}
}

func (t *packetTask) flush(ctx context.Context, w *Worker) error {
	w.setState("flushing")
	defer w.setState("running")

	err := t.path.ClearChannel(ctx, t.d.src.ChainProvider.ChainID(), t.channelID, t.portID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrozenClient) {
		return err
	}
	w.log.Warn("Failed to clear channel", zap.Error(err))
	return nil
}

// handleBatch turns the batch's packet events into candidates and relays
// them. Empty batches are block ticks and need nothing here; the flush
// backstop reconciles missed work.
func (t *packetTask) handleBatch(ctx context.Context, w *Worker, batch provider.EventBatch) error {
	var toDst, toSrc []packetMessage
	var dstLatest provider.LatestBlock
	haveDstLatest := false

	for _, ev := range batch.Events {
		if ev.Packet == nil {
			continue
		}
		info := *ev.Packet
		if info.SourceChannel != t.channelID || info.SourcePort != t.portID {
			continue
		}

		switch ev.Type {
		case chantypes.EventTypeSendPacket:
			if err := validatePacket(info); err != nil {
				w.log.Warn("Dropping unrelayable packet",
					zap.Object("packet", info),
					zap.Error(err),
				)
				if t.path.metrics != nil {
					t.path.metrics.IncMalformedEvent(batch.ChainID)
				}
				continue
			}
			if t.path.metrics != nil {
				t.path.metrics.AddPacketsObserved(batch.ChainID, t.channelID, t.portID, ev.Type, 1)
			}
			if !haveDstLatest {
				var err error
				dstLatest, err = t.d.dst.ChainProvider.QueryLatestBlock(ctx)
				if err != nil {
					w.log.Warn("Failed to query destination latest block, deferring batch to flush", zap.Error(err))
					return nil
				}
				haveDstLatest = true
			}
			if packetTimedOut(info, t.d.dst.ChainProvider.ChainID(), dstLatest) {
				toSrc = append(toSrc, packetMessage{eventType: chantypes.EventTypeTimeoutPacket, info: info})
			} else {
				toDst = append(toDst, packetMessage{eventType: chantypes.EventTypeRecvPacket, info: info})
			}

		case chantypes.EventTypeWriteAck:
			if t.path.metrics != nil {
				t.path.metrics.AddPacketsObserved(batch.ChainID, t.channelID, t.portID, ev.Type, 1)
			}
			toSrc = append(toSrc, packetMessage{eventType: chantypes.EventTypeAcknowledgePacket, info: info})
		}
		// recv, acknowledge, and timeout events mean chain state already
		// settled; nothing to relay for them
	}

	if len(toDst) == 0 && len(toSrc) == 0 {
		return nil
	}

	ordered := anyOrdered(toDst, toSrc)

	w.setState("relaying")
	defer w.setState("running")

	err := multierr.Append(
		t.path.relayTo(ctx, t.d, t.d.dst.ChainProvider, t.d.dstClient, t.d.src.ChainProvider, ordered, toDst),
		t.path.relayTo(ctx, t.d, t.d.src.ChainProvider, t.d.srcClient, t.d.dst.ChainProvider, ordered, toSrc),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrozenClient) {
		return ErrFrozenClient
	}
	w.log.Warn("Failed to relay packet batch, leaving it for the next flush", zap.Error(err))
	return nil
}
