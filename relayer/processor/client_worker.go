package processor

import (
	"context"
	"errors"
	"time"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// clientTask keeps one foreign client within its trusting period and checks
// every observed update against the source chain for misbehaviour.
type clientTask struct {
	client *ForeignClient
}

func newClientTask(client *ForeignClient) *clientTask {
	return &clientTask{client: client}
}

func (t *clientTask) run(ctx context.Context, w *Worker) error {
	w.setState("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.flushC:
			if err := t.refresh(ctx, w); err != nil {
				return err
			}
		case batch := <-w.events:
			if err := t.handleBatch(ctx, w, batch); err != nil {
				return err
			}
		}
	}
}

// handleBatch checks update events for this client, then lets the freshness
// machine run. Empty batches are block ticks from the host chain and drive
// the freshness check alone.
func (t *clientTask) handleBatch(ctx context.Context, w *Worker, batch provider.EventBatch) error {
	for _, ev := range batch.Events {
		if ev.Type != clienttypes.EventTypeUpdateClient || ev.Client == nil {
			continue
		}
		if ev.Client.ClientID != t.client.ClientID() {
			continue
		}

		w.setState("checking misbehaviour")
		found, err := t.client.CheckMisbehaviour(ctx, *ev.Client)
		switch {
		case found && err != nil:
			// evidence submission failed; the next refresh retries it
			w.log.Warn("Failed to submit misbehaviour evidence",
				zap.Error(err),
				zap.Uint64("consensus_height", ev.Client.ConsensusHeight.RevisionHeight),
			)
		case err != nil:
			w.log.Warn("Failed to check client update for misbehaviour",
				zap.Error(err),
				zap.Uint64("consensus_height", ev.Client.ConsensusHeight.RevisionHeight),
			)
		case found:
			return ErrFrozenClient
		default:
			t.client.NoteUpdated(ev.Client.ConsensusHeight)
		}
	}
	return t.refresh(ctx, w)
}

func (t *clientTask) refresh(ctx context.Context, w *Worker) error {
	w.setState("refreshing")
	defer w.setState("running")

	err := t.client.Refresh(ctx, time.Now())
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFrozenClient) {
		return err
	}
	w.log.Warn("Failed to refresh client", zap.Error(err))
	return nil
}
