package relayer

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/processor"
)

// WalletWatch configures balance monitoring for the relayer's wallet on one
// chain.
type WalletWatch struct {
	ChainID    string
	Denom      string
	MinBalance sdkmath.Int
}

// StartRelayer assembles the relay engine for the given paths and starts it.
// The engine runs until ctx is canceled or a path hits a fatal error; the
// returned channel delivers the terminal error and is then closed.
func StartRelayer(
	ctx context.Context,
	log *zap.Logger,
	chains map[string]*Chain,
	paths []NamedPath,
	maxMsgs int,
	maxTxSize uint64,
	memo string,
	clientUpdateThreshold time.Duration,
	flushInterval time.Duration,
	clearOnStart bool,
	wallets []WalletWatch,
	metrics *processor.PrometheusMetrics,
) chan error {
	errorChan := make(chan error, 1)

	sched, err := NewEngine(
		log, chains, paths,
		maxMsgs, maxTxSize, memo,
		clientUpdateThreshold, flushInterval, clearOnStart,
		wallets, metrics,
	)
	if err != nil {
		errorChan <- err
		close(errorChan)
		return errorChan
	}

	go func() {
		errorChan <- sched.Run(ctx)
		close(errorChan)
	}()
	return errorChan
}

// NewEngine wires configured chains and paths into a scheduler, ready to
// Run. Both ends of every path must be present in chains, keyed by chain ID.
func NewEngine(
	log *zap.Logger,
	chains map[string]*Chain,
	paths []NamedPath,
	maxMsgs int,
	maxTxSize uint64,
	memo string,
	clientUpdateThreshold time.Duration,
	flushInterval time.Duration,
	clearOnStart bool,
	wallets []WalletWatch,
	metrics *processor.PrometheusMetrics,
) (*processor.Scheduler, error) {
	submitter := processor.NewSubmitter(log, processor.DefaultRetryPolicy(), memo, metrics)

	sched := processor.NewScheduler(log).
		WithMetrics(metrics).
		WithFlushInterval(flushInterval).
		WithClearOnStart(clearOnStart)

	for _, w := range wallets {
		sched.WithWallet(w.ChainID, w.Denom, w.MinBalance)
	}

	for _, np := range paths {
		rp, err := buildPath(log, np, chains, submitter, metrics, maxMsgs, maxTxSize, clientUpdateThreshold)
		if err != nil {
			return nil, err
		}
		if err := sched.AddPath(rp); err != nil {
			return nil, err
		}
	}

	return sched, nil
}

// FlushOnce runs a single clear pass over every path and returns, for
// operators who want one reconciliation sweep instead of a running relayer.
func FlushOnce(
	ctx context.Context,
	log *zap.Logger,
	chains map[string]*Chain,
	paths []NamedPath,
	maxMsgs int,
	maxTxSize uint64,
	memo string,
	metrics *processor.PrometheusMetrics,
) error {
	submitter := processor.NewSubmitter(log, processor.DefaultRetryPolicy(), memo, metrics)

	var errs error
	for _, np := range paths {
		rp, err := buildPath(log, np, chains, submitter, metrics, maxMsgs, maxTxSize, 0)
		if err != nil {
			return err
		}
		if err := rp.Clear(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("path %s: %w", np.Name, err))
		}
	}
	return errs
}

func buildPath(
	log *zap.Logger,
	np NamedPath,
	chains map[string]*Chain,
	submitter *processor.Submitter,
	metrics *processor.PrometheusMetrics,
	maxMsgs int,
	maxTxSize uint64,
	clientUpdateThreshold time.Duration,
) (*processor.RelayPath, error) {
	path := np.Path
	srcChain, ok := chains[path.Src.ChainID]
	if !ok {
		return nil, fmt.Errorf("path %s: chain %s is not configured", np.Name, path.Src.ChainID)
	}
	dstChain, ok := chains[path.Dst.ChainID]
	if !ok {
		return nil, fmt.Errorf("path %s: chain %s is not configured", np.Name, path.Dst.ChainID)
	}

	end1 := processor.PathEnd{
		ChainProvider: srcChain.ChainProvider,
		ClientID:      path.Src.ClientID,
		ConnectionID:  path.Src.ConnectionID,
	}
	end2 := processor.PathEnd{
		ChainProvider: dstChain.ChainProvider,
		ClientID:      path.Dst.ClientID,
		ConnectionID:  path.Dst.ConnectionID,
	}

	// client1 lives on end1 and tracks end2's consensus, client2 the
	// reverse.
	client1 := processor.NewForeignClient(
		log, end2.ChainProvider, end1.ChainProvider, path.Src.ClientID,
		clientUpdateThreshold, submitter, metrics,
	)
	client2 := processor.NewForeignClient(
		log, end1.ChainProvider, end2.ChainProvider, path.Dst.ClientID,
		clientUpdateThreshold, submitter, metrics,
	)

	return processor.NewRelayPath(log, np.Name, end1, end2, client1, client2, submitter, metrics).
		WithChannelFilter(path.Filter).
		WithBatchLimits(maxMsgs, maxTxSize), nil
}
