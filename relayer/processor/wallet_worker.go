package processor

import (
	"context"
	"fmt"
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// walletPollInterval spaces out balance queries; block ticks arrive far more
// often than balances change meaningfully.
const walletPollInterval = time.Minute

// walletTask polls the relayer's spendable balances on one chain, exports
// them as gauges, and warns when the fee denom runs low. It never submits
// anything.
type walletTask struct {
	chain   provider.ChainProvider
	metrics *PrometheusMetrics

	// feeDenom and minBalance configure the low-balance warning; a zero
	// minBalance disables it.
	feeDenom   string
	minBalance sdkmath.Int

	lastPolled time.Time
}

func newWalletTask(chain provider.ChainProvider, metrics *PrometheusMetrics, feeDenom string, minBalance sdkmath.Int) *walletTask {
	return &walletTask{
		chain:      chain,
		metrics:    metrics,
		feeDenom:   feeDenom,
		minBalance: minBalance,
	}
}

func (t *walletTask) run(ctx context.Context, w *Worker) error {
	w.setState("running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.flushC:
			t.lastPolled = time.Time{}
			if err := t.poll(ctx, w); err != nil {
				w.log.Warn("Failed to query relayer balance", zap.Error(err))
			}
		case <-w.events:
			if time.Since(t.lastPolled) < walletPollInterval {
				continue
			}
			if err := t.poll(ctx, w); err != nil {
				w.log.Warn("Failed to query relayer balance", zap.Error(err))
			}
		}
	}
}

func (t *walletTask) poll(ctx context.Context, w *Worker) error {
	address, err := t.chain.Address()
	if err != nil {
		return fmt.Errorf("address for chain %s: %w", t.chain.ChainID(), err)
	}
	balances, err := t.chain.QueryBalance(ctx, address)
	if err != nil {
		return err
	}
	t.lastPolled = time.Now()

	for _, balance := range balances {
		if t.metrics != nil {
			f, _ := big.NewFloat(0).SetInt(balance.Amount.BigInt()).Float64()
			t.metrics.SetWalletBalance(t.chain.ChainID(), address, balance.Denom, f)
		}
		if t.feeDenom != "" && balance.Denom == t.feeDenom &&
			!t.minBalance.IsNil() && !t.minBalance.IsZero() && balance.Amount.LT(t.minBalance) {
			w.log.Warn("Relayer balance is below the configured floor",
				zap.String("address", address),
				zap.String("denom", balance.Denom),
				zap.String("balance", balance.Amount.String()),
				zap.String("min_balance", t.minBalance.String()),
			)
		}
	}
	return nil
}
