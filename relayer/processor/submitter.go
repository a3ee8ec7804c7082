package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	legacyerrors "github.com/cosmos/cosmos-sdk/types/errors"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// messageSendTimeout bounds a single broadcast attempt.
const messageSendTimeout = 60 * time.Second

// RetryPolicy is the single home of the engine's retry and backoff knobs.
// The submitter uses it for broadcasts and the packet workers reuse it for
// flush queries; nothing else hardcodes attempt counts or delays.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the retry knobs used when the config does not
// override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Delay:    400 * time.Millisecond,
		MaxDelay: 10 * time.Second,
	}
}

// Options renders the policy as retry-go options: bounded attempts and
// exponential, capped, non-decreasing backoff. Each retry is logged at
// debug on log.
func (p RetryPolicy) Options(ctx context.Context, log *zap.Logger, desc string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug(
				"Retrying",
				zap.String("op", desc),
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", p.Attempts),
				zap.Error(err),
			)
		}),
	}
}

// SubmitOutcome classifies how a batch submission ended.
type SubmitOutcome int

const (
	// OutcomeSubmitted: the transaction was broadcast and succeeded.
	OutcomeSubmitted SubmitOutcome = iota + 1
	// OutcomeRedundant: another relayer already delivered these messages.
	// Treated as success; the sequences are cleared on chain.
	OutcomeRedundant
	// OutcomeEstimationFailed: gas estimation failed, nothing was
	// broadcast. The batch may be retried on a later pass.
	OutcomeEstimationFailed
	// OutcomeSubmissionFailed: broadcast failed after exhausting the retry
	// budget, or failed on a non-transient error.
	OutcomeSubmissionFailed
)

func (o SubmitOutcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeRedundant:
		return "redundant"
	case OutcomeEstimationFailed:
		return "estimation failed"
	case OutcomeSubmissionFailed:
		return "submission failed"
	default:
		return "unknown"
	}
}

// SubmitResult reports the outcome of one batch.
type SubmitResult struct {
	Outcome  SubmitOutcome
	Response *provider.RelayerTxResponse
	Err      error
}

// Delivered reports whether the batch's effects are on chain.
func (r SubmitResult) Delivered() bool {
	return r.Outcome == OutcomeSubmitted || r.Outcome == OutcomeRedundant
}

// categories of tx errors for the failure counter. Anything else is
// labeled "tx failure".
var txErrorCategories = []error{
	chantypes.ErrRedundantTx,
	legacyerrors.ErrInsufficientFunds,
	legacyerrors.ErrInvalidCoins,
	legacyerrors.ErrOutOfGas,
	legacyerrors.ErrWrongSequence,
	legacyerrors.ErrMempoolIsFull,
}

// Submitter is the batch/retry executor. It serializes submissions per
// path key, keeps ordering inside a batch (a client update always rides
// first), and retries transient broadcast failures under the policy.
type Submitter struct {
	log     *zap.Logger
	policy  RetryPolicy
	memo    string
	metrics *PrometheusMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSubmitter(log *zap.Logger, policy RetryPolicy, memo string, metrics *PrometheusMetrics) *Submitter {
	return &Submitter{
		log:     log,
		policy:  policy,
		memo:    memo,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Policy returns the shared retry policy, so query helpers use the same
// knobs as broadcasts.
func (s *Submitter) Policy() RetryPolicy { return s.policy }

// pathLock returns the mutex serializing submissions for key. Different
// keys proceed independently.
func (s *Submitter) pathLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Submit sends msgs to dst as a single ordered transaction (or one tx per
// message under BroadcastModeSingle). pathKey scopes the ordering domain:
// calls sharing a key are serialized in arrival order.
func (s *Submitter) Submit(ctx context.Context, dst provider.ChainProvider, pathKey string, msgs []provider.RelayerMessage) SubmitResult {
	if len(msgs) == 0 {
		return SubmitResult{Outcome: OutcomeSubmitted}
	}

	l := s.pathLock(pathKey)
	l.Lock()
	defer l.Unlock()

	if dst.BroadcastMode() == provider.BroadcastModeSingle {
		var last SubmitResult
		for _, msg := range msgs {
			last = s.send(ctx, dst, []provider.RelayerMessage{msg})
			if !last.Delivered() {
				return last
			}
		}
		return last
	}
	return s.send(ctx, dst, msgs)
}

// send performs the estimate/broadcast with retries for one transaction.
func (s *Submitter) send(ctx context.Context, dst provider.ChainProvider, msgs []provider.RelayerMessage) SubmitResult {
	log := s.log.With(zap.String("chain_id", dst.ChainID()))

	var resp *provider.RelayerTxResponse
	err := retry.Do(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, messageSendTimeout)
		defer cancel()

		r, success, err := dst.SendMessages(sendCtx, msgs, s.memo)
		if err != nil {
			var estErr *provider.EstimateGasError
			if errors.As(err, &estErr) {
				return retry.Unrecoverable(err)
			}
			if errors.Is(err, chantypes.ErrRedundantTx) {
				return retry.Unrecoverable(err)
			}
			if !isTransientSendError(err) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		if !success {
			return retry.Unrecoverable(fmt.Errorf("transaction failed on chain: code %d codespace %s", r.Code, r.Codespace))
		}
		resp = r
		return nil
	}, s.policy.Options(ctx, log, "send messages")...)

	if err == nil {
		log.Debug("Message broadcast completed",
			zap.Int("msgs", len(msgs)),
			zap.String("tx_hash", resp.TxHash),
		)
		return SubmitResult{Outcome: OutcomeSubmitted, Response: resp}
	}

	s.countTxFailure(dst.ChainID(), err)

	var estErr *provider.EstimateGasError
	switch {
	case errors.As(err, &estErr):
		log.Info("Skipping batch, fee estimation failed", zap.Error(err))
		return SubmitResult{Outcome: OutcomeEstimationFailed, Err: err}
	case errors.Is(err, chantypes.ErrRedundantTx):
		log.Debug("Redundant message(s)", zap.Error(err))
		return SubmitResult{Outcome: OutcomeRedundant, Err: err}
	default:
		log.Error("Error sending messages", zap.Int("msgs", len(msgs)), zap.Error(err))
		return SubmitResult{Outcome: OutcomeSubmissionFailed, Err: err}
	}
}

func (s *Submitter) countTxFailure(chainID string, err error) {
	if s.metrics == nil {
		return
	}
	for _, category := range txErrorCategories {
		if errors.Is(err, category) {
			s.metrics.IncTxFailure(chainID, category.Error())
			return
		}
	}
	s.metrics.IncTxFailure(chainID, "tx failure")
}

// isTransientSendError reports whether a broadcast error is worth
// retrying. Gas and fund problems never fix themselves within a retry
// window; sequence races and full mempools do. Unknown errors count as
// transient so that flaky transports get the full retry budget.
func isTransientSendError(err error) bool {
	switch {
	case errors.Is(err, legacyerrors.ErrWrongSequence),
		errors.Is(err, legacyerrors.ErrMempoolIsFull),
		errors.Is(err, legacyerrors.ErrTxInMempoolCache):
		return true
	case errors.Is(err, legacyerrors.ErrOutOfGas),
		errors.Is(err, legacyerrors.ErrInsufficientFunds),
		errors.Is(err, legacyerrors.ErrInsufficientFee),
		errors.Is(err, legacyerrors.ErrInvalidCoins),
		errors.Is(err, legacyerrors.ErrUnauthorized):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}
