package processor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// ErrFrozenClient marks a path as unrecoverable: its client is frozen for
// misbehaviour. Workers on the path exit with it; other paths keep running.
var ErrFrozenClient = errors.New("client is frozen")

// ClientPhase is the foreign client's position in its update lifecycle.
type ClientPhase int

const (
	ClientFresh ClientPhase = iota + 1
	ClientNeedsUpdate
	ClientUpdating
	ClientMisbehaviourSuspected
	ClientFrozen
)

func (p ClientPhase) String() string {
	switch p {
	case ClientFresh:
		return "fresh"
	case ClientNeedsUpdate:
		return "needs update"
	case ClientUpdating:
		return "updating"
	case ClientMisbehaviourSuspected:
		return "misbehaviour suspected"
	case ClientFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// clientStateRefreshInterval gates how often cached client state is
// requeried when nothing demands a newer consensus height.
const clientStateRefreshInterval = 30 * time.Second

// ForeignClient tracks one light client of src hosted on dst and keeps it
// within its trusting period. Every update for the client is serialized
// through the instance mutex: a caller blocked behind an in-flight update
// observes its effect once it acquires the lock and usually needs no second
// update of its own.
type ForeignClient struct {
	log      *zap.Logger
	src, dst provider.ChainProvider
	clientID string

	// updateThreshold adds a configured refresh rule on top of the
	// two-thirds trusting period rule when non-zero.
	updateThreshold time.Duration

	submitter *Submitter
	metrics   *PrometheusMetrics

	mu              sync.Mutex
	phase           ClientPhase
	state           provider.ClientState
	stateQueried    time.Time
	pendingEvidence *provider.ClientInfo
}

func NewForeignClient(
	log *zap.Logger,
	src, dst provider.ChainProvider,
	clientID string,
	updateThreshold time.Duration,
	submitter *Submitter,
	metrics *PrometheusMetrics,
) *ForeignClient {
	return &ForeignClient{
		log: log.With(
			zap.String("chain_id", dst.ChainID()),
			zap.String("client_id", clientID),
			zap.String("tracking_chain_id", src.ChainID()),
		),
		src:             src,
		dst:             dst,
		clientID:        clientID,
		updateThreshold: updateThreshold,
		submitter:       submitter,
		metrics:         metrics,
		phase:           ClientFresh,
	}
}

func (fc *ForeignClient) ClientID() string { return fc.clientID }

// HostChainID is the chain the client lives on.
func (fc *ForeignClient) HostChainID() string { return fc.dst.ChainID() }

func (fc *ForeignClient) Phase() ClientPhase {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.phase
}

func (fc *ForeignClient) State() provider.ClientState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

// pathKey scopes submitter ordering for this client's own transactions.
func (fc *ForeignClient) pathKey() string {
	return fmt.Sprintf("client/%s/%s", fc.dst.ChainID(), fc.clientID)
}

// Refresh drives the update state machine one step: requery state when the
// cache is stale, freeze on an on-chain frozen client, retry pending
// misbehaviour evidence, and submit an update when the freshness threshold
// has passed. now is injected so the freshness rule is testable.
func (fc *ForeignClient) Refresh(ctx context.Context, now time.Time) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if err := fc.ensureStateLocked(ctx, now, clienttypes.ZeroHeight()); err != nil {
		return err
	}
	if fc.phase == ClientFrozen {
		return ErrFrozenClient
	}
	if fc.pendingEvidence != nil {
		if err := fc.submitEvidenceLocked(ctx); err != nil {
			return err
		}
		return ErrFrozenClient
	}

	if fc.metrics != nil && fc.state.TrustingPeriod > 0 {
		fc.metrics.SetClientExpiration(fc.dst.ChainID(), fc.clientID, fc.state.TrustingPeriod-now.Sub(fc.state.ConsensusTime))
	}

	if fc.phase == ClientFresh && fc.shouldUpdateLocked(now) {
		fc.phase = ClientNeedsUpdate
		fc.log.Info("Client update threshold condition met",
			zap.Duration("trusting_period", fc.state.TrustingPeriod),
			zap.Duration("time_since_consensus", now.Sub(fc.state.ConsensusTime)),
			zap.Duration("update_threshold", fc.updateThreshold),
		)
	}
	if fc.phase != ClientNeedsUpdate {
		return nil
	}
	return fc.updateLocked(ctx)
}

// UpdateMessage assembles a MsgUpdateClient raising the client's consensus
// height to at least minHeight, for callers that prepend the update to
// their own batch. A nil message means the client already covers minHeight;
// the returned height is the consensus height the client will have once the
// batch lands, which callers report through NoteUpdated after delivery.
func (fc *ForeignClient) UpdateMessage(ctx context.Context, minHeight clienttypes.Height) (provider.RelayerMessage, clienttypes.Height, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if err := fc.ensureStateLocked(ctx, time.Now(), minHeight); err != nil {
		return nil, clienttypes.Height{}, err
	}
	if fc.phase == ClientFrozen {
		return nil, clienttypes.Height{}, ErrFrozenClient
	}
	if fc.state.ConsensusHeight.GTE(minHeight) {
		return nil, fc.state.ConsensusHeight, nil
	}
	msg, newHeight, err := fc.assembleUpdateLocked(ctx)
	if err != nil {
		return nil, clienttypes.Height{}, err
	}
	if newHeight.LT(minHeight) {
		return nil, clienttypes.Height{}, fmt.Errorf("chain %s has not yet reached height %s", fc.src.ChainID(), minHeight)
	}
	return msg, newHeight, nil
}

// NoteUpdated records that an update assembled by UpdateMessage was
// delivered in a caller's batch, so the cache reflects it without waiting
// for the client update event to arrive.
func (fc *ForeignClient) NoteUpdated(h clienttypes.Height) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if h.GT(fc.state.ConsensusHeight) {
		fc.state.ConsensusHeight = h
		// consensus time is unknown until requeried
		fc.stateQueried = time.Time{}
	}
}

// CheckMisbehaviour verifies a client update observed on dst against the
// headers src actually produced. A mismatch is misbehaviour: evidence is
// submitted and the client treated as frozen. The bool reports whether a
// conflict was found.
func (fc *ForeignClient) CheckMisbehaviour(ctx context.Context, info provider.ClientInfo) (bool, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.phase == ClientFrozen {
		return false, nil
	}
	h := info.ConsensusHeight
	if h.RevisionHeight == 0 {
		return false, nil
	}

	canonical, err := fc.src.QueryIBCHeader(ctx, int64(h.RevisionHeight))
	if err != nil {
		return false, fmt.Errorf("error querying canonical header at height %d: %w", h.RevisionHeight, err)
	}
	dstLatest, err := fc.dst.QueryLatestBlock(ctx)
	if err != nil {
		return false, err
	}
	stored, err := fc.dst.QueryClientConsensusState(ctx, int64(dstLatest.Height), fc.clientID, h)
	if err != nil {
		return false, fmt.Errorf("error querying stored consensus state at height %s: %w", h, err)
	}
	if stored == nil || consensusStatesMatch(canonical.ConsensusState(), stored) {
		return false, nil
	}

	fc.phase = ClientMisbehaviourSuspected
	fc.pendingEvidence = &info
	fc.log.Error("Misbehaviour detected on client",
		zap.Uint64("conflict_height", h.RevisionHeight),
	)
	return true, fc.submitEvidenceLocked(ctx)
}

// consensusStatesMatch compares the consensus state derived from a header
// with the one a client stored. Timestamps differ for any conflicting
// header pair; DeepEqual additionally catches root or validator set
// divergence at identical times.
func consensusStatesMatch(a, b ibcexported.ConsensusState) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.GetTimestamp() != b.GetTimestamp() {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// ensureStateLocked refreshes the cached client state when it is missing,
// older than clientStateRefreshInterval, or below minHeight.
func (fc *ForeignClient) ensureStateLocked(ctx context.Context, now time.Time, minHeight clienttypes.Height) error {
	fresh := !fc.stateQueried.IsZero() && now.Sub(fc.stateQueried) < clientStateRefreshInterval
	if fresh && fc.state.ConsensusHeight.GTE(minHeight) {
		return nil
	}

	dstLatest, err := fc.dst.QueryLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("error querying latest block: %w", err)
	}
	cs, err := fc.dst.QueryClientState(ctx, int64(dstLatest.Height), fc.clientID)
	if err != nil {
		return fmt.Errorf("error querying client state: %w", err)
	}
	if cs.ConsensusTime.IsZero() && cs.ConsensusHeight.RevisionHeight > 0 {
		h, err := fc.src.QueryIBCHeader(ctx, int64(cs.ConsensusHeight.RevisionHeight))
		if err != nil {
			return fmt.Errorf("error querying header for consensus time: %w", err)
		}
		cs.ConsensusTime = time.Unix(0, int64(h.ConsensusState().GetTimestamp()))
	}
	fc.state = cs
	fc.stateQueried = now

	if cs.Frozen() && fc.phase != ClientFrozen {
		fc.phase = ClientFrozen
		fc.log.Error("Client is frozen on chain",
			zap.Uint64("frozen_height", cs.FrozenHeight.RevisionHeight),
		)
	}
	return nil
}

// shouldUpdateLocked applies the freshness rule: two-thirds of the trusting
// period, or the configured threshold, whichever triggers first.
func (fc *ForeignClient) shouldUpdateLocked(now time.Time) bool {
	if fc.state.ConsensusTime.IsZero() {
		return false
	}
	elapsed := now.Sub(fc.state.ConsensusTime)

	pastTwoThirdsTrustingPeriod := fc.state.TrustingPeriod > 0 &&
		elapsed > fc.state.TrustingPeriod*2/3

	pastConfiguredThreshold := fc.updateThreshold > 0 &&
		elapsed > fc.updateThreshold

	return pastTwoThirdsTrustingPeriod || pastConfiguredThreshold
}

// updateLocked assembles and submits one client update, moving the phase
// through Updating and back to Fresh on success or NeedsUpdate on failure.
func (fc *ForeignClient) updateLocked(ctx context.Context) error {
	fc.phase = ClientUpdating

	msg, newHeight, err := fc.assembleUpdateLocked(ctx)
	if err != nil {
		fc.phase = ClientNeedsUpdate
		return fmt.Errorf("error assembling client update: %w", err)
	}

	res := fc.submitter.Submit(ctx, fc.dst, fc.pathKey(), []provider.RelayerMessage{msg})
	if !res.Delivered() {
		fc.phase = ClientNeedsUpdate
		return fmt.Errorf("client update not delivered (%s): %w", res.Outcome, res.Err)
	}

	fc.phase = ClientFresh
	fc.state.ConsensusHeight = newHeight
	fc.stateQueried = time.Time{}
	if fc.metrics != nil {
		fc.metrics.IncClientUpdate(fc.dst.ChainID(), fc.clientID)
	}
	fc.log.Info("Client updated",
		zap.Uint64("consensus_height", newHeight.RevisionHeight),
	)
	return nil
}

// assembleUpdateLocked builds a MsgUpdateClient from the source chain's
// latest header, trusted at the client's current consensus height.
func (fc *ForeignClient) assembleUpdateLocked(ctx context.Context) (provider.RelayerMessage, clienttypes.Height, error) {
	trustedHeight := fc.state.ConsensusHeight
	if trustedHeight.RevisionHeight == 0 {
		return nil, clienttypes.Height{}, fmt.Errorf("client %s has no consensus state to trust", fc.clientID)
	}

	srcLatest, err := fc.src.QueryLatestBlock(ctx)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying latest block: %w", err)
	}
	latestHeader, err := fc.src.QueryIBCHeader(ctx, int64(srcLatest.Height))
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying latest header: %w", err)
	}
	// the header trusted by the client is the one at consensus height +1,
	// which carries the validators that signed consensus height
	trustedHeader, err := fc.src.QueryIBCHeader(ctx, int64(trustedHeight.RevisionHeight+1))
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying trusted header at height %d: %w", trustedHeight.RevisionHeight+1, err)
	}

	hdr, err := fc.dst.MsgUpdateClientHeader(latestHeader, trustedHeight, trustedHeader)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error assembling new client header: %w", err)
	}
	msg, err := fc.dst.MsgUpdateClient(fc.clientID, hdr)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error assembling MsgUpdateClient: %w", err)
	}
	return msg, clienttypes.NewHeight(trustedHeight.RevisionNumber, latestHeader.Height()), nil
}

// submitEvidenceLocked submits the two conflicting headers and freezes the
// client. Failure keeps the evidence pending so the next refresh retries.
func (fc *ForeignClient) submitEvidenceLocked(ctx context.Context) error {
	info := fc.pendingEvidence

	canonical, err := fc.src.QueryIBCHeader(ctx, int64(info.ConsensusHeight.RevisionHeight))
	if err != nil {
		return fmt.Errorf("error querying canonical header for evidence: %w", err)
	}
	msg, err := fc.dst.MsgSubmitMisbehaviour(fc.clientID, info.Header, canonical)
	if err != nil {
		return fmt.Errorf("error assembling misbehaviour evidence: %w", err)
	}

	res := fc.submitter.Submit(ctx, fc.dst, fc.pathKey(), []provider.RelayerMessage{msg})
	if !res.Delivered() {
		return fmt.Errorf("misbehaviour evidence not delivered (%s): %w", res.Outcome, res.Err)
	}

	fc.pendingEvidence = nil
	fc.phase = ClientFrozen
	if fc.metrics != nil {
		fc.metrics.IncMisbehaviour(fc.dst.ChainID(), fc.clientID)
	}
	fc.log.Error("Submitted misbehaviour evidence, freezing client")
	return nil
}
