package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

const (
	// DefaultMaxMsgs bounds how many packet messages ride in one transaction.
	DefaultMaxMsgs = 5

	// DefaultMaxTxSize bounds the cumulative message size per transaction.
	DefaultMaxTxSize = 2 * 1024 * 1024

	// assembleAttempts bounds how many times a batch is reassembled with
	// fresh proofs after a failed gas estimation, which is how a stale proof
	// surfaces.
	assembleAttempts = 2

	// packetProofQueryTimeout bounds a single proof query. The batch is
	// retried later if the proof is still needed.
	packetProofQueryTimeout = 5 * time.Second
)

// RelayPath relays packets in both directions between two chains over one
// client and connection pair on each side. It is shared by the packet
// workers of both directions and by flush passes; every submission funnels
// through the path's submitter, which serializes per target chain.
type RelayPath struct {
	log  *zap.Logger
	name string

	end1, end2 PathEnd

	// client1 is hosted on end1 and tracks end2; client2 the reverse.
	client1, client2 *ForeignClient

	submitter *Submitter
	metrics   *PrometheusMetrics

	filter    ChannelFilter
	maxMsgs   int
	maxTxSize uint64
}

func NewRelayPath(
	log *zap.Logger,
	name string,
	end1, end2 PathEnd,
	client1, client2 *ForeignClient,
	submitter *Submitter,
	metrics *PrometheusMetrics,
) *RelayPath {
	return &RelayPath{
		log: log.With(
			zap.String("path_name", name),
			zap.String("chain_id_1", end1.ChainProvider.ChainID()),
			zap.String("chain_id_2", end2.ChainProvider.ChainID()),
		),
		name:      name,
		end1:      end1,
		end2:      end2,
		client1:   client1,
		client2:   client2,
		submitter: submitter,
		metrics:   metrics,
		maxMsgs:   DefaultMaxMsgs,
		maxTxSize: DefaultMaxTxSize,
	}
}

// WithChannelFilter restricts the path to channels the filter permits.
func (p *RelayPath) WithChannelFilter(f ChannelFilter) *RelayPath {
	p.filter = f
	return p
}

// WithBatchLimits overrides the per-transaction message count and size caps.
func (p *RelayPath) WithBatchLimits(maxMsgs int, maxTxSize uint64) *RelayPath {
	if maxMsgs > 0 {
		p.maxMsgs = maxMsgs
	}
	if maxTxSize > 0 {
		p.maxTxSize = maxTxSize
	}
	return p
}

func (p *RelayPath) Name() string { return p.name }

// Involves reports whether chainID is one of the path's ends.
func (p *RelayPath) Involves(chainID string) bool {
	return chainID == p.end1.ChainProvider.ChainID() || chainID == p.end2.ChainProvider.ChainID()
}

// CounterpartyChainID returns the other end's chain ID.
func (p *RelayPath) CounterpartyChainID(chainID string) (string, bool) {
	switch chainID {
	case p.end1.ChainProvider.ChainID():
		return p.end2.ChainProvider.ChainID(), true
	case p.end2.ChainProvider.ChainID():
		return p.end1.ChainProvider.ChainID(), true
	}
	return "", false
}

// Permits applies the path's channel filter.
func (p *RelayPath) Permits(channelID, portID, counterpartyChannelID, counterpartyPortID string) bool {
	return p.filter.Permits(channelID, portID, counterpartyChannelID, counterpartyPortID)
}

// Client returns the foreign client hosted on chainID.
func (p *RelayPath) Client(chainID string) (*ForeignClient, bool) {
	switch chainID {
	case p.end1.ChainProvider.ChainID():
		return p.client1, true
	case p.end2.ChainProvider.ChainID():
		return p.client2, true
	}
	return nil, false
}

// direction is a view of the path with packet flow fixed src to dst.
type direction struct {
	src, dst PathEnd

	// dstClient is hosted on dst tracking src; srcClient the reverse.
	dstClient, srcClient *ForeignClient
}

func (p *RelayPath) direction(srcChainID string) (direction, bool) {
	switch srcChainID {
	case p.end1.ChainProvider.ChainID():
		return direction{src: p.end1, dst: p.end2, dstClient: p.client2, srcClient: p.client1}, true
	case p.end2.ChainProvider.ChainID():
		return direction{src: p.end2, dst: p.end1, dstClient: p.client1, srcClient: p.client2}, true
	}
	return direction{}, false
}

// packetMessage pairs a packet with the message event it still needs.
// eventType is one of chantypes.EventTypeRecvPacket, AcknowledgePacket, or
// TimeoutPacket; onClose switches a timeout to MsgTimeoutOnClose when the
// counterparty channel is already closed.
type packetMessage struct {
	eventType string
	onClose   bool
	info      provider.PacketInfo
}

// packetCandidates is the outcome of scanning one channel direction.
// toDst carries receives for the packet destination; toSrc carries
// acknowledgements followed by timeouts for the packet source.
type packetCandidates struct {
	order chantypes.Order
	toDst []packetMessage
	toSrc []packetMessage
}

func (c packetCandidates) empty() bool {
	return len(c.toDst) == 0 && len(c.toSrc) == 0
}

// anyOrdered reports whether any candidate rides an ordered channel.
func anyOrdered(lists ...[]packetMessage) bool {
	for _, list := range lists {
		for _, m := range list {
			if m.info.ChannelOrder == chantypes.ORDERED.String() {
				return true
			}
		}
	}
	return false
}

// validatePacket refuses packets that can never be relayed: zero sequence,
// empty data, or no timeout condition at all.
func validatePacket(info provider.PacketInfo) error {
	if info.Sequence == 0 {
		return errors.New("packet sequence is zero")
	}
	if len(info.Data) == 0 {
		return errors.New("packet data is empty")
	}
	if info.TimeoutHeight.IsZero() && info.TimeoutTimestamp == 0 {
		return errors.New("packet has no timeout height or timeout timestamp")
	}
	return nil
}

// packetTimedOut reports whether the packet can no longer be received on
// the destination, judged against the destination's latest height and time.
// Height comparison is revision aware.
func packetTimedOut(info provider.PacketInfo, dstChainID string, dst provider.LatestBlock) bool {
	if !info.TimeoutHeight.IsZero() {
		revision := clienttypes.ParseChainID(dstChainID)
		if clienttypes.NewHeight(revision, dst.Height).GTE(info.TimeoutHeight) {
			return true
		}
	}
	if info.TimeoutTimestamp > 0 && uint64(dst.Time.UnixNano()) >= info.TimeoutTimestamp {
		return true
	}
	return false
}

// consecutiveFrom returns the run of consecutive sequences beginning exactly
// at start. seqs must be sorted. Ordered channels can only receive in
// sequence, so anything beyond a gap is unrelayable this pass.
func consecutiveFrom(seqs []uint64, start uint64) []uint64 {
	var run []uint64
	next := start
	for _, s := range seqs {
		if s < next {
			continue
		}
		if s != next {
			break
		}
		run = append(run, s)
		next++
	}
	return run
}

// Clear runs the full packet scan over every permitted channel in both
// directions. Channels that fail to clear do not stop the pass; relayed
// sequences have their commitments deleted on chain, so rerunning a pass is
// harmless.
func (p *RelayPath) Clear(ctx context.Context) error {
	d1, _ := p.direction(p.end1.ChainProvider.ChainID())
	d2, _ := p.direction(p.end2.ChainProvider.ChainID())
	return multierr.Append(
		p.clearDirection(ctx, d1),
		p.clearDirection(ctx, d2),
	)
}

// ClearChannel runs one scan for the channel end living on srcChainID.
func (p *RelayPath) ClearChannel(ctx context.Context, srcChainID, channelID, portID string) error {
	d, ok := p.direction(srcChainID)
	if !ok {
		return fmt.Errorf("chain %s is not an end of path %s", srcChainID, p.name)
	}
	return p.clearChannelDirection(ctx, d, channelID, portID)
}

func (p *RelayPath) clearDirection(ctx context.Context, d direction) error {
	latest, err := d.src.ChainProvider.QueryLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("error querying latest block on %s: %w", d.src.ChainProvider.ChainID(), err)
	}
	channels, err := d.src.ChainProvider.QueryConnectionChannels(ctx, int64(latest.Height), d.src.ConnectionID)
	if err != nil {
		return fmt.Errorf("error querying channels on %s: %w", d.src.ChainProvider.ChainID(), err)
	}

	var errs error
	for _, ch := range channels {
		if ch.State != chantypes.OPEN {
			continue
		}
		if !p.filter.Permits(ch.ChannelId, ch.PortId, ch.Counterparty.ChannelId, ch.Counterparty.PortId) {
			continue
		}
		if err := p.clearChannelDirection(ctx, d, ch.ChannelId, ch.PortId); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s port %s: %w", ch.ChannelId, ch.PortId, err))
		}
	}
	return errs
}

func (p *RelayPath) clearChannelDirection(ctx context.Context, d direction, channelID, portID string) error {
	if p.metrics != nil {
		p.metrics.IncClearPass(d.src.ChainProvider.ChainID(), channelID)
	}

	cands, err := p.scanChannel(ctx, d, channelID, portID)
	if err != nil {
		return err
	}
	if cands.empty() {
		p.log.Debug("Nothing to clear",
			zap.String("src_chain_id", d.src.ChainProvider.ChainID()),
			zap.String("src_channel", channelID),
			zap.String("src_port", portID),
		)
		return nil
	}

	p.log.Info("Found pending packets",
		zap.String("src_chain_id", d.src.ChainProvider.ChainID()),
		zap.String("src_channel", channelID),
		zap.String("src_port", portID),
		zap.Int("receives", len(cands.toDst)),
		zap.Int("returns", len(cands.toSrc)),
	)

	ordered := cands.order == chantypes.ORDERED
	return multierr.Append(
		p.relayTo(ctx, d, d.dst.ChainProvider, d.dstClient, d.src.ChainProvider, ordered, cands.toDst),
		p.relayTo(ctx, d, d.src.ChainProvider, d.srcClient, d.dst.ChainProvider, ordered, cands.toSrc),
	)
}

// scanChannel classifies everything still pending on one channel direction:
// sequences the destination has not received, received sequences whose
// acknowledgements the source has not processed, and expired sequences that
// must time out back on the source.
func (p *RelayPath) scanChannel(ctx context.Context, d direction, channelID, portID string) (packetCandidates, error) {
	var cands packetCandidates

	srcLatest, err := d.src.ChainProvider.QueryLatestBlock(ctx)
	if err != nil {
		return cands, fmt.Errorf("error querying latest block on %s: %w", d.src.ChainProvider.ChainID(), err)
	}
	seqs, err := d.src.ChainProvider.QueryPacketCommitments(ctx, srcLatest.Height, channelID, portID)
	if err != nil {
		return cands, fmt.Errorf("error querying packet commitments: %w", err)
	}
	if len(seqs) == 0 {
		return cands, nil
	}
	sort.SliceStable(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	channel, err := d.src.ChainProvider.QueryChannel(ctx, int64(srcLatest.Height), channelID, portID)
	if err != nil {
		return cands, fmt.Errorf("error querying channel: %w", err)
	}
	cands.order = channel.Ordering
	cpChan := channel.Counterparty.ChannelId
	cpPort := channel.Counterparty.PortId

	dstLatest, err := d.dst.ChainProvider.QueryLatestBlock(ctx)
	if err != nil {
		return cands, fmt.Errorf("error querying latest block on %s: %w", d.dst.ChainProvider.ChainID(), err)
	}
	dstChannel, err := d.dst.ChainProvider.QueryChannel(ctx, int64(dstLatest.Height), cpChan, cpPort)
	if err != nil {
		return cands, fmt.Errorf("error querying counterparty channel: %w", err)
	}
	counterpartyClosed := dstChannel.State == chantypes.CLOSED

	unrecv, err := d.dst.ChainProvider.QueryUnreceivedPackets(ctx, dstLatest.Height, cpChan, cpPort, seqs)
	if err != nil {
		return cands, fmt.Errorf("error querying unreceived packets: %w", err)
	}
	sort.SliceStable(unrecv, func(i, j int) bool { return unrecv[i] < unrecv[j] })

	// received but commitment still present: the acknowledgement has not
	// been processed on the source yet
	acked := missingFrom(seqs, unrecv)
	if len(acked) > 0 {
		// requery against current source state so commitments cleared since
		// the first query are skipped
		acked, err = d.src.ChainProvider.QueryUnreceivedAcknowledgements(ctx, srcLatest.Height, channelID, portID, acked)
		if err != nil {
			return cands, fmt.Errorf("error querying unreceived acknowledgements: %w", err)
		}
		sort.SliceStable(acked, func(i, j int) bool { return acked[i] < acked[j] })
	}
	for _, seq := range acked {
		info, err := d.dst.ChainProvider.QueryRecvPacket(ctx, cpChan, cpPort, seq)
		if err != nil {
			return cands, fmt.Errorf("error querying recv packet for sequence %d: %w", seq, err)
		}
		info.ChannelOrder = channel.Ordering.String()
		cands.toSrc = append(cands.toSrc, packetMessage{eventType: chantypes.EventTypeAcknowledgePacket, info: info})
	}

	if channel.Ordering == chantypes.ORDERED && len(unrecv) > 0 {
		nextSeq, err := d.dst.ChainProvider.QueryNextSeqRecv(ctx, int64(dstLatest.Height), cpChan, cpPort)
		if err != nil {
			return cands, fmt.Errorf("error querying next sequence receive: %w", err)
		}
		unrecv = consecutiveFrom(unrecv, nextSeq)
	}

	for i, seq := range unrecv {
		info, err := d.src.ChainProvider.QuerySendPacket(ctx, channelID, portID, seq)
		if err != nil {
			return cands, fmt.Errorf("error querying send packet for sequence %d: %w", seq, err)
		}
		info.ChannelOrder = channel.Ordering.String()

		timedOut := counterpartyClosed || packetTimedOut(info, d.dst.ChainProvider.ChainID(), dstLatest)

		if channel.Ordering == chantypes.ORDERED {
			// a timeout closes an ordered channel, so only the first pending
			// sequence may time out; fresher sequences behind it wait for the
			// next pass
			if !timedOut {
				cands.toDst = append(cands.toDst, packetMessage{eventType: chantypes.EventTypeRecvPacket, info: info})
				continue
			}
			if i == 0 {
				cands.toSrc = append(cands.toSrc, packetMessage{
					eventType: chantypes.EventTypeTimeoutPacket,
					onClose:   counterpartyClosed,
					info:      info,
				})
			}
			break
		}

		if timedOut {
			cands.toSrc = append(cands.toSrc, packetMessage{
				eventType: chantypes.EventTypeTimeoutPacket,
				onClose:   counterpartyClosed,
				info:      info,
			})
		} else {
			cands.toDst = append(cands.toDst, packetMessage{eventType: chantypes.EventTypeRecvPacket, info: info})
		}
	}

	return cands, nil
}

// missingFrom returns the members of seqs absent from exclude. Both slices
// must be sorted.
func missingFrom(seqs, exclude []uint64) []uint64 {
	var out []uint64
	i := 0
	for _, s := range seqs {
		for i < len(exclude) && exclude[i] < s {
			i++
		}
		if i < len(exclude) && exclude[i] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

// assemble queries the proof on the chain that holds it and builds the
// message for the chain that needs it. proofHeight is the queried chain's
// latest height; the returned height is what the target's client must reach
// for the proof to verify.
func (m packetMessage) assemble(ctx context.Context, d direction, proofHeight uint64) (provider.RelayerMessage, clienttypes.Height, error) {
	var packetProof func(context.Context, provider.PacketInfo, uint64) (provider.PacketProof, error)
	var assembleMessage func(provider.PacketInfo, provider.PacketProof) (provider.RelayerMessage, error)

	switch m.eventType {
	case chantypes.EventTypeRecvPacket:
		packetProof = d.src.ChainProvider.PacketCommitment
		assembleMessage = d.dst.ChainProvider.MsgRecvPacket
	case chantypes.EventTypeAcknowledgePacket:
		packetProof = d.dst.ChainProvider.PacketAcknowledgement
		assembleMessage = d.src.ChainProvider.MsgAcknowledgement
	case chantypes.EventTypeTimeoutPacket:
		if m.info.ChannelOrder == chantypes.ORDERED.String() {
			packetProof = d.dst.ChainProvider.NextSeqRecv
		} else {
			packetProof = d.dst.ChainProvider.PacketReceipt
		}
		if m.onClose {
			assembleMessage = d.src.ChainProvider.MsgTimeoutOnClose
		} else {
			assembleMessage = d.src.ChainProvider.MsgTimeout
		}
	default:
		return nil, clienttypes.Height{}, fmt.Errorf("unexpected packet message event type for assembly: %s", m.eventType)
	}

	ctx, cancel := context.WithTimeout(ctx, packetProofQueryTimeout)
	defer cancel()

	proof, err := packetProof(ctx, m.info, proofHeight)
	if err != nil {
		return nil, clienttypes.Height{}, fmt.Errorf("error querying packet proof: %w", err)
	}
	msg, err := assembleMessage(m.info, proof)
	if err != nil {
		return nil, clienttypes.Height{}, err
	}
	return msg, proof.ProofHeight, nil
}

// relayTo drives candidate messages to their target chain in bounded
// batches. proofChain is the opposite end, where every proof in these
// candidates lives. Ordered channels stop at the first failed batch to keep
// sequences consecutive; unordered channels push on.
func (p *RelayPath) relayTo(
	ctx context.Context,
	d direction,
	target provider.ChainProvider,
	client *ForeignClient,
	proofChain provider.ChainProvider,
	ordered bool,
	cands []packetMessage,
) error {
	var errs error
	for start := 0; start < len(cands); start += p.maxMsgs {
		end := min(start+p.maxMsgs, len(cands))
		if err := p.sendBatch(ctx, d, target, client, proofChain, ordered, cands[start:end]); err != nil {
			errs = multierr.Append(errs, err)
			if ordered || errors.Is(err, ErrFrozenClient) {
				return errs
			}
		}
	}
	return errs
}

// sendBatch assembles one batch with fresh proofs, prepends a client update
// when the proofs outrun the target's client, and submits. A failed gas
// estimation means a proof went stale under us: the batch is reassembled a
// bounded number of times rather than treated as an error.
func (p *RelayPath) sendBatch(
	ctx context.Context,
	d direction,
	target provider.ChainProvider,
	client *ForeignClient,
	proofChain provider.ChainProvider,
	ordered bool,
	batch []packetMessage,
) error {
	for attempt := 1; ; attempt++ {
		latest, err := proofChain.QueryLatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("error querying latest block on %s: %w", proofChain.ChainID(), err)
		}

		var (
			msgs     []provider.RelayerMessage
			sent     []packetMessage
			leftover []packetMessage
			maxProof clienttypes.Height
			size     uint64
		)
		for i, m := range batch {
			msg, proofHeight, err := m.assemble(ctx, d, latest.Height)
			if err != nil {
				p.log.Warn("Failed to assemble packet message",
					zap.String("message", m.eventType),
					zap.Uint64("sequence", m.info.Sequence),
					zap.Error(err),
				)
				if ordered {
					// everything behind the gap waits for the next pass
					break
				}
				continue
			}
			bz, err := msg.MsgBytes()
			if err != nil {
				return fmt.Errorf("error encoding %s message: %w", m.eventType, err)
			}
			if size+uint64(len(bz)) > p.maxTxSize && len(msgs) > 0 {
				leftover = batch[i:]
				break
			}
			msgs = append(msgs, msg)
			sent = append(sent, m)
			size += uint64(len(bz))
			if proofHeight.GT(maxProof) {
				maxProof = proofHeight
			}
		}
		if len(msgs) == 0 {
			return fmt.Errorf("no messages assembled for %s", target.ChainID())
		}

		update, updateHeight, err := client.UpdateMessage(ctx, maxProof)
		if err != nil {
			return err
		}
		all := msgs
		if update != nil {
			all = append([]provider.RelayerMessage{update}, msgs...)
		}

		res := p.submitter.Submit(ctx, target, p.pathKey(target.ChainID()), all)
		switch {
		case res.Delivered():
			if update != nil {
				client.NoteUpdated(updateHeight)
			}
			for _, m := range sent {
				if p.metrics != nil {
					p.metrics.IncPacketsRelayed(target.ChainID(), m.info.SourceChannel, m.info.SourcePort, m.eventType)
				}
			}
			p.log.Info("Relayed packet messages",
				zap.String("chain_id", target.ChainID()),
				zap.Int("count", len(sent)),
				zap.String("outcome", res.Outcome.String()),
			)
			if len(leftover) > 0 {
				return p.sendBatch(ctx, d, target, client, proofChain, ordered, leftover)
			}
			return nil
		case res.Outcome == OutcomeEstimationFailed && attempt < assembleAttempts:
			p.log.Debug("Reassembling batch after failed gas estimation",
				zap.String("chain_id", target.ChainID()),
				zap.Int("attempt", attempt),
				zap.Error(res.Err),
			)
		default:
			return fmt.Errorf("packet batch for %s not delivered (%s): %w", target.ChainID(), res.Outcome, res.Err)
		}
	}
}

// relayHandshake submits one handshake message to the direction's dst,
// prepending a client update covering the proof height.
func (p *RelayPath) relayHandshake(ctx context.Context, d direction, msg provider.RelayerMessage, proofHeight clienttypes.Height) error {
	update, updateHeight, err := d.dstClient.UpdateMessage(ctx, proofHeight)
	if err != nil {
		return err
	}
	msgs := []provider.RelayerMessage{msg}
	if update != nil {
		msgs = append([]provider.RelayerMessage{update}, msgs...)
	}
	res := p.submitter.Submit(ctx, d.dst.ChainProvider, p.pathKey(d.dst.ChainProvider.ChainID()), msgs)
	if !res.Delivered() {
		return fmt.Errorf("handshake message for %s not delivered (%s): %w", d.dst.ChainProvider.ChainID(), res.Outcome, res.Err)
	}
	if update != nil {
		d.dstClient.NoteUpdated(updateHeight)
	}
	return nil
}

// pathKey serializes submissions per path end.
func (p *RelayPath) pathKey(chainID string) string {
	return fmt.Sprintf("%s/%s", p.name, chainID)
}
