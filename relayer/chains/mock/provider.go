package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdk "github.com/cosmos/cosmos-sdk/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// Provider implements the full chain capability over an in-memory Chain.
// Beyond the interface it exposes failure injection: queued send errors,
// a blanket query error, and a one-shot subscribe error.
type Provider struct {
	log       *zap.Logger
	chain     *Chain
	chainName string
	address   string
	mode      provider.BroadcastMode
	cfg       ProviderConfig

	// produce and seed are set by the config path: config-built chains run
	// their own block clock and may script packets at startup.
	produce  bool
	seed     func()
	seedOnce sync.Once

	mu           sync.Mutex
	sendErrs     []error
	queryErr     error
	subscribeErr error
}

var _ provider.ChainProvider = (*Provider)(nil)

func NewProvider(log *zap.Logger, chain *Chain, address string) *Provider {
	return &Provider{
		log:       log.With(zap.String("chain_id", chain.ChainID())),
		chain:     chain,
		chainName: chain.ChainID(),
		address:   address,
		mode:      provider.BroadcastModeBatch,
		cfg:       ProviderConfig{ChainID: chain.ChainID(), Address: address},
	}
}

func (p *Provider) WithBroadcastMode(mode provider.BroadcastMode) *Provider {
	p.mode = mode
	return p
}

// Chain exposes the underlying chain for test setup and assertions.
func (p *Provider) Chain() *Chain { return p.chain }

// QueueSendError makes upcoming SendMessages calls fail with the given
// errors, in order, before touching chain state.
func (p *Provider) QueueSendError(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErrs = append(p.sendErrs, errs...)
}

// SetQueryError makes every query fail with err until cleared with nil.
func (p *Provider) SetQueryError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryErr = err
}

// FailNextSubscribe makes the next Subscribe call fail with err.
func (p *Provider) FailNextSubscribe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = err
}

func (p *Provider) queryGate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryErr
}

func (p *Provider) ChainID() string { return p.chain.ChainID() }

func (p *Provider) ChainName() string { return p.chainName }

func (p *Provider) Type() string { return ClientType }

func (p *Provider) ProviderConfig() provider.ProviderConfig { return p.cfg }

func (p *Provider) Address() (string, error) {
	if p.address == "" {
		return "", fmt.Errorf("no relayer address configured for %s", p.ChainID())
	}
	return p.address, nil
}

func (p *Provider) BroadcastMode() provider.BroadcastMode { return p.mode }

func (p *Provider) Subscribe(ctx context.Context) (<-chan provider.EventBatch, <-chan error, error) {
	p.mu.Lock()
	serr := p.subscribeErr
	p.subscribeErr = nil
	p.mu.Unlock()
	if serr != nil {
		return nil, nil, serr
	}

	if p.seed != nil {
		p.seedOnce.Do(p.seed)
	}
	if p.produce {
		p.chain.startBlocks(ctx)
	}

	sub := p.chain.subscribe()
	go func() {
		<-ctx.Done()
		p.chain.unsubscribe(sub)
	}()
	return sub.batches, sub.errs, nil
}

func (p *Provider) SendMessages(ctx context.Context, msgs []provider.RelayerMessage, memo string) (*provider.RelayerTxResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	if len(p.sendErrs) > 0 {
		err := p.sendErrs[0]
		p.sendErrs = p.sendErrs[1:]
		p.mu.Unlock()
		return nil, false, err
	}
	p.mu.Unlock()

	resp, err := p.chain.applyMessages(msgs)
	if err != nil {
		return nil, false, err
	}
	p.log.Debug("Applied transaction",
		zap.Int("msgs", len(msgs)),
		zap.String("tx_hash", resp.TxHash),
		zap.String("memo", memo),
	)
	return resp, true, nil
}

func (p *Provider) QueryLatestBlock(ctx context.Context) (provider.LatestBlock, error) {
	if err := p.queryGate(); err != nil {
		return provider.LatestBlock{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return provider.LatestBlock{Height: c.height, Time: c.blockTime(c.height)}, nil
}

func (p *Provider) QueryIBCHeader(ctx context.Context, h int64) (provider.IBCHeader, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if h <= 0 || uint64(h) > c.height {
		return nil, fmt.Errorf("height %d is not available on %s at height %d", h, c.chainID, c.height)
	}
	return c.headerAt(uint64(h)), nil
}

func (p *Provider) QueryClientState(ctx context.Context, height int64, clientID string) (provider.ClientState, error) {
	if err := p.queryGate(); err != nil {
		return provider.ClientState{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.clients[clientID]
	if !ok {
		return provider.ClientState{}, fmt.Errorf("client %s not found on %s", clientID, c.chainID)
	}
	return rec.state, nil
}

func (p *Provider) QueryClientConsensusState(ctx context.Context, chainHeight int64, clientID string, clientHeight ibcexported.Height) (ibcexported.ConsensusState, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s not found on %s", clientID, c.chainID)
	}
	cs, ok := rec.consensus[clientHeight.GetRevisionHeight()]
	if !ok {
		return nil, fmt.Errorf("client %s has no consensus state at height %d", clientID, clientHeight.GetRevisionHeight())
	}
	return cs, nil
}

// QueryConnection reads a connection end. An absent end reads as
// UNINITIALIZED rather than an error, so handshake reconciliation can treat
// "not created yet" as a state.
func (p *Provider) QueryConnection(ctx context.Context, height int64, connID string) (conntypes.ConnectionEnd, error) {
	if err := p.queryGate(); err != nil {
		return conntypes.ConnectionEnd{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[connID], nil
}

// QueryChannel reads a channel end, with absent ends reading as
// UNINITIALIZED like QueryConnection.
func (p *Provider) QueryChannel(ctx context.Context, height int64, channelID, portID string) (chantypes.Channel, error) {
	if err := p.queryGate(); err != nil {
		return chantypes.Channel{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[chanKey{channelID, portID}], nil
}

func (p *Provider) QueryConnectionChannels(ctx context.Context, height int64, connID string) ([]chantypes.IdentifiedChannel, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chantypes.IdentifiedChannel
	for key, ch := range c.channels {
		if len(ch.ConnectionHops) == 0 || ch.ConnectionHops[0] != connID {
			continue
		}
		out = append(out, chantypes.NewIdentifiedChannel(key.portID, key.channelID, ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelId < out[j].ChannelId })
	return out, nil
}

func (p *Provider) QueryPacketCommitments(ctx context.Context, height uint64, channelID, portID string) ([]uint64, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	return p.chain.Commitments(channelID, portID), nil
}

// QueryUnreceivedPackets filters seqs down to the ones this chain, as the
// destination end, has not received. Ordered channels compare against the
// receive cursor since they keep no receipts.
func (p *Provider) QueryUnreceivedPackets(ctx context.Context, height uint64, channelID, portID string, seqs []uint64) ([]uint64, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chanKey{channelID, portID}
	ordered := c.channels[key].Ordering == chantypes.ORDERED
	next := c.nextSeqRecvLocked(key)

	var out []uint64
	for _, seq := range seqs {
		if ordered {
			if seq >= next {
				out = append(out, seq)
			}
			continue
		}
		if !c.receipts[key][seq] {
			out = append(out, seq)
		}
	}
	return out, nil
}

// QueryUnreceivedAcknowledgements filters seqs down to the ones whose
// commitments still sit on this chain, the source end: those
// acknowledgements have not been processed here yet.
func (p *Provider) QueryUnreceivedAcknowledgements(ctx context.Context, height uint64, channelID, portID string, seqs []uint64) ([]uint64, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chanKey{channelID, portID}
	var out []uint64
	for _, seq := range seqs {
		if _, ok := c.commitments[key][seq]; ok {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (p *Provider) QueryNextSeqRecv(ctx context.Context, height int64, channelID, portID string) (uint64, error) {
	if err := p.queryGate(); err != nil {
		return 0, err
	}
	return p.chain.NextSequenceRecv(channelID, portID), nil
}

func (p *Provider) QuerySendPacket(ctx context.Context, srcChanID, srcPortID string, sequence uint64) (provider.PacketInfo, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketInfo{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.commitments[chanKey{srcChanID, srcPortID}][sequence]
	if !ok {
		return provider.PacketInfo{}, fmt.Errorf("no send packet found for sequence %d on %s/%s", sequence, srcChanID, srcPortID)
	}
	return info, nil
}

func (p *Provider) QueryRecvPacket(ctx context.Context, dstChanID, dstPortID string, sequence uint64) (provider.PacketInfo, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketInfo{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.acks[chanKey{dstChanID, dstPortID}][sequence]
	if !ok {
		return provider.PacketInfo{}, fmt.Errorf("no recv packet found for sequence %d on %s/%s", sequence, dstChanID, dstPortID)
	}
	return info, nil
}

func (p *Provider) QueryBalance(ctx context.Context, address string) (sdk.Coins, error) {
	if err := p.queryGate(); err != nil {
		return nil, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[address], nil
}

// proofAt stamps synthetic proof bytes with the revision-aware height the
// engine threads through to client updates.
func (p *Provider) proofAt(kind string, height uint64, detail string) provider.PacketProof {
	return provider.PacketProof{
		Proof:       fmt.Appendf(nil, "proof/%s/%s/%d/%s", kind, p.ChainID(), height, detail),
		ProofHeight: clienttypes.NewHeight(p.chain.Revision(), height),
	}
}

func (p *Provider) PacketCommitment(ctx context.Context, msgTransfer provider.PacketInfo, height uint64) (provider.PacketProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketProof{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chanKey{msgTransfer.SourceChannel, msgTransfer.SourcePort}
	if _, ok := c.commitments[key][msgTransfer.Sequence]; !ok {
		return provider.PacketProof{}, fmt.Errorf("no commitment for sequence %d on %s/%s", msgTransfer.Sequence, key.channelID, key.portID)
	}
	return p.proofAt("commitment", height, fmt.Sprintf("%s/%d", key.channelID, msgTransfer.Sequence)), nil
}

func (p *Provider) PacketAcknowledgement(ctx context.Context, msgRecvPacket provider.PacketInfo, height uint64) (provider.PacketProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketProof{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chanKey{msgRecvPacket.DestChannel, msgRecvPacket.DestPort}
	if _, ok := c.acks[key][msgRecvPacket.Sequence]; !ok {
		return provider.PacketProof{}, fmt.Errorf("no acknowledgement for sequence %d on %s/%s", msgRecvPacket.Sequence, key.channelID, key.portID)
	}
	return p.proofAt("ack", height, fmt.Sprintf("%s/%d", key.channelID, msgRecvPacket.Sequence)), nil
}

// PacketReceipt proves presence or absence of a receipt; for timeouts the
// absence is the point, so missing receipts are not an error.
func (p *Provider) PacketReceipt(ctx context.Context, msgTransfer provider.PacketInfo, height uint64) (provider.PacketProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketProof{}, err
	}
	c := p.chain
	c.mu.Lock()
	received := c.receipts[chanKey{msgTransfer.DestChannel, msgTransfer.DestPort}][msgTransfer.Sequence]
	c.mu.Unlock()
	return p.proofAt("receipt", height, fmt.Sprintf("%s/%d/%t", msgTransfer.DestChannel, msgTransfer.Sequence, received)), nil
}

func (p *Provider) NextSeqRecv(ctx context.Context, msgTransfer provider.PacketInfo, height uint64) (provider.PacketProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.PacketProof{}, err
	}
	next := p.chain.NextSequenceRecv(msgTransfer.DestChannel, msgTransfer.DestPort)
	return p.proofAt("next_seq_recv", height, fmt.Sprintf("%s/%d", msgTransfer.DestChannel, next)), nil
}

func (p *Provider) ChannelProof(ctx context.Context, msg provider.ChannelInfo, height uint64) (provider.ChannelProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.ChannelProof{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[chanKey{msg.ChannelID, msg.PortID}]
	if !ok {
		return provider.ChannelProof{}, fmt.Errorf("channel %s port %s not found on %s", msg.ChannelID, msg.PortID, c.chainID)
	}
	return provider.ChannelProof{
		Proof:       fmt.Appendf(nil, "proof/channel/%s/%d/%s", c.chainID, height, msg.ChannelID),
		ProofHeight: clienttypes.NewHeight(c.revision, height),
		Ordering:    ch.Ordering,
		Version:     ch.Version,
	}, nil
}

func (p *Provider) ConnectionProof(ctx context.Context, msgOpenAck provider.ConnectionInfo, height uint64) (provider.ConnectionProof, error) {
	if err := p.queryGate(); err != nil {
		return provider.ConnectionProof{}, err
	}
	c := p.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[msgOpenAck.ConnID]; !ok {
		return provider.ConnectionProof{}, fmt.Errorf("connection %s not found on %s", msgOpenAck.ConnID, c.chainID)
	}
	return provider.ConnectionProof{
		ConsensusStateProof:  fmt.Appendf(nil, "proof/consensus/%s/%d", c.chainID, height),
		ConnectionStateProof: fmt.Appendf(nil, "proof/connection/%s/%d/%s", c.chainID, height, msgOpenAck.ConnID),
		ClientStateProof:     fmt.Appendf(nil, "proof/client/%s/%d", c.chainID, height),
		ProofHeight:          clienttypes.NewHeight(c.revision, height),
	}, nil
}
