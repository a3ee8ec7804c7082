package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"

	"github.com/straitlabs/strait/relayer/provider"
)

const (
	defaultBlockInterval  = time.Second
	defaultTrustingPeriod = time.Hour

	// subscriberBuffer bounds each event stream. A consumer that falls this
	// far behind loses batches, the same as a dropped websocket; flush
	// passes reconcile whatever was missed.
	subscriberBuffer = 128
)

type chanKey struct {
	channelID string
	portID    string
}

type clientRecord struct {
	state     provider.ClientState
	consensus map[uint64]ibcexported.ConsensusState
}

type subscription struct {
	batches chan provider.EventBatch
	errs    chan error
}

// Chain is an in-memory chain holding just enough IBC state to drive the
// relay engine: hosted client records, connection and channel ends, packet
// commitments, receipts, acknowledgements, and spendable balances. Tests
// mutate it directly; the engine reads it through Provider.
//
// Every method takes the chain mutex, so one Chain is safe to share between
// a test goroutine and the engine.
type Chain struct {
	chainID  string
	revision uint64

	mu       sync.Mutex
	height   uint64
	genesis  time.Time
	interval time.Duration

	clients  map[string]*clientRecord
	conns    map[string]conntypes.ConnectionEnd
	channels map[chanKey]chantypes.Channel

	nextSeqSend map[chanKey]uint64
	nextSeqRecv map[chanKey]uint64
	commitments map[chanKey]map[uint64]provider.PacketInfo
	receipts    map[chanKey]map[uint64]bool
	acks        map[chanKey]map[uint64]provider.PacketInfo

	balances map[string]sdk.Coins

	// headers overrides the derived canonical header for a height.
	headers map[uint64]Header

	pending []provider.Event
	subs    map[*subscription]struct{}

	txSeq     uint64
	idSeq     uint64
	blockOnce sync.Once
}

// NewChain starts an empty chain at height 1. The revision number is parsed
// from the chain ID, so "mocknet-2" produces revision 2 heights.
func NewChain(chainID string) *Chain {
	return &Chain{
		chainID:     chainID,
		revision:    clienttypes.ParseChainID(chainID),
		height:      1,
		genesis:     time.Now().Add(-defaultBlockInterval),
		interval:    defaultBlockInterval,
		clients:     make(map[string]*clientRecord),
		conns:       make(map[string]conntypes.ConnectionEnd),
		channels:    make(map[chanKey]chantypes.Channel),
		nextSeqSend: make(map[chanKey]uint64),
		nextSeqRecv: make(map[chanKey]uint64),
		commitments: make(map[chanKey]map[uint64]provider.PacketInfo),
		receipts:    make(map[chanKey]map[uint64]bool),
		acks:        make(map[chanKey]map[uint64]provider.PacketInfo),
		balances:    make(map[string]sdk.Coins),
		headers:     make(map[uint64]Header),
		subs:        make(map[*subscription]struct{}),
	}
}

func (c *Chain) ChainID() string  { return c.chainID }
func (c *Chain) Revision() uint64 { return c.revision }

func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Now is the timestamp of the current block.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockTime(c.height)
}

func (c *Chain) SetBlockInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

func (c *Chain) blockTime(height uint64) time.Time {
	return c.genesis.Add(time.Duration(height) * c.interval)
}

// headerAt returns the canonical header for a height, honoring overrides.
// Callers hold the mutex.
func (c *Chain) headerAt(height uint64) Header {
	if h, ok := c.headers[height]; ok {
		return h
	}
	return Header{
		ChainID:  c.chainID,
		Block:    height,
		Time:     c.blockTime(height),
		AppHash:  canonicalAppHash(c.chainID, height),
		NextVals: canonicalValsHash(c.chainID, height),
	}
}

// HeaderAt returns the canonical header for a height.
func (c *Chain) HeaderAt(height uint64) Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerAt(height)
}

// SetHeader overrides the canonical header for a height.
func (c *Chain) SetHeader(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[h.Block] = h
}

// AdvanceBlock commits a block: the height moves up by one and every event
// queued since the last block goes out to subscribers, stamped with the new
// height. The batch is also returned so tests can hand it to a worker
// directly.
func (c *Chain) AdvanceBlock() provider.EventBatch {
	c.mu.Lock()
	c.height++
	batch := provider.EventBatch{
		ChainID: c.chainID,
		Height:  c.height,
		Time:    c.blockTime(c.height),
		Events:  c.pending,
	}
	c.pending = nil
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.batches <- batch:
		default:
		}
	}
	return batch
}

func (c *Chain) AdvanceBlocks(n int) {
	for i := 0; i < n; i++ {
		c.AdvanceBlock()
	}
}

// startBlocks begins committing a block every interval until ctx is done.
// Used by config-driven providers; tests advance blocks themselves.
func (c *Chain) startBlocks(ctx context.Context) {
	c.blockOnce.Do(func() {
		go func() {
			c.mu.Lock()
			interval := c.interval
			c.mu.Unlock()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.AdvanceBlock()
				}
			}
		}()
	})
}

// Emit queues events for the next block.
func (c *Chain) Emit(events ...provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(events...)
}

func (c *Chain) emit(events ...provider.Event) {
	c.pending = append(c.pending, events...)
}

func (c *Chain) subscribe() *subscription {
	sub := &subscription{
		batches: make(chan provider.EventBatch, subscriberBuffer),
		errs:    make(chan error, 1),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
	return sub
}

func (c *Chain) unsubscribe(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

// BreakStreams terminates every live event stream with err, as a dropped
// node connection would. Subscribers are expected to resubscribe.
func (c *Chain) BreakStreams(err error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

// AddClient hosts a client on this chain. The state's ClientID keys it.
func (c *Chain) AddClient(state provider.ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[state.ClientID] = &clientRecord{
		state:     state,
		consensus: make(map[uint64]ibcexported.ConsensusState),
	}
}

// SetClientState replaces a hosted client's state, keeping its consensus
// records.
func (c *Chain) SetClientState(state provider.ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.clients[state.ClientID]
	if !ok {
		c.clients[state.ClientID] = &clientRecord{
			state:     state,
			consensus: make(map[uint64]ibcexported.ConsensusState),
		}
		return
	}
	rec.state = state
}

// ClientState reads a hosted client's state.
func (c *Chain) ClientState(clientID string) (provider.ClientState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.clients[clientID]
	if !ok {
		return provider.ClientState{}, false
	}
	return rec.state, true
}

// SetClientConsensus stores a consensus state for a hosted client at a
// height.
func (c *Chain) SetClientConsensus(clientID string, height uint64, cs ibcexported.ConsensusState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.clients[clientID]
	if !ok {
		return
	}
	rec.consensus[height] = cs
}

func (c *Chain) AddConnection(connID string, end conntypes.ConnectionEnd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = end
}

func (c *Chain) Connection(connID string) (conntypes.ConnectionEnd, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	end, ok := c.conns[connID]
	return end, ok
}

func (c *Chain) AddChannel(channelID, portID string, ch chantypes.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[chanKey{channelID, portID}] = ch
}

func (c *Chain) Channel(channelID, portID string) (chantypes.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[chanKey{channelID, portID}]
	return ch, ok
}

func (c *Chain) SetBalance(address string, coins sdk.Coins) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = coins
}

// nextID allocates identifiers for handshake-created objects.
func (c *Chain) nextID(prefix string) string {
	id := fmt.Sprintf("%s-%d", prefix, c.idSeq)
	c.idSeq++
	return id
}

// SendPacket records a packet sent by an application on this chain: the
// commitment is stored and a send event queued for the next block. It
// returns the full packet metadata the way event parsing would.
func (c *Chain) SendPacket(channelID, portID string, data []byte, timeoutHeight clienttypes.Height, timeoutTimestamp uint64) (provider.PacketInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chanKey{channelID, portID}
	ch, ok := c.channels[key]
	if !ok {
		return provider.PacketInfo{}, fmt.Errorf("channel %s port %s not found on %s", channelID, portID, c.chainID)
	}
	if ch.State != chantypes.OPEN {
		return provider.PacketInfo{}, fmt.Errorf("channel %s on %s is %s, not OPEN", channelID, c.chainID, ch.State)
	}

	seq := c.nextSeqSend[key]
	if seq == 0 {
		seq = 1
	}
	c.nextSeqSend[key] = seq + 1

	info := provider.PacketInfo{
		Height:           c.height,
		Sequence:         seq,
		SourcePort:       portID,
		SourceChannel:    channelID,
		DestPort:         ch.Counterparty.PortId,
		DestChannel:      ch.Counterparty.ChannelId,
		ChannelOrder:     ch.Ordering.String(),
		Data:             data,
		TimeoutHeight:    timeoutHeight,
		TimeoutTimestamp: timeoutTimestamp,
	}
	if c.commitments[key] == nil {
		c.commitments[key] = make(map[uint64]provider.PacketInfo)
	}
	c.commitments[key][seq] = info

	c.emit(provider.Event{Type: chantypes.EventTypeSendPacket, Packet: &info})
	return info, nil
}

// Commitments lists the outstanding commitment sequences on a channel end,
// sorted.
func (c *Chain) Commitments(channelID, portID string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chanKey{channelID, portID}
	seqs := make([]uint64, 0, len(c.commitments[key]))
	for seq := range c.commitments[key] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// HasReceipt reports whether an unordered channel end received a sequence.
func (c *Chain) HasReceipt(channelID, portID string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[chanKey{channelID, portID}][seq]
}

// NextSequenceRecv reads an ordered channel end's receive cursor.
func (c *Chain) NextSequenceRecv(channelID, portID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeqRecvLocked(chanKey{channelID, portID})
}

func (c *Chain) nextSeqRecvLocked(key chanKey) uint64 {
	if next, ok := c.nextSeqRecv[key]; ok {
		return next
	}
	return 1
}

// applyMessages executes a transaction. Messages apply in order; an error
// aborts the transaction. A transaction in which nothing applied is the
// redundant-relay case and fails with ErrRedundantTx, matching how chains
// reject no-op relay transactions.
func (c *Chain) applyMessages(msgs []provider.RelayerMessage) (*provider.RelayerTxResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	worked := 0
	for _, m := range msgs {
		mm, ok := m.(*Message)
		if !ok {
			return nil, fmt.Errorf("message type %T is not a mock message", m)
		}
		applied, err := mm.apply(c)
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", mm.Type(), err)
		}
		if applied {
			worked++
		}
	}
	if worked == 0 && len(msgs) > 0 {
		return nil, chantypes.ErrRedundantTx
	}

	c.txSeq++
	return &provider.RelayerTxResponse{
		Height: int64(c.height),
		TxHash: fmt.Sprintf("%s-tx-%d", c.chainID, c.txSeq),
	}, nil
}
