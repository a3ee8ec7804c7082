package provider

import (
	"context"
	"fmt"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BroadcastMode determines how the provider submits a batch of messages.
type BroadcastMode string

const (
	// BroadcastModeSingle sends each message in its own transaction.
	BroadcastModeSingle BroadcastMode = "single"

	// BroadcastModeBatch sends all messages in a single transaction.
	BroadcastModeBatch BroadcastMode = "batch"
)

// ProviderConfig is the unmarshaled chain configuration for one provider type.
type ProviderConfig interface {
	NewProvider(log *zap.Logger, homepath string, debug bool, chainName string) (ChainProvider, error)
	Validate() error
}

// RelayerMessage is an opaque chain-specific message, ready to be included in
// a transaction by the provider that constructed it.
type RelayerMessage interface {
	Type() string
	MsgBytes() ([]byte, error)
}

// RelayerEvent is an abridged transaction event.
type RelayerEvent struct {
	EventType  string
	Attributes map[string]string
}

// RelayerTxResponse is the parsed result of a broadcast transaction.
type RelayerTxResponse struct {
	Height    int64
	TxHash    string
	Codespace string
	Code      uint32
	Data      string
	Events    []RelayerEvent
}

// LatestBlock is the height and time of a chain's most recent block.
type LatestBlock struct {
	Height uint64
	Time   time.Time
}

// IBCHeader is a height-addressed header as needed for client updates
// and misbehaviour evidence. Implementations are chain specific.
type IBCHeader interface {
	Height() uint64
	ConsensusState() ibcexported.ConsensusState
	NextValidatorsHash() []byte
}

// ClientState holds the elements of a hosted light client's state that the
// relay engine acts on.
type ClientState struct {
	ClientID        string
	ConsensusHeight clienttypes.Height
	TrustingPeriod  time.Duration
	ConsensusTime   time.Time
	FrozenHeight    clienttypes.Height
}

// Frozen reports whether the client has been frozen for misbehaviour.
func (c ClientState) Frozen() bool {
	return !c.FrozenHeight.IsZero()
}

// ClientTrustedState pairs a client's on-chain state with the header it
// trusts, as required to assemble an update.
type ClientTrustedState struct {
	ClientState   ClientState
	TrustedHeader IBCHeader
}

// PacketInfo contains the packet fields emitted by send/recv/ack/timeout
// events, plus the channel ordering needed to relay it.
type PacketInfo struct {
	Height           uint64
	Sequence         uint64
	SourcePort       string
	SourceChannel    string
	DestPort         string
	DestChannel      string
	ChannelOrder     string
	Data             []byte
	TimeoutHeight    clienttypes.Height
	TimeoutTimestamp uint64
	Ack              []byte
}

// MarshalLogObject satisfies zapcore.ObjectMarshaler.
func (p PacketInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("sequence", p.Sequence)
	enc.AddString("src_port", p.SourcePort)
	enc.AddString("src_channel", p.SourceChannel)
	enc.AddString("dst_port", p.DestPort)
	enc.AddString("dst_channel", p.DestChannel)
	return nil
}

// PacketProof is a proof of packet-related chain state at a height.
type PacketProof struct {
	Proof       []byte
	ProofHeight clienttypes.Height
}

// ChannelInfo contains the channel handshake fields emitted by channel events.
type ChannelInfo struct {
	Height                uint64
	PortID                string
	ChannelID             string
	CounterpartyPortID    string
	CounterpartyChannelID string
	ConnID                string
	CounterpartyConnID    string
	Order                 chantypes.Order
	Version               string
}

// MarshalLogObject satisfies zapcore.ObjectMarshaler.
func (c ChannelInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("channel_id", c.ChannelID)
	enc.AddString("port_id", c.PortID)
	enc.AddString("counterparty_channel_id", c.CounterpartyChannelID)
	enc.AddString("counterparty_port_id", c.CounterpartyPortID)
	return nil
}

// ChannelProof is proof of a channel end's state, annotated with the
// ordering and version needed by handshake messages.
type ChannelProof struct {
	Proof       []byte
	ProofHeight clienttypes.Height
	Ordering    chantypes.Order
	Version     string
}

// ConnectionInfo contains the connection handshake fields emitted by
// connection events.
type ConnectionInfo struct {
	Height                       uint64
	ClientID                     string
	ConnID                       string
	CounterpartyClientID         string
	CounterpartyConnID           string
	CounterpartyCommitmentPrefix []byte
}

// ConnectionProof is proof of a connection end plus the client and consensus
// proofs the counterparty handshake step requires.
type ConnectionProof struct {
	ConsensusStateProof  []byte
	ConnectionStateProof []byte
	ClientStateProof     []byte
	ClientState          ibcexported.ClientState
	ProofHeight          clienttypes.Height
}

// ClientInfo contains the fields emitted by client create/update events.
type ClientInfo struct {
	ClientID        string
	ConsensusHeight clienttypes.Height
	Header          []byte
}

// Event is one chain event, tagged by the ibc event type string. Exactly one
// of the info fields is populated for a well-formed event.
type Event struct {
	Type       string
	Packet     *PacketInfo
	Channel    *ChannelInfo
	Connection *ConnectionInfo
	Client     *ClientInfo
}

// EventBatch is every relevant event from one block.
type EventBatch struct {
	ChainID string
	Height  uint64
	Time    time.Time
	Events  []Event
}

// ChainProvider is the capability a chain integration hands the relay
// engine: event subscription, state queries, message construction, and
// transaction broadcast. All blocking calls take a context.
type ChainProvider interface {
	QueryProvider

	ChainID() string
	// ChainName returns the name the chain is configured under, which may
	// differ from its chain ID.
	ChainName() string
	Type() string
	ProviderConfig() ProviderConfig
	Address() (string, error)
	BroadcastMode() BroadcastMode

	// Subscribe begins streaming event batches. The error channel reports a
	// terminated stream; callers resubscribe and must assume missed events.
	Subscribe(ctx context.Context) (<-chan EventBatch, <-chan error, error)

	// Client update and misbehaviour handling.
	MsgUpdateClientHeader(latestHeader IBCHeader, trustedHeight clienttypes.Height, trustedHeader IBCHeader) (ibcexported.ClientMessage, error)
	MsgUpdateClient(clientID string, counterpartyHeader ibcexported.ClientMessage) (RelayerMessage, error)
	// MsgSubmitMisbehaviour pairs a header observed in a client update event
	// with the canonical header for the same height.
	MsgSubmitMisbehaviour(clientID string, observedHeader []byte, canonicalHeader IBCHeader) (RelayerMessage, error)

	// Packet proof queries, each at the given source height.
	PacketCommitment(ctx context.Context, msgTransfer PacketInfo, height uint64) (PacketProof, error)
	PacketAcknowledgement(ctx context.Context, msgRecvPacket PacketInfo, height uint64) (PacketProof, error)
	PacketReceipt(ctx context.Context, msgTransfer PacketInfo, height uint64) (PacketProof, error)
	NextSeqRecv(ctx context.Context, msgTransfer PacketInfo, height uint64) (PacketProof, error)

	// Packet message construction.
	MsgRecvPacket(msgTransfer PacketInfo, proof PacketProof) (RelayerMessage, error)
	MsgAcknowledgement(msgRecvPacket PacketInfo, proofAcked PacketProof) (RelayerMessage, error)
	MsgTimeout(msgTransfer PacketInfo, proof PacketProof) (RelayerMessage, error)
	MsgTimeoutOnClose(msgTransfer PacketInfo, proof PacketProof) (RelayerMessage, error)

	// Handshake proof queries and message construction.
	ChannelProof(ctx context.Context, msg ChannelInfo, height uint64) (ChannelProof, error)
	MsgChannelOpenTry(msgOpenInit ChannelInfo, proof ChannelProof) (RelayerMessage, error)
	MsgChannelOpenAck(msgOpenTry ChannelInfo, proof ChannelProof) (RelayerMessage, error)
	MsgChannelOpenConfirm(msgOpenAck ChannelInfo, proof ChannelProof) (RelayerMessage, error)
	MsgChannelCloseConfirm(msgCloseInit ChannelInfo, proof ChannelProof) (RelayerMessage, error)

	ConnectionProof(ctx context.Context, msgOpenAck ConnectionInfo, height uint64) (ConnectionProof, error)
	MsgConnectionOpenTry(msgOpenInit ConnectionInfo, proof ConnectionProof) (RelayerMessage, error)
	MsgConnectionOpenAck(msgOpenTry ConnectionInfo, proof ConnectionProof) (RelayerMessage, error)
	MsgConnectionOpenConfirm(msgOpenAck ConnectionInfo, proof ConnectionProof) (RelayerMessage, error)

	// SendMessages estimates, signs, and broadcasts msgs as one transaction
	// (or several under BroadcastModeSingle). The bool reports on-chain
	// success, and the response is non-nil whenever the error is nil.
	// Estimation failures return EstimateGasError and nothing is broadcast.
	SendMessages(ctx context.Context, msgs []RelayerMessage, memo string) (*RelayerTxResponse, bool, error)
}

// QueryProvider is the read-only slice of a chain capability.
type QueryProvider interface {
	QueryLatestBlock(ctx context.Context) (LatestBlock, error)
	QueryIBCHeader(ctx context.Context, h int64) (IBCHeader, error)

	QueryClientState(ctx context.Context, height int64, clientID string) (ClientState, error)
	QueryClientConsensusState(ctx context.Context, chainHeight int64, clientID string, clientHeight ibcexported.Height) (ibcexported.ConsensusState, error)

	QueryConnection(ctx context.Context, height int64, connID string) (conntypes.ConnectionEnd, error)
	QueryChannel(ctx context.Context, height int64, channelID, portID string) (chantypes.Channel, error)

	// QueryConnectionChannels lists the channels using the given connection,
	// for discovering what a full clear pass must scan.
	QueryConnectionChannels(ctx context.Context, height int64, connID string) ([]chantypes.IdentifiedChannel, error)

	// QueryPacketCommitments returns the sequences with outstanding
	// commitments on the given channel end, fully paginated.
	QueryPacketCommitments(ctx context.Context, height uint64, channelID, portID string) ([]uint64, error)
	QueryUnreceivedPackets(ctx context.Context, height uint64, channelID, portID string, seqs []uint64) ([]uint64, error)
	QueryUnreceivedAcknowledgements(ctx context.Context, height uint64, channelID, portID string, seqs []uint64) ([]uint64, error)
	QueryNextSeqRecv(ctx context.Context, height int64, channelID, portID string) (uint64, error)

	// QuerySendPacket and QueryRecvPacket reconstruct full packet metadata
	// from historical events, for sequences discovered by a flush scan.
	QuerySendPacket(ctx context.Context, srcChanID, srcPortID string, sequence uint64) (PacketInfo, error)
	QueryRecvPacket(ctx context.Context, dstChanID, dstPortID string, sequence uint64) (PacketInfo, error)

	QueryBalance(ctx context.Context, address string) (sdk.Coins, error)
}

// String describes the event for error messages.
func (e Event) String() string {
	switch {
	case e.Packet != nil:
		return fmt.Sprintf("%s seq(%d) %s->%s", e.Type, e.Packet.Sequence, e.Packet.SourceChannel, e.Packet.DestChannel)
	case e.Channel != nil:
		return fmt.Sprintf("%s %s/%s", e.Type, e.Channel.ChannelID, e.Channel.PortID)
	case e.Connection != nil:
		return fmt.Sprintf("%s %s", e.Type, e.Connection.ConnID)
	case e.Client != nil:
		return fmt.Sprintf("%s %s", e.Type, e.Client.ClientID)
	default:
		return e.Type
	}
}
