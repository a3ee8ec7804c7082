package mock

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"

	"github.com/straitlabs/strait/relayer/provider"
)

// ClientType identifies mock light clients.
const ClientType = "mock"

// Header is a mock chain's block header. It doubles as the light client
// header carried by client updates and misbehaviour evidence. The canonical
// header for a height is fully determined by the chain ID; anything with a
// different app hash at the same height is a conflicting header.
type Header struct {
	ChainID  string
	Block    uint64
	Time     time.Time
	AppHash  []byte
	NextVals []byte
}

var _ provider.IBCHeader = Header{}

func (h Header) Height() uint64 { return h.Block }

func (h Header) ConsensusState() ibcexported.ConsensusState {
	return &ConsensusState{
		Timestamp:          uint64(h.Time.UnixNano()),
		AppHash:            h.AppHash,
		NextValidatorsHash: h.NextVals,
	}
}

func (h Header) NextValidatorsHash() []byte { return h.NextVals }

// Bytes is the wire form carried in client update events.
func (h Header) Bytes() []byte {
	return fmt.Appendf(nil, "%s/%d/%x", h.ChainID, h.Block, h.AppHash)
}

// canonicalAppHash derives the app hash every honest header for the height
// carries.
func canonicalAppHash(chainID string, height uint64) []byte {
	sum := sha256.Sum256(fmt.Appendf(nil, "app/%s/%d", chainID, height))
	return sum[:]
}

func canonicalValsHash(chainID string, height uint64) []byte {
	sum := sha256.Sum256(fmt.Appendf(nil, "vals/%s/%d", chainID, height))
	return sum[:]
}

// ConsensusState is what a hosted mock client stores per consensus height.
type ConsensusState struct {
	Timestamp          uint64
	AppHash            []byte
	NextValidatorsHash []byte
}

var _ ibcexported.ConsensusState = (*ConsensusState)(nil)

func (cs *ConsensusState) ClientType() string    { return ClientType }
func (cs *ConsensusState) GetTimestamp() uint64  { return cs.Timestamp }
func (cs *ConsensusState) ValidateBasic() error  { return nil }
func (cs *ConsensusState) Reset()                { *cs = ConsensusState{} }
func (cs *ConsensusState) ProtoMessage()         {}
func (cs *ConsensusState) String() string {
	return fmt.Sprintf("mock consensus state t=%d app=%x", cs.Timestamp, cs.AppHash)
}

// Conflicts reports whether two consensus states for the same height cannot
// both be honest.
func (cs *ConsensusState) Conflicts(other *ConsensusState) bool {
	return cs.Timestamp != other.Timestamp ||
		!bytes.Equal(cs.AppHash, other.AppHash) ||
		!bytes.Equal(cs.NextValidatorsHash, other.NextValidatorsHash)
}

// ClientMessage carries a Header across the ibcexported.ClientMessage seam
// between header assembly and update submission.
type ClientMessage struct {
	Header Header
}

var _ ibcexported.ClientMessage = (*ClientMessage)(nil)

func (m *ClientMessage) ClientType() string { return ClientType }
func (m *ClientMessage) ValidateBasic() error {
	if m.Header.Block == 0 {
		return errors.New("client message header has zero height")
	}
	if m.Header.ChainID == "" {
		return errors.New("client message header has no chain id")
	}
	return nil
}
func (m *ClientMessage) Reset()         { *m = ClientMessage{} }
func (m *ClientMessage) ProtoMessage()  {}
func (m *ClientMessage) String() string { return fmt.Sprintf("mock client message h=%d", m.Header.Block) }
