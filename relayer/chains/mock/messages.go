package mock

import (
	"fmt"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	commitmenttypes "github.com/cosmos/ibc-go/v8/modules/core/23-commitment/types"
	ibcexported "github.com/cosmos/ibc-go/v8/modules/core/exported"

	"github.com/straitlabs/strait/relayer/provider"
)

// Message is the RelayerMessage every mock constructor returns. It carries
// the state transition to run on the chain that receives it. apply reports
// whether the message changed anything; a transaction where nothing applied
// is rejected as redundant.
type Message struct {
	typ   string
	bytes []byte
	apply func(c *Chain) (bool, error)
}

var _ provider.RelayerMessage = (*Message)(nil)

func (m *Message) Type() string { return m.typ }

func (m *Message) MsgBytes() ([]byte, error) { return m.bytes, nil }

func newMessage(typ string, size []byte, apply func(c *Chain) (bool, error)) *Message {
	return &Message{
		typ:   typ,
		bytes: append(fmt.Appendf(nil, "%s/", typ), size...),
		apply: apply,
	}
}

func (p *Provider) MsgUpdateClientHeader(latestHeader provider.IBCHeader, trustedHeight clienttypes.Height, trustedHeader provider.IBCHeader) (ibcexported.ClientMessage, error) {
	h, ok := latestHeader.(Header)
	if !ok {
		return nil, fmt.Errorf("header type %T is not a mock header", latestHeader)
	}
	if trustedHeader == nil {
		return nil, fmt.Errorf("no trusted header for height %d", trustedHeight.RevisionHeight)
	}
	if h.Block <= trustedHeight.RevisionHeight {
		return nil, fmt.Errorf("latest header height %d is not above trusted height %d", h.Block, trustedHeight.RevisionHeight)
	}
	return &ClientMessage{Header: h}, nil
}

func (p *Provider) MsgUpdateClient(clientID string, counterpartyHeader ibcexported.ClientMessage) (provider.RelayerMessage, error) {
	cm, ok := counterpartyHeader.(*ClientMessage)
	if !ok {
		return nil, fmt.Errorf("client message type %T is not a mock client message", counterpartyHeader)
	}
	header := cm.Header
	return newMessage("update_client", header.Bytes(), func(c *Chain) (bool, error) {
		rec, ok := c.clients[clientID]
		if !ok {
			return false, fmt.Errorf("client %s not found on %s", clientID, c.chainID)
		}
		if rec.state.Frozen() {
			return false, fmt.Errorf("client %s on %s is frozen", clientID, c.chainID)
		}
		height := clienttypes.NewHeight(clienttypes.ParseChainID(header.ChainID), header.Block)
		if rec.state.ConsensusHeight.GTE(height) {
			// already at or past this height; duplicate updates are no-ops
			return true, nil
		}
		rec.consensus[header.Block] = header.ConsensusState()
		rec.state.ConsensusHeight = height
		rec.state.ConsensusTime = header.Time
		c.emit(provider.Event{
			Type: clienttypes.EventTypeUpdateClient,
			Client: &provider.ClientInfo{
				ClientID:        clientID,
				ConsensusHeight: height,
				Header:          header.Bytes(),
			},
		})
		return true, nil
	}), nil
}

func (p *Provider) MsgSubmitMisbehaviour(clientID string, observedHeader []byte, canonicalHeader provider.IBCHeader) (provider.RelayerMessage, error) {
	if len(observedHeader) == 0 {
		return nil, fmt.Errorf("no observed header in evidence for client %s", clientID)
	}
	if _, ok := canonicalHeader.(Header); !ok {
		return nil, fmt.Errorf("canonical header type %T is not a mock header", canonicalHeader)
	}
	return newMessage("submit_misbehaviour", observedHeader, func(c *Chain) (bool, error) {
		rec, ok := c.clients[clientID]
		if !ok {
			return false, fmt.Errorf("client %s not found on %s", clientID, c.chainID)
		}
		if rec.state.Frozen() {
			return false, nil
		}
		rec.state.FrozenHeight = clienttypes.NewHeight(0, 1)
		c.emit(provider.Event{
			Type: clienttypes.EventTypeSubmitMisbehaviour,
			Client: &provider.ClientInfo{
				ClientID:        clientID,
				ConsensusHeight: rec.state.ConsensusHeight,
			},
		})
		return true, nil
	}), nil
}

// timedOutLocked reports whether a packet expired relative to this chain's
// current block. Callers hold the chain mutex.
func timedOutLocked(c *Chain, info provider.PacketInfo) bool {
	if !info.TimeoutHeight.IsZero() && clienttypes.NewHeight(c.revision, c.height).GTE(info.TimeoutHeight) {
		return true
	}
	return info.TimeoutTimestamp > 0 && uint64(c.blockTime(c.height).UnixNano()) >= info.TimeoutTimestamp
}

func (p *Provider) MsgRecvPacket(msgTransfer provider.PacketInfo, proof provider.PacketProof) (provider.RelayerMessage, error) {
	info := msgTransfer
	return newMessage("recv_packet", info.Data, func(c *Chain) (bool, error) {
		key := chanKey{info.DestChannel, info.DestPort}
		ch, ok := c.channels[key]
		if !ok {
			return false, fmt.Errorf("channel %s port %s not found on %s", key.channelID, key.portID, c.chainID)
		}
		if ch.State != chantypes.OPEN {
			return false, fmt.Errorf("channel %s on %s is %s, not OPEN", key.channelID, c.chainID, ch.State)
		}
		if timedOutLocked(c, info) {
			return false, fmt.Errorf("packet sequence %d received after timeout", info.Sequence)
		}

		if ch.Ordering == chantypes.ORDERED {
			next := c.nextSeqRecvLocked(key)
			switch {
			case info.Sequence < next:
				return false, nil
			case info.Sequence > next:
				return false, fmt.Errorf("packet sequence %d does not match next receive sequence %d", info.Sequence, next)
			}
			c.nextSeqRecv[key] = next + 1
		} else {
			if c.receipts[key][info.Sequence] {
				return false, nil
			}
			if c.receipts[key] == nil {
				c.receipts[key] = make(map[uint64]bool)
			}
			c.receipts[key][info.Sequence] = true
		}

		recv := info
		recv.Height = c.height
		recv.Ack = fmt.Appendf(nil, "ack/%s/%d", key.channelID, info.Sequence)
		if c.acks[key] == nil {
			c.acks[key] = make(map[uint64]provider.PacketInfo)
		}
		c.acks[key][info.Sequence] = recv

		c.emit(
			provider.Event{Type: chantypes.EventTypeRecvPacket, Packet: &recv},
			provider.Event{Type: chantypes.EventTypeWriteAck, Packet: &recv},
		)
		return true, nil
	}), nil
}

func (p *Provider) MsgAcknowledgement(msgRecvPacket provider.PacketInfo, proofAcked provider.PacketProof) (provider.RelayerMessage, error) {
	info := msgRecvPacket
	return newMessage("acknowledge_packet", info.Ack, func(c *Chain) (bool, error) {
		key := chanKey{info.SourceChannel, info.SourcePort}
		if _, ok := c.commitments[key][info.Sequence]; !ok {
			// already acknowledged or timed out by another relayer
			return false, nil
		}
		delete(c.commitments[key], info.Sequence)
		ack := info
		ack.Height = c.height
		c.emit(provider.Event{Type: chantypes.EventTypeAcknowledgePacket, Packet: &ack})
		return true, nil
	}), nil
}

// timeoutApply clears the commitment and, on ordered channels, closes the
// channel the way a timeout does on chain.
func timeoutApply(info provider.PacketInfo) func(c *Chain) (bool, error) {
	return func(c *Chain) (bool, error) {
		key := chanKey{info.SourceChannel, info.SourcePort}
		if _, ok := c.commitments[key][info.Sequence]; !ok {
			return false, nil
		}
		delete(c.commitments[key], info.Sequence)

		timedOut := info
		timedOut.Height = c.height
		c.emit(provider.Event{Type: chantypes.EventTypeTimeoutPacket, Packet: &timedOut})

		ch, ok := c.channels[key]
		if ok && ch.Ordering == chantypes.ORDERED && ch.State == chantypes.OPEN {
			ch.State = chantypes.CLOSED
			c.channels[key] = ch
			c.emit(provider.Event{Type: chantypes.EventTypeChannelClosed, Channel: &provider.ChannelInfo{
				Height:                c.height,
				PortID:                key.portID,
				ChannelID:             key.channelID,
				CounterpartyPortID:    ch.Counterparty.PortId,
				CounterpartyChannelID: ch.Counterparty.ChannelId,
				ConnID:                firstHop(ch),
				Order:                 ch.Ordering,
				Version:               ch.Version,
			}})
		}
		return true, nil
	}
}

func (p *Provider) MsgTimeout(msgTransfer provider.PacketInfo, proof provider.PacketProof) (provider.RelayerMessage, error) {
	return newMessage("timeout_packet", msgTransfer.Data, timeoutApply(msgTransfer)), nil
}

func (p *Provider) MsgTimeoutOnClose(msgTransfer provider.PacketInfo, proof provider.PacketProof) (provider.RelayerMessage, error) {
	return newMessage("timeout_on_close_packet", msgTransfer.Data, timeoutApply(msgTransfer)), nil
}

func firstHop(ch chantypes.Channel) string {
	if len(ch.ConnectionHops) == 0 {
		return ""
	}
	return ch.ConnectionHops[0]
}

// channelEventLocked describes a channel end from the applying chain's
// perspective. Callers hold the chain mutex.
func channelEventLocked(c *Chain, eventType string, key chanKey, ch chantypes.Channel) provider.Event {
	return provider.Event{Type: eventType, Channel: &provider.ChannelInfo{
		Height:                c.height,
		PortID:                key.portID,
		ChannelID:             key.channelID,
		CounterpartyPortID:    ch.Counterparty.PortId,
		CounterpartyChannelID: ch.Counterparty.ChannelId,
		ConnID:                firstHop(ch),
		Order:                 ch.Ordering,
		Version:               ch.Version,
	}}
}

// MsgChannelOpenTry runs on the chain counterparty to the INIT end
// described by msgOpenInit.
func (p *Provider) MsgChannelOpenTry(msgOpenInit provider.ChannelInfo, proof provider.ChannelProof) (provider.RelayerMessage, error) {
	info := msgOpenInit
	return newMessage("channel_open_try", nil, func(c *Chain) (bool, error) {
		portID := info.CounterpartyPortID
		if portID == "" {
			portID = info.PortID
		}
		channelID := info.CounterpartyChannelID
		if channelID == "" {
			channelID = c.nextID("channel")
		}
		key := chanKey{channelID, portID}
		if existing, ok := c.channels[key]; ok && existing.State != chantypes.UNINITIALIZED {
			return false, nil
		}

		ch := chantypes.Channel{
			State:          chantypes.TRYOPEN,
			Ordering:       proof.Ordering,
			Counterparty:   chantypes.NewCounterparty(info.PortID, info.ChannelID),
			ConnectionHops: []string{info.CounterpartyConnID},
			Version:        proof.Version,
		}
		c.channels[key] = ch
		c.emit(channelEventLocked(c, chantypes.EventTypeChannelOpenTry, key, ch))
		return true, nil
	}), nil
}

// MsgChannelOpenAck runs on the INIT chain; msgOpenTry describes the
// TRYOPEN end.
func (p *Provider) MsgChannelOpenAck(msgOpenTry provider.ChannelInfo, proof provider.ChannelProof) (provider.RelayerMessage, error) {
	info := msgOpenTry
	return newMessage("channel_open_ack", nil, func(c *Chain) (bool, error) {
		key := chanKey{info.CounterpartyChannelID, info.CounterpartyPortID}
		ch, ok := c.channels[key]
		if !ok {
			return false, fmt.Errorf("channel %s port %s not found on %s", key.channelID, key.portID, c.chainID)
		}
		switch ch.State {
		case chantypes.OPEN:
			return false, nil
		case chantypes.INIT:
		default:
			return false, fmt.Errorf("channel %s on %s is %s, cannot ack", key.channelID, c.chainID, ch.State)
		}
		ch.State = chantypes.OPEN
		ch.Counterparty = chantypes.NewCounterparty(info.PortID, info.ChannelID)
		c.channels[key] = ch
		c.emit(channelEventLocked(c, chantypes.EventTypeChannelOpenAck, key, ch))
		return true, nil
	}), nil
}

// MsgChannelOpenConfirm runs on the TRYOPEN chain; msgOpenAck describes the
// end that just opened.
func (p *Provider) MsgChannelOpenConfirm(msgOpenAck provider.ChannelInfo, proof provider.ChannelProof) (provider.RelayerMessage, error) {
	info := msgOpenAck
	return newMessage("channel_open_confirm", nil, func(c *Chain) (bool, error) {
		key := chanKey{info.CounterpartyChannelID, info.CounterpartyPortID}
		ch, ok := c.channels[key]
		if !ok {
			return false, fmt.Errorf("channel %s port %s not found on %s", key.channelID, key.portID, c.chainID)
		}
		switch ch.State {
		case chantypes.OPEN:
			return false, nil
		case chantypes.TRYOPEN:
		default:
			return false, fmt.Errorf("channel %s on %s is %s, cannot confirm", key.channelID, c.chainID, ch.State)
		}
		ch.State = chantypes.OPEN
		c.channels[key] = ch
		c.emit(channelEventLocked(c, chantypes.EventTypeChannelOpenConfirm, key, ch))
		return true, nil
	}), nil
}

// MsgChannelCloseConfirm runs on the still-open chain; msgCloseInit
// describes the CLOSED end.
func (p *Provider) MsgChannelCloseConfirm(msgCloseInit provider.ChannelInfo, proof provider.ChannelProof) (provider.RelayerMessage, error) {
	info := msgCloseInit
	return newMessage("channel_close_confirm", nil, func(c *Chain) (bool, error) {
		key := chanKey{info.CounterpartyChannelID, info.CounterpartyPortID}
		ch, ok := c.channels[key]
		if !ok {
			return false, fmt.Errorf("channel %s port %s not found on %s", key.channelID, key.portID, c.chainID)
		}
		if ch.State == chantypes.CLOSED {
			return false, nil
		}
		ch.State = chantypes.CLOSED
		c.channels[key] = ch
		c.emit(
			channelEventLocked(c, chantypes.EventTypeChannelCloseConfirm, key, ch),
			channelEventLocked(c, chantypes.EventTypeChannelClosed, key, ch),
		)
		return true, nil
	}), nil
}

// connectionEventLocked describes a connection end from the applying
// chain's perspective. Callers hold the chain mutex.
func connectionEventLocked(c *Chain, eventType, connID string, conn conntypes.ConnectionEnd) provider.Event {
	return provider.Event{Type: eventType, Connection: &provider.ConnectionInfo{
		Height:               c.height,
		ClientID:             conn.ClientId,
		ConnID:               connID,
		CounterpartyClientID: conn.Counterparty.ClientId,
		CounterpartyConnID:   conn.Counterparty.ConnectionId,
	}}
}

// MsgConnectionOpenTry runs on the chain counterparty to the INIT end
// described by msgOpenInit.
func (p *Provider) MsgConnectionOpenTry(msgOpenInit provider.ConnectionInfo, proof provider.ConnectionProof) (provider.RelayerMessage, error) {
	info := msgOpenInit
	return newMessage("connection_open_try", nil, func(c *Chain) (bool, error) {
		connID := info.CounterpartyConnID
		if connID == "" {
			connID = c.nextID("connection")
		}
		if existing, ok := c.conns[connID]; ok && existing.State != conntypes.UNINITIALIZED {
			return false, nil
		}

		conn := conntypes.ConnectionEnd{
			ClientId: info.CounterpartyClientID,
			Versions: []*conntypes.Version{conntypes.DefaultIBCVersion},
			State:    conntypes.TRYOPEN,
			Counterparty: conntypes.Counterparty{
				ClientId:     info.ClientID,
				ConnectionId: info.ConnID,
				Prefix:       commitmenttypes.NewMerklePrefix([]byte("ibc")),
			},
		}
		c.conns[connID] = conn
		c.emit(connectionEventLocked(c, conntypes.EventTypeConnectionOpenTry, connID, conn))
		return true, nil
	}), nil
}

// MsgConnectionOpenAck runs on the INIT chain; msgOpenTry describes the
// TRYOPEN end.
func (p *Provider) MsgConnectionOpenAck(msgOpenTry provider.ConnectionInfo, proof provider.ConnectionProof) (provider.RelayerMessage, error) {
	info := msgOpenTry
	return newMessage("connection_open_ack", nil, func(c *Chain) (bool, error) {
		connID := info.CounterpartyConnID
		conn, ok := c.conns[connID]
		if !ok {
			return false, fmt.Errorf("connection %s not found on %s", connID, c.chainID)
		}
		switch conn.State {
		case conntypes.OPEN:
			return false, nil
		case conntypes.INIT:
		default:
			return false, fmt.Errorf("connection %s on %s is %s, cannot ack", connID, c.chainID, conn.State)
		}
		conn.State = conntypes.OPEN
		conn.Counterparty.ConnectionId = info.ConnID
		conn.Counterparty.ClientId = info.ClientID
		c.conns[connID] = conn
		c.emit(connectionEventLocked(c, conntypes.EventTypeConnectionOpenAck, connID, conn))
		return true, nil
	}), nil
}

// MsgConnectionOpenConfirm runs on the TRYOPEN chain; msgOpenAck describes
// the end that just opened.
func (p *Provider) MsgConnectionOpenConfirm(msgOpenAck provider.ConnectionInfo, proof provider.ConnectionProof) (provider.RelayerMessage, error) {
	info := msgOpenAck
	return newMessage("connection_open_confirm", nil, func(c *Chain) (bool, error) {
		connID := info.CounterpartyConnID
		conn, ok := c.conns[connID]
		if !ok {
			return false, fmt.Errorf("connection %s not found on %s", connID, c.chainID)
		}
		switch conn.State {
		case conntypes.OPEN:
			return false, nil
		case conntypes.TRYOPEN:
		default:
			return false, fmt.Errorf("connection %s on %s is %s, cannot confirm", connID, c.chainID, conn.State)
		}
		conn.State = conntypes.OPEN
		c.conns[connID] = conn
		c.emit(connectionEventLocked(c, conntypes.EventTypeConnectionOpenConfirm, connID, conn))
		return true, nil
	}), nil
}
