package processor

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// ObjectKind enumerates the kinds of objects a worker can own.
type ObjectKind int

const (
	ObjectClient ObjectKind = iota + 1
	ObjectConnection
	ObjectChannel
	ObjectPacket
	ObjectWallet
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectClient:
		return "client"
	case ObjectConnection:
		return "connection"
	case ObjectChannel:
		return "channel"
	case ObjectPacket:
		return "packet"
	case ObjectWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// WorkerObject identifies one unit of relaying work and doubles as the
// registry key. Two objects are the same iff the kind and every identity
// field match; fields a kind does not use stay zero and remain part of the
// identity.
type WorkerObject struct {
	Kind ObjectKind

	// SrcChainID is the chain whose events drive the worker. DstChainID is
	// the chain the worker submits to. Wallet workers set both to their own
	// chain; client workers host the client on DstChainID.
	SrcChainID string
	DstChainID string

	// ClientID of the hosted client, for client workers.
	ClientID string

	// ConnID of the connection end on SrcChainID, for connection workers.
	ConnID string

	// ChannelID and PortID of the channel end on SrcChainID, for channel
	// and packet workers.
	ChannelID string
	PortID    string
}

// ClientObject is the update/misbehaviour worker for the client clientID
// hosted on dstChainID tracking srcChainID.
func ClientObject(srcChainID, dstChainID, clientID string) WorkerObject {
	return WorkerObject{Kind: ObjectClient, SrcChainID: srcChainID, DstChainID: dstChainID, ClientID: clientID}
}

// ConnectionObject is the handshake worker for the connection end connID on
// srcChainID, submitting counterparty steps to dstChainID.
func ConnectionObject(srcChainID, dstChainID, connID string) WorkerObject {
	return WorkerObject{Kind: ObjectConnection, SrcChainID: srcChainID, DstChainID: dstChainID, ConnID: connID}
}

// ChannelObject is the handshake worker for the channel end on srcChainID.
func ChannelObject(srcChainID, dstChainID, channelID, portID string) WorkerObject {
	return WorkerObject{Kind: ObjectChannel, SrcChainID: srcChainID, DstChainID: dstChainID, ChannelID: channelID, PortID: portID}
}

// PacketObject is the packet worker for traffic sent on the channel end on
// srcChainID and delivered to dstChainID.
func PacketObject(srcChainID, dstChainID, channelID, portID string) WorkerObject {
	return WorkerObject{Kind: ObjectPacket, SrcChainID: srcChainID, DstChainID: dstChainID, ChannelID: channelID, PortID: portID}
}

// WalletObject is the balance monitor for chainID.
func WalletObject(chainID string) WorkerObject {
	return WorkerObject{Kind: ObjectWallet, SrcChainID: chainID, DstChainID: chainID}
}

func (o WorkerObject) String() string {
	switch o.Kind {
	case ObjectClient:
		return fmt.Sprintf("client{%s on %s tracking %s}", o.ClientID, o.DstChainID, o.SrcChainID)
	case ObjectConnection:
		return fmt.Sprintf("connection{%s on %s}", o.ConnID, o.SrcChainID)
	case ObjectChannel:
		return fmt.Sprintf("channel{%s:%s on %s}", o.ChannelID, o.PortID, o.SrcChainID)
	case ObjectPacket:
		return fmt.Sprintf("packet{%s:%s %s->%s}", o.ChannelID, o.PortID, o.SrcChainID, o.DstChainID)
	case ObjectWallet:
		return fmt.Sprintf("wallet{%s}", o.SrcChainID)
	default:
		return "unknown"
	}
}

// MarshalLogObject satisfies zapcore.ObjectMarshaler.
func (o WorkerObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", o.Kind.String())
	enc.AddString("src_chain_id", o.SrcChainID)
	enc.AddString("dst_chain_id", o.DstChainID)
	if o.ClientID != "" {
		enc.AddString("client_id", o.ClientID)
	}
	if o.ConnID != "" {
		enc.AddString("conn_id", o.ConnID)
	}
	if o.ChannelID != "" {
		enc.AddString("channel_id", o.ChannelID)
		enc.AddString("port_id", o.PortID)
	}
	return nil
}
