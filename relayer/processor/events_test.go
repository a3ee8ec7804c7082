package processor

import (
	"testing"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/stretchr/testify/require"

	"github.com/straitlabs/strait/relayer/provider"
)

func TestValidateEvent(t *testing.T) {
	goodPacket := &provider.PacketInfo{
		Sequence:      1,
		SourceChannel: "channel-0",
		SourcePort:    "transfer",
	}

	tests := []struct {
		name    string
		event   provider.Event
		wantErr bool
	}{
		{
			"send packet",
			provider.Event{Type: chantypes.EventTypeSendPacket, Packet: goodPacket},
			false,
		},
		{
			"packet event without packet info",
			provider.Event{Type: chantypes.EventTypeSendPacket},
			true,
		},
		{
			"packet event with zero sequence",
			provider.Event{Type: chantypes.EventTypeRecvPacket, Packet: &provider.PacketInfo{
				SourceChannel: "channel-0", SourcePort: "transfer",
			}},
			true,
		},
		{
			"packet event without source channel",
			provider.Event{Type: chantypes.EventTypeWriteAck, Packet: &provider.PacketInfo{
				Sequence: 1, SourcePort: "transfer",
			}},
			true,
		},
		{
			"channel open try",
			provider.Event{Type: chantypes.EventTypeChannelOpenTry, Channel: &provider.ChannelInfo{
				ChannelID: "channel-0", PortID: "transfer",
			}},
			false,
		},
		{
			"channel event without channel info",
			provider.Event{Type: chantypes.EventTypeChannelOpenAck},
			true,
		},
		{
			// the initiating end has no channel id yet
			"channel open init without channel id",
			provider.Event{Type: chantypes.EventTypeChannelOpenInit, Channel: &provider.ChannelInfo{
				PortID: "transfer",
			}},
			false,
		},
		{
			"channel open ack without channel id",
			provider.Event{Type: chantypes.EventTypeChannelOpenAck, Channel: &provider.ChannelInfo{
				PortID: "transfer",
			}},
			true,
		},
		{
			"channel event without port id",
			provider.Event{Type: chantypes.EventTypeChannelCloseInit, Channel: &provider.ChannelInfo{
				ChannelID: "channel-0",
			}},
			true,
		},
		{
			"connection open init without connection id",
			provider.Event{Type: conntypes.EventTypeConnectionOpenInit, Connection: &provider.ConnectionInfo{}},
			false,
		},
		{
			"connection open ack without connection id",
			provider.Event{Type: conntypes.EventTypeConnectionOpenAck, Connection: &provider.ConnectionInfo{}},
			true,
		},
		{
			"connection event without connection info",
			provider.Event{Type: conntypes.EventTypeConnectionOpenTry},
			true,
		},
		{
			"update client",
			provider.Event{Type: clienttypes.EventTypeUpdateClient, Client: &provider.ClientInfo{
				ClientID: "07-mock-0",
			}},
			false,
		},
		{
			"client event without client id",
			provider.Event{Type: clienttypes.EventTypeUpdateClient, Client: &provider.ClientInfo{}},
			true,
		},
		{
			"unknown type",
			provider.Event{Type: "bogus"},
			true,
		},
		{
			"empty type",
			provider.Event{},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEvent(tt.event)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
