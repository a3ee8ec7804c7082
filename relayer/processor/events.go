package processor

import (
	"fmt"

	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"

	"github.com/straitlabs/strait/relayer/provider"
)

// Event class sets used for validation and routing.
var (
	packetEventTypes = map[string]bool{
		chantypes.EventTypeSendPacket:        true,
		chantypes.EventTypeRecvPacket:        true,
		chantypes.EventTypeWriteAck:          true,
		chantypes.EventTypeAcknowledgePacket: true,
		chantypes.EventTypeTimeoutPacket:     true,
	}

	channelEventTypes = map[string]bool{
		chantypes.EventTypeChannelOpenInit:     true,
		chantypes.EventTypeChannelOpenTry:      true,
		chantypes.EventTypeChannelOpenAck:      true,
		chantypes.EventTypeChannelOpenConfirm:  true,
		chantypes.EventTypeChannelCloseInit:    true,
		chantypes.EventTypeChannelCloseConfirm: true,
		chantypes.EventTypeChannelClosed:       true,
	}

	connectionEventTypes = map[string]bool{
		conntypes.EventTypeConnectionOpenInit:    true,
		conntypes.EventTypeConnectionOpenTry:     true,
		conntypes.EventTypeConnectionOpenAck:     true,
		conntypes.EventTypeConnectionOpenConfirm: true,
	}

	clientEventTypes = map[string]bool{
		clienttypes.EventTypeCreateClient:       true,
		clienttypes.EventTypeUpdateClient:       true,
		clienttypes.EventTypeSubmitMisbehaviour: true,
	}
)

// validateEvent reports why an event cannot be routed, or nil for a
// well-formed event. Malformed events are logged and dropped by the
// scheduler; they never spawn workers.
func validateEvent(e provider.Event) error {
	switch {
	case packetEventTypes[e.Type]:
		if e.Packet == nil {
			return fmt.Errorf("%s event missing packet info", e.Type)
		}
		if e.Packet.Sequence == 0 {
			return fmt.Errorf("%s event has zero sequence", e.Type)
		}
		if e.Packet.SourceChannel == "" || e.Packet.SourcePort == "" {
			return fmt.Errorf("%s event missing source channel identity", e.Type)
		}
	case channelEventTypes[e.Type]:
		if e.Channel == nil {
			return fmt.Errorf("%s event missing channel info", e.Type)
		}
		if e.Channel.ChannelID == "" && e.Type != chantypes.EventTypeChannelOpenInit {
			return fmt.Errorf("%s event missing channel id", e.Type)
		}
		if e.Channel.PortID == "" {
			return fmt.Errorf("%s event missing port id", e.Type)
		}
	case connectionEventTypes[e.Type]:
		if e.Connection == nil {
			return fmt.Errorf("%s event missing connection info", e.Type)
		}
		if e.Connection.ConnID == "" && e.Type != conntypes.EventTypeConnectionOpenInit {
			return fmt.Errorf("%s event missing connection id", e.Type)
		}
	case clientEventTypes[e.Type]:
		if e.Client == nil {
			return fmt.Errorf("%s event missing client info", e.Type)
		}
		if e.Client.ClientID == "" {
			return fmt.Errorf("%s event missing client id", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
