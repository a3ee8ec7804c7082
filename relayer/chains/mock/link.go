package mock

import (
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	commitmenttypes "github.com/cosmos/ibc-go/v8/modules/core/23-commitment/types"

	"github.com/straitlabs/strait/relayer/provider"
)

// Link names the identifiers joining two chains: the client each hosts for
// the other, the connection between them, and one channel per end.
type Link struct {
	ChainA *Chain
	ChainB *Chain

	ClientOnA string
	ClientOnB string
	ConnOnA   string
	ConnOnB   string

	ChannelOnA string
	ChannelOnB string
	Port       string
	Order      chantypes.Order
}

// LinkChains seeds a and b with open clients, an open connection, and an
// open channel of the given ordering, returning the identifiers. Each chain
// numbers its own identifiers, so both ends read the same.
func LinkChains(a, b *Chain, order chantypes.Order) Link {
	link := Link{
		ChainA:     a,
		ChainB:     b,
		ClientOnA:  "07-mock-0",
		ClientOnB:  "07-mock-0",
		ConnOnA:    "connection-0",
		ConnOnB:    "connection-0",
		ChannelOnA: "channel-0",
		ChannelOnB: "channel-0",
		Port:       "transfer",
		Order:      order,
	}

	seedClient(a, link.ClientOnA, b)
	seedClient(b, link.ClientOnB, a)

	prefix := commitmenttypes.NewMerklePrefix([]byte("ibc"))
	a.AddConnection(link.ConnOnA, conntypes.ConnectionEnd{
		ClientId: link.ClientOnA,
		Versions: []*conntypes.Version{conntypes.DefaultIBCVersion},
		State:    conntypes.OPEN,
		Counterparty: conntypes.Counterparty{
			ClientId:     link.ClientOnB,
			ConnectionId: link.ConnOnB,
			Prefix:       prefix,
		},
	})
	b.AddConnection(link.ConnOnB, conntypes.ConnectionEnd{
		ClientId: link.ClientOnB,
		Versions: []*conntypes.Version{conntypes.DefaultIBCVersion},
		State:    conntypes.OPEN,
		Counterparty: conntypes.Counterparty{
			ClientId:     link.ClientOnA,
			ConnectionId: link.ConnOnA,
			Prefix:       prefix,
		},
	})

	a.AddChannel(link.ChannelOnA, link.Port, chantypes.Channel{
		State:          chantypes.OPEN,
		Ordering:       order,
		Counterparty:   chantypes.NewCounterparty(link.Port, link.ChannelOnB),
		ConnectionHops: []string{link.ConnOnA},
		Version:        "ics20-1",
	})
	b.AddChannel(link.ChannelOnB, link.Port, chantypes.Channel{
		State:          chantypes.OPEN,
		Ordering:       order,
		Counterparty:   chantypes.NewCounterparty(link.Port, link.ChannelOnA),
		ConnectionHops: []string{link.ConnOnB},
		Version:        "ics20-1",
	})

	return link
}

// seedClient hosts a client for remote on host, trusting remote's current
// header.
func seedClient(host *Chain, clientID string, remote *Chain) {
	height := remote.Height()
	header := remote.HeaderAt(height)
	host.AddClient(provider.ClientState{
		ClientID:        clientID,
		ConsensusHeight: clienttypes.NewHeight(remote.Revision(), height),
		TrustingPeriod:  defaultTrustingPeriod,
		ConsensusTime:   header.Time,
	})
	host.SetClientConsensus(clientID, height, header.ConsensusState())
}
