package processor

import (
	"github.com/straitlabs/strait/relayer/provider"
)

// PathEnd is one side of a relay path: the chain, the client it hosts for
// the counterparty, and the connection the path relays over.
type PathEnd struct {
	ChainProvider provider.ChainProvider
	ClientID      string
	ConnectionID  string
}

const (
	RuleAllowList = "allowlist"
	RuleDenyList  = "denylist"
)

// ChannelMatch is one filter entry. An empty PortID matches every port on
// the channel.
type ChannelMatch struct {
	ChannelID string `yaml:"channel-id" json:"channel-id"`
	PortID    string `yaml:"port-id,omitempty" json:"port-id,omitempty"`
}

func (m ChannelMatch) matches(channelID, portID string) bool {
	if m.ChannelID == "" || m.ChannelID != channelID {
		return false
	}
	return m.PortID == "" || m.PortID == portID
}

// ChannelFilter restricts which channels a path relays. Rule is
// RuleAllowList, RuleDenyList, or empty for no filtering. Entries match
// either end of a channel, so one filter covers both directions.
type ChannelFilter struct {
	Rule string         `yaml:"rule" json:"rule"`
	List []ChannelMatch `yaml:"channel-list" json:"channel-list"`
}

// Permits reports whether packets on the channel may be relayed. A
// filtered-out channel never spawns packet workers and is skipped by clear
// passes.
func (f ChannelFilter) Permits(channelID, portID, counterpartyChannelID, counterpartyPortID string) bool {
	switch f.Rule {
	case RuleAllowList:
		for _, m := range f.List {
			if m.matches(channelID, portID) || m.matches(counterpartyChannelID, counterpartyPortID) {
				return true
			}
		}
		return false
	case RuleDenyList:
		for _, m := range f.List {
			if m.matches(channelID, portID) || m.matches(counterpartyChannelID, counterpartyPortID) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
