package processor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelFilterPermits(t *testing.T) {
	tests := []struct {
		name   string
		filter ChannelFilter
		want   bool
	}{
		{
			"no rule permits everything",
			ChannelFilter{},
			true,
		},
		{
			"allowlist match on near end",
			ChannelFilter{Rule: RuleAllowList, List: []ChannelMatch{{ChannelID: "channel-0"}}},
			true,
		},
		{
			"allowlist match on counterparty end",
			ChannelFilter{Rule: RuleAllowList, List: []ChannelMatch{{ChannelID: "channel-7"}}},
			true,
		},
		{
			"allowlist without match",
			ChannelFilter{Rule: RuleAllowList, List: []ChannelMatch{{ChannelID: "channel-9"}}},
			false,
		},
		{
			"allowlist with wrong port",
			ChannelFilter{Rule: RuleAllowList, List: []ChannelMatch{{ChannelID: "channel-0", PortID: "ica"}}},
			false,
		},
		{
			"allowlist with empty port matches any port",
			ChannelFilter{Rule: RuleAllowList, List: []ChannelMatch{{ChannelID: "channel-0", PortID: ""}}},
			true,
		},
		{
			"denylist match on near end",
			ChannelFilter{Rule: RuleDenyList, List: []ChannelMatch{{ChannelID: "channel-0"}}},
			false,
		},
		{
			"denylist match on counterparty end",
			ChannelFilter{Rule: RuleDenyList, List: []ChannelMatch{{ChannelID: "channel-7", PortID: "transfer"}}},
			false,
		},
		{
			"denylist without match",
			ChannelFilter{Rule: RuleDenyList, List: []ChannelMatch{{ChannelID: "channel-9"}}},
			true,
		},
		{
			"empty channel id entry never matches",
			ChannelFilter{Rule: RuleDenyList, List: []ChannelMatch{{PortID: "transfer"}}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.filter.Permits("channel-0", "transfer", "channel-7", "transfer")
			require.Equal(t, tt.want, got)
		})
	}
}
