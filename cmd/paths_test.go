package cmd_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/cmd"
	"github.com/straitlabs/strait/internal/relayertest"
	"github.com/straitlabs/strait/relayer/chains/mock"
	"github.com/straitlabs/strait/relayer/processor"
)

func addMockChain(t *testing.T, sys *relayertest.System, name, chainID, address string) {
	t.Helper()
	sys.MustAddChain(t, name, cmd.ProviderConfigWrapper{
		Type: "mock",
		Value: mock.ProviderConfig{
			ChainID: chainID,
			Address: address,
		},
	})
}

func TestPathsNewShowDelete(t *testing.T) {
	t.Cleanup(mock.ResetChains)

	sys := relayertest.NewSystem(t)
	sys.MustRun(t, "config", "init")

	// paths require both chains to be configured first
	res := sys.Run(zaptest.NewLogger(t), "paths", "new", "mocknet-1", "mocknet-2", "demo")
	require.ErrorContains(t, res.Err, "chains need to be configured")

	addMockChain(t, sys, "testChainA", "mocknet-1", "mock1relayer")
	addMockChain(t, sys, "testChainB", "mocknet-2", "mock2relayer")

	sys.MustRun(t, "paths", "new", "mocknet-1", "mocknet-2", "demo")

	config := sys.MustGetConfig(t)
	require.Len(t, config.Paths, 1)
	p, err := config.Paths.Get("demo")
	require.NoError(t, err)
	require.Equal(t, "mocknet-1", p.Src.ChainID)
	require.Equal(t, "mocknet-2", p.Dst.ChainID)

	res = sys.Run(zaptest.NewLogger(t), "paths", "new", "mocknet-1", "mocknet-2", "demo")
	require.ErrorContains(t, res.Err, "already exists")

	res = sys.MustRun(t, "paths", "list", "--json")
	require.Contains(t, res.Stdout.String(), `"demo"`)

	res = sys.MustRun(t, "paths", "show", "demo")
	require.Contains(t, res.Stdout.String(), `Path "demo"`)
	require.Contains(t, res.Stdout.String(), "mocknet-1")

	sys.MustRun(t, "paths", "delete", "demo")
	require.Empty(t, sys.MustGetConfig(t).Paths)

	res = sys.Run(zaptest.NewLogger(t), "paths", "delete", "demo")
	require.Error(t, res.Err)
}

func TestPathsUpdateFilter(t *testing.T) {
	t.Cleanup(mock.ResetChains)

	sys := relayertest.NewSystem(t)
	sys.MustRun(t, "config", "init")
	addMockChain(t, sys, "testChainA", "mocknet-1", "mock1relayer")
	addMockChain(t, sys, "testChainB", "mocknet-2", "mock2relayer")
	sys.MustRun(t, "paths", "new", "mocknet-1", "mocknet-2", "demo")

	sys.MustRun(t, "paths", "update", "demo",
		"--filter-rule", processor.RuleAllowList,
		"--filter-channels", "channel-0:transfer,channel-1")

	p, err := sys.MustGetConfig(t).Paths.Get("demo")
	require.NoError(t, err)
	require.Equal(t, processor.RuleAllowList, p.Filter.Rule)
	require.Equal(t, []processor.ChannelMatch{
		{ChannelID: "channel-0", PortID: "transfer"},
		{ChannelID: "channel-1"},
	}, p.Filter.List)

	res := sys.Run(zaptest.NewLogger(t), "paths", "update", "demo", "--filter-rule", "blocklist")
	require.ErrorContains(t, res.Err, "invalid filter rule")
}
