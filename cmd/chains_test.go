package cmd_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/cmd"
	"github.com/straitlabs/strait/internal/relayertest"
	"github.com/straitlabs/strait/relayer/chains/mock"
)

func TestChainsAddShowDelete(t *testing.T) {
	// config-built mock chains live in a process-wide registry
	t.Cleanup(mock.ResetChains)

	sys := relayertest.NewSystem(t)
	sys.MustRun(t, "config", "init")

	sys.MustAddChain(t, "testChain", cmd.ProviderConfigWrapper{
		Type: "mock",
		Value: mock.ProviderConfig{
			ChainID: "mocknet-1",
			Address: "mock1relayer",
		},
	})

	config := sys.MustGetConfig(t)
	require.Len(t, config.ProviderConfigs, 1)
	wrapper, ok := config.ProviderConfigs["testChain"]
	require.True(t, ok, "chain must be stored under its configured name")
	require.Equal(t, "mock", wrapper.Type)
	pc, ok := wrapper.Value.(*mock.ProviderConfig)
	require.True(t, ok)
	require.Equal(t, "mocknet-1", pc.ChainID)
	require.Equal(t, "mock1relayer", pc.Address)

	res := sys.MustRun(t, "chains", "list")
	require.Contains(t, res.Stdout.String(), "testChain")
	require.Contains(t, res.Stdout.String(), "type(mock)")

	res = sys.MustRun(t, "chains", "show", "testChain")
	require.Contains(t, res.Stdout.String(), "chain-id: mocknet-1")

	res = sys.Run(zaptest.NewLogger(t), "chains", "show", "ghostChain")
	require.Error(t, res.Err)

	sys.MustRun(t, "chains", "delete", "testChain")
	require.Empty(t, sys.MustGetConfig(t).ProviderConfigs)

	res = sys.Run(zaptest.NewLogger(t), "chains", "delete", "testChain")
	require.Error(t, res.Err)
}

func TestChainsAddRejectsUnknownType(t *testing.T) {
	t.Cleanup(mock.ResetChains)

	sys := relayertest.NewSystem(t)
	sys.MustRun(t, "config", "init")

	res := sys.Run(zaptest.NewLogger(t), "chains", "add", "badChain")
	require.ErrorContains(t, res.Err, "expected either --file or --url")
}
