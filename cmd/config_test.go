package cmd_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/straitlabs/strait/internal/relayertest"
)

func TestConfigInit(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)

	res := sys.MustRun(t, "config", "init")
	require.Empty(t, res.Stdout.String())
	require.Empty(t, res.Stderr.String())

	res = sys.Run(zaptest.NewLogger(t), "config", "init")
	require.ErrorContains(t, res.Err, "config already exists")
}

func TestConfigShow(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)

	// the config must exist before it can be shown
	res := sys.Run(zaptest.NewLogger(t), "config", "show")
	require.Error(t, res.Err)

	sys.MustRun(t, "config", "init")

	res = sys.MustRun(t, "config", "show")
	require.Contains(t, res.Stdout.String(), "global:")
	require.Contains(t, res.Stdout.String(), "debug-listen-addr:")

	res = sys.MustRun(t, "config", "show", "--json")
	require.Contains(t, res.Stdout.String(), `"global"`)

	res = sys.Run(zaptest.NewLogger(t), "config", "show", "--json", "--yaml")
	require.Error(t, res.Err)
}
