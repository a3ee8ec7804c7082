package relayer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/straitlabs/strait/relayer/processor"
)

func validPath() *Path {
	return &Path{
		Src: &PathEnd{ChainID: "mocknet-1", ClientID: "07-mock-0", ConnectionID: "connection-0"},
		Dst: &PathEnd{ChainID: "mocknet-2", ClientID: "07-mock-0", ConnectionID: "connection-0"},
	}
}

func TestPathValidate(t *testing.T) {
	require.NoError(t, validPath().Validate())

	t.Run("missing ends", func(t *testing.T) {
		require.Error(t, (&Path{Src: validPath().Src}).Validate())
		require.Error(t, (&Path{Dst: validPath().Dst}).Validate())
	})

	t.Run("self path", func(t *testing.T) {
		p := validPath()
		p.Dst.ChainID = p.Src.ChainID
		require.ErrorContains(t, p.Validate(), "cannot relay a chain to itself")
	})

	t.Run("empty chain id", func(t *testing.T) {
		p := validPath()
		p.Src.ChainID = ""
		require.Error(t, p.Validate())
	})

	t.Run("invalid client id", func(t *testing.T) {
		p := validPath()
		p.Src.ClientID = "not/a/client"
		require.Error(t, p.Validate())
	})

	t.Run("invalid filter rule", func(t *testing.T) {
		p := validPath()
		p.Filter.Rule = "blocklist"
		require.ErrorContains(t, p.Validate(), "invalid channel filter rule")
	})

	t.Run("filter rules accepted", func(t *testing.T) {
		for _, rule := range []string{"", processor.RuleAllowList, processor.RuleDenyList} {
			p := validPath()
			p.Filter.Rule = rule
			p.Filter.List = []processor.ChannelMatch{{ChannelID: "channel-0"}}
			require.NoError(t, p.Validate(), "rule %q", rule)
		}
	})

	t.Run("empty identifiers are allowed", func(t *testing.T) {
		// a path may be configured before its clients and connections exist
		p := &Path{
			Src: &PathEnd{ChainID: "mocknet-1"},
			Dst: &PathEnd{ChainID: "mocknet-2"},
		}
		require.NoError(t, p.Validate())
	})
}

func TestPathsAdd(t *testing.T) {
	paths := Paths{}

	require.NoError(t, paths.Add("demo", validPath()))
	require.ErrorContains(t, paths.Add("demo", validPath()), "already exists")

	bad := validPath()
	bad.Dst.ChainID = bad.Src.ChainID
	require.Error(t, paths.Add("bad", bad))
	require.Len(t, paths, 1)

	got, err := paths.Get("demo")
	require.NoError(t, err)
	require.Equal(t, "mocknet-1", got.Src.ChainID)

	_, err = paths.Get("missing")
	require.Error(t, err)
}

func TestPathsFromChains(t *testing.T) {
	paths := Paths{"demo": validPath()}

	found, err := paths.PathsFromChains("mocknet-2", "mocknet-1")
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = paths.PathsFromChains("mocknet-1", "ghostnet-9")
	require.Error(t, err)
}
