package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/straitlabs/strait/relayer"
	"github.com/straitlabs/strait/relayer/processor"
)

func flushCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "flush [path_name]...",
		Aliases: []string{"clear-pkts"},
		Short:   "Relay any pending packets and acknowledgements on the given paths, or on every path, then exit",
		Args:    withUsage(cobra.MinimumNArgs(0)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s flush
$ %s flush demo-path
$ %s flush demo-path --channel channel-0`, appName, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}

			chainIDSet := make(map[string]struct{})
			paths := make([]relayer.NamedPath, 0, len(args))

			if len(args) > 0 {
				for _, pathName := range args {
					path, err := a.config.Paths.Get(pathName)
					if err != nil {
						return err
					}
					paths = append(paths, relayer.NamedPath{Name: pathName, Path: path})

					chainIDSet[path.Src.ChainID] = struct{}{}
					chainIDSet[path.Dst.ChainID] = struct{}{}
				}
			} else {
				for n, path := range a.config.Paths {
					paths = append(paths, relayer.NamedPath{Name: n, Path: path})

					chainIDSet[path.Src.ChainID] = struct{}{}
					chainIDSet[path.Dst.ChainID] = struct{}{}
				}
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths configured, run `%s paths new` first", appName)
			}

			channel, err := cmd.Flags().GetString(flagChannel)
			if err != nil {
				return err
			}
			port, err := cmd.Flags().GetString(flagPort)
			if err != nil {
				return err
			}
			if channel != "" {
				// Narrow every selected path to the one channel. The paths
				// are copied so the in-memory config keeps its own filters.
				for i := range paths {
					p := *paths[i].Path
					p.Filter = processor.ChannelFilter{
						Rule: processor.RuleAllowList,
						List: []processor.ChannelMatch{{ChannelID: channel, PortID: port}},
					}
					paths[i].Path = &p
				}
			}

			chainIDs := make([]string, 0, len(chainIDSet))
			for chainID := range chainIDSet {
				chainIDs = append(chainIDs, chainID)
			}

			chains, err := a.config.Chains.Gets(chainIDs...)
			if err != nil {
				return err
			}

			maxTxSize, maxMsgLength, err := GetStartOptions(cmd)
			if err != nil {
				return err
			}

			return relayer.FlushOnce(
				cmd.Context(),
				a.log,
				chains,
				paths,
				maxMsgLength,
				maxTxSize,
				a.config.memo(cmd),
				nil,
			)
		},
	}
	return channelParameterFlags(a.viper, memoFlag(a.viper, strategyFlags(a.viper, cmd)))
}
