package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/internal/relaydebug"
	"github.com/straitlabs/strait/relayer"
	"github.com/straitlabs/strait/relayer/chains/mock"
	"github.com/straitlabs/strait/relayer/processor"
)

func startCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start path_name [path_name...]",
		Aliases: []string{"st"},
		Short:   "Start the listening relayer on a given path or on every configured path",
		Args:    withUsage(cobra.MinimumNArgs(0)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s start           # relay on all paths
$ %s start demo-path --max-msgs 3
$ %s start demo-path demo-path2 --max-tx-size 10`, appName, appName, appName)),
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

			chainIDs := make([]string, 0, len(chainIDSet))
			for chainID := range chainIDSet {
				chainIDs = append(chainIDs, chainID)
			}

			chains, err := a.config.Chains.Gets(chainIDs...)
			if err != nil {
				return err
			}

			if err := ensureAddressesExist(chains); err != nil {
				return err
			}

			maxTxSize, maxMsgLength, err := GetStartOptions(cmd)
			if err != nil {
				return err
			}

			flushInterval, err := cmd.Flags().GetDuration(flagFlushInterval)
			if err != nil {
				return err
			}

			clearOnStart, err := cmd.Flags().GetBool(flagClearOnStart)
			if err != nil {
				return err
			}

			thresholdTime, err := cmd.Flags().GetDuration(flagThresholdTime)
			if err != nil {
				return err
			}

			prometheusMetrics := processor.NewPrometheusMetrics()

			sched, err := relayer.NewEngine(
				a.log,
				chains,
				paths,
				maxMsgLength,
				maxTxSize,
				a.config.memo(cmd),
				thresholdTime,
				flushInterval,
				clearOnStart,
				walletWatches(chains),
				prometheusMetrics,
			)
			if err != nil {
				return err
			}

			debugAddr, err := cmd.Flags().GetString(flagDebugAddr)
			if err != nil {
				return err
			}
			if debugAddr == "" {
				debugAddr = a.config.Global.DebugListenAddr
			}
			if debugAddr == "" {
				a.log.Info("Skipping debug server due to empty debug address flag")
			} else {
				ln, err := net.Listen("tcp", debugAddr)
				if err != nil {
					a.log.Error("Failed to listen on debug address. If you have another relayer process open, use --" + flagDebugAddr + " to pick a different address.")
					return fmt.Errorf("failed to listen on debug address %q: %w", debugAddr, err)
				}
				log := a.log.With(zap.String("sys", "debughttp"))
				log.Info("Debug server listening", zap.String("addr", debugAddr))
				relaydebug.StartDebugServer(cmd.Context(), log, ln, sched, prometheusMetrics.Registry)
			}

			// The context being canceled will cause the relayer to stop,
			// so we don't want to separately monitor the ctx.Done channel,
			// because we would risk returning before the relayer cleans up.
			if err := sched.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn(
					"Relayer start error",
					zap.Error(err),
				)
				return err
			}
			return nil
		},
	}
	return debugServerFlags(a.viper,
		clearOnStartFlag(a.viper,
			flushIntervalFlag(a.viper,
				memoFlag(a.viper,
					strategyFlags(a.viper,
						updateTimeFlags(a.viper, cmd))))))
}

// ensureAddressesExist errors if a chain in use has no relayer address
// configured, before any worker tries to submit with it.
func ensureAddressesExist(chains map[string]*relayer.Chain) error {
	var missing []string
	for _, c := range chains {
		if addr, err := c.ChainProvider.Address(); err != nil || addr == "" {
			missing = append(missing, c.ChainID())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no configured address for chains: %s", strings.Join(missing, ", "))
	}
	return nil
}

// walletWatches collects the balance floors configured on each chain so the
// scheduler can run a wallet monitor for them.
func walletWatches(chains map[string]*relayer.Chain) []relayer.WalletWatch {
	var out []relayer.WalletWatch
	for _, c := range chains {
		cfg, ok := c.ChainProvider.ProviderConfig().(mock.ProviderConfig)
		if !ok || cfg.FeeDenom == "" {
			continue
		}
		out = append(out, relayer.WalletWatch{
			ChainID:    c.ChainID(),
			Denom:      cfg.FeeDenom,
			MinBalance: sdkmath.NewInt(cfg.MinBalance),
		})
	}
	return out
}
