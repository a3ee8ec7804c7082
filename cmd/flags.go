package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/straitlabs/strait/relayer/processor"
)

const (
	flagHome           = "home"
	flagJSON           = "json"
	flagYAML           = "yaml"
	flagFile           = "file"
	flagURL            = "url"
	flagMemo           = "memo"
	flagDebugAddr      = "debug-addr"
	flagMaxTxSize      = "max-tx-size"
	flagMaxMsgLength   = "max-msgs"
	flagFlushInterval  = "flush-interval"
	flagClearOnStart   = "clear-on-start"
	flagThresholdTime  = "time-threshold"
	flagFilterRule     = "filter-rule"
	flagFilterChannels = "filter-channels"
	flagChannel        = "channel"
	flagPort           = "port"
)

// MB is a megabyte expressed in bytes, the unit of the max-tx-size flag.
const MB = 1024 * 1024

func jsonFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().BoolP(flagJSON, "j", false, "returns the response in json format")
	if err := v.BindPFlag(flagJSON, cmd.Flags().Lookup(flagJSON)); err != nil {
		panic(err)
	}
	return cmd
}

func yamlFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().BoolP(flagYAML, "y", false, "output using yaml")
	if err := v.BindPFlag(flagYAML, cmd.Flags().Lookup(flagYAML)); err != nil {
		panic(err)
	}
	return cmd
}

func fileFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().StringP(flagFile, "f", "", "fetch json data from specified file")
	if err := v.BindPFlag(flagFile, cmd.Flags().Lookup(flagFile)); err != nil {
		panic(err)
	}
	return cmd
}

func urlFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().StringP(flagURL, "u", "", "url to fetch data from")
	if err := v.BindPFlag(flagURL, cmd.Flags().Lookup(flagURL)); err != nil {
		panic(err)
	}
	return cmd
}

func memoFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagMemo, "", "a memo to include in relayed packets")
	if err := v.BindPFlag(flagMemo, cmd.Flags().Lookup(flagMemo)); err != nil {
		panic(err)
	}
	return cmd
}

func debugServerFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagDebugAddr, "", "address to use for the debug and metrics server. By default, will be the debug-listen-addr parameter in the global config.")
	if err := v.BindPFlag(flagDebugAddr, cmd.Flags().Lookup(flagDebugAddr)); err != nil {
		panic(err)
	}
	return cmd
}

func strategyFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagMaxTxSize, "2", "max size of a relay transaction in MB")
	cmd.Flags().String(flagMaxMsgLength, fmt.Sprint(processor.DefaultMaxMsgs), "maximum number of messages in a relay transaction")
	if err := v.BindPFlag(flagMaxTxSize, cmd.Flags().Lookup(flagMaxTxSize)); err != nil {
		panic(err)
	}
	if err := v.BindPFlag(flagMaxMsgLength, cmd.Flags().Lookup(flagMaxMsgLength)); err != nil {
		panic(err)
	}
	return cmd
}

func updateTimeFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Duration(flagThresholdTime, 0, "time after previous client update before automatic client update, in addition to the trusting period rule")
	if err := v.BindPFlag(flagThresholdTime, cmd.Flags().Lookup(flagThresholdTime)); err != nil {
		panic(err)
	}
	return cmd
}

func flushIntervalFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Duration(flagFlushInterval, processor.DefaultFlushInterval, "how frequently should a full flush attempt be made, 0 to disable")
	if err := v.BindPFlag(flagFlushInterval, cmd.Flags().Lookup(flagFlushInterval)); err != nil {
		panic(err)
	}
	return cmd
}

func clearOnStartFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Bool(flagClearOnStart, true, "run a full flush pass before event processing begins")
	if err := v.BindPFlag(flagClearOnStart, cmd.Flags().Lookup(flagClearOnStart)); err != nil {
		panic(err)
	}
	return cmd
}

func pathFilterFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagFilterRule, "", `filter rule ("allowlist", "denylist", or "" for no filtering)`)
	cmd.Flags().String(flagFilterChannels, "", "comma separated list of channels, each optionally suffixed :port")
	if err := v.BindPFlag(flagFilterRule, cmd.Flags().Lookup(flagFilterRule)); err != nil {
		panic(err)
	}
	if err := v.BindPFlag(flagFilterChannels, cmd.Flags().Lookup(flagFilterChannels)); err != nil {
		panic(err)
	}
	return cmd
}

func channelParameterFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagChannel, "", "flush only this channel instead of the whole path")
	cmd.Flags().String(flagPort, "", "restrict --channel to one port, empty for any port")
	if err := v.BindPFlag(flagChannel, cmd.Flags().Lookup(flagChannel)); err != nil {
		panic(err)
	}
	if err := v.BindPFlag(flagPort, cmd.Flags().Lookup(flagPort)); err != nil {
		panic(err)
	}
	return cmd
}

// GetStartOptions reads the message batching flags.
func GetStartOptions(cmd *cobra.Command) (uint64, int, error) {
	maxTxSize, err := cmd.Flags().GetString(flagMaxTxSize)
	if err != nil {
		return 0, 0, err
	}

	txSize, err := strconv.ParseUint(maxTxSize, 10, 64)
	if err != nil {
		return 0, 0, err
	}

	maxMsgLength, err := cmd.Flags().GetString(flagMaxMsgLength)
	if err != nil {
		return txSize * MB, 0, err
	}

	msgLen, err := strconv.Atoi(maxMsgLength)
	if err != nil {
		return txSize * MB, 0, err
	}

	return txSize * MB, msgLen, nil
}
