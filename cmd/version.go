package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Build-time values, injected with ldflags.
var (
	Version = ""
	Commit  = ""
	Dirty   = ""
)

type versionInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	CosmosSdk string `json:"cosmos_sdk_version" yaml:"cosmos_sdk_version"`
	Go        string `json:"go" yaml:"go"`
}

func getVersionCmd(a *appState) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Print the relayer version info",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s version
$ %s v`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsn, err := cmd.Flags().GetBool(flagJSON)
			if err != nil {
				return err
			}

			commit := Commit
			if commit == "" {
				commit = buildCommit()
			} else if Dirty != "" && Dirty != "0" {
				commit += " (dirty)"
			}

			verInfo := versionInfo{
				Version:   Version,
				Commit:    commit,
				CosmosSdk: sdkVersion(),
				Go:        fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
			}

			var bz []byte
			if jsn {
				bz, err = json.Marshal(&verInfo)
			} else {
				bz, err = yaml.Marshal(&verInfo)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(bz))
			return nil
		},
	}

	return jsonFlag(a.viper, versionCmd)
}

// buildCommit reads the stamped vcs revision for builds that did not inject
// a commit at link time. "go run" binaries carry no stamp and report unknown.
func buildCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown (built without module support?)"
	}

	rev := "unknown"
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if d, err := strconv.ParseBool(s.Value); err == nil {
				dirty = d
			}
		}
	}

	if dirty {
		return rev + " (dirty)"
	}

	return rev
}

func sdkVersion() string {
	deps, ok := debug.ReadBuildInfo()
	if !ok {
		return "unable to read deps"
	}

	for _, dep := range deps.Deps {
		if dep.Path == "github.com/cosmos/cosmos-sdk" {
			return dep.Version
		}
	}

	return "unable to find Cosmos SDK version"
}
