package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/straitlabs/strait/relayer"
	"github.com/straitlabs/strait/relayer/processor"
)

func pathsCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "paths",
		Aliases: []string{"pth"},
		Short:   "Manage path configurations",
		Long: `
A path represents the "full path" or "link" for communication between two chains.
This includes the client and connection ids from both the source and destination chains.`,
	}

	cmd.AddCommand(
		pathsListCmd(a),
		pathsShowCmd(a),
		pathsAddCmd(a),
		pathsAddDirCmd(a),
		pathsNewCmd(a),
		pathsUpdateCmd(a),
		pathsDeleteCmd(a),
	)

	return cmd
}

func pathsDeleteCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete index",
		Aliases: []string{"d"},
		Short:   "Delete a path with a given index",
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths delete demo-path
$ %s pth d path-name`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			if _, err := a.config.Paths.Get(args[0]); err != nil {
				return err
			}
			delete(a.config.Paths, args[0])
			return a.OverwriteConfig(a.config)
		},
	}
	return cmd
}

func pathsListCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"l"},
		Short:   "Print out configured paths",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths list --yaml
$ %s paths list --json
$ %s pth l`, appName, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			jsn, _ := cmd.Flags().GetBool(flagJSON)
			yml, _ := cmd.Flags().GetBool(flagYAML)
			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case yml:
				out, err := yaml.Marshal(a.config.Paths)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			case jsn:
				out, err := json.Marshal(a.config.Paths)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				i := 0
				for k, pth := range a.config.Paths {
					chains, err := a.config.Chains.Gets(pth.Src.ChainID, pth.Dst.ChainID)
					if err != nil {
						return err
					}
					stat := pth.QueryPathStatus(cmd.Context(), chains[pth.Src.ChainID], chains[pth.Dst.ChainID]).Status

					printPath(cmd.OutOrStdout(), i, k, pth, pathCheckmark(stat.Chains), pathCheckmark(stat.Clients),
						pathCheckmark(stat.Connection))

					i++
				}
				return nil
			}
		},
	}
	return yamlFlag(a.viper, jsonFlag(a.viper, cmd))
}

func printPath(stdout io.Writer, i int, k string, pth *relayer.Path, chains, clients, connection string) {
	fmt.Fprintf(stdout, "%2d: %-20s -> chns(%s) clnts(%s) conn(%s) (%s<>%s)\n",
		i, k, chains, clients, connection, pth.Src.ChainID, pth.Dst.ChainID)
}

func pathCheckmark(status bool) string {
	if status {
		return check
	}
	return xIcon
}

func pathsShowCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show path_name",
		Aliases: []string{"s"},
		Short:   "Show a path given its name",
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths show demo-path --yaml
$ %s paths show demo-path --json
$ %s pth s path-name`, appName, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			p, err := a.config.Paths.Get(args[0])
			if err != nil {
				return err
			}
			chains, err := a.config.Chains.Gets(p.Src.ChainID, p.Dst.ChainID)
			if err != nil {
				return err
			}
			jsn, _ := cmd.Flags().GetBool(flagJSON)
			yml, _ := cmd.Flags().GetBool(flagYAML)
			pathWithStatus := p.QueryPathStatus(cmd.Context(), chains[p.Src.ChainID], chains[p.Dst.ChainID])
			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case yml:
				out, err := yaml.Marshal(pathWithStatus)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			case jsn:
				out, err := json.Marshal(pathWithStatus)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				fmt.Fprintln(cmd.OutOrStdout(), pathWithStatus.PrintString(args[0]))
			}

			return nil
		},
	}
	return yamlFlag(a.viper, jsonFlag(a.viper, cmd))
}

func pathsAddCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add src_chain_id dst_chain_id path_name",
		Aliases: []string{"a"},
		Short:   "Add a path to the list of paths",
		Args:    withUsage(cobra.ExactArgs(3)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths add ibc-0 ibc-1 demo-path
$ %s paths add ibc-0 ibc-1 demo-path --file paths/demo.json
$ %s pth a ibc-0 ibc-1 demo-path`, appName, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			src, dst := args[0], args[1]
			_, err := a.config.Chains.Gets(src, dst)
			if err != nil {
				return fmt.Errorf("chains need to be configured before paths to them can be added: %w", err)
			}

			file, err := cmd.Flags().GetString(flagFile)
			if err != nil {
				return err
			}

			if file != "" {
				if err := a.AddPathFromFile(cmd.Context(), cmd.ErrOrStderr(), file, args[2]); err != nil {
					return err
				}
			} else {
				if err := a.addPathFromUserInput(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), src, dst, args[2]); err != nil {
					return err
				}
			}

			return a.OverwriteConfig(a.config)
		},
	}
	return fileFlag(a.viper, cmd)
}

func pathsAddDirCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-dir dir",
		Args:  withUsage(cobra.ExactArgs(1)),
		Short: "Add path configuration data in bulk from a directory housing individual path config files",
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths add-dir testnet/paths/`, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			if err := a.addPathsFromDirectory(cmd.Context(), cmd.ErrOrStderr(), args[0]); err != nil {
				return err
			}
			return a.OverwriteConfig(a.config)
		},
	}

	return cmd
}

func pathsNewCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "new src_chain_id dst_chain_id path_name",
		Aliases: []string{"n"},
		Short:   "Create a new blank path to be filled in later",
		Args:    withUsage(cobra.ExactArgs(3)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths new ibc-0 ibc-1 demo-path
$ %s pth n ibc-0 ibc-1 demo-path`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			src, dst := args[0], args[1]
			_, err := a.config.Chains.Gets(src, dst)
			if err != nil {
				return fmt.Errorf("chains need to be configured before paths to them can be added: %w", err)
			}

			p := &relayer.Path{
				Src: &relayer.PathEnd{ChainID: src},
				Dst: &relayer.PathEnd{ChainID: dst},
			}

			name := args[2]
			if err = a.config.Paths.Add(name, p); err != nil {
				return err
			}

			return a.OverwriteConfig(a.config)
		},
	}
	return cmd
}

func pathsUpdateCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "update path_name",
		Aliases: []string{"u"},
		Short:   `Update a path's channel filter rule ("allowlist", "denylist", or "" for no filtering) and channels`,
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s paths update demo-path --filter-rule allowlist --filter-channels channel-0,channel-1
$ %s paths update demo-path --filter-rule denylist --filter-channels channel-0:transfer`,
			appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			name := args[0]

			filterRule, err := cmd.Flags().GetString(flagFilterRule)
			if err != nil {
				return err
			}
			if filterRule != "" && filterRule != processor.RuleAllowList && filterRule != processor.RuleDenyList {
				return fmt.Errorf(`invalid filter rule : "%s". valid rules: ("", "%s", "%s")`, filterRule, processor.RuleAllowList, processor.RuleDenyList)
			}

			filterChannels, err := cmd.Flags().GetString(flagFilterChannels)
			if err != nil {
				return err
			}

			var channelList []processor.ChannelMatch

			if filterChannels != "" {
				for _, entry := range strings.Split(filterChannels, ",") {
					channelID, portID, _ := strings.Cut(entry, ":")
					channelList = append(channelList, processor.ChannelMatch{
						ChannelID: channelID,
						PortID:    portID,
					})
				}
			}

			return a.updatePathConfig(cmd, name, func(p *relayer.Path) {
				p.Filter = processor.ChannelFilter{
					Rule: filterRule,
					List: channelList,
				}
			})
		},
	}
	cmd = pathFilterFlags(a.viper, cmd)
	return cmd
}

func (a *appState) addPathsFromDirectory(ctx context.Context, stderr io.Writer, dir string) error {
	dir = filepath.Clean(dir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		pth := filepath.Join(dir, f.Name())
		if f.IsDir() {
			fmt.Fprintf(stderr, "directory at %s, skipping...\n", pth)
			continue
		}

		byt, err := os.ReadFile(pth)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", pth, err)
		}

		p := &relayer.Path{}
		if err = json.Unmarshal(byt, p); err != nil {
			return fmt.Errorf("failed to unmarshal file %s: %w", pth, err)
		}

		pthName := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		if err := a.config.ValidatePath(ctx, stderr, p); err != nil {
			return fmt.Errorf("failed to validate path %s: %w", pth, err)
		}

		if err := a.config.AddPath(pthName, p); err != nil {
			return fmt.Errorf("failed to add path %s: %w", pth, err)
		}

		fmt.Fprintf(stderr, "added path %s...\n\n", pthName)
	}

	return nil
}

func (a *appState) addPathFromUserInput(
	ctx context.Context,
	stdin io.Reader,
	stderr io.Writer,
	src, dst, name string,
) error {
	path := &relayer.Path{
		Src: &relayer.PathEnd{ChainID: src},
		Dst: &relayer.PathEnd{ChainID: dst},
	}

	stdinReader := bufio.NewReader(stdin)

	for _, pe := range []struct {
		side string
		end  *relayer.PathEnd
	}{
		{"src", path.Src},
		{"dst", path.Dst},
	} {
		fmt.Fprintf(stderr, "enter %s(%s) client-id: ", pe.side, pe.end.ChainID)
		clientID, err := readLine(stdinReader)
		if err != nil {
			return err
		}
		pe.end.ClientID = clientID

		fmt.Fprintf(stderr, "enter %s(%s) connection-id: ", pe.side, pe.end.ChainID)
		connID, err := readLine(stdinReader)
		if err != nil {
			return err
		}
		pe.end.ConnectionID = connID
	}

	if err := a.config.ValidatePath(ctx, stderr, path); err != nil {
		return err
	}

	return a.config.AddPath(name, path)
}

func readLine(in *bufio.Reader) (string, error) {
	str, err := in.ReadString('\n')
	return strings.TrimSpace(str), err
}
