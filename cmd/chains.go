package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/straitlabs/strait/relayer"
)

const (
	check = "✔"
	xIcon = "✘"
)

func chainsCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chains",
		Aliases: []string{"ch"},
		Short:   "Manage chain configurations",
	}

	cmd.AddCommand(
		chainsListCmd(a),
		chainsDeleteCmd(a),
		chainsAddCmd(a),
		chainsAddDirCmd(a),
		chainsShowCmd(a),
	)

	return cmd
}

func errChainNotFound(chainName string) error {
	return fmt.Errorf("chain with name \"%s\" not found in config. consider running `%s chains add %s`", chainName, appName, chainName)
}

func chainsShowCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show chain_name",
		Aliases: []string{"s"},
		Short:   "Returns a chain's configuration data",
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s chains show ibc-0 --json
$ %s chains show ibc-0 --yaml
$ %s ch s ibc-0 --json
$ %s ch s ibc-0 --yaml`, appName, appName, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			chain, ok := a.config.Chains[args[0]]
			if !ok {
				return errChainNotFound(args[0])
			}
			jsn, err := cmd.Flags().GetBool(flagJSON)
			if err != nil {
				return err
			}
			yml, err := cmd.Flags().GetBool(flagYAML)
			if err != nil {
				return err
			}

			pcfgw := &ProviderConfigWrapper{
				Type:  chain.ChainProvider.Type(),
				Value: chain.ChainProvider.ProviderConfig(),
			}

			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case jsn:
				out, err := json.Marshal(pcfgw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				out, err := yaml.Marshal(pcfgw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
		},
	}
	return yamlFlag(a.viper, jsonFlag(a.viper, cmd))
}

func chainsDeleteCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete chain_name",
		Aliases: []string{"d"},
		Short:   "Removes chain configuration data by name",
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s chains delete ibc-0
$ %s ch d ibc-0`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			chain := args[0]
			if _, ok := a.config.Chains[chain]; !ok {
				return errChainNotFound(chain)
			}
			a.config.DeleteChain(chain)
			return a.OverwriteConfig(a.config)
		},
	}
	return cmd
}

func chainsListCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"l"},
		Short:   "Returns chain configuration data",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s chains list
$ %s ch l`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			jsn, err := cmd.Flags().GetBool(flagJSON)
			if err != nil {
				return err
			}
			yml, err := cmd.Flags().GetBool(flagYAML)
			if err != nil {
				return err
			}

			configs := a.config.Wrapped().ProviderConfigs
			if len(configs) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no chains found (do you need to run '%s chains add'?)\n", appName)
			}

			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case yml:
				out, err := yaml.Marshal(configs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			case jsn:
				out, err := json.Marshal(configs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				i := 0
				for name, c := range a.config.Chains {
					var (
						bal = xIcon
						p   = xIcon
					)
					addr, err := c.ChainProvider.Address()
					if err == nil && addr != "" {
						coins, err := c.ChainProvider.QueryBalance(cmd.Context(), addr)
						if err == nil && !coins.Empty() {
							bal = check
						}
					}
					for _, pth := range a.config.Paths {
						if pth.Src.ChainID == c.ChainID() || pth.Dst.ChainID == c.ChainID() {
							p = check
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%2d: %-20s -> type(%s) bal(%s) path(%s)\n", i, name, c.ChainProvider.Type(), bal, p)
					i++
				}
				return nil
			}
		},
	}
	return yamlFlag(a.viper, jsonFlag(a.viper, cmd))
}

func chainsAddCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add chain_name",
		Aliases: []string{"a"},
		Short:   "Add a new chain to the configuration file from a file or url",
		Args:    withUsage(cobra.ExactArgs(1)),
		Example: fmt.Sprintf(`$ %s chains add ibc-0 --file chains/ibc-0.json
$ %s chains add ibc-1 --url https://example.com/ibc-1.json`, appName, appName),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}

			file, err := cmd.Flags().GetString(flagFile)
			if err != nil {
				return err
			}
			rawURL, err := cmd.Flags().GetString(flagURL)
			if err != nil {
				return err
			}

			switch {
			case file != "" && rawURL != "":
				return errMultipleAddFlags
			case file != "":
				if err := a.addChainFromFile(cmd.Context(), args[0], file); err != nil {
					return err
				}
			case rawURL != "":
				if err := a.addChainFromURL(cmd.Context(), args[0], rawURL); err != nil {
					return err
				}
			default:
				return fmt.Errorf("expected either --file or --url")
			}

			return a.OverwriteConfig(a.config)
		},
	}
	return urlFlag(a.viper, fileFlag(a.viper, cmd))
}

func chainsAddDirCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add-dir dir",
		Aliases: []string{"ad"},
		Args:    withUsage(cobra.ExactArgs(1)),
		Short: `Add new chains to the configuration file from a directory
full of chain configurations, useful for adding testnet configurations`,
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s chains add-dir testnet/chains/
$ %s ch ad testnet/chains/`, appName, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireConfig(); err != nil {
				return err
			}
			if err := a.addChainsFromDirectory(cmd.Context(), cmd.ErrOrStderr(), args[0]); err != nil {
				return err
			}
			return a.OverwriteConfig(a.config)
		},
	}
	return cmd
}

func (a *appState) addChainFromFile(ctx context.Context, chainName, file string) error {
	var pcw ProviderConfigWrapper
	if _, err := os.Stat(file); err != nil {
		return err
	}

	byt, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(byt, &pcw); err != nil {
		return err
	}

	prov, err := pcw.Value.NewProvider(
		a.log.With(zap.String("provider_type", pcw.Type)),
		a.homePath, a.debug, chainName,
	)
	if err != nil {
		return fmt.Errorf("failed to build ChainProvider for %s: %w", file, err)
	}

	return a.config.AddChain(relayer.NewChain(a.log, prov, a.debug))
}

func (a *appState) addChainFromURL(ctx context.Context, chainName, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var pcw ProviderConfigWrapper
	d := json.NewDecoder(resp.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(&pcw); err != nil {
		return err
	}

	prov, err := pcw.Value.NewProvider(
		a.log.With(zap.String("provider_type", pcw.Type)),
		a.homePath, a.debug, chainName,
	)
	if err != nil {
		return fmt.Errorf("failed to build ChainProvider for %s: %w", rawURL, err)
	}

	return a.config.AddChain(relayer.NewChain(a.log, prov, a.debug))
}

func (a *appState) addChainsFromDirectory(ctx context.Context, stderr io.Writer, dir string) error {
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
			fmt.Fprintf(stderr, "failed to read file %s, skipping...\n", pth)
			continue
		}

		var pcw ProviderConfigWrapper
		if err = json.Unmarshal(byt, &pcw); err != nil {
			fmt.Fprintf(stderr, "failed to unmarshal file %s, skipping...\n", pth)
			continue
		}

		chainName := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
		prov, err := pcw.Value.NewProvider(
			a.log.With(zap.String("provider_type", pcw.Type)),
			a.homePath, a.debug, chainName,
		)
		if err != nil {
			fmt.Fprintf(stderr, "failed to build ChainProvider for %s, skipping...\n", pth)
			continue
		}

		if err = a.config.AddChain(relayer.NewChain(a.log, prov, a.debug)); err != nil {
			fmt.Fprintf(stderr, "failed to add chain %s: %v, skipping...\n", pth, err)
			continue
		}
	}
	return nil
}
