package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/straitlabs/strait/relayer"
	"github.com/straitlabs/strait/relayer/chains/mock"
	"github.com/straitlabs/strait/relayer/provider"
)

func configCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"cfg"},
		Short:   "Manage configuration file",
	}

	cmd.AddCommand(
		configShowCmd(a),
		configInitCmd(a),
	)

	return cmd
}

// Command for printing current configuration
func configShowCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"s", "list", "l"},
		Short:   "Prints current configuration",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s config show --home %s
$ %s cfg list`, appName, defaultHome, appName)),
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
			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case jsn:
				out, err := json.Marshal(a.config.Wrapped())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				out, err := yaml.Marshal(a.config.Wrapped())
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

// Command for initializing an empty config at the --home location
func configInitCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "init",
		Aliases: []string{"i"},
		Short:   "Creates a default home directory at path defined by --home",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s config init --home %s
$ %s cfg i`, appName, defaultHome, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := a.homePath
			cfgDir := path.Join(home, "config")
			cfgPath := path.Join(cfgDir, "config.yaml")

			// If the config doesn't exist...
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}

			// And the config folder doesn't exist...
			if err := os.MkdirAll(cfgDir, os.ModePerm); err != nil {
				return err
			}

			// Then create the file...
			f, err := os.Create(cfgPath)
			if err != nil {
				return err
			}
			defer f.Close()

			// And write the default config to that location...
			if _, err = f.Write(defaultConfigYAML()); err != nil {
				return err
			}

			return nil
		},
	}
	return cmd
}

// GlobalConfig describes any global relayer settings
type GlobalConfig struct {
	DebugListenAddr string `yaml:"debug-listen-addr" json:"debug-listen-addr"`
	Timeout         string `yaml:"timeout" json:"timeout"`
	Memo            string `yaml:"memo" json:"memo"`
}

// newDefaultGlobalConfig returns a global config with defaults set
func newDefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		DebugListenAddr: "127.0.0.1:5183",
		Timeout:         "10s",
		Memo:            "",
	}
}

// memo returns a formatted message memo string,
// provided either by the memo flag or the config.
func (c *Config) memo(cmd *cobra.Command) string {
	memoFlag, _ := cmd.Flags().GetString(flagMemo)
	if memoFlag != "" {
		return memoFlag
	}
	return c.Global.Memo
}

// Config is the on-disk configuration in its runtime form, with chain
// providers already built.
type Config struct {
	Global GlobalConfig   `yaml:"global" json:"global"`
	Chains relayer.Chains `yaml:"chains" json:"chains"`
	Paths  relayer.Paths  `yaml:"paths" json:"paths"`
}

func defaultConfigYAML() []byte {
	out, err := yaml.Marshal(&ConfigOutputWrapper{
		Global:          newDefaultGlobalConfig(),
		ProviderConfigs: ProviderConfigs{},
		Paths:           relayer.Paths{},
	})
	if err != nil {
		panic(err)
	}
	return out
}

// ConfigOutputWrapper is an intermediary type for writing the config to disk
// and stdout
type ConfigOutputWrapper struct {
	Global          GlobalConfig    `yaml:"global" json:"global"`
	ProviderConfigs ProviderConfigs `yaml:"chains" json:"chains"`
	Paths           relayer.Paths   `yaml:"paths" json:"paths"`
}

// ConfigInputWrapper is an intermediary type for parsing the config.yaml file
type ConfigInputWrapper struct {
	Global          GlobalConfig                          `yaml:"global"`
	ProviderConfigs map[string]*ProviderConfigYAMLWrapper `yaml:"chains"`
	Paths           relayer.Paths                         `yaml:"paths"`
}

// RuntimeConfig converts the input disk config into the relayer's runtime
// config, building a chain provider for every configured chain.
func (c *ConfigInputWrapper) RuntimeConfig(ctx context.Context, a *appState) (*Config, error) {
	chains := make(relayer.Chains)
	for chainName, pcfg := range c.ProviderConfigs {
		prov, err := pcfg.Value.(provider.ProviderConfig).NewProvider(
			a.log.With(zap.String("provider_type", pcfg.Type)),
			a.homePath, a.debug, chainName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build ChainProviders: %w", err)
		}

		chains[chainName] = relayer.NewChain(a.log, prov, a.debug)
	}

	return &Config{
		Global: c.Global,
		Chains: chains,
		Paths:  c.Paths,
	}, nil
}

// ProviderConfigs is a collection of provider configs keyed by chain name.
type ProviderConfigs map[string]*ProviderConfigWrapper

// ProviderConfigWrapper is an unmarshalable wrapper around a built
// ProviderConfig.
type ProviderConfigWrapper struct {
	Type  string                  `yaml:"type"  json:"type"`
	Value provider.ProviderConfig `yaml:"value" json:"value"`
}

// UnmarshalJSON adds support for unmarshalling the provider config
func (pcw *ProviderConfigWrapper) UnmarshalJSON(data []byte) error {
	var w struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	val, err := newProviderConfig(w.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(w.Value, val); err != nil {
		return err
	}

	pcw.Type = w.Type
	pcw.Value = val
	return nil
}

// ProviderConfigYAMLWrapper is the wrapper for provider configs
// that know how to unmarshal their value.
type ProviderConfigYAMLWrapper struct {
	Type  string `yaml:"type"`
	Value any    `yaml:"-"`
}

// UnmarshalYAML decodes the type tag first, then decodes the value into the
// concrete provider config for that type.
func (iw *ProviderConfigYAMLWrapper) UnmarshalYAML(n *yaml.Node) error {
	type inputWrapper ProviderConfigYAMLWrapper
	type T struct {
		*inputWrapper `yaml:",inline"`
		Wrapper       yaml.Node `yaml:"value"`
	}

	obj := &T{inputWrapper: (*inputWrapper)(iw)}
	if err := n.Decode(obj); err != nil {
		return err
	}

	val, err := newProviderConfig(iw.Type)
	if err != nil {
		return err
	}
	iw.Value = val

	return obj.Wrapper.Decode(iw.Value)
}

// newProviderConfig returns an empty concrete provider config for the given
// chain type tag.
func newProviderConfig(providerType string) (provider.ProviderConfig, error) {
	switch providerType {
	case "mock":
		return new(mock.ProviderConfig), nil
	default:
		return nil, fmt.Errorf("%s is an invalid chain type, check your config file", providerType)
	}
}

// Wrapped returns the configuration stored in the Config struct wrapped in
// an intermediary type ready for serialization.
func (c *Config) Wrapped() *ConfigOutputWrapper {
	providers := make(ProviderConfigs)
	for _, chain := range c.Chains {
		pcfgw := &ProviderConfigWrapper{
			Type:  chain.ChainProvider.Type(),
			Value: chain.ChainProvider.ProviderConfig(),
		}
		providers[chain.ChainProvider.ChainName()] = pcfgw
	}
	return &ConfigOutputWrapper{
		Global:          c.Global,
		ProviderConfigs: providers,
		Paths:           c.Paths,
	}
}

// ChainsFromPath takes the path name and returns the involved chains keyed
// by chain ID, along with the src and dst chain IDs.
func (c *Config) ChainsFromPath(path string) (map[string]*relayer.Chain, string, string, error) {
	pth, err := c.Paths.Get(path)
	if err != nil {
		return nil, "", "", err
	}

	src, dst := pth.Src.ChainID, pth.Dst.ChainID
	chains, err := c.Chains.Gets(src, dst)
	if err != nil {
		return nil, "", "", err
	}

	return chains, src, dst, nil
}

// AddChain adds an additional chain to the config
func (c *Config) AddChain(chain *relayer.Chain) error {
	chainID := chain.ChainProvider.ChainID()
	if chainID == "" {
		return errors.New("chain ID cannot be empty")
	}
	if _, err := c.Chains.Get(chainID); err == nil {
		return fmt.Errorf("chain with ID %s already exists in config", chainID)
	}
	c.Chains[chain.ChainProvider.ChainName()] = chain
	return nil
}

// DeleteChain removes a chain from the config by its configured name
func (c *Config) DeleteChain(name string) {
	delete(c.Chains, name)
}

// AddPath adds an additional path to the config
func (c *Config) AddPath(name string, path *relayer.Path) error {
	return c.Paths.Add(name, path)
}

// validateConfig checks the runtime config for consistency: the query
// timeout parses and every path names configured chains.
func (c *Config) validateConfig() error {
	if _, err := time.ParseDuration(c.Global.Timeout); err != nil {
		return fmt.Errorf("did you remember to run '%s config init'? %w", appName, err)
	}

	for name, p := range c.Paths {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("path %s: %w", name, err)
		}
		if _, err := c.Chains.Get(p.Src.ChainID); err != nil {
			return fmt.Errorf("path %s: %w", name, err)
		}
		if _, err := c.Chains.Get(p.Dst.ChainID); err != nil {
			return fmt.Errorf("path %s: %w", name, err)
		}
	}

	return nil
}

// ValidatePath checks that a path is valid against the configured chains,
// querying identifiers when they are set.
func (c *Config) ValidatePath(ctx context.Context, stderr io.Writer, p *relayer.Path) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.validatePathEnd(ctx, stderr, p.Src); err != nil {
		return fmt.Errorf("chain %s failed path validation: %w", p.Src.ChainID, err)
	}
	if err := c.validatePathEnd(ctx, stderr, p.Dst); err != nil {
		return fmt.Errorf("chain %s failed path validation: %w", p.Dst.ChainID, err)
	}
	return nil
}

// validatePathEnd checks that configured identifiers exist on chain.
func (c *Config) validatePathEnd(ctx context.Context, stderr io.Writer, pe *relayer.PathEnd) error {
	chain, err := c.Chains.Get(pe.ChainID)
	if err != nil {
		return err
	}

	// if the identifiers are empty, don't do any validation
	if pe.ClientID == "" && pe.ConnectionID == "" {
		return nil
	}

	if pe.ClientID == "" && pe.ConnectionID != "" {
		return fmt.Errorf("client-id is not configured for the connection: %s", pe.ConnectionID)
	}

	latest, err := chain.ChainProvider.QueryLatestBlock(ctx)
	if err != nil {
		return err
	}

	if _, err := chain.ChainProvider.QueryClientState(ctx, int64(latest.Height), pe.ClientID); err != nil {
		return fmt.Errorf("client %s not found on %s: %w", pe.ClientID, pe.ChainID, err)
	}

	if pe.ConnectionID != "" {
		conn, err := chain.ChainProvider.QueryConnection(ctx, int64(latest.Height), pe.ConnectionID)
		if err != nil {
			return err
		}
		if conn.ClientId != pe.ClientID {
			return fmt.Errorf("connection %s is bound to client %s, not %s", pe.ConnectionID, conn.ClientId, pe.ClientID)
		}
		fmt.Fprintf(stderr, "connection %s on %s is %s\n", pe.ConnectionID, pe.ChainID, conn.State)
	}

	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig(cmd *cobra.Command, a *appState) error {
	if a.homePath == "" {
		a.homePath = defaultHome
	}
	return a.loadConfigFile(cmd.Context())
}
