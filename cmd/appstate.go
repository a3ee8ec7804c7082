package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/juju/fslock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/straitlabs/strait/relayer"
)

// appState is the modifiable state of the application.
type appState struct {
	// log is the root logger of the application.
	// Consumers are expected to store and use local copies of the logger
	// after modifying with the .With method.
	log *zap.Logger

	viper *viper.Viper

	homePath string
	debug    bool
	config   *Config
}

func (a *appState) configPath() string {
	return path.Join(a.homePath, "config", "config.yaml")
}

// loadConfigFile reads config.yaml from disk into a.config. A missing file
// leaves a.config nil so commands that need one can say so.
func (a *appState) loadConfigFile(ctx context.Context) error {
	cfgPath := a.configPath()

	if _, err := os.Stat(cfgPath); err != nil {
		// don't return error if file doesn't exist
		return nil
	}

	// read the config file bytes
	file, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}

	// unmarshall them into the wrapper struct
	cfgWrapper := &ConfigInputWrapper{}
	err = yaml.Unmarshal(file, cfgWrapper)
	if err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	// build the runtime config, instantiating chain providers
	cfg, err := cfgWrapper.RuntimeConfig(ctx, a)
	if err != nil {
		return err
	}

	// validate runtime configuration
	if err := cfg.validateConfig(); err != nil {
		return fmt.Errorf("error parsing chain config: %w", err)
	}

	// save runtime configuration in app state
	a.config = cfg

	return nil
}

// requireConfig errors when no config file has been loaded.
func (a *appState) requireConfig() error {
	if a.config == nil {
		return fmt.Errorf("config not initialized, run `%s config init`", appName)
	}
	return nil
}

// AddPathFromFile modifies a.config.Paths to include the content stored in the given file.
// If a non-nil error is returned, a.config.Paths is not modified.
func (a *appState) AddPathFromFile(ctx context.Context, stderr io.Writer, file, name string) error {
	if _, err := os.Stat(file); err != nil {
		return err
	}

	byt, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	p := &relayer.Path{}
	if err = json.Unmarshal(byt, p); err != nil {
		return err
	}

	if err = a.config.ValidatePath(ctx, stderr, p); err != nil {
		return err
	}

	return a.config.Paths.Add(name, p)
}

// OverwriteConfig overwrites the config file on disk with the serialization
// of cfg, and replaces a.config with cfg.
func (a *appState) OverwriteConfig(cfg *Config) error {
	cfgPath := a.configPath()
	if _, err := os.Stat(cfgPath); err != nil {
		return fmt.Errorf("failed to check existence of config file at %s: %w", cfgPath, err)
	}

	// marshal the new config
	out, err := yaml.Marshal(cfg.Wrapped())
	if err != nil {
		return err
	}

	// Overwrite the config file.
	if err := os.WriteFile(cfgPath, out, 0600); err != nil {
		return fmt.Errorf("failed to write config file at %s: %w", cfgPath, err)
	}

	// Write the config back into the app state.
	a.config = cfg
	return nil
}

// updatePathConfig locks the config file, applies update to the named path,
// and writes the result back. The lock guards against a concurrently running
// relayer rewriting identifiers underneath us.
func (a *appState) updatePathConfig(cmd *cobra.Command, pathName string, update func(p *relayer.Path)) error {
	if pathName == "" {
		return errors.New("empty path name not allowed")
	}

	// use lock file to guard concurrent access to config.yaml
	lockFilePath := path.Join(a.homePath, "config", "config.lock")
	lock := fslock.New(lockFilePath)
	if err := lock.LockWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("failed to acquire config lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			a.log.Error("Error unlocking config file lock, please manually delete",
				zap.String("filepath", lockFilePath),
			)
		}
	}()

	// Reload the config from disk so changes made while unlocked are not
	// clobbered.
	if err := initConfig(cmd, a); err != nil {
		return fmt.Errorf("failed to initialize config from file: %w", err)
	}

	p, ok := a.config.Paths[pathName]
	if !ok {
		return fmt.Errorf("config does not exist for that path: %s", pathName)
	}
	update(p)

	// marshal the new config
	out, err := yaml.Marshal(a.config.Wrapped())
	if err != nil {
		return err
	}

	// Overwrite the config file.
	if err := os.WriteFile(a.configPath(), out, 0600); err != nil {
		return fmt.Errorf("failed to write config file at %s: %w", a.configPath(), err)
	}

	return nil
}
