package relayer

import (
	"fmt"

	host "github.com/cosmos/ibc-go/v8/modules/core/24-host"
)

// PathEnd is one side of a path as it appears in the config file: the chain
// and the client and connection identifiers the path relays over on that
// chain.
type PathEnd struct {
	ChainID      string `yaml:"chain-id,omitempty" json:"chain-id,omitempty"`
	ClientID     string `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	ConnectionID string `yaml:"connection-id,omitempty" json:"connection-id,omitempty"`
}

// Vclient validates the client identifier in the path
func (pe *PathEnd) Vclient() error {
	return host.ClientIdentifierValidator(pe.ClientID)
}

// Vconn validates the connection identifier in the path
func (pe *PathEnd) Vconn() error {
	return host.ConnectionIdentifierValidator(pe.ConnectionID)
}

func (pe PathEnd) String() string {
	return fmt.Sprintf("%s:cl(%s):co(%s)", pe.ChainID, pe.ClientID, pe.ConnectionID)
}

// ValidateFull returns errors about invalid client and connection identifiers.
func (pe *PathEnd) ValidateFull() error {
	if pe.ChainID == "" {
		return fmt.Errorf("chain-id cannot be empty")
	}

	if pe.ClientID != "" {
		if err := pe.Vclient(); err != nil {
			return err
		}
	}

	if pe.ConnectionID != "" {
		if err := pe.Vconn(); err != nil {
			return err
		}
	}
	return nil
}
