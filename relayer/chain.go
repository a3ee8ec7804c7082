package relayer

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// Chain represents the necessary data for connecting to and identifying a
// chain and its counterparties
type Chain struct {
	log *zap.Logger

	ChainProvider provider.ChainProvider

	debug bool
}

// NewChain returns a new instance of Chain
func NewChain(log *zap.Logger, prov provider.ChainProvider, debug bool) *Chain {
	return &Chain{
		log:           log,
		ChainProvider: prov,
		debug:         debug,
	}
}

// ChainID returns the chain ID
func (c *Chain) ChainID() string {
	return c.ChainProvider.ChainID()
}

func (c *Chain) String() string {
	return c.ChainID()
}

// Chains is a collection of Chain, keyed by the name each chain is
// configured under.
type Chains map[string]*Chain

// Get returns the configuration for a given chain ID
func (c Chains) Get(chainID string) (*Chain, error) {
	for _, chain := range c {
		if chainID == chain.ChainID() {
			return chain, nil
		}
	}
	return nil, fmt.Errorf("chain with ID %s is not configured", chainID)
}

// MustGet returns the chain and panics on any error
func (c Chains) MustGet(chainID string) *Chain {
	out, err := c.Get(chainID)
	if err != nil {
		panic(err)
	}
	return out
}

// Gets returns a map of chains keyed by chain ID
func (c Chains) Gets(chainIDs ...string) (map[string]*Chain, error) {
	out := make(map[string]*Chain)
	for _, cid := range chainIDs {
		chain, err := c.Get(cid)
		if err != nil {
			return out, err
		}
		out[cid] = chain
	}
	return out, nil
}

// GetByName returns the chain configured under the given name
func (c Chains) GetByName(name string) (*Chain, error) {
	if chain, ok := c[name]; ok {
		return chain, nil
	}
	return nil, fmt.Errorf("chain with name %s is not configured", name)
}
