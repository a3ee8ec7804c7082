package mock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/zap"

	"github.com/straitlabs/strait/relayer/provider"
)

// registry holds every config-built chain in the process, so two provider
// configs naming each other resolve to the same chain instances and can be
// linked.
var registry = struct {
	sync.Mutex
	chains map[string]*Chain
	linked map[string]bool
}{
	chains: make(map[string]*Chain),
	linked: make(map[string]bool),
}

func chainFor(chainID string) *Chain {
	registry.Lock()
	defer registry.Unlock()
	c, ok := registry.chains[chainID]
	if !ok {
		c = NewChain(chainID)
		registry.chains[chainID] = c
	}
	return c
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// linkOnce seeds the client/connection/channel triple between two chains the
// first time either side's config asks for it.
func linkOnce(a, b *Chain, order chantypes.Order) {
	registry.Lock()
	defer registry.Unlock()
	key := pairKey(a.ChainID(), b.ChainID())
	if registry.linked[key] {
		return
	}
	registry.linked[key] = true
	LinkChains(a, b, order)
}

// ResetChains drops all config-built chains and links. Tests building
// providers from configs call it for isolation.
func ResetChains() {
	registry.Lock()
	defer registry.Unlock()
	registry.chains = make(map[string]*Chain)
	registry.linked = make(map[string]bool)
}

// ScriptedPacket describes packets the chain sends on its own once the
// relayer subscribes, so a configured pair of mock chains has traffic to
// relay.
type ScriptedPacket struct {
	Channel       string `json:"channel" yaml:"channel"`
	Port          string `json:"port" yaml:"port"`
	Count         int    `json:"count" yaml:"count"`
	Data          string `json:"data" yaml:"data"`
	TimeoutBlocks uint64 `json:"timeout-blocks" yaml:"timeout-blocks"`
}

// ProviderConfig builds an in-memory chain. Two configs naming each other as
// counterparty share one linked pair of chains, which makes a config-only
// end-to-end relay run possible.
type ProviderConfig struct {
	ChainName     string                 `json:"-" yaml:"-"`
	ChainID       string                 `json:"chain-id" yaml:"chain-id"`
	Address       string                 `json:"address" yaml:"address"`
	BlockInterval time.Duration          `json:"block-interval" yaml:"block-interval"`
	Broadcast     provider.BroadcastMode `json:"broadcast-mode" yaml:"broadcast-mode"`
	FeeDenom      string                 `json:"fee-denom" yaml:"fee-denom"`
	Balance       int64                  `json:"balance" yaml:"balance"`
	MinBalance    int64                  `json:"min-balance" yaml:"min-balance"`
	Counterparty  string                 `json:"counterparty" yaml:"counterparty"`
	Order         string                 `json:"order" yaml:"order"`
	Packets       []ScriptedPacket       `json:"packets" yaml:"packets"`
}

var _ provider.ProviderConfig = &ProviderConfig{}

func (pc ProviderConfig) Validate() error {
	if pc.ChainID == "" {
		return fmt.Errorf("chain-id is required")
	}
	if pc.BlockInterval < 0 {
		return fmt.Errorf("block-interval cannot be negative")
	}
	if pc.Balance < 0 {
		return fmt.Errorf("balance cannot be negative")
	}
	if pc.MinBalance < 0 {
		return fmt.Errorf("min-balance cannot be negative")
	}
	if _, err := parseOrder(pc.Order); err != nil {
		return err
	}
	for i, pkt := range pc.Packets {
		if pkt.Count < 0 {
			return fmt.Errorf("packets[%d]: count cannot be negative", i)
		}
	}
	return nil
}

func parseOrder(s string) (chantypes.Order, error) {
	switch strings.ToLower(s) {
	case "", "unordered":
		return chantypes.UNORDERED, nil
	case "ordered":
		return chantypes.ORDERED, nil
	default:
		return chantypes.NONE, fmt.Errorf("order must be ordered or unordered, not %q", s)
	}
}

// NewProvider builds the chain, links it with its counterparty when one is
// named, and returns a provider over it.
func (pc ProviderConfig) NewProvider(log *zap.Logger, homepath string, debug bool, chainName string) (provider.ChainProvider, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	chain := chainFor(pc.ChainID)
	if pc.BlockInterval > 0 {
		chain.SetBlockInterval(pc.BlockInterval)
	}
	if pc.Address != "" && pc.FeeDenom != "" {
		chain.SetBalance(pc.Address, sdk.NewCoins(sdk.NewInt64Coin(pc.FeeDenom, pc.Balance)))
	}

	var counterparty *Chain
	if pc.Counterparty != "" {
		order, _ := parseOrder(pc.Order)
		counterparty = chainFor(pc.Counterparty)
		linkOnce(chain, counterparty, order)
	}

	p := NewProvider(log, chain, pc.Address)
	if pc.Broadcast != "" {
		p.WithBroadcastMode(pc.Broadcast)
	}
	if chainName != "" {
		p.chainName = chainName
	}
	pc.ChainName = p.chainName
	p.cfg = pc
	p.produce = true
	if len(pc.Packets) > 0 {
		packets := pc.Packets
		p.seed = func() { sendScripted(p.log, chain, counterparty, packets) }
	}
	return p, nil
}

func sendScripted(log *zap.Logger, chain, counterparty *Chain, packets []ScriptedPacket) {
	for _, pkt := range packets {
		channelID := pkt.Channel
		if channelID == "" {
			channelID = "channel-0"
		}
		portID := pkt.Port
		if portID == "" {
			portID = "transfer"
		}
		timeout := clienttypes.Height{}
		if pkt.TimeoutBlocks > 0 && counterparty != nil {
			timeout = clienttypes.NewHeight(counterparty.Revision(), counterparty.Height()+pkt.TimeoutBlocks)
		}
		data := pkt.Data
		if data == "" {
			data = "scripted"
		}
		for i := 0; i < pkt.Count; i++ {
			if _, err := chain.SendPacket(channelID, portID, fmt.Appendf(nil, "%s-%d", data, i), timeout, 0); err != nil {
				log.Warn("Scripted packet not sent",
					zap.String("channel_id", channelID),
					zap.String("port_id", portID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
