package relayer

import (
	"context"
	"fmt"
	"time"

	conntypes "github.com/cosmos/ibc-go/v8/modules/core/03-connection/types"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/straitlabs/strait/relayer/processor"
)

// Paths represent connection paths between chains
type Paths map[string]*Path

// MustYAML returns the yaml string representation of the Paths
func (p Paths) MustYAML() string {
	out, err := yaml.Marshal(p)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// Get returns the configuration for a given path
func (p Paths) Get(name string) (path *Path, err error) {
	if pth, ok := p[name]; ok {
		path = pth
	} else {
		err = fmt.Errorf("path with name %s does not exist", name)
	}
	return
}

// MustGet panics if path is not found
func (p Paths) MustGet(name string) *Path {
	pth, err := p.Get(name)
	if err != nil {
		panic(err)
	}
	return pth
}

// Add adds a path by its name
func (p Paths) Add(name string, path *Path) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if _, found := p[name]; found {
		return fmt.Errorf("path with name %s already exists", name)
	}
	p[name] = path
	return nil
}

// AddForce ignores existing paths and overwrites an existing path with that name
func (p Paths) AddForce(name string, path *Path) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if _, found := p[name]; found {
		fmt.Printf("overwriting path %s with new path...\n", name)
	}
	p[name] = path
	return nil
}

// PathsFromChains returns a path from the config between two chains
func (p Paths) PathsFromChains(src, dst string) (Paths, error) {
	out := Paths{}
	for name, path := range p {
		if (path.Dst.ChainID == src || path.Src.ChainID == src) && (path.Dst.ChainID == dst || path.Src.ChainID == dst) {
			out[name] = path
		}
	}
	if len(out) == 0 {
		return Paths{}, fmt.Errorf("failed to find path in config between chains %s and %s", src, dst)
	}
	return out, nil
}

// Path represents a pair of chains and the identifiers needed to
// relay over them
type Path struct {
	Src    *PathEnd                `yaml:"src" json:"src"`
	Dst    *PathEnd                `yaml:"dst" json:"dst"`
	Filter processor.ChannelFilter `yaml:"channel-filter" json:"channel-filter"`
}

// NamedPath is a path as it appears in the config file, with the key it is
// stored under.
type NamedPath struct {
	Name string
	Path *Path
}

// MustYAML returns the yaml string representation of the Path
func (p *Path) MustYAML() string {
	out, err := yaml.Marshal(p)
	if err != nil {
		panic(err)
	}
	return string(out)
}

// ChainIDs returns the chain IDs on both sides of the path
func (p *Path) ChainIDs() (string, string) {
	return p.Src.ChainID, p.Dst.ChainID
}

// Validate checks that a path is minimally valid
func (p *Path) Validate() (err error) {
	if p.Src == nil || p.Dst == nil {
		return fmt.Errorf("path must specify both src and dst")
	}
	if err = p.Src.ValidateFull(); err != nil {
		return fmt.Errorf("chain %s failed path validation: %w", p.Src.ChainID, err)
	}
	if err = p.Dst.ValidateFull(); err != nil {
		return fmt.Errorf("chain %s failed path validation: %w", p.Dst.ChainID, err)
	}
	if p.Src.ChainID == p.Dst.ChainID {
		return fmt.Errorf("path cannot relay a chain to itself: %s", p.Src.ChainID)
	}
	switch p.Filter.Rule {
	case "", processor.RuleAllowList, processor.RuleDenyList:
	default:
		return fmt.Errorf("invalid channel filter rule %q, must be %q or %q",
			p.Filter.Rule, processor.RuleAllowList, processor.RuleDenyList)
	}
	return nil
}

func (p *Path) String() string {
	return fmt.Sprintf("[ ] %s ->\n%s", p.Src.String(), p.Dst.String())
}

const (
	check = "✔"
	xmark = "✘"
)

// PathStatus holds the status of the primitives in the path
type PathStatus struct {
	Chains     bool `yaml:"chains" json:"chains"`
	Clients    bool `yaml:"clients" json:"clients"`
	Connection bool `yaml:"connection" json:"connection"`
}

// PathWithStatus is used for showing the status of the path
type PathWithStatus struct {
	Path   *Path      `yaml:"path" json:"path"`
	Status PathStatus `yaml:"status" json:"status"`
}

// QueryPathStatus returns an instance of the path struct with some attached data about
// the current status of the path
func (p *Path) QueryPathStatus(ctx context.Context, src, dst *Chain) *PathWithStatus {
	out := &PathWithStatus{Path: p}
	if src == nil || dst == nil {
		return out
	}
	out.Status.Chains = true

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		eg                       errgroup.Group
		srcClient, dstClient     bool
		srcConnOpen, dstConnOpen bool
	)
	eg.Go(func() error {
		srcClient, srcConnOpen = endStatus(ctx, src, p.Src)
		return nil
	})
	eg.Go(func() error {
		dstClient, dstConnOpen = endStatus(ctx, dst, p.Dst)
		return nil
	})
	_ = eg.Wait()

	out.Status.Clients = srcClient && dstClient
	out.Status.Connection = srcConnOpen && dstConnOpen
	return out
}

// endStatus reports whether the client exists and the connection is OPEN
// on one side of a path. Query failures read as a missing primitive.
func endStatus(ctx context.Context, chain *Chain, pe *PathEnd) (clientOK, connOpen bool) {
	if pe.ClientID != "" {
		if _, err := chain.ChainProvider.QueryClientState(ctx, 0, pe.ClientID); err == nil {
			clientOK = true
		}
	}
	if pe.ConnectionID != "" {
		if conn, err := chain.ChainProvider.QueryConnection(ctx, 0, pe.ConnectionID); err == nil && conn.State == conntypes.OPEN {
			connOpen = true
		}
	}
	return clientOK, connOpen
}

// PrintString prints a string representations of the path status
func (ps *PathWithStatus) PrintString(name string) string {
	pth := ps.Path
	return fmt.Sprintf(`Path "%s":
  SRC(%s)
    ClientID:     %s
    ConnectionID: %s
  DST(%s)
    ClientID:     %s
    ConnectionID: %s
  STATUS:
    Chains:       %s
    Clients:      %s
    Connection:   %s`, name, pth.Src.ChainID, pth.Src.ClientID, pth.Src.ConnectionID,
		pth.Dst.ChainID, pth.Dst.ClientID, pth.Dst.ConnectionID,
		checkmark(ps.Status.Chains), checkmark(ps.Status.Clients), checkmark(ps.Status.Connection))
}

func checkmark(status bool) string {
	if status {
		return check
	}
	return xmark
}
