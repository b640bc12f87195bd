// Package chain defines the network registry used to resolve swap endpoints:
// chain family, node endpoints, HTLC contract addresses and tokens per network.
// Defaults are registered in init() and can be overridden from the config file.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Family is the chain family a network belongs to. It selects the adapter
// implementation and is resolved once per swap session.
type Family string

const (
	FamilyEVM      Family = "evm"
	FamilyStarknet Family = "starknet"
	FamilySolana   Family = "solana"
	FamilyTON      Family = "ton"
	FamilyFuel     Family = "fuel"
)

// Families lists every supported chain family.
var Families = []Family{FamilyEVM, FamilyStarknet, FamilySolana, FamilyTON, FamilyFuel}

// ParseFamily maps a network group name to a Family.
func ParseFamily(group string) (Family, error) {
	g := Family(strings.ToLower(strings.TrimSpace(group)))
	for _, f := range Families {
		if f == g {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, group)
}

// ContractType identifies which HTLC contract a network entry points at.
type ContractType string

const (
	HTLCNativeContractAddress ContractType = "HTLCNativeContractAddress"
	HTLCTokenContractAddress  ContractType = "HTLCTokenContractAddress"
)

var (
	ErrUnknownNetwork  = errors.New("unknown network")
	ErrUnknownFamily   = errors.New("unknown chain family")
	ErrUnknownToken    = errors.New("unknown token")
	ErrNoHTLCContract  = errors.New("no HTLC contract configured")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrNetworkMismatch = errors.New("network type mismatch")
)

// Contract is a deployed contract on a network.
type Contract struct {
	Type    ContractType `json:"type" yaml:"type"`
	Address string       `json:"address" yaml:"address"`
}

// Token is an asset tradeable on a network. An empty ContractAddress means
// the network's native asset.
type Token struct {
	Symbol          string `json:"symbol" yaml:"symbol"`
	ContractAddress string `json:"contract_address,omitempty" yaml:"contract_address,omitempty"`
	Decimals        uint8  `json:"decimals" yaml:"decimals"`
}

// IsNative reports whether the token is the network's native asset.
func (t Token) IsNative() bool {
	return t.ContractAddress == ""
}

// Network describes one chain as seen by the coordinator.
type Network struct {
	Name        string      `json:"name" yaml:"name"`
	DisplayName string      `json:"display_name" yaml:"display_name"`
	Group       Family      `json:"group" yaml:"group"`
	Type        NetworkType `json:"type" yaml:"type"`
	ChainID     string      `json:"chain_id" yaml:"chain_id"`
	Nodes       []string    `json:"nodes" yaml:"nodes"`
	Contracts   []Contract  `json:"contracts" yaml:"contracts"`
	Tokens      []Token     `json:"tokens" yaml:"tokens"`
	ExplorerURL string      `json:"explorer_url,omitempty" yaml:"explorer_url,omitempty"`
}

// Contract returns the address of the contract of the given type, or "".
func (n *Network) Contract(t ContractType) string {
	for _, c := range n.Contracts {
		if c.Type == t {
			return c.Address
		}
	}
	return ""
}

// Token looks up a token by symbol (case-insensitive).
func (n *Network) Token(symbol string) (Token, error) {
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, symbol, n.Name)
}

// HTLCContract returns the HTLC contract for an asset: the token contract
// when the asset has a contract address, the native contract otherwise.
func (n *Network) HTLCContract(asset Token) (string, error) {
	t := HTLCNativeContractAddress
	if !asset.IsNative() {
		t = HTLCTokenContractAddress
	}
	addr := n.Contract(t)
	if addr == "" {
		return "", fmt.Errorf("%w: %s on %s", ErrNoHTLCContract, t, n.Name)
	}
	return addr, nil
}

func (n *Network) clone() *Network {
	c := *n
	c.Nodes = append([]string(nil), n.Nodes...)
	c.Contracts = append([]Contract(nil), n.Contracts...)
	c.Tokens = append([]Token(nil), n.Tokens...)
	return &c
}

// Registry is a read-only (after setup) lookup of networks by name.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]*Network
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{networks: make(map[string]*Network)}
}

// Register adds or replaces a network.
func (r *Registry) Register(n *Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks[n.Name] = n.clone()
}

// Get returns a copy of the named network.
func (r *Registry) Get(name string) (*Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return n.clone(), nil
}

// List returns copies of all networks of the given type, sorted by name.
// An empty type returns everything.
func (r *Registry) List(t NetworkType) []*Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Network, 0, len(r.networks))
	for _, n := range r.networks {
		if t != "" && n.Type != t {
			continue
		}
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Override merges non-empty fields of o into the registered network of the
// same name, or registers o when it is new.
func (r *Registry) Override(o *Network) error {
	if o.Name == "" {
		return fmt.Errorf("network override without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.networks[o.Name]
	if !ok {
		if _, err := ParseFamily(string(o.Group)); err != nil {
			return err
		}
		r.networks[o.Name] = o.clone()
		return nil
	}

	if o.DisplayName != "" {
		cur.DisplayName = o.DisplayName
	}
	if o.Group != "" {
		if _, err := ParseFamily(string(o.Group)); err != nil {
			return err
		}
		cur.Group = o.Group
	}
	if o.Type != "" {
		cur.Type = o.Type
	}
	if o.ChainID != "" {
		cur.ChainID = o.ChainID
	}
	if o.ExplorerURL != "" {
		cur.ExplorerURL = o.ExplorerURL
	}
	if len(o.Nodes) > 0 {
		cur.Nodes = append([]string(nil), o.Nodes...)
	}
	for _, c := range o.Contracts {
		replaced := false
		for i := range cur.Contracts {
			if cur.Contracts[i].Type == c.Type {
				cur.Contracts[i].Address = c.Address
				replaced = true
			}
		}
		if !replaced {
			cur.Contracts = append(cur.Contracts, c)
		}
	}
	for _, t := range o.Tokens {
		replaced := false
		for i := range cur.Tokens {
			if strings.EqualFold(cur.Tokens[i].Symbol, t.Symbol) {
				cur.Tokens[i] = t
				replaced = true
			}
		}
		if !replaced {
			cur.Tokens = append(cur.Tokens, t)
		}
	}
	return nil
}

// Default registry populated by init() in this package.
var defaultRegistry = NewRegistry()

// Register adds a network to the default registry.
func Register(n *Network) {
	defaultRegistry.Register(n)
}

// Default returns a copy of the default registry, safe to override.
func Default() *Registry {
	r := NewRegistry()
	for _, n := range defaultRegistry.List("") {
		r.Register(n)
	}
	return r
}
