// Package adapter selects and constructs the HTLC adapter for a network's
// chain family.
package adapter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter/evm"
	"github.com/klingon-exchange/klingon-bridge/internal/adapter/remote"
	"github.com/klingon-exchange/klingon-bridge/internal/adapter/solana"
	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

// ErrNoSidecar is returned for families that sign through a sidecar when
// none is configured.
var ErrNoSidecar = errors.New("no sidecar configured for chain family")

// Wallets holds the signing keys for in-process adapters.
type Wallets struct {
	EVMPrivateKey    string
	SolanaPrivateKey string
}

// Sidecars maps a chain family to its signing sidecar URL.
type Sidecars map[chain.Family]string

// Options tune adapter construction.
type Options struct {
	DialTimeout time.Duration
	ReadRetry   time.Duration
}

// New builds the adapter for network according to its family.
func New(n *chain.Network, wallets Wallets, sidecars Sidecars, opts Options) (htlc.Adapter, error) {
	if n == nil {
		return nil, chain.ErrUnknownNetwork
	}
	family, err := chain.ParseFamily(string(n.Group))
	if err != nil {
		return nil, err
	}

	switch family {
	case chain.FamilyEVM:
		return evm.New(&evm.Config{
			Network:     n,
			PrivateKey:  wallets.EVMPrivateKey,
			DialTimeout: opts.DialTimeout,
		})
	case chain.FamilySolana:
		return solana.New(&solana.Config{
			Network:    n,
			PrivateKey: wallets.SolanaPrivateKey,
		})
	case chain.FamilyStarknet, chain.FamilyTON, chain.FamilyFuel:
		url := sidecars[family]
		if url == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoSidecar, family)
		}
		return remote.New(&remote.Config{
			Network:   n,
			URL:       url,
			ReadRetry: opts.ReadRetry,
		})
	}
	return nil, fmt.Errorf("%w: %q", chain.ErrUnknownFamily, family)
}

// Factory builds adapters on demand and reuses one per network.
type Factory struct {
	wallets  Wallets
	sidecars Sidecars
	opts     Options

	mu    sync.Mutex
	cache map[string]htlc.Adapter
}

// NewFactory creates a Factory.
func NewFactory(wallets Wallets, sidecars Sidecars, opts Options) *Factory {
	return &Factory{
		wallets:  wallets,
		sidecars: sidecars,
		opts:     opts,
		cache:    make(map[string]htlc.Adapter),
	}
}

// AdapterFor returns the adapter for n, creating it on first use.
func (f *Factory) AdapterFor(n *chain.Network) (htlc.Adapter, error) {
	if n == nil {
		return nil, chain.ErrUnknownNetwork
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.cache[n.Name]; ok {
		return a, nil
	}
	a, err := New(n, f.wallets, f.sidecars, f.opts)
	if err != nil {
		return nil, err
	}
	f.cache[n.Name] = a
	return a, nil
}

// Close releases every cached adapter's connections.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, a := range f.cache {
		switch c := a.(type) {
		case *evm.Adapter:
			c.Close()
		case *solana.Adapter:
			c.Close()
		}
		delete(f.cache, name)
	}
}
