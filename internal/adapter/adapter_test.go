package adapter

import (
	"errors"
	"testing"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter/evm"
	"github.com/klingon-exchange/klingon-bridge/internal/adapter/remote"
	"github.com/klingon-exchange/klingon-bridge/internal/adapter/solana"
	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

func network(name string, family chain.Family, chainID string) *chain.Network {
	return &chain.Network{
		Name:    name,
		Group:   family,
		ChainID: chainID,
		Nodes:   []string{"http://127.0.0.1:1"},
	}
}

func TestNewSelectsFamily(t *testing.T) {
	sidecars := Sidecars{chain.FamilyStarknet: "http://127.0.0.1:2"}

	tests := []struct {
		name  string
		n     *chain.Network
		check func(htlc.Adapter) bool
	}{
		{"evm", network("ETH", chain.FamilyEVM, "11155111"), func(a htlc.Adapter) bool { _, ok := a.(*evm.Adapter); return ok }},
		{"solana", network("SOL", chain.FamilySolana, "devnet"), func(a htlc.Adapter) bool { _, ok := a.(*solana.Adapter); return ok }},
		{"starknet", network("STRK", chain.FamilyStarknet, "SN_SEPOLIA"), func(a htlc.Adapter) bool { _, ok := a.(*remote.Adapter); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.n, Wallets{}, sidecars, Options{})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if !tt.check(a) {
				t.Errorf("unexpected adapter type %T", a)
			}
		})
	}
}

func TestNewMissingSidecar(t *testing.T) {
	_, err := New(network("TON", chain.FamilyTON, "-239"), Wallets{}, nil, Options{})
	if !errors.Is(err, ErrNoSidecar) {
		t.Errorf("expected ErrNoSidecar, got %v", err)
	}
}

func TestNewUnknownFamily(t *testing.T) {
	_, err := New(network("X", chain.Family("cosmos"), "1"), Wallets{}, nil, Options{})
	if !errors.Is(err, chain.ErrUnknownFamily) {
		t.Errorf("expected ErrUnknownFamily, got %v", err)
	}
	if _, err := New(nil, Wallets{}, nil, Options{}); !errors.Is(err, chain.ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork, got %v", err)
	}
}

func TestFactoryCachesPerNetwork(t *testing.T) {
	f := NewFactory(Wallets{}, nil, Options{})
	defer f.Close()

	a1, err := f.AdapterFor(network("ETH", chain.FamilyEVM, "11155111"))
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := f.AdapterFor(network("ETH", chain.FamilyEVM, "11155111"))
	if a1 != a2 {
		t.Error("expected the cached adapter to be reused")
	}
	b, _ := f.AdapterFor(network("ARB", chain.FamilyEVM, "421614"))
	if b == a1 {
		t.Error("different networks must not share an adapter")
	}
}

func TestFactoryDoesNotCacheFailures(t *testing.T) {
	f := NewFactory(Wallets{}, nil, Options{})
	n := network("FUEL", chain.FamilyFuel, "0")

	if _, err := f.AdapterFor(n); err == nil {
		t.Fatal("expected error without sidecar")
	}
	f.sidecars = Sidecars{chain.FamilyFuel: "http://127.0.0.1:3"}
	if _, err := f.AdapterFor(n); err != nil {
		t.Errorf("expected success once configured, got %v", err)
	}
}
