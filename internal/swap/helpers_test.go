package swap

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc/htlcmock"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
)

const (
	testEVMAddress    = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	testEVMLP         = "0x000000000000000000000000000000000000dEaD"
	testSolanaAddress = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	testSolanaLP      = "So11111111111111111111111111111111111111112"
	testHashlock      = "0xabc0000000000000000000000000000000000000000000000000000000000001"
	testSecret        = "0x5ec0000000000000000000000000000000000000000000000000000000000002"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRegistry() *chain.Registry {
	r := chain.NewRegistry()
	r.Register(&chain.Network{
		Name:    "SRC",
		Group:   chain.FamilyEVM,
		Type:    chain.Testnet,
		ChainID: "11155111",
		Contracts: []chain.Contract{
			{Type: chain.HTLCNativeContractAddress, Address: "0x00000000000000000000000000000000000000aa"},
		},
		Tokens: []chain.Token{{Symbol: "ETH", Decimals: 18}},
	})
	r.Register(&chain.Network{
		Name:    "DST",
		Group:   chain.FamilySolana,
		Type:    chain.Testnet,
		ChainID: "devnet",
		Contracts: []chain.Contract{
			{Type: chain.HTLCNativeContractAddress, Address: "DSTprogram1111111111111111111111111111111111"},
		},
		Tokens: []chain.Token{{Symbol: "SOL", Decimals: 9}},
	})
	r.Register(&chain.Network{
		Name:    "NOCONTRACT",
		Group:   chain.FamilyEVM,
		Type:    chain.Testnet,
		ChainID: "1",
		Tokens:  []chain.Token{{Symbol: "ETH", Decimals: 18}},
	})
	return r
}

type fakeFactory struct {
	source      htlc.Adapter
	destination htlc.Adapter
}

func (f *fakeFactory) AdapterFor(n *chain.Network) (htlc.Adapter, error) {
	switch n.Group {
	case chain.FamilyEVM:
		return f.source, nil
	case chain.FamilySolana:
		return f.destination, nil
	}
	return nil, fmt.Errorf("no adapter for %s", n.Group)
}

func validRequest() CreateRequest {
	return CreateRequest{
		SourceNetwork:      "SRC",
		SourceAsset:        "ETH",
		SourceAddress:      testEVMAddress,
		DestinationNetwork: "DST",
		DestinationAsset:   "SOL",
		DestinationAddress: testSolanaAddress,
		Amount:             "0.01",
		SourceLP:           testEVMLP,
		DestinationLP:      testSolanaLP,
	}
}

// lookup is an AdapterLookup for dispatcher tests.
type lookup struct {
	a Adapters
}

func (l lookup) AdaptersFor(string) (Adapters, error) { return l.a, nil }

// recorder captures telemetry events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Emit(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(ev.Type)+":"+ev.CommitID)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newMocks() (*htlcmock.Adapter, *htlcmock.Adapter) {
	return htlcmock.New(), htlcmock.New()
}
