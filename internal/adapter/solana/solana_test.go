package solana

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

const (
	testProgram = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	testID      = "0x5ab4a1f8c0b12a1f6bd3b7a1c3c8d0a1e2f3a4b5c6d7e8f90123456789abcdef"
	testHash    = "0x3b7546ed79e3e5a7907381b093c5a182cbf364c5dd0443dfa956c8cca271cc33"
)

func testNetwork(nodes ...string) *chain.Network {
	return &chain.Network{
		Name:    "SOLANA_TEST",
		Group:   chain.FamilySolana,
		ChainID: "devnet",
		Nodes:   nodes,
		Contracts: []chain.Contract{
			{Type: chain.HTLCNativeContractAddress, Address: testProgram},
		},
	}
}

func testAccount(t *testing.T) *htlcAccount {
	t.Helper()
	hashlock, _ := helpers.HexToBytes32(testHash)
	return &htlcAccount{
		DstAddress:  "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		DstChain:    "ETHEREUM_SEPOLIA",
		DstAsset:    "ETH",
		SrcAsset:    "SOL",
		Sender:      solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
		SrcReceiver: solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		Hashlock:    hashlock,
		Amount:      1_500_000_000,
		Timelock:    1_700_000_000,
		Claimed:     uint8(htlc.Locked),
		Bump:        254,
	}
}

// fakeRPC serves getAccountInfo with a fixed account.
type fakeRPC struct {
	owner string
	data  []byte
	calls atomic.Int32
}

func (f *fakeRPC) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		f.calls.Add(1)

		var result interface{}
		switch req.Method {
		case "getAccountInfo":
			value := interface{}(nil)
			if f.data != nil {
				value = map[string]interface{}{
					"lamports":   1_500_000_000,
					"owner":      f.owner,
					"data":       []string{base64.StdEncoding.EncodeToString(f.data), "base64"},
					"executable": false,
					"rentEpoch":  0,
				}
			}
			result = map[string]interface{}{
				"context": map[string]interface{}{"slot": 1},
				"value":   value,
			}
		default:
			t.Errorf("unexpected method %s", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	})
}

func newFakeAdapter(t *testing.T, f *fakeRPC) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	a, err := New(&Config{Network: testNetwork(srv.URL)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("global:add_lock"))
	got := discriminator("global:add_lock")
	if string(got[:]) != string(sum[:8]) {
		t.Errorf("discriminator = %x, want %x", got, sum[:8])
	}
	if discriminator("global:commit") == discriminator("global:refund") {
		t.Error("different names must not share a discriminator")
	}
}

func TestEncodeInstruction(t *testing.T) {
	id, _ := helpers.HexToBytes32(testID)
	data, err := encodeInstruction("refund", &refundArgs{ID: id})
	if err != nil {
		t.Fatalf("encodeInstruction() error = %v", err)
	}
	want := discriminator("global:refund")
	if len(data) != 8+32 {
		t.Fatalf("expected 40 bytes, got %d", len(data))
	}
	if string(data[:8]) != string(want[:]) || string(data[8:]) != string(id[:]) {
		t.Errorf("unexpected encoding %x", data)
	}

	// Strings are length prefixed.
	data, err = encodeInstruction("commit", &commitArgs{ID: id, DstChain: "ETH"})
	if err != nil {
		t.Fatal(err)
	}
	if data[40] != 3 || data[41] != 0 || string(data[44:47]) != "ETH" {
		t.Errorf("unexpected string encoding %x", data[40:48])
	}
}

func TestDecodeAccount(t *testing.T) {
	acc := testAccount(t)
	data, err := encodeAccount(acc)
	if err != nil {
		t.Fatalf("encodeAccount() error = %v", err)
	}

	got, err := decodeAccount(data)
	if err != nil {
		t.Fatalf("decodeAccount() error = %v", err)
	}
	d := got.details()
	if d.Sender != acc.Sender.String() || d.Receiver != acc.SrcReceiver.String() {
		t.Errorf("unexpected parties %s -> %s", d.Sender, d.Receiver)
	}
	if d.Amount.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Errorf("amount = %s", d.Amount)
	}
	if d.Hashlock != testHash {
		t.Errorf("hashlock = %s, want %s", d.Hashlock, testHash)
	}
	if d.Secret != "" {
		t.Errorf("expected no secret, got %s", d.Secret)
	}
	if d.Claimed != htlc.Locked || d.Timelock != 1_700_000_000 {
		t.Errorf("unexpected state %v timelock %d", d.Claimed, d.Timelock)
	}
}

func TestDecodeAccountRejectsOtherAccounts(t *testing.T) {
	if _, err := decodeAccount([]byte{1, 2, 3}); !errors.Is(err, ErrNotHTLCAccount) {
		t.Errorf("expected ErrNotHTLCAccount for short data, got %v", err)
	}
	data := make([]byte, 64)
	if _, err := decodeAccount(data); !errors.Is(err, ErrNotHTLCAccount) {
		t.Errorf("expected ErrNotHTLCAccount for wrong discriminator, got %v", err)
	}
}

func TestEmptyAccountHasNoDetails(t *testing.T) {
	if d := (&htlcAccount{}).details(); d != nil {
		t.Errorf("expected nil details, got %+v", d)
	}
}

func TestHTLCAddressDeterministic(t *testing.T) {
	program := solana.MustPublicKeyFromBase58(testProgram)
	id, _ := helpers.HexToBytes32(testID)

	a, bumpA, err := htlcAddress(program, id)
	if err != nil {
		t.Fatal(err)
	}
	b, bumpB, _ := htlcAddress(program, id)
	if !a.Equals(b) || bumpA != bumpB {
		t.Error("PDA derivation must be deterministic")
	}
	vault, _ := tokenVault(program, id)
	if vault.Equals(a) {
		t.Error("token vault must differ from the HTLC account")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&Config{}); !errors.Is(err, chain.ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork, got %v", err)
	}
	if _, err := New(&Config{Network: testNetwork()}); !errors.Is(err, ErrNoNodes) {
		t.Errorf("expected ErrNoNodes, got %v", err)
	}
	if _, err := New(&Config{Network: testNetwork("http://localhost:1"), PrivateKey: "not-base58!"}); err == nil {
		t.Error("expected invalid key error")
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(&Config{Network: testNetwork("http://localhost:1"), PrivateKey: key.String()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !a.Address().Equals(key.PublicKey()) {
		t.Errorf("Address() = %s, want %s", a.Address(), key.PublicKey())
	}
}

func TestGetDetails(t *testing.T) {
	data, err := encodeAccount(testAccount(t))
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeRPC{owner: testProgram, data: data}
	a := newFakeAdapter(t, f)

	d, err := a.GetDetails(context.Background(), htlc.DetailsParams{ID: testID, ContractAddress: testProgram})
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	if d == nil || d.Claimed != htlc.Locked || d.Hashlock != testHash {
		t.Errorf("unexpected details %+v", d)
	}
}

func TestGetDetailsMissingAccount(t *testing.T) {
	a := newFakeAdapter(t, &fakeRPC{})

	d, err := a.GetDetails(context.Background(), htlc.DetailsParams{ID: testID, ContractAddress: testProgram})
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	if d != nil {
		t.Errorf("expected nil details, got %+v", d)
	}
}

func TestGetDetailsWrongOwner(t *testing.T) {
	data, _ := encodeAccount(testAccount(t))
	a := newFakeAdapter(t, &fakeRPC{owner: "11111111111111111111111111111111", data: data})

	_, err := a.GetDetails(context.Background(), htlc.DetailsParams{ID: testID, ContractAddress: testProgram})
	if !errors.Is(err, ErrNotHTLCAccount) {
		t.Errorf("expected ErrNotHTLCAccount, got %v", err)
	}
}

func TestGetDetailsInvalidInput(t *testing.T) {
	f := &fakeRPC{}
	a := newFakeAdapter(t, f)

	tests := []struct {
		name string
		p    htlc.DetailsParams
	}{
		{"bad id", htlc.DetailsParams{ID: "0x12", ContractAddress: testProgram}},
		{"bad program", htlc.DetailsParams{ID: testID, ContractAddress: "0xnotbase58"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.GetDetails(context.Background(), tt.p)
			if !htlc.IsKind(err, htlc.InvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
	if f.calls.Load() != 0 {
		t.Errorf("invalid input must not reach the node, got %d calls", f.calls.Load())
	}
}

func TestWritesNeedSigner(t *testing.T) {
	a := newFakeAdapter(t, &fakeRPC{})
	ctx := context.Background()

	_, err := a.CreatePreHTLC(ctx, htlc.CommitParams{
		ContractAddress: testProgram,
		SourceLPAddress: "So11111111111111111111111111111111111111112",
		Amount:          big.NewInt(1),
	})
	if !errors.Is(err, ErrNoSigner) {
		t.Errorf("CreatePreHTLC: expected ErrNoSigner, got %v", err)
	}
	_, err = a.Refund(ctx, htlc.RefundParams{ID: testID, ContractAddress: testProgram})
	if !errors.Is(err, ErrNoSigner) {
		t.Errorf("Refund: expected ErrNoSigner, got %v", err)
	}
}

func TestCreatePreHTLCValidation(t *testing.T) {
	a := newFakeAdapter(t, &fakeRPC{})
	huge, _ := new(big.Int).SetString("100000000000000000000", 10)

	tests := []struct {
		name string
		p    htlc.CommitParams
	}{
		{"missing solver", htlc.CommitParams{ContractAddress: testProgram, Amount: big.NewInt(1)}},
		{"bad solver", htlc.CommitParams{ContractAddress: testProgram, SourceLPAddress: "0xdead", Amount: big.NewInt(1)}},
		{"zero amount", htlc.CommitParams{ContractAddress: testProgram, SourceLPAddress: testProgram, Amount: big.NewInt(0)}},
		{"amount overflow", htlc.CommitParams{ContractAddress: testProgram, SourceLPAddress: testProgram, Amount: huge}},
		{"bad destination", htlc.CommitParams{
			ContractAddress:    testProgram,
			SourceLPAddress:    testProgram,
			Amount:             big.NewInt(1),
			DestinationFamily:  "evm",
			DestinationAddress: "not-an-address",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CreatePreHTLC(context.Background(), tt.p)
			if !htlc.IsKind(err, htlc.InvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
}

func TestAddLockRequiresHashlock(t *testing.T) {
	a := newFakeAdapter(t, &fakeRPC{})
	_, err := a.AddLock(context.Background(), htlc.LockParams{CommitID: testID, ContractAddress: testProgram})
	if !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("expected PreconditionFailed, got %v", err)
	}
}

func TestClaimRequiresSecret(t *testing.T) {
	a := newFakeAdapter(t, &fakeRPC{})
	_, err := a.Claim(context.Background(), htlc.ClaimParams{ID: testID, ContractAddress: testProgram})
	if !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("expected PreconditionFailed, got %v", err)
	}
}
