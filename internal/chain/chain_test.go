package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrPermanent},
		{"timeout", errors.New("Post \"https://rpc\": context deadline exceeded"), ErrTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrTransient},
		{"rate limited", errors.New("429 Too Many Requests"), ErrTransient},
		{"bad gateway", errors.New("502 Bad Gateway"), ErrTransient},
		{"nonce reuse landed", errors.New("nonce too low"), ErrTransient},
		{"nonce reuse racing", errors.New("replacement transaction underpriced"), ErrTransient},
		{"underpriced", errors.New("transaction underpriced"), ErrPermanent},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ErrPermanent},
		{"revert", errors.New("execution reverted: ERC20: transfer amount exceeds balance"), ErrPermanent},
		{"invalid sender", errors.New("invalid sender"), ErrPermanent},
		{"context canceled", context.Canceled, ErrTransient},
		{"something novel", errors.New("mysterious provider hiccup"), ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(errors.New("execution reverted")) {
		t.Error("permanent errors must not be retryable")
	}
	if !Retryable(errors.New("timeout")) {
		t.Error("transient errors must be retryable")
	}
	if !Retryable(errors.New("total mystery")) {
		t.Error("unknown errors are retried")
	}
}

func TestDeriveLobbyWalletDeterministic(t *testing.T) {
	seed := []byte("test-seed-material-0123456789abcdef")

	a, err := DeriveLobbyWallet(seed, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveLobbyWallet(seed, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.Address != b.Address {
		t.Errorf("same seed+id produced different addresses: %s vs %s", a.Address, b.Address)
	}

	c, err := DeriveLobbyWallet(seed, 2)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.Address == c.Address {
		t.Error("distinct lobby ids must derive distinct addresses")
	}

	d, err := DeriveLobbyWallet([]byte("other-seed"), 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.Address == d.Address {
		t.Error("distinct seeds must derive distinct addresses")
	}
}

func TestSealOpenKeyRoundTrip(t *testing.T) {
	w, err := DeriveLobbyWallet([]byte("seal-test-seed"), 3)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	sealed, err := SealKey(w.Key(), "correct horse battery staple")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := OpenKey(sealed, "correct horse battery staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if crypto.PubkeyToAddress(opened.PublicKey) != w.Address {
		t.Error("unsealed key does not match original")
	}

	if _, err := OpenKey(sealed, "wrong passphrase"); err == nil {
		t.Error("wrong passphrase must fail to unseal")
	}
	if _, err := OpenKey(sealed[:10], "correct horse battery staple"); err == nil {
		t.Error("truncated blob must fail to unseal")
	}
}

func TestDecodeTransferLog(t *testing.T) {
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	amount := big.NewInt(1_200_000) // 1.2 units at 6 decimals

	data, err := parsedERC20.Events["Transfer"].Inputs.NonIndexed().Pack(amount)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	lg := &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		BlockNumber: 100,
	}

	tr, err := DecodeTransferLog(lg, token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr == nil {
		t.Fatal("expected decoded transfer")
	}
	if tr.From != from || tr.To != to || tr.Amount.Cmp(amount) != 0 {
		t.Errorf("decoded transfer mismatch: %+v", tr)
	}

	// Unrelated contract: silently skipped.
	other := *lg
	other.Address = common.HexToAddress("0x4444444444444444444444444444444444444444")
	if tr, _ := DecodeTransferLog(&other, token); tr != nil {
		t.Error("transfer on wrong contract must be ignored")
	}

	// Wrong topic count: skipped, not an error.
	short := *lg
	short.Topics = lg.Topics[:2]
	if tr, _ := DecodeTransferLog(&short, token); tr != nil {
		t.Error("malformed log must be ignored")
	}
}

func TestPackTransferRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	amount := big.NewInt(2_400_000)

	calldata, err := PackTransfer(to, amount)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	// 4-byte selector + two 32-byte words.
	if len(calldata) != 4+64 {
		t.Fatalf("calldata length = %d, want 68", len(calldata))
	}

	method, err := parsedERC20.MethodById(calldata[:4])
	if err != nil || method.Name != "transfer" {
		t.Fatalf("selector does not resolve to transfer: %v", err)
	}
	vals, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if vals[0].(common.Address) != to || vals[1].(*big.Int).Cmp(amount) != 0 {
		t.Errorf("round trip mismatch: %v", vals)
	}
}

func TestTransferTopics(t *testing.T) {
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	both := TransferTopics(&from, &to)
	if len(both) != 3 {
		t.Fatalf("topics with from+to: got %d levels", len(both))
	}
	onlyTo := TransferTopics(nil, &to)
	if len(onlyTo) != 3 || onlyTo[1] != nil {
		t.Fatalf("topics with only to must wildcard the sender: %v", onlyTo)
	}
	onlyFrom := TransferTopics(&from, nil)
	if len(onlyFrom) != 2 {
		t.Fatalf("topics with only from: got %d levels", len(onlyFrom))
	}
}
