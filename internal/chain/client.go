package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Chain is what the lobby, match and settlement layers see. The concrete
// client hides provider failover and ERC-20 plumbing behind it.
type Chain interface {
	// VerifyDeposit confirms a buy-in: receipt OK, confirmed, young
	// enough, and carrying an exact-match Transfer on the token contract.
	VerifyDeposit(ctx context.Context, txHash common.Hash, sender, recipient common.Address, amount *big.Int) error

	// TokenBalance reads the stablecoin balance of an account.
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)

	// NativeBalance reads the gas balance of an account.
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)

	// SendToken moves tokens from a custodial wallet with an explicit,
	// pinned nonce and waits for confirmations. Returns the tx hash.
	SendToken(ctx context.Context, from *Wallet, to common.Address, amount *big.Int) (common.Hash, error)

	// TransfersTo scans Transfer events into a recipient over a block window.
	TransfersTo(ctx context.Context, recipient common.Address, fromBlock, toBlock uint64) ([]TokenTransfer, error)

	// TransfersFromSince scans Transfer events out of a sender whose block
	// timestamp is at or after since. Used by crash reconciliation.
	TransfersFromSince(ctx context.Context, sender common.Address, since time.Time) ([]TokenTransfer, error)

	// LatestBlock returns the current head number.
	LatestBlock(ctx context.Context) (uint64, error)
}

// Verification failures, surfaced to the join path as payment errors.
var (
	ErrTxNotFound        = errors.New("transaction not found")
	ErrTxFailed          = errors.New("transaction reverted")
	ErrNotEnoughConfirms = errors.New("not enough confirmations")
	ErrTxTooOld          = errors.New("transaction too old")
	ErrTransferMismatch  = errors.New("no matching token transfer in receipt")
)

// Config for the concrete client.
type Config struct {
	PrimaryURL    string
	FallbackURLs  []string
	TokenAddress  common.Address
	ChainID       *big.Int
	MinConfirms   uint64
	MaxTxAge      time.Duration
	SendConfirms  uint64 // confirmations awaited after a send
	ReconcileSpan uint64 // how many blocks back reconciliation scans
}

// Client is the failover ethclient wrapper. All RPC goes through call(),
// which rotates to the next provider on transient failure.
type Client struct {
	cfg Config

	mu      sync.Mutex
	urls    []string
	clients []*ethclient.Client // lazily dialed, index-aligned with urls
	current int

	// headerTimeCache memoizes block timestamps during event scans.
	headerMu        sync.Mutex
	headerTimeCache map[uint64]uint64
}

var _ Chain = (*Client)(nil)

// Dial connects the primary provider and prepares the fallbacks.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	urls := append([]string{cfg.PrimaryURL}, cfg.FallbackURLs...)
	c := &Client{
		cfg:             cfg,
		urls:            urls,
		clients:         make([]*ethclient.Client, len(urls)),
		headerTimeCache: make(map[uint64]uint64),
	}

	ec, err := ethclient.DialContext(ctx, cfg.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("dial primary rpc: %w", err)
	}
	c.clients[0] = ec

	if cfg.ChainID == nil {
		id, err := ec.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		c.cfg.ChainID = id
	}
	log.Printf("[Chain] connected to %s (chain id %s, %d fallback providers)",
		cfg.PrimaryURL, c.cfg.ChainID, len(cfg.FallbackURLs))
	return c, nil
}

// Close shuts down every dialed provider.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ec := range c.clients {
		if ec != nil {
			ec.Close()
		}
	}
}

// client returns the current provider, dialing it on first use.
func (c *Client) client(ctx context.Context) (*ethclient.Client, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.current
	if c.clients[idx] == nil {
		ec, err := ethclient.DialContext(ctx, c.urls[idx])
		if err != nil {
			return nil, idx, fmt.Errorf("dial provider %s: %w", c.urls[idx], err)
		}
		c.clients[idx] = ec
	}
	return c.clients[idx], idx, nil
}

// failover rotates to the next provider if idx is still current.
func (c *Client) failover(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != idx {
		return // someone already rotated
	}
	c.current = (c.current + 1) % len(c.urls)
	log.Printf("[Chain] failing over to provider %s", c.urls[c.current])
}

// call runs fn against the current provider, rotating once per transient
// failure, at most once around the provider ring.
func (c *Client) call(ctx context.Context, fn func(ec *ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < len(c.urls); i++ {
		ec, idx, err := c.client(ctx)
		if err != nil {
			lastErr = err
			c.failover(idx)
			continue
		}
		err = fn(ec)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err) == ErrPermanent {
			return err
		}
		c.failover(idx)
	}
	return lastErr
}

// LatestBlock returns the current head number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, func(ec *ethclient.Client) error {
		n, err := ec.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// NativeBalance reads the gas balance of an account.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, func(ec *ethclient.Client) error {
		b, err := ec.BalanceAt(ctx, account, nil)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	return bal, err
}

// TokenBalance reads the stablecoin balance via eth_call balanceOf.
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = c.call(ctx, func(ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, ethereum.CallMsg{
			To:   &c.cfg.TokenAddress,
			Data: data,
		}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return UnpackBalance(out)
}

// VerifyDeposit checks a buy-in payment end to end.
func (c *Client) VerifyDeposit(ctx context.Context, txHash common.Hash, sender, recipient common.Address, amount *big.Int) error {
	var receipt *types.Receipt
	err := c.call(ctx, func(ec *ethclient.Client) error {
		r, err := ec.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTxFailed
	}

	head, err := c.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	blockNum := receipt.BlockNumber.Uint64()
	if head < blockNum || head-blockNum+1 < c.cfg.MinConfirms {
		return ErrNotEnoughConfirms
	}

	blockTime, err := c.blockTime(ctx, blockNum)
	if err != nil {
		return fmt.Errorf("fetch block time: %w", err)
	}
	if time.Since(time.Unix(int64(blockTime), 0)) > c.cfg.MaxTxAge {
		return ErrTxTooOld
	}

	// Exact-match Transfer: fixed-integer token semantics, no tolerance.
	for _, lg := range receipt.Logs {
		tr, err := DecodeTransferLog(lg, c.cfg.TokenAddress)
		if err != nil || tr == nil {
			continue
		}
		if tr.From == sender && tr.To == recipient && tr.Amount.Cmp(amount) == 0 {
			return nil
		}
	}
	return ErrTransferMismatch
}

// TransfersTo scans inbound Transfer events over [fromBlock, toBlock].
func (c *Client) TransfersTo(ctx context.Context, recipient common.Address, fromBlock, toBlock uint64) ([]TokenTransfer, error) {
	return c.filterTransfers(ctx, nil, &recipient, fromBlock, toBlock)
}

// TransfersFromSince scans outbound Transfer events over the reconcile
// window, dropping any from blocks older than since.
func (c *Client) TransfersFromSince(ctx context.Context, sender common.Address, since time.Time) ([]TokenTransfer, error) {
	head, err := c.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	span := c.cfg.ReconcileSpan
	if span == 0 {
		span = 5000
	}
	var fromBlock uint64
	if head > span {
		fromBlock = head - span
	}

	all, err := c.filterTransfers(ctx, &sender, nil, fromBlock, head)
	if err != nil {
		return nil, err
	}

	out := make([]TokenTransfer, 0, len(all))
	for _, tr := range all {
		ts, err := c.blockTime(ctx, tr.BlockNumber)
		if err != nil {
			return nil, err
		}
		if !time.Unix(int64(ts), 0).Before(since) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (c *Client) filterTransfers(ctx context.Context, from, to *common.Address, fromBlock, toBlock uint64) ([]TokenTransfer, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.cfg.TokenAddress},
		Topics:    TransferTopics(from, to),
	}

	var logs []types.Log
	err := c.call(ctx, func(ec *ethclient.Client) error {
		ls, err := ec.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = ls
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filter transfers: %w", err)
	}

	out := make([]TokenTransfer, 0, len(logs))
	for i := range logs {
		tr, err := DecodeTransferLog(&logs[i], c.cfg.TokenAddress)
		if err != nil || tr == nil {
			continue
		}
		out = append(out, *tr)
	}
	return out, nil
}

func (c *Client) blockTime(ctx context.Context, number uint64) (uint64, error) {
	c.headerMu.Lock()
	if ts, ok := c.headerTimeCache[number]; ok {
		c.headerMu.Unlock()
		return ts, nil
	}
	c.headerMu.Unlock()

	var ts uint64
	err := c.call(ctx, func(ec *ethclient.Client) error {
		h, err := ec.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = h.Time
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.headerMu.Lock()
	if len(c.headerTimeCache) > 4096 {
		c.headerTimeCache = make(map[uint64]uint64)
	}
	c.headerTimeCache[number] = ts
	c.headerMu.Unlock()
	return ts, nil
}
