package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Send policy. The nonce is taken once before the retry loop and reused on
// every attempt: a provider switch mid-send must never produce two live
// transactions spending the same funds.
const (
	sendAttempts     = 3
	sendBaseBackoff  = 1 * time.Second
	sendMaxBackoff   = 10 * time.Second
	confirmPollEvery = 2 * time.Second
	confirmTimeout   = 3 * time.Minute
	tokenTransferGas = 100_000
)

// SendToken transfers tokens from a custodial wallet and waits for
// SendConfirms confirmations.
func (c *Client) SendToken(ctx context.Context, from *Wallet, to common.Address, amount *big.Int) (common.Hash, error) {
	calldata, err := PackTransfer(to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transfer: %w", err)
	}

	// Explicit nonce, pinned across retries and provider switches.
	var nonce uint64
	err = c.call(ctx, func(ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(ctx, from.Address)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	backoff := sendBaseBackoff
	var lastErr error

	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			// Jittered exponential backoff, capped.
			sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
			if sleep > sendMaxBackoff {
				sleep = sendMaxBackoff
			}
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			}
			backoff *= 2
		}

		hash, err := c.sendOnce(ctx, from, nonce, calldata)
		if err == nil {
			return hash, nil
		}
		lastErr = err

		class := Classify(err)
		log.Printf("[Chain] send attempt %d/%d failed (%s): %v", attempt, sendAttempts, class, err)
		if class == ErrPermanent {
			return common.Hash{}, err
		}
		// Transient or unknown: next attempt runs against the next
		// provider with the same nonce.
		_, idx, cerr := c.client(ctx)
		if cerr == nil {
			c.failover(idx)
		}
	}
	return common.Hash{}, fmt.Errorf("send exhausted after %d attempts: %w", sendAttempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, from *Wallet, nonce uint64, calldata []byte) (common.Hash, error) {
	ec, _, err := c.client(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gasPrice, err := ec.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.cfg.TokenAddress,
		Value:    big.NewInt(0),
		Gas:      tokenTransferGas,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.cfg.ChainID), from.Key())
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}

	if err := ec.SendTransaction(ctx, signed); err != nil {
		// "nonce too low" / "already known" mean a previous attempt with
		// this nonce actually landed; fall through to confirmation.
		class := Classify(err)
		if class == ErrPermanent {
			return common.Hash{}, err
		}
		log.Printf("[Chain] broadcast ambiguous for nonce %d, awaiting confirmation: %v", nonce, err)
	}

	return signed.Hash(), c.awaitConfirmations(ctx, signed.Hash())
}

// awaitConfirmations polls until the tx has SendConfirms confirmations.
func (c *Client) awaitConfirmations(ctx context.Context, hash common.Hash) error {
	confirms := c.cfg.SendConfirms
	if confirms == 0 {
		confirms = 3
	}

	deadline := time.Now().Add(confirmTimeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation timeout for %s", hash)
		}

		var mined uint64
		err := c.call(ctx, func(ec *ethclient.Client) error {
			r, err := ec.TransactionReceipt(ctx, hash)
			if err != nil {
				return err
			}
			if r.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("execution reverted: tx %s", hash)
			}
			mined = r.BlockNumber.Uint64()
			return nil
		})
		if err == nil {
			head, herr := c.LatestBlock(ctx)
			if herr == nil && head >= mined && head-mined+1 >= confirms {
				return nil
			}
		} else if !isNotFound(err) && Classify(err) == ErrPermanent {
			return err
		}

		select {
		case <-time.After(confirmPollEvery):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isNotFound(err error) bool {
	return err != nil && (err == ethereum.NotFound || err.Error() == ethereum.NotFound.Error())
}
