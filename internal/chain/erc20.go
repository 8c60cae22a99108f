package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ERC-20 surface: the Transfer event for verification/monitoring
// and the transfer method for payouts/refunds.
const erc20ABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"},
	{"inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],
	 "name":"transfer","outputs":[{"name":"","type":"bool"}],
	 "stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],
	 "name":"balanceOf","outputs":[{"name":"","type":"uint256"}],
	 "stateMutability":"view","type":"function"}
]`

var (
	parsedERC20     abi.ABI
	transferEventID common.Hash
)

func init() {
	var err error
	parsedERC20, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi: %v", err))
	}
	transferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
}

// TokenTransfer is one decoded ERC-20 Transfer.
type TokenTransfer struct {
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
}

// DecodeTransferLog decodes one log if it is a Transfer on the expected
// token contract; returns (nil, nil) for unrelated logs.
func DecodeTransferLog(lg *types.Log, token common.Address) (*TokenTransfer, error) {
	if lg.Address != token {
		return nil, nil
	}
	if len(lg.Topics) != 3 || lg.Topics[0] != transferEventID {
		return nil, nil
	}

	vals, err := parsedERC20.Unpack("Transfer", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("decode Transfer data: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode Transfer data: unexpected value type %T", vals[0])
	}

	return &TokenTransfer{
		TxHash:      lg.TxHash,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      amount,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// PackTransfer builds the calldata for transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return parsedERC20.Pack("transfer", to, amount)
}

// PackBalanceOf builds the calldata for balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return parsedERC20.Pack("balanceOf", account)
}

// UnpackBalance decodes a balanceOf return value.
func UnpackBalance(data []byte) (*big.Int, error) {
	vals, err := parsedERC20.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", vals[0])
	}
	return bal, nil
}

// TransferTopics returns the FilterQuery topics for Transfer events,
// optionally constrained by sender and/or recipient.
func TransferTopics(from, to *common.Address) [][]common.Hash {
	topics := [][]common.Hash{{transferEventID}}
	if from != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(from.Bytes())})
	} else if to != nil {
		topics = append(topics, nil)
	}
	if to != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(to.Bytes())})
	}
	return topics
}
