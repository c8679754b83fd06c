package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// Client is the part of ethclient.Client the EVM adapter uses.
type Client interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

var _ Client = &ethclient.Client{}

// EVM resolves transaction status against EVM JSON-RPC nodes, one client per
// chain id. It looks up by hash only, so it reports TxNotFound rather than
// TxReplaced when a competing transaction took the nonce; replacement
// detection needs a sender/nonce view that belongs to the submitter.
type EVM struct {
	mu      sync.RWMutex
	clients map[uint64]Client
}

func NewEVM() *EVM {
	return &EVM{clients: map[uint64]Client{}}
}

// DialEVM connects to one node per chain id.
func DialEVM(ctx context.Context, urls map[uint64]string) (*EVM, error) {
	e := NewEVM()
	for chainID, url := range urls {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial node for chain %d", chainID)
		}
		e.AddChain(chainID, client)
	}
	return e, nil
}

func (e *EVM) AddChain(chainID uint64, client Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[chainID] = client
}

func (e *EVM) client(chainID uint64) (Client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	client, ok := e.clients[chainID]
	return client, ok
}

func (e *EVM) GetTransactionStatus(ctx context.Context, hash string, chainID uint64) (StatusResult, error) {
	client, ok := e.client(chainID)
	if !ok {
		return StatusResult{}, fmt.Errorf("no client configured for chain id %d", chainID)
	}

	txHash := common.HexToHash(hash)
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err == nil {
		return receiptResult(receipt), nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return StatusResult{}, errors.Wrap(err, "failed to look up transaction receipt")
	}

	// No receipt yet. Distinguish a transaction still in the mempool from one
	// the node has never seen.
	_, _, err = client.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusResult{State: TxNotFound}, nil
		}
		return StatusResult{}, errors.Wrap(err, "failed to look up transaction")
	}
	return StatusResult{State: TxPending}, nil
}

func receiptResult(receipt *gethtypes.Receipt) StatusResult {
	res := StatusResult{
		GasUsed: new(big.Int).SetUint64(receipt.GasUsed),
		Receipt: &Receipt{
			TxHash:    receipt.TxHash.Hex(),
			BlockHash: receipt.BlockHash.Hex(),
			GasUsed:   new(big.Int).SetUint64(receipt.GasUsed),
			Status:    receipt.Status,
		},
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = new(big.Int).Set(receipt.BlockNumber)
		res.Receipt.BlockNumber = new(big.Int).Set(receipt.BlockNumber)
	}
	if receipt.EffectiveGasPrice != nil {
		res.EffectiveGasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
		res.Receipt.EffectiveGasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		res.State = TxConfirmed
	} else {
		res.State = TxReverted
	}
	return res
}
