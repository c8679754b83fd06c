package adapter

import (
	"context"
	"math/big"
)

// TxState is the chain-observed state of a transaction hash.
type TxState string

const (
	TxNotFound  TxState = "not_found"
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxReverted  TxState = "reverted"
	TxReplaced  TxState = "replaced"
)

// Receipt is the subset of the on-chain receipt the queue retains for
// confirmed transactions.
type Receipt struct {
	TxHash            string
	BlockHash         string
	BlockNumber       *big.Int
	GasUsed           *big.Int
	EffectiveGasPrice *big.Int
	Status            uint64
}

func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := &Receipt{
		TxHash:    r.TxHash,
		BlockHash: r.BlockHash,
		Status:    r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = new(big.Int).Set(r.BlockNumber)
	}
	if r.GasUsed != nil {
		out.GasUsed = new(big.Int).Set(r.GasUsed)
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

// StatusResult is a single answer from a ChainAdapter. The block and gas
// fields are populated only when State is TxConfirmed or TxReverted and the
// node returned a receipt. ReplacedBy is set only when State is TxReplaced.
type StatusResult struct {
	State             TxState
	BlockNumber       *big.Int
	GasUsed           *big.Int
	EffectiveGasPrice *big.Int
	Receipt           *Receipt
	ReplacedBy        string
}

// ChainAdapter reports the current on-chain status of a transaction hash.
// Implementations do not retry; transient errors are returned as-is and
// retried by the caller on its own cadence.
type ChainAdapter interface {
	GetTransactionStatus(ctx context.Context, hash string, chainID uint64) (StatusResult, error)
}
