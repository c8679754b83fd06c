package txqueue

import (
	"fmt"
	"math/big"
	"time"

	"github.com/chainqueue/chainqueue/adapter"
)

// Status is the lifecycle state of a tracked transaction. pending is the only
// non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusReplaced  Status = "replaced"
	StatusTimeout   Status = "timeout"
)

var statusTransitions = map[Status][]Status{
	StatusPending: {StatusConfirmed, StatusFailed, StatusCancelled, StatusReplaced, StatusTimeout},
}

func (s Status) CanTransitionTo(t Status) bool {
	allowedTransitions, exists := statusTransitions[s]
	if !exists {
		return false
	}

	for _, allowed := range allowedTransitions {
		if t == allowed {
			return true
		}
	}

	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled, StatusReplaced, StatusTimeout:
		return true
	}
	return false
}

// TxType describes the submitter's intent. It is carried and returned but
// never interpreted by the queue.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxApproval TxType = "approval"
	TxDisposal TxType = "disposal"
	TxDonation TxType = "donation"
	TxUnknown  TxType = "unknown"
)

const (
	ErrCodeReverted   = "reverted"
	ErrCodeTimeout    = "timeout"
	ErrCodeMaxRetries = "max_retries"
)

// TxError is the structured failure description attached to failed and
// timed-out transactions.
type TxError struct {
	Code    string
	Message string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// QueuedTransaction is one unit of tracked work. The queue owns the canonical
// copy; every record handed to a consumer or a store is an independent clone.
type QueuedTransaction struct {
	ID          string
	Hash        string
	ChainID     uint64
	Type        TxType
	Status      Status
	Title       string
	Description string
	Value       *big.Int
	From        string
	To          string

	SubmittedAt time.Time
	// ConfirmedAt is set exactly once, on the transition into confirmed.
	ConfirmedAt *time.Time
	// FinishedAt is set on any terminal transition and drives retention.
	FinishedAt *time.Time

	RetryCount uint32
	Error      *TxError

	// Populated only on confirmed.
	BlockNumber       *big.Int
	GasUsed           *big.Int
	EffectiveGasPrice *big.Int
	Receipt           *adapter.Receipt
}

func (tx *QueuedTransaction) Clone() *QueuedTransaction {
	if tx == nil {
		return nil
	}
	out := *tx
	if tx.Value != nil {
		out.Value = new(big.Int).Set(tx.Value)
	}
	if tx.ConfirmedAt != nil {
		t := *tx.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if tx.FinishedAt != nil {
		t := *tx.FinishedAt
		out.FinishedAt = &t
	}
	if tx.Error != nil {
		e := *tx.Error
		out.Error = &e
	}
	if tx.BlockNumber != nil {
		out.BlockNumber = new(big.Int).Set(tx.BlockNumber)
	}
	if tx.GasUsed != nil {
		out.GasUsed = new(big.Int).Set(tx.GasUsed)
	}
	if tx.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(tx.EffectiveGasPrice)
	}
	out.Receipt = tx.Receipt.Clone()
	return &out
}
