// Package store persists the transaction queue. Records are serialized as a
// schema-versioned JSON envelope with arbitrary-precision integers encoded as
// decimal strings. Decoding is tolerant: unreadable entries are dropped with
// a log line rather than failing the whole load.
package store

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chainqueue/chainqueue/adapter"
	"github.com/chainqueue/chainqueue/txqueue"
)

const SchemaVersion = 1

type envelope struct {
	Version      int      `json:"version"`
	Transactions []record `json:"transactions"`
}

type record struct {
	ID                string         `json:"id"`
	Hash              string         `json:"hash"`
	ChainID           uint64         `json:"chainId"`
	Type              string         `json:"type"`
	Status            string         `json:"status"`
	Title             string         `json:"title,omitempty"`
	Description       string         `json:"description,omitempty"`
	Value             string         `json:"value,omitempty"`
	From              string         `json:"from,omitempty"`
	To                string         `json:"to,omitempty"`
	SubmittedAt       int64          `json:"submittedAt"`
	ConfirmedAt       *int64         `json:"confirmedAt,omitempty"`
	FinishedAt        *int64         `json:"finishedAt,omitempty"`
	RetryCount        uint32         `json:"retryCount"`
	ErrorCode         string         `json:"errorCode,omitempty"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	BlockNumber       string         `json:"blockNumber,omitempty"`
	GasUsed           string         `json:"gasUsed,omitempty"`
	EffectiveGasPrice string         `json:"effectiveGasPrice,omitempty"`
	Receipt           *receiptRecord `json:"receipt,omitempty"`
}

type receiptRecord struct {
	TxHash            string `json:"txHash"`
	BlockHash         string `json:"blockHash,omitempty"`
	BlockNumber       string `json:"blockNumber,omitempty"`
	GasUsed           string `json:"gasUsed,omitempty"`
	EffectiveGasPrice string `json:"effectiveGasPrice,omitempty"`
	Status            uint64 `json:"status"`
}

func encode(txs []*txqueue.QueuedTransaction) ([]byte, error) {
	env := envelope{Version: SchemaVersion, Transactions: make([]record, 0, len(txs))}
	for _, tx := range txs {
		env.Transactions = append(env.Transactions, encodeRecord(tx))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode queue")
	}
	return data, nil
}

func encodeRecord(tx *txqueue.QueuedTransaction) record {
	r := record{
		ID:                tx.ID,
		Hash:              tx.Hash,
		ChainID:           tx.ChainID,
		Type:              string(tx.Type),
		Status:            string(tx.Status),
		Title:             tx.Title,
		Description:       tx.Description,
		Value:             bigToString(tx.Value),
		From:              tx.From,
		To:                tx.To,
		SubmittedAt:       tx.SubmittedAt.UnixMilli(),
		RetryCount:        tx.RetryCount,
		BlockNumber:       bigToString(tx.BlockNumber),
		GasUsed:           bigToString(tx.GasUsed),
		EffectiveGasPrice: bigToString(tx.EffectiveGasPrice),
	}
	if tx.ConfirmedAt != nil {
		ms := tx.ConfirmedAt.UnixMilli()
		r.ConfirmedAt = &ms
	}
	if tx.FinishedAt != nil {
		ms := tx.FinishedAt.UnixMilli()
		r.FinishedAt = &ms
	}
	if tx.Error != nil {
		r.ErrorCode = tx.Error.Code
		r.ErrorMessage = tx.Error.Message
	}
	if tx.Receipt != nil {
		r.Receipt = &receiptRecord{
			TxHash:            tx.Receipt.TxHash,
			BlockHash:         tx.Receipt.BlockHash,
			BlockNumber:       bigToString(tx.Receipt.BlockNumber),
			GasUsed:           bigToString(tx.Receipt.GasUsed),
			EffectiveGasPrice: bigToString(tx.Receipt.EffectiveGasPrice),
			Status:            tx.Receipt.Status,
		}
	}
	return r
}

func decode(data []byte, lggr *zap.SugaredLogger) ([]*txqueue.QueuedTransaction, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode queue")
	}
	if env.Version != SchemaVersion {
		// Newer or older schema: decode the fields we know, drop what we
		// can't read. Losing display metadata beats losing the queue.
		lggr.Warnw("queue schema version mismatch, migrating field-by-field", "found", env.Version, "want", SchemaVersion)
	}

	txs := make([]*txqueue.QueuedTransaction, 0, len(env.Transactions))
	for _, r := range env.Transactions {
		tx, err := decodeRecord(r, lggr)
		if err != nil {
			lggr.Warnw("dropping unreadable queue entry", "id", r.ID, "txHash", r.Hash, "err", err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func decodeRecord(r record, lggr *zap.SugaredLogger) (*txqueue.QueuedTransaction, error) {
	if r.ID == "" {
		return nil, errors.New("missing id")
	}
	if r.Hash == "" {
		return nil, errors.New("missing hash")
	}
	status := txqueue.Status(r.Status)
	if !status.Valid() {
		return nil, errors.Errorf("unknown status %q", r.Status)
	}

	tx := &txqueue.QueuedTransaction{
		ID:          r.ID,
		Hash:        r.Hash,
		ChainID:     r.ChainID,
		Type:        txqueue.TxType(r.Type),
		Status:      status,
		Title:       r.Title,
		Description: r.Description,
		From:        r.From,
		To:          r.To,
		SubmittedAt: time.UnixMilli(r.SubmittedAt),
		RetryCount:  r.RetryCount,
	}
	if tx.Type == "" {
		tx.Type = txqueue.TxUnknown
	}
	if r.ConfirmedAt != nil {
		t := time.UnixMilli(*r.ConfirmedAt)
		tx.ConfirmedAt = &t
	}
	if r.FinishedAt != nil {
		t := time.UnixMilli(*r.FinishedAt)
		tx.FinishedAt = &t
	}
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		tx.Error = &txqueue.TxError{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	tx.Value = bigFromString(r.Value, "value", r.ID, lggr)
	tx.BlockNumber = bigFromString(r.BlockNumber, "blockNumber", r.ID, lggr)
	tx.GasUsed = bigFromString(r.GasUsed, "gasUsed", r.ID, lggr)
	tx.EffectiveGasPrice = bigFromString(r.EffectiveGasPrice, "effectiveGasPrice", r.ID, lggr)
	if r.Receipt != nil {
		tx.Receipt = &adapter.Receipt{
			TxHash:            r.Receipt.TxHash,
			BlockHash:         r.Receipt.BlockHash,
			BlockNumber:       bigFromString(r.Receipt.BlockNumber, "receipt.blockNumber", r.ID, lggr),
			GasUsed:           bigFromString(r.Receipt.GasUsed, "receipt.gasUsed", r.ID, lggr),
			EffectiveGasPrice: bigFromString(r.Receipt.EffectiveGasPrice, "receipt.effectiveGasPrice", r.ID, lggr),
			Status:            r.Receipt.Status,
		}
	}
	return tx, nil
}

func bigToString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// bigFromString decodes a decimal string. An unreadable value is dropped as a
// field, not as a record.
func bigFromString(s, field, id string, lggr *zap.SugaredLogger) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		lggr.Warnw("dropping unreadable big integer field", "field", field, "id", id, "value", s)
		return nil
	}
	return v
}
