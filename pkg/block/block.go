// Package block implements the settlement ledger's sealed, immutable block
// records and their canonical hashing.
package block

import (
	"sync"
	"time"

	"github.com/digitalruble/settlement-core/pkg/commitment"
	"github.com/digitalruble/settlement-core/pkg/txn"
)

// Block is an immutable, sealed ledger entry. Fields are set once at
// construction; Hash is computed lazily and cached.
type Block struct {
	Height       uint64             `json:"index"`
	ParentHash   string             `json:"parent_hash"`
	Timestamp    float64            `json:"timestamp"`
	Transactions []*txn.Transaction `json:"transactions"`
	Proposer     string             `json:"-"`

	hashOnce sync.Once
	hash     string
}

// txCanonicalForm is the canonical field subset hashed for each transaction
// inside a block, per spec.md §6: sender, recipient, amount, transaction_type,
// timestamp, metadata.
type txCanonicalForm struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Amount    int64             `json:"amount"`
	TxType    txn.Kind          `json:"transaction_type"`
	Timestamp float64           `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// canonicalForm is the canonical field set hashed to produce Block.Hash, per
// spec.md §6: index, parent_hash, timestamp, transactions.
type canonicalForm struct {
	Index        uint64            `json:"index"`
	ParentHash   string            `json:"parent_hash"`
	Timestamp    float64           `json:"timestamp"`
	Transactions []txCanonicalForm `json:"transactions"`
}

// New seals a new Block. Callers must not mutate txs after calling New; the
// slice and its *txn.Transaction pointers are retained as-is. Only the
// canonical fields are hashed, so later status changes on those
// transactions do not alter Hash.
func New(height uint64, parentHash string, timestamp time.Time, txs []*txn.Transaction, proposer string) *Block {
	return &Block{
		Height:       height,
		ParentHash:   parentHash,
		Timestamp:    float64(timestamp.UnixNano()) / 1e9,
		Transactions: txs,
		Proposer:     proposer,
	}
}

// Genesis returns the ledger's height-0 block: empty transactions, parent
// hash of 64 zero hex characters.
func Genesis(timestamp time.Time) *Block {
	return New(0, commitment.ZeroHash, timestamp, []*txn.Transaction{}, "")
}

func (b *Block) canonical() canonicalForm {
	forms := make([]txCanonicalForm, len(b.Transactions))
	for i, t := range b.Transactions {
		forms[i] = txCanonicalForm{
			Sender:    t.Sender,
			Recipient: t.Recipient,
			Amount:    t.Amount,
			TxType:    t.Kind,
			Timestamp: t.Timestamp,
			Metadata:  t.Metadata,
		}
	}
	return canonicalForm{
		Index:        b.Height,
		ParentHash:   b.ParentHash,
		Timestamp:    b.Timestamp,
		Transactions: forms,
	}
}

// Hash returns the block's content hash, computing and caching it on first
// call. The hash is immutable once sealed and never recomputed afterward,
// even if a caller (incorrectly) mutates Transactions in place.
func (b *Block) Hash() string {
	b.hashOnce.Do(func() {
		h, err := commitment.HashCanonical(b.canonical())
		if err != nil {
			// canonicalForm only contains JSON-marshalable primitives and
			// slices/maps of them; MarshalCanonical cannot fail here.
			panic("block: unexpected canonicalization failure: " + err.Error())
		}
		b.hash = h
	})
	return b.hash
}

// ContainsTransaction reports whether id appears among the block's
// transactions.
func (b *Block) ContainsTransaction(id string) bool {
	for _, t := range b.Transactions {
		if t.ID == id {
			return true
		}
	}
	return false
}
