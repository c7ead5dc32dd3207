// Package ledger implements the append-only, hash-linked chain of committed
// blocks described in spec.md §3/§4.2.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/digitalruble/settlement-core/pkg/block"
	"github.com/digitalruble/settlement-core/pkg/txn"
)

const blockKeyPrefix = "block/"

func blockKey(height uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], height)
	return key
}

// storedBlock is the JSON-on-disk form of a committed block. block.Block's
// Hash is derived, not stored, so it is recomputed on load.
type storedBlock struct {
	Height       uint64             `json:"index"`
	ParentHash   string             `json:"parent_hash"`
	Timestamp    float64            `json:"timestamp"`
	Transactions []*txn.Transaction `json:"transactions"`
	Proposer     string             `json:"proposer"`
}

// Ledger is the ordered, hash-linked list of committed blocks, indexed by
// height. It enforces invariants L1 (contiguous heights from 0), L2 (parent
// hash linking) and L3 (no transaction id committed twice) on every append.
type Ledger struct {
	mu sync.RWMutex
	kv KV

	tipHeight uint64
	tipHash   string
	txIndex   map[string]uint64 // transaction id -> committed height, for L3 + contains_transaction
}

// NewGenesis creates a fresh ledger and seals its height-0 block (empty
// transactions, parent hash of 64 zero hex characters) into kv.
func NewGenesis(kv KV, timestamp time.Time) (*Ledger, error) {
	l := &Ledger{kv: kv, txIndex: make(map[string]uint64)}
	genesis := block.Genesis(timestamp)
	if err := l.persist(genesis); err != nil {
		return nil, fmt.Errorf("ledger: seal genesis: %w", err)
	}
	l.tipHeight = genesis.Height
	l.tipHash = genesis.Hash()
	return l, nil
}

// Open reconstructs a Ledger from a kv store that already holds a
// previously-sealed chain, walking heights from 0 until a height is missing.
// It returns an error if no genesis block (height 0) is present.
func Open(kv KV) (*Ledger, error) {
	l := &Ledger{kv: kv, txIndex: make(map[string]uint64)}
	var height uint64
	var last *block.Block
	for {
		b, err := l.load(height)
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		for _, t := range b.Transactions {
			l.txIndex[t.ID] = height
		}
		last = b
		height++
	}
	if last == nil {
		return nil, fmt.Errorf("ledger: open: %w", ErrBlockNotFound)
	}
	l.tipHeight = last.Height
	l.tipHash = last.Hash()
	return l, nil
}

func (l *Ledger) persist(b *block.Block) error {
	sb := storedBlock{
		Height:       b.Height,
		ParentHash:   b.ParentHash,
		Timestamp:    b.Timestamp,
		Transactions: b.Transactions,
		Proposer:     b.Proposer,
	}
	raw, err := json.Marshal(sb)
	if err != nil {
		return err
	}
	return l.kv.Set(blockKey(b.Height), raw)
}

func (l *Ledger) load(height uint64) (*block.Block, error) {
	raw, err := l.kv.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var sb storedBlock
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, err
	}
	return block.New(sb.Height, sb.ParentHash, floatSecondsToTime(sb.Timestamp), sb.Transactions, sb.Proposer), nil
}

func floatSecondsToTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*1e9))
}

// AppendCommitted appends a consensus-committed block to the ledger. It
// fails with ErrLedgerConflict if the block's height is not current+1 or its
// parent hash does not equal the tip's hash, and with
// ErrDuplicateTransaction if any of the block's transaction ids already
// appear in a previously committed block.
func (l *Ledger) AppendCommitted(b *block.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b.Height != l.tipHeight+1 || b.ParentHash != l.tipHash {
		return ErrLedgerConflict
	}
	for _, t := range b.Transactions {
		if _, exists := l.txIndex[t.ID]; exists {
			return ErrDuplicateTransaction
		}
	}
	if err := l.persist(b); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	for _, t := range b.Transactions {
		l.txIndex[t.ID] = b.Height
	}
	l.tipHeight = b.Height
	l.tipHash = b.Hash()
	return nil
}

// Height returns the current tip height.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipHeight
}

// TipHash returns the current tip block's hash.
func (l *Ledger) TipHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipHash
}

// GetByHeight returns the block sealed at the given height, or
// ErrBlockNotFound if none exists.
func (l *Ledger) GetByHeight(height uint64) (*block.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, err := l.load(height)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBlockNotFound
	}
	return b, nil
}

// ContainsTransaction reports whether id has been committed in any block.
func (l *Ledger) ContainsTransaction(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.txIndex[id]
	return ok
}

// IterTransactions walks every committed transaction from genesis forward,
// calling filter for each; transactions for which filter returns true are
// included in the returned slice, in ledger order.
func (l *Ledger) IterTransactions(filter func(*txn.Transaction) bool) ([]*txn.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*txn.Transaction
	for h := uint64(0); h <= l.tipHeight; h++ {
		b, err := l.load(h)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		for _, t := range b.Transactions {
			if filter == nil || filter(t) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// ValidateChain walks the full chain from genesis and returns the first
// violation of L1 (contiguous heights), L2 (parent-hash linking) or L3 (no
// duplicate committed transaction id), or nil if the chain is valid (L4).
func (l *Ledger) ValidateChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]uint64)
	var prev *block.Block
	for h := uint64(0); h <= l.tipHeight; h++ {
		b, err := l.load(h)
		if err != nil {
			return err
		}
		if b == nil {
			return &ChainViolation{Height: h, Reason: "missing block: heights are not contiguous from 0"}
		}
		if b.Height != h {
			return &ChainViolation{Height: h, Reason: "stored height does not match its key"}
		}
		if h == 0 {
			prev = b
			for _, t := range b.Transactions {
				if at, dup := seen[t.ID]; dup {
					return &ChainViolation{Height: h, Reason: fmt.Sprintf("transaction %s already committed at height %d", t.ID, at)}
				}
				seen[t.ID] = h
			}
			continue
		}
		if b.ParentHash != prev.Hash() {
			return &ChainViolation{Height: h, Reason: "parent hash does not match previous block's hash"}
		}
		for _, t := range b.Transactions {
			if at, dup := seen[t.ID]; dup {
				return &ChainViolation{Height: h, Reason: fmt.Sprintf("transaction %s already committed at height %d", t.ID, at)}
			}
			seen[t.ID] = h
		}
		prev = b
	}
	return nil
}
