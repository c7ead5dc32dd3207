// Package kvdb wraps CometBFT's embedded key/value database so the ledger
// can persist its committed blocks through a single small interface.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// Adapter wraps a cometbft-db handle and exposes the ledger.KV interface,
// so the ledger can run against an embedded goleveldb/badger store without
// depending on the cometbft-db package directly.
type Adapter struct {
	db dbm.DB
}

// NewAdapter wraps db for use as a ledger.KV.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get implements ledger.KV.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	// v may be nil if key not found -- ledger treats nil as "not present".
	return v, nil
}

// Set implements ledger.KV. Writes go through SetSync so a committed block
// is durable before AppendCommitted returns.
func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}