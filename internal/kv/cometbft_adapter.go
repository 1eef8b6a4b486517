package kv

import (
	dbm "github.com/cometbft/cometbft-db"
)

// CometBFTAdapter wraps a cometbft-db dbm.DB so it can serve as the tracker's
// KV store, the same way the upstream KVAdapter wraps CometBFT's DB for
// ledger storage.
type CometBFTAdapter struct {
	db dbm.DB
}

// NewCometBFTAdapter creates a KV backed by the given durable DB handle.
func NewCometBFTAdapter(db dbm.DB) *CometBFTAdapter {
	return &CometBFTAdapter{db: db}
}

func (a *CometBFTAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *CometBFTAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}
