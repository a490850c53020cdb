// Copyright 2025 The devnode Authors
// This file is part of the devnode library.
//
// The devnode library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The devnode library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the devnode library. If not, see <http://www.gnu.org/licenses/>.

// Package fork provides the lazy remote-state cache backing forked chains:
// a read surface over "local state first, remote chain pinned at a fixed
// block second", memoizing every remote answer for the lifetime of the run.
package fork

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// RemoteReader queries the remote chain a fork mirrors. Implementations are
// expected to be blocking; the cache issues each query at most once per key
// and applies no deadline of its own.
type RemoteReader interface {
	// AccountAt returns the nonce, balance and code of an account at the
	// given block, combined so a single round of requests covers all three.
	AccountAt(addr common.Address, block *big.Int) (nonce uint64, balance *uint256.Int, code []byte, err error)

	// StorageAt returns the value of one storage slot at the given block.
	StorageAt(addr common.Address, slot common.Hash, block *big.Int) (common.Hash, error)

	// HeaderAndChainID returns the header of the given block (or the
	// latest when number is nil) together with the remote chain id.
	HeaderAndChainID(number *big.Int) (*types.Header, *big.Int, error)
}

// HeightSource exposes the local chain's current height, used for the block
// number accessor when no pin block is configured.
type HeightSource interface {
	CurrentHeight() uint64
}

// Account is a cached remote account: the combined result of one account
// fetch plus any individually fetched storage slots.
type Account struct {
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
	Storage map[common.Hash]common.Hash
}

func (a *Account) exists() bool {
	return a.Nonce != 0 || !a.Balance.IsZero() || len(a.Code) > 0
}

// DB is the unified world-state read surface handed to the execution engine
// when the node runs in fork mode. Reads consult the in-memory cache first
// and fall back to the remote reader, memoizing the answer; block-context
// accessors are served from a snapshot pinned at construction time.
//
// Remote fetch failures never surface to the caller: they degrade to an
// empty account or zero-valued slot. This mirrors the behaviour existing
// test suites depend on, at the cost of masking genuine outages; every
// swallowed failure is logged. All reads go through a single critical
// section, which is sufficient because the execution path serializes them.
type DB struct {
	mu sync.Mutex

	remote RemoteReader
	local  HeightSource

	// pin is the block number all remote queries are scoped to; nil means
	// live (non-forked) mode.
	pin *big.Int

	// header and chainID are the immutable pinned-block snapshot, captured
	// once at construction and never refreshed.
	header  *types.Header
	chainID *big.Int

	accounts map[common.Address]*Account
}

// New constructs a fork database over the given remote reader and local
// height source. When pin is non-nil all remote state queries are scoped to
// that block number; the pinned header and remote chain id are fetched
// eagerly and a failure here is a hard construction error, not a degraded
// default. seed pre-populates the account cache and may be nil.
func New(remote RemoteReader, local HeightSource, pin *big.Int, seed map[common.Address]*Account) (*DB, error) {
	header, chainID, err := remote.HeaderAndChainID(pin)
	if err != nil {
		return nil, fmt.Errorf("fork: fetching pinned block and chain id: %w", err)
	}
	db := &DB{
		remote:   remote,
		local:    local,
		header:   header,
		chainID:  chainID,
		accounts: make(map[common.Address]*Account),
	}
	if pin != nil {
		db.pin = new(big.Int).Set(pin)
	}
	for addr, acc := range seed {
		if acc.Balance == nil {
			acc.Balance = new(uint256.Int)
		}
		if acc.Storage == nil {
			acc.Storage = make(map[common.Hash]common.Hash)
		}
		db.accounts[addr] = acc
	}
	log.Info("Forked chain state pinned", "block", header.Number, "hash", header.Hash(), "chainid", chainID)
	return db, nil
}

// Exists reports whether the account is non-empty: any of nonce, balance or
// code being set counts as existence.
func (db *DB) Exists(addr common.Address) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.account(addr).exists()
}

// Basic returns the account's nonce and balance.
func (db *DB) Basic(addr common.Address) (uint64, *uint256.Int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	acc := db.account(addr)
	return acc.Nonce, acc.Balance.Clone()
}

// Code returns the account's bytecode, nil for non-contract accounts.
func (db *DB) Code(addr common.Address) []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.account(addr).Code
}

// Storage returns the value of the given storage slot.
func (db *DB) Storage(addr common.Address, slot common.Hash) common.Hash {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.storage(addr, slot)
}

// OriginalStorage returns the committed (pre-transaction) value of the given
// slot. No writes land in this layer, so it coincides with Storage; it is a
// distinct method because the execution engine distinguishes the two reads.
func (db *DB) OriginalStorage(addr common.Address, slot common.Hash) common.Hash {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.storage(addr, slot)
}

// account returns the cached entry for addr, issuing the combined remote
// fetch on first access. The caller holds db.mu.
func (db *DB) account(addr common.Address) *Account {
	if acc, ok := db.accounts[addr]; ok {
		return acc
	}
	nonce, balance, code, err := db.remote.AccountAt(addr, db.pin)
	if err != nil {
		log.Warn("Remote account fetch failed, assuming empty account", "address", addr, "err", err)
		nonce, balance, code = 0, nil, nil
	}
	if balance == nil {
		balance = new(uint256.Int)
	}
	acc := &Account{
		Nonce:   nonce,
		Balance: balance,
		Code:    code,
		Storage: make(map[common.Hash]common.Hash),
	}
	db.accounts[addr] = acc
	return acc
}

// storage returns the cached slot value, issuing a single-slot remote fetch
// on first access. The caller holds db.mu.
func (db *DB) storage(addr common.Address, slot common.Hash) common.Hash {
	acc := db.account(addr)
	if val, ok := acc.Storage[slot]; ok {
		return val
	}
	val, err := db.remote.StorageAt(addr, slot, db.pin)
	if err != nil {
		log.Warn("Remote storage fetch failed, assuming zero slot", "address", addr, "slot", slot, "err", err)
		val = common.Hash{}
	}
	acc.Storage[slot] = val
	return val
}

// BlockNumber returns the pinned block number, or the local chain height
// when running unpinned.
func (db *DB) BlockNumber() uint64 {
	if db.pin == nil {
		return db.local.CurrentHeight()
	}
	return db.header.Number.Uint64()
}

// Coinbase returns the pinned block's fee recipient.
func (db *DB) Coinbase() common.Address {
	return db.header.Coinbase
}

// Timestamp returns the pinned block's timestamp.
func (db *DB) Timestamp() uint64 {
	return db.header.Time
}

// Difficulty returns the pinned block's difficulty.
func (db *DB) Difficulty() *big.Int {
	return new(big.Int).Set(db.header.Difficulty)
}

// GasLimit returns the pinned block's gas limit.
func (db *DB) GasLimit() uint64 {
	return db.header.GasLimit
}

// BaseFee returns the pinned block's base fee, zero for pre-London blocks.
func (db *DB) BaseFee() *big.Int {
	if db.header.BaseFee == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(db.header.BaseFee)
}

// ChainID returns the remote chain's id captured at construction.
func (db *DB) ChainID() *big.Int {
	return new(big.Int).Set(db.chainID)
}
