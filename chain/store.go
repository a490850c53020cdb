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

// Package chain keeps the dev node's own mined chain in memory: blocks,
// receipts and the notification feeds announcing them. Nothing here is
// persisted; a test run starts from genesis every time.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/simchain/devnode/filters"
)

var (
	// ErrNonSequentialSeal is returned when a sealed block does not extend
	// the current head.
	ErrNonSequentialSeal = errors.New("sealed block does not extend the current head")

	// ErrReceiptMismatch is returned when the receipt count does not match
	// the block's transaction count.
	ErrReceiptMismatch = errors.New("receipt count does not match transaction count")
)

// Store is the in-memory chain storage: hash-indexed blocks and receipts
// plus the number-to-hash canonical mapping. It doubles as the node's
// notification hub input: sealing a block posts on the block feed, and
// accepted transactions are announced on the pending-transaction feed.
type Store struct {
	mu       sync.RWMutex
	blocks   map[common.Hash]*types.Block
	hashes   map[uint64]common.Hash
	receipts map[common.Hash]types.Receipts
	head     *types.Block

	blockFeed event.Feed
	txFeed    event.Feed
	scope     event.SubscriptionScope
}

// NewStore creates a store rooted at the given genesis block.
func NewStore(genesis *types.Block) *Store {
	s := &Store{
		blocks:   make(map[common.Hash]*types.Block),
		hashes:   make(map[uint64]common.Hash),
		receipts: make(map[common.Hash]types.Receipts),
		head:     genesis,
	}
	s.blocks[genesis.Hash()] = genesis
	s.hashes[genesis.NumberU64()] = genesis.Hash()
	return s
}

// DefaultGenesis builds the dev chain's genesis block with the given
// timestamp.
func DefaultGenesis(timestamp uint64) *types.Block {
	header := &types.Header{
		Number:     new(big.Int),
		Time:       timestamp,
		GasLimit:   params.GenesisGasLimit,
		BaseFee:    big.NewInt(params.InitialBaseFee),
		Difficulty: new(big.Int),
	}
	return types.NewBlock(header, &types.Body{}, nil, trie.NewStackTrie(nil))
}

// CurrentHeight returns the head block number.
func (s *Store) CurrentHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.NumberU64()
}

// CurrentBlock returns the head block.
func (s *Store) CurrentBlock() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// BlockByHash returns the block with the given hash, nil if unknown.
func (s *Store) BlockByHash(hash common.Hash) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[hash]
}

// BlockByNumber returns the canonical block at the given height, nil if
// unknown.
func (s *Store) BlockByNumber(number uint64) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.hashes[number]
	if !ok {
		return nil
	}
	return s.blocks[hash]
}

// HeaderByHash returns the header of the block with the given hash, nil if
// unknown.
func (s *Store) HeaderByHash(hash common.Hash) *types.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[hash]
	if !ok {
		return nil
	}
	return block.Header()
}

// ReceiptsByHash returns the receipts of the block with the given hash, nil
// if unknown.
func (s *Store) ReceiptsByHash(hash common.Hash) types.Receipts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[hash]
}

// Seal appends a block extending the current head, stores its receipts with
// derived context fields and announces the block on the notification feed.
func (s *Store) Seal(block *types.Block, receipts types.Receipts) error {
	s.mu.Lock()
	if block.ParentHash() != s.head.Hash() || block.NumberU64() != s.head.NumberU64()+1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: number %d parent %s", ErrNonSequentialSeal, block.NumberU64(), block.ParentHash())
	}
	if len(receipts) != block.Transactions().Len() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d receipts for %d transactions", ErrReceiptMismatch, len(receipts), block.Transactions().Len())
	}
	if receipts == nil {
		// Store empty rather than absent receipts, so subscribers can
		// tell an empty block from one raced away by a rollback.
		receipts = types.Receipts{}
	}
	deriveReceiptContext(block, receipts)
	s.blocks[block.Hash()] = block
	s.hashes[block.NumberU64()] = block.Hash()
	s.receipts[block.Hash()] = receipts
	s.head = block
	s.mu.Unlock()

	log.Debug("Sealed block", "number", block.NumberU64(), "hash", block.Hash(), "txs", block.Transactions().Len())
	s.blockFeed.Send(filters.BlockNotice{Hash: block.Hash()})
	return nil
}

// NotifyPending announces a transaction accepted into the pool.
func (s *Store) NotifyPending(hash common.Hash) {
	s.txFeed.Send(hash)
}

// SubscribeNewBlocks registers a channel with the sealed-block feed.
func (s *Store) SubscribeNewBlocks(ch chan<- filters.BlockNotice) event.Subscription {
	return s.scope.Track(s.blockFeed.Subscribe(ch))
}

// SubscribePendingTxs registers a channel with the pending-transaction feed.
func (s *Store) SubscribePendingTxs(ch chan<- common.Hash) event.Subscription {
	return s.scope.Track(s.txFeed.Subscribe(ch))
}

// Close permanently closes both notification sources. Live subscriptions
// end gracefully; the store itself remains readable.
func (s *Store) Close() {
	s.scope.Close()
}

// Logs returns the decorated logs matching the query in the canonical block
// range [from, to], in chain order.
func (s *Store) Logs(q filters.Query, from, to uint64) []*filters.Log {
	if head := s.CurrentHeight(); to > head {
		to = head
	}
	var all []*filters.Log
	for n := from; n <= to; n++ {
		block := s.BlockByNumber(n)
		if block == nil {
			continue
		}
		records := filters.BlockLogs(block, s.ReceiptsByHash(block.Hash()))
		all = append(all, filters.FilterLogs(q, records)...)
	}
	return all
}

// deriveReceiptContext fills the receipts' block-context fields the way
// consensus derivation would: block location, transaction hash and index,
// and per-log positions with a block-global log index.
func deriveReceiptContext(block *types.Block, receipts types.Receipts) {
	logIndex := uint(0)
	txs := block.Transactions()
	for i, receipt := range receipts {
		receipt.BlockHash = block.Hash()
		receipt.BlockNumber = new(big.Int).SetUint64(block.NumberU64())
		receipt.TransactionIndex = uint(i)
		receipt.TxHash = txs[i].Hash()
		for _, lg := range receipt.Logs {
			lg.BlockHash = block.Hash()
			lg.BlockNumber = block.NumberU64()
			lg.TxHash = txs[i].Hash()
			lg.TxIndex = uint(i)
			lg.Index = logIndex
			logIndex++
		}
	}
}
