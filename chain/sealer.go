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

package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
)

// TimestampSource hands out the timestamp for each sealed block. Satisfied
// by clock.Clock.
type TimestampSource interface {
	NextTimestamp() uint64
}

// Sealer assembles and commits dev blocks on top of the store's head. It is
// deliberately minimal: transactions and receipts are taken as given, there
// is no execution here.
type Sealer struct {
	store    *Store
	clock    TimestampSource
	coinbase common.Address
	gasLimit uint64
}

// NewSealer returns a sealer producing blocks with the given coinbase and
// gas limit.
func NewSealer(store *Store, clock TimestampSource, coinbase common.Address, gasLimit uint64) *Sealer {
	return &Sealer{store: store, clock: clock, coinbase: coinbase, gasLimit: gasLimit}
}

// Seal builds a block from the given transactions and receipts, stamps it
// with the clock's next timestamp and commits it to the store.
func (s *Sealer) Seal(txs types.Transactions, receipts types.Receipts) (*types.Block, error) {
	parent := s.store.CurrentBlock()

	var gasUsed uint64
	if len(receipts) > 0 {
		gasUsed = receipts[len(receipts)-1].CumulativeGasUsed
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number(), common.Big1),
		Time:       s.clock.NextTimestamp(),
		Coinbase:   s.coinbase,
		GasLimit:   s.gasLimit,
		GasUsed:    gasUsed,
		Difficulty: new(big.Int),
	}
	if parent.BaseFee() != nil {
		header.BaseFee = new(big.Int).Set(parent.BaseFee())
	}
	block := types.NewBlock(header, &types.Body{Transactions: txs}, receipts, trie.NewStackTrie(nil))
	if err := s.store.Seal(block, receipts); err != nil {
		return nil, err
	}
	return block, nil
}

// SealEmpty commits an empty block, the interval miner's idle product.
func (s *Sealer) SealEmpty() (*types.Block, error) {
	return s.Seal(nil, nil)
}
