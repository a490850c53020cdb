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

// Package filters implements the streaming side of eth_subscribe: per-client
// subscriptions over new heads, matching logs and pending transaction
// hashes, fed from the node's block and transaction notification sources.
package filters

import (
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Query selects which logs a subscription or range query receives. The zero
// value matches every log.
//
// Topics are positional: position i of a log's topic list must be a member
// of Topics[i]; an empty (or absent) position matches any value.
type Query struct {
	// BlockHash, if set, pins matching to logs of exactly one block.
	BlockHash *common.Hash

	// FromBlock and ToBlock restrict the block-number range. A nil or
	// negative bound is open.
	FromBlock *big.Int
	ToBlock   *big.Int

	Addresses []common.Address
	Topics    [][]common.Hash
}

// Log is a decorated log record as delivered to subscribers: the log itself
// with its position in the containing block. Index is the block-global log
// index, monotonically increasing across all the block's receipts;
// TxLogIndex is the log's position within its own receipt and restarts at
// every transaction boundary.
type Log struct {
	types.Log

	TxLogIndex uint
}

// matcher is a Query compiled into set lookups.
type matcher struct {
	blockHash *common.Hash
	from, to  *big.Int
	addrs     mapset.Set[common.Address]
	topics    []mapset.Set[common.Hash]
}

func newMatcher(q Query) *matcher {
	m := &matcher{blockHash: q.BlockHash, from: q.FromBlock, to: q.ToBlock}
	if len(q.Addresses) > 0 {
		m.addrs = mapset.NewThreadUnsafeSet(q.Addresses...)
	}
	for _, position := range q.Topics {
		if len(position) == 0 {
			m.topics = append(m.topics, nil) // wildcard
			continue
		}
		m.topics = append(m.topics, mapset.NewThreadUnsafeSet(position...))
	}
	return m
}

// matches tests a decorated log against every configured restriction.
func (m *matcher) matches(lg *types.Log) bool {
	if m.from != nil && m.from.Sign() >= 0 && lg.BlockNumber < m.from.Uint64() {
		return false
	}
	if m.to != nil && m.to.Sign() >= 0 && lg.BlockNumber > m.to.Uint64() {
		return false
	}
	if m.blockHash != nil && *m.blockHash != lg.BlockHash {
		return false
	}
	if m.addrs != nil && !m.addrs.Contains(lg.Address) {
		return false
	}
	if len(m.topics) > len(lg.Topics) {
		return false
	}
	for i, position := range m.topics {
		if position == nil {
			continue
		}
		if !position.Contains(lg.Topics[i]) {
			return false
		}
	}
	return true
}

// BlockLogs derives the decorated log records of a sealed block from its
// receipts. Receipts are walked in transaction order; the block-global index
// spans all receipts while the per-transaction index restarts at each one.
// The owning transaction hash is only resolved for receipts that actually
// carry logs.
func BlockLogs(block *types.Block, receipts types.Receipts) []*Log {
	var (
		txs        = block.Transactions()
		blockIndex = uint(0)
		records    []*Log
	)
	for txIndex, receipt := range receipts {
		var txHash common.Hash
		if len(receipt.Logs) > 0 && txIndex < len(txs) {
			txHash = txs[txIndex].Hash()
		}
		for txLogIndex, lg := range receipt.Logs {
			records = append(records, &Log{
				Log: types.Log{
					Address:     lg.Address,
					Topics:      lg.Topics,
					Data:        lg.Data,
					BlockNumber: block.NumberU64(),
					BlockHash:   block.Hash(),
					TxHash:      txHash,
					TxIndex:     uint(txIndex),
					Index:       blockIndex,
				},
				TxLogIndex: uint(txLogIndex),
			})
			blockIndex++
		}
	}
	return records
}

// FilterLogs returns the subset of records matching the query, preserving
// order.
func FilterLogs(q Query, records []*Log) []*Log {
	m := newMatcher(q)
	var out []*Log
	for _, record := range records {
		if m.matches(&record.Log) {
			out = append(out, record)
		}
	}
	return out
}
