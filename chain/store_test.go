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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"

	"github.com/simchain/devnode/filters"
)

// stubClock hands out fixed-step timestamps.
type stubClock uint64

func (c *stubClock) NextTimestamp() uint64 {
	*c++
	return uint64(*c)
}

var (
	coinbase = common.HexToAddress("0xc0ffee")
	emitter  = common.HexToAddress("0xeeee")
	topic    = common.HexToHash("0x42")
)

func newTestSealer() (*Store, *Sealer) {
	store := NewStore(DefaultGenesis(1_700_000_000))
	clk := stubClock(1_700_000_000)
	return store, NewSealer(store, &clk, coinbase, 30_000_000)
}

func testTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0xdead")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
	})
}

func testReceipt(cumulative uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: cumulative,
		Logs:              logs,
	}
}

func TestSealExtendsChain(t *testing.T) {
	store, sealer := newTestSealer()
	require.Equal(t, uint64(0), store.CurrentHeight())

	b1, err := sealer.SealEmpty()
	require.NoError(t, err)
	b2, err := sealer.SealEmpty()
	require.NoError(t, err)

	require.Equal(t, uint64(2), store.CurrentHeight())
	require.Equal(t, b2.Hash(), store.CurrentBlock().Hash())
	require.Equal(t, b1.Hash(), b2.ParentHash())
	require.Greater(t, b2.Time(), b1.Time())

	require.Equal(t, b1.Hash(), store.BlockByNumber(1).Hash())
	require.Equal(t, b1.Hash(), store.BlockByHash(b1.Hash()).Hash())
	require.Equal(t, uint64(1), store.HeaderByHash(b1.Hash()).Number.Uint64())
	require.Nil(t, store.BlockByNumber(99))
	require.Nil(t, store.BlockByHash(common.HexToHash("0x404")))

	// Empty blocks store empty, not absent, receipts.
	require.NotNil(t, store.ReceiptsByHash(b1.Hash()))
	require.Empty(t, store.ReceiptsByHash(b1.Hash()))
}

func TestSealRejectsNonSequential(t *testing.T) {
	store, sealer := newTestSealer()
	b1, err := sealer.SealEmpty()
	require.NoError(t, err)

	// Re-sealing the same block no longer extends the head.
	err = store.Seal(b1, nil)
	require.ErrorIs(t, err, ErrNonSequentialSeal)
}

func TestSealRejectsReceiptMismatch(t *testing.T) {
	store, _ := newTestSealer()
	parent := store.CurrentBlock()

	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     big.NewInt(1),
		Time:       parent.Time() + 1,
		GasLimit:   30_000_000,
		Difficulty: new(big.Int),
	}
	block := types.NewBlock(header, &types.Body{Transactions: types.Transactions{testTx(0)}}, nil, trie.NewStackTrie(nil))
	err := store.Seal(block, nil)
	require.ErrorIs(t, err, ErrReceiptMismatch)
}

func TestSealDerivesReceiptContext(t *testing.T) {
	store, sealer := newTestSealer()

	receipts := types.Receipts{
		testReceipt(21000, &types.Log{Address: emitter, Topics: []common.Hash{topic}}),
		testReceipt(42000, &types.Log{Address: emitter, Topics: []common.Hash{topic}}, &types.Log{Address: emitter}),
	}
	txs := types.Transactions{testTx(0), testTx(1)}
	block, err := sealer.Seal(txs, receipts)
	require.NoError(t, err)

	stored := store.ReceiptsByHash(block.Hash())
	require.Len(t, stored, 2)
	require.Equal(t, block.Hash(), stored[0].BlockHash)
	require.Equal(t, txs[1].Hash(), stored[1].TxHash)
	require.Equal(t, uint(1), stored[1].TransactionIndex)

	// Log indices span the whole block.
	require.Equal(t, uint(0), stored[0].Logs[0].Index)
	require.Equal(t, uint(1), stored[1].Logs[0].Index)
	require.Equal(t, uint(2), stored[1].Logs[1].Index)
	require.Equal(t, uint64(42000), block.GasUsed())
}

func TestSealNotifiesSubscribers(t *testing.T) {
	store, sealer := newTestSealer()

	ch := make(chan filters.BlockNotice, 1)
	sub := store.SubscribeNewBlocks(ch)
	defer sub.Unsubscribe()

	block, err := sealer.SealEmpty()
	require.NoError(t, err)

	select {
	case notice := <-ch:
		require.Equal(t, block.Hash(), notice.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("no block notice received")
	}
}

func TestLogsRangeQuery(t *testing.T) {
	store, sealer := newTestSealer()

	for i := 0; i < 3; i++ {
		logs := []*types.Log{{Address: emitter, Topics: []common.Hash{topic}}}
		if i == 1 {
			logs = []*types.Log{{Address: coinbase}}
		}
		_, err := sealer.Seal(
			types.Transactions{testTx(uint64(i))},
			types.Receipts{testReceipt(21000, logs...)},
		)
		require.NoError(t, err)
	}

	all := store.Logs(filters.Query{}, 0, 100)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].BlockNumber)
	require.Equal(t, uint64(3), all[2].BlockNumber)

	matched := store.Logs(filters.Query{Addresses: []common.Address{emitter}}, 0, 100)
	require.Len(t, matched, 2)

	// Range bounds are respected.
	require.Len(t, store.Logs(filters.Query{}, 2, 2), 1)
	require.Empty(t, store.Logs(filters.Query{}, 4, 100))
}
