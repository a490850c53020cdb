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

package filters

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"
)

// fakeBackend implements BlockSource, TxSource and Store over raw feeds, so
// tests can announce hashes that are missing from storage and simulate the
// rollback race.
type fakeBackend struct {
	mu       sync.Mutex
	blocks   map[common.Hash]*types.Block
	receipts map[common.Hash]types.Receipts

	blockFeed event.Feed
	txFeed    event.Feed
	scope     event.SubscriptionScope
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blocks:   make(map[common.Hash]*types.Block),
		receipts: make(map[common.Hash]types.Receipts),
	}
}

func (b *fakeBackend) add(block *types.Block, receipts types.Receipts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[block.Hash()] = block
	if receipts != nil {
		b.receipts[block.Hash()] = receipts
	}
}

// announce posts a block notice and returns the number of subscribers that
// received it.
func (b *fakeBackend) announce(hash common.Hash) int {
	return b.blockFeed.Send(BlockNotice{Hash: hash})
}

func (b *fakeBackend) BlockByHash(hash common.Hash) *types.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks[hash]
}

func (b *fakeBackend) ReceiptsByHash(hash common.Hash) types.Receipts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receipts[hash]
}

func (b *fakeBackend) HeaderByHash(hash common.Hash) *types.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	block, ok := b.blocks[hash]
	if !ok {
		return nil
	}
	return block.Header()
}

func (b *fakeBackend) SubscribeNewBlocks(ch chan<- BlockNotice) event.Subscription {
	return b.scope.Track(b.blockFeed.Subscribe(ch))
}

func (b *fakeBackend) SubscribePendingTxs(ch chan<- common.Hash) event.Subscription {
	return b.scope.Track(b.txFeed.Subscribe(ch))
}

func recv(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.Chan():
		require.True(t, ok, "subscription closed unexpectedly")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Chan():
		require.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestLogsSubscriptionFiltersAddress(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeLogs(Query{Addresses: []common.Address{addrA}})
	defer sub.Unsubscribe()

	mixed, mixedReceipts := makeBlock(1, []*types.Log{makeLog(addrA, topicX), makeLog(addrB, topicX)})
	backend.add(mixed, mixedReceipts)
	backend.announce(mixed.Hash())

	n := recv(t, sub)
	require.Equal(t, sub.ID, n.ID)
	record := n.Result.(*Log)
	require.Equal(t, addrA, record.Address)
	require.Equal(t, mixed.Hash(), record.BlockHash)

	// A block with zero matches yields no output but keeps the
	// registration alive: the next matching block still comes through.
	miss, missReceipts := makeBlock(2, []*types.Log{makeLog(addrB, topicY)})
	backend.add(miss, missReceipts)
	backend.announce(miss.Hash())

	hit, hitReceipts := makeBlock(3, []*types.Log{makeLog(addrA, topicY)})
	backend.add(hit, hitReceipts)
	backend.announce(hit.Hash())

	n = recv(t, sub)
	record = n.Result.(*Log)
	require.Equal(t, hit.Hash(), record.BlockHash)
	require.Equal(t, []common.Hash{topicY}, record.Topics)
}

func TestLogsSubscriptionOrderWithinBlock(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeLogs(Query{})
	defer sub.Unsubscribe()

	block, receipts := makeBlock(1,
		[]*types.Log{makeLog(addrA, topicX), makeLog(addrA, topicY)},
		[]*types.Log{makeLog(addrB, topicZ)},
	)
	backend.add(block, receipts)
	backend.announce(block.Hash())

	var indices []uint
	for i := 0; i < 3; i++ {
		record := recv(t, sub).Result.(*Log)
		indices = append(indices, record.Index)
	}
	require.Equal(t, []uint{0, 1, 2}, indices)
}

func TestLogsSubscriptionSkipsMissingData(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeLogs(Query{})
	defer sub.Unsubscribe()

	// A hash with no stored block: the race with a rollback. Silently
	// skipped, not an error, not a stream end.
	backend.announce(common.HexToHash("0x404"))

	// A stored block whose receipts are gone: same treatment.
	orphan, _ := makeBlock(1, []*types.Log{makeLog(addrA, topicX)})
	backend.add(orphan, nil)
	backend.announce(orphan.Hash())

	good, goodReceipts := makeBlock(2, []*types.Log{makeLog(addrA, topicY)})
	backend.add(good, goodReceipts)
	backend.announce(good.Hash())

	record := recv(t, sub).Result.(*Log)
	require.Equal(t, good.Hash(), record.BlockHash)
}

func TestNewHeadsSubscription(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeNewHeads()
	defer sub.Unsubscribe()

	var want []uint64
	for n := uint64(1); n <= 3; n++ {
		block, _ := makeBlock(n)
		backend.add(block, nil)
		backend.announce(block.Hash())
		want = append(want, n)
	}

	var got []uint64
	for range want {
		n := recv(t, sub)
		require.Equal(t, sub.ID, n.ID)
		got = append(got, n.Result.(*types.Header).Number.Uint64())
	}
	require.Equal(t, want, got)
}

func TestNewHeadsSubscriptionSkipsUnknown(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeNewHeads()
	defer sub.Unsubscribe()

	backend.announce(common.HexToHash("0xdead"))

	block, _ := makeBlock(1)
	backend.add(block, nil)
	backend.announce(block.Hash())

	header := recv(t, sub).Result.(*types.Header)
	require.Equal(t, uint64(1), header.Number.Uint64())
}

func TestPendingTxForwarding(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribePendingTransactions()

	hashes := []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToHash("0x03"),
	}
	for _, hash := range hashes {
		backend.txFeed.Send(hash)
	}
	for _, want := range hashes {
		require.Equal(t, want, recv(t, sub).Result.(common.Hash))
	}

	// Closing the source ends the stream gracefully.
	backend.scope.Close()
	expectClosed(t, sub)
}

func TestUnsubscribeReleasesRegistration(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	sub := hub.SubscribeNewHeads()
	block, _ := makeBlock(1)
	backend.add(block, nil)
	require.Equal(t, 1, backend.announce(block.Hash()))
	recv(t, sub)

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	expectClosed(t, sub)

	// The feed registration is gone: nobody receives further notices.
	require.Equal(t, 0, backend.announce(block.Hash()))
}

func TestSourceCloseEndsAllStreams(t *testing.T) {
	backend := newFakeBackend()
	hub := NewHub(backend, backend, backend)

	heads := hub.SubscribeNewHeads()
	logs := hub.SubscribeLogs(Query{})

	backend.scope.Close()
	expectClosed(t, heads)
	expectClosed(t, logs)
}
