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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// blockNoticeChanSize is the buffer of the per-subscription block
	// notification channel.
	blockNoticeChanSize = 16

	// pendingTxChanSize is the buffer of the per-subscription pending
	// transaction channel, sized for bursts of accepted transactions.
	pendingTxChanSize = 4096

	// notificationChanSize is the buffer of a subscription's output
	// channel.
	notificationChanSize = 256
)

// BlockNotice announces one sealed block to subscribers.
type BlockNotice struct {
	Hash common.Hash
}

// BlockSource is the broadcast channel fed by the sealing pipeline; every
// subscription registers with it independently.
type BlockSource interface {
	SubscribeNewBlocks(ch chan<- BlockNotice) event.Subscription
}

// TxSource is the broadcast channel fed by the transaction acceptance path.
type TxSource interface {
	SubscribePendingTxs(ch chan<- common.Hash) event.Subscription
}

// Store resolves notified hashes against the node's own chain storage. All
// lookups may legitimately return nil: a notification can race a rollback,
// in which case the notification is skipped.
type Store interface {
	BlockByHash(hash common.Hash) *types.Block
	ReceiptsByHash(hash common.Hash) types.Receipts
	HeaderByHash(hash common.Hash) *types.Header
}

// Notification is the envelope handed to the transport layer: the owning
// subscription's stable id plus the subscription-specific payload (*Log,
// *types.Header or common.Hash). Wire encoding happens above this layer.
type Notification struct {
	ID     rpc.ID
	Result any
}

// Hub creates live event subscriptions over the shared notification
// sources. Each subscription runs its own consumer goroutine, so a slow or
// abandoned subscription never stalls its siblings.
type Hub struct {
	blocks BlockSource
	txs    TxSource
	store  Store
}

// NewHub wires a hub to its notification sources and local store.
func NewHub(blocks BlockSource, txs TxSource, store Store) *Hub {
	return &Hub{blocks: blocks, txs: txs, store: store}
}

// Subscription is one live client registration. Envelopes arrive on Chan in
// source order; the channel is closed when the upstream source closes or
// Unsubscribe is called.
type Subscription struct {
	ID rpc.ID

	out  chan Notification
	quit chan struct{}
	src  event.Subscription
	once sync.Once
}

func newSubscription(src event.Subscription) *Subscription {
	return &Subscription{
		ID:   rpc.NewID(),
		out:  make(chan Notification, notificationChanSize),
		quit: make(chan struct{}),
		src:  src,
	}
}

// Chan returns the notification stream.
func (s *Subscription) Chan() <-chan Notification {
	return s.out
}

// Unsubscribe releases the registration with the upstream source and ends
// the stream. It is idempotent and safe to call from any goroutine.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.src.Unsubscribe()
		close(s.quit)
	})
}

// deliver pushes one envelope, giving up when the subscription ends first.
func (s *Subscription) deliver(result any) bool {
	select {
	case s.out <- Notification{ID: s.ID, Result: result}:
		return true
	case <-s.quit:
		return false
	}
}

// SubscribeLogs streams decorated logs matching the query, one envelope per
// log, as blocks are sealed. Blocks yielding no matches produce no output
// but keep the registration alive.
func (h *Hub) SubscribeLogs(q Query) *Subscription {
	ch := make(chan BlockNotice, blockNoticeChanSize)
	sub := newSubscription(h.blocks.SubscribeNewBlocks(ch))
	m := newMatcher(q)

	go func() {
		defer close(sub.out)
		for {
			select {
			case notice := <-ch:
				for _, record := range h.matchingLogs(m, notice.Hash) {
					if !sub.deliver(record) {
						return
					}
				}
			case <-sub.src.Err():
				return
			case <-sub.quit:
				return
			}
		}
	}()
	return sub
}

// matchingLogs resolves a notified block and filters its logs. A block or
// receipt list missing from the store is a benign race with a rollback: the
// notification is skipped without output and without ending the stream.
func (h *Hub) matchingLogs(m *matcher, hash common.Hash) []*Log {
	block := h.store.BlockByHash(hash)
	if block == nil {
		log.Trace("Notified block missing from store, skipping", "hash", hash)
		return nil
	}
	receipts := h.store.ReceiptsByHash(hash)
	if receipts == nil {
		log.Trace("Notified block has no stored receipts, skipping", "hash", hash)
		return nil
	}
	var matched []*Log
	for _, record := range BlockLogs(block, receipts) {
		if m.matches(&record.Log) {
			matched = append(matched, record)
		}
	}
	return matched
}

// SubscribeNewHeads streams the header of every sealed block that resolves
// in the local store.
func (h *Hub) SubscribeNewHeads() *Subscription {
	ch := make(chan BlockNotice, blockNoticeChanSize)
	sub := newSubscription(h.blocks.SubscribeNewBlocks(ch))

	go func() {
		defer close(sub.out)
		for {
			select {
			case notice := <-ch:
				header := h.store.HeaderByHash(notice.Hash)
				if header == nil {
					log.Trace("Notified header missing from store, skipping", "hash", notice.Hash)
					continue
				}
				if !sub.deliver(header) {
					return
				}
			case <-sub.src.Err():
				return
			case <-sub.quit:
				return
			}
		}
	}()
	return sub
}

// SubscribePendingTransactions streams the hash of every transaction
// accepted into the pool, verbatim. Closure of the pending-transaction
// source ends the stream gracefully.
func (h *Hub) SubscribePendingTransactions() *Subscription {
	ch := make(chan common.Hash, pendingTxChanSize)
	sub := newSubscription(h.txs.SubscribePendingTxs(ch))

	go func() {
		defer close(sub.out)
		for {
			select {
			case hash := <-ch:
				if !sub.deliver(hash) {
					return
				}
			case <-sub.src.Err():
				return
			case <-sub.quit:
				return
			}
		}
	}()
	return sub
}
