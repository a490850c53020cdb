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

// Package clock owns the node's notion of time for block sealing and call
// simulation. Block timestamps handed out by the Clock are strictly
// increasing regardless of wall-clock jumps, one-shot overrides
// (evm_setNextBlockTimestamp) or a fixed block-timestamp interval
// (anvil_setBlockTimestampInterval).
package clock

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ErrPastTimestamp is returned when a requested one-shot timestamp does not
// lie strictly after the last block timestamp handed out.
var ErrPastTimestamp = errors.New("timestamp is not after the latest block timestamp")

// Clock resolves the timestamp for the next sealed block. The resolution
// priority is: one-shot override, fixed interval, wall clock plus offset.
// Whatever wins is clamped so that consecutive block timestamps are strictly
// increasing.
//
// The zero value is not usable; construct with New.
type Clock struct {
	mu sync.Mutex

	// offset is the signed delta, in seconds, applied on top of the wall
	// clock. evm_increaseTime and timestamp overrides fold into it.
	offset *big.Int

	// lastTimestamp is the monotonicity anchor: the timestamp of the most
	// recently sealed block.
	lastTimestamp uint64

	// nextExact holds the pending one-shot override, consumed by the next
	// mutating read.
	nextExact *uint64

	// intervalMilli enables fixed-cadence mode when non-zero.
	intervalMilli uint64

	// wallClockMilli tracks sub-second progress; it is only advanced while
	// interval mode is active.
	wallClockMilli uint64

	now func() time.Time
}

// New returns a Clock whose epoch is the given start timestamp (unix seconds).
func New(start uint64) *Clock {
	c := &Clock{now: time.Now}
	c.Reset(start)
	return c
}

// Reset rebases the clock on a new epoch: the offset is recomputed so a
// natural read returns start plus elapsed real time, any pending override is
// dropped and the interval tracker is re-anchored. The monotonicity anchor
// restarts at the new epoch.
func (c *Clock) Reset(start uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint64(c.now().Unix())
	c.offset = new(big.Int).Sub(
		new(big.Int).SetUint64(start),
		new(big.Int).SetUint64(now),
	)
	c.nextExact = nil
	c.wallClockMilli = start * 1000
	c.lastTimestamp = 0
}

// IncreaseTime adds the given number of seconds to the clock offset and
// returns the resulting cumulative offset.
func (c *Clock) IncreaseTime(seconds uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offset.Add(c.offset, new(big.Int).SetUint64(seconds))
	return new(big.Int).Set(c.offset)
}

// Offset returns the current cumulative clock offset in seconds.
func (c *Clock) Offset() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.offset)
}

// SetNextBlockTimestamp arms a one-shot timestamp override for the next
// sealed block. The override must lie strictly after the latest block
// timestamp.
func (c *Clock) SetNextBlockTimestamp(ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts <= c.lastTimestamp {
		return fmt.Errorf("%w: %d <= %d", ErrPastTimestamp, ts, c.lastTimestamp)
	}
	c.nextExact = &ts
	return nil
}

// SetBlockTimestampInterval switches the clock into fixed-cadence mode: each
// subsequent block timestamp advances by the given number of milliseconds,
// floored to whole seconds.
func (c *Clock) SetBlockTimestampInterval(milliseconds uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Debug("Setting block timestamp interval", "milliseconds", milliseconds)
	c.intervalMilli = milliseconds
}

// RemoveBlockTimestampInterval disables fixed-cadence mode and reports
// whether an interval was actually set.
func (c *Clock) RemoveBlockTimestampInterval() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intervalMilli == 0 {
		return false
	}
	c.intervalMilli = 0
	return true
}

// NextTimestamp resolves and consumes the timestamp for the next block.
// Any pending override is cleared, and when the override or the
// monotonicity clamp forced the result away from the natural wall-clock
// value, the offset and interval tracker are re-anchored so that subsequent
// natural reads remain consistent with what was sealed.
func (c *Clock) NextTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, rebase, wallMilli := c.resolve()
	c.nextExact = nil
	c.wallClockMilli = wallMilli
	if rebase {
		now := uint64(c.now().Unix())
		c.offset = new(big.Int).Sub(
			new(big.Int).SetUint64(ts),
			new(big.Int).SetUint64(now),
		)
		c.wallClockMilli = ts * 1000
	}
	c.lastTimestamp = ts
	return ts
}

// CurrentCallTimestamp computes the timestamp NextTimestamp would return,
// without consuming the override or advancing any state. It is used for
// simulated calls (eth_call, gas estimation) that must not mutate the clock.
func (c *Clock) CurrentCallTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, _, _ := c.resolve()
	return ts
}

// resolve computes the next timestamp under the override/interval/natural
// priority and applies the monotonicity clamp. rebase reports whether an
// override or the clamp forced the result away from the value the active mode
// would have produced, requiring the offset and interval tracker to be
// re-anchored; wallMilli is the interval tracker value the computation
// advanced to. The caller holds c.mu.
func (c *Clock) resolve() (ts uint64, rebase bool, wallMilli uint64) {
	wallMilli = c.wallClockMilli
	switch {
	case c.nextExact != nil:
		ts = *c.nextExact
		rebase = true
	case c.intervalMilli > 0:
		wallMilli += c.intervalMilli
		ts = wallMilli / 1000
	default:
		ts = c.naturalTimestamp()
	}
	if ts <= c.lastTimestamp {
		ts = c.lastTimestamp + 1
		rebase = true
	}
	return ts, rebase, wallMilli
}

// naturalTimestamp is the wall clock plus the accumulated offset, saturating
// at zero for offsets reaching before the unix epoch. The caller holds c.mu.
func (c *Clock) naturalTimestamp() uint64 {
	n := new(big.Int).SetUint64(uint64(c.now().Unix()))
	n.Add(n, c.offset)
	if n.Sign() < 0 {
		return 0
	}
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}
