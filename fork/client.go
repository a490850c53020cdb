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

package fork

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// Client adapts an ethclient connection to the RemoteReader interface. Calls
// are blocking and carry no deadline; callers wanting timeouts wrap the
// underlying RPC client's dial context or their own retry policy around the
// fork database instead.
type Client struct {
	ec *ethclient.Client
}

// Dial connects to the given JSON-RPC endpoint.
func Dial(rawurl string) (*Client, error) {
	ec, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, fmt.Errorf("fork: dialing %s: %w", rawurl, err)
	}
	return &Client{ec: ec}, nil
}

// NewClient wraps an existing ethclient connection.
func NewClient(ec *ethclient.Client) *Client {
	return &Client{ec: ec}
}

// Close tears down the underlying RPC connection.
func (c *Client) Close() {
	c.ec.Close()
}

// AccountAt fetches nonce, balance and code for the account in one round.
func (c *Client) AccountAt(addr common.Address, block *big.Int) (uint64, *uint256.Int, []byte, error) {
	ctx := context.Background()

	nonce, err := c.ec.NonceAt(ctx, addr, block)
	if err != nil {
		return 0, nil, nil, err
	}
	bal, err := c.ec.BalanceAt(ctx, addr, block)
	if err != nil {
		return 0, nil, nil, err
	}
	code, err := c.ec.CodeAt(ctx, addr, block)
	if err != nil {
		return 0, nil, nil, err
	}
	balance, overflow := uint256.FromBig(bal)
	if overflow {
		return 0, nil, nil, fmt.Errorf("fork: balance of %s overflows u256", addr)
	}
	return nonce, balance, code, nil
}

// StorageAt fetches a single storage slot.
func (c *Client) StorageAt(addr common.Address, slot common.Hash, block *big.Int) (common.Hash, error) {
	val, err := c.ec.StorageAt(context.Background(), addr, slot, block)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(val), nil
}

// HeaderAndChainID fetches the header of the given block (latest when nil)
// and the remote chain id.
func (c *Client) HeaderAndChainID(number *big.Int) (*types.Header, *big.Int, error) {
	ctx := context.Background()

	header, err := c.ec.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	chainID, err := c.ec.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	return header, chainID, nil
}
