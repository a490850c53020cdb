// Copyright 2025 The devnode Authors
// This file is part of devnode.
//
// devnode is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// devnode is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with devnode. If not, see <http://www.gnu.org/licenses/>.

// devnode runs a local Ethereum-compatible development chain: an interval
// sealer over an in-memory store, with deterministic time control and
// optional state forking from a remote endpoint.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/simchain/devnode/chain"
	"github.com/simchain/devnode/clock"
	"github.com/simchain/devnode/filters"
	"github.com/simchain/devnode/fork"
)

var (
	blockTimeFlag = &cli.DurationFlag{
		Name:  "block-time",
		Usage: "Interval between sealed dev blocks",
		Value: time.Second,
	}
	startTimeFlag = &cli.Uint64Flag{
		Name:  "start-time",
		Usage: "Chain start timestamp in unix seconds (0 = now)",
	}
	timestampIntervalFlag = &cli.Uint64Flag{
		Name:  "timestamp-interval",
		Usage: "Fixed block timestamp cadence in milliseconds (0 = wall clock)",
	}
	coinbaseFlag = &cli.StringFlag{
		Name:  "coinbase",
		Usage: "Fee recipient of sealed blocks",
		Value: "0x0000000000000000000000000000000000000000",
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "Block gas limit",
		Value: 30_000_000,
	}
	forkURLFlag = &cli.StringFlag{
		Name:  "fork-url",
		Usage: "JSON-RPC endpoint to fork state from",
	}
	forkBlockFlag = &cli.Int64Flag{
		Name:  "fork-block",
		Usage: "Pin block number for the fork (-1 = latest)",
		Value: -1,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "devnode",
		Usage: "local Ethereum-compatible development node",
		Flags: []cli.Flag{
			blockTimeFlag,
			startTimeFlag,
			timestampIntervalFlag,
			coinbaseFlag,
			gasLimitFlag,
			forkURLFlag,
			forkBlockFlag,
			verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))

	start := ctx.Uint64(startTimeFlag.Name)
	if start == 0 {
		start = uint64(time.Now().Unix())
	}
	clk := clock.New(start)
	if ms := ctx.Uint64(timestampIntervalFlag.Name); ms > 0 {
		clk.SetBlockTimestampInterval(ms)
	}

	store := chain.NewStore(chain.DefaultGenesis(start))
	defer store.Close()

	hub := filters.NewHub(store, store, store)
	sealer := chain.NewSealer(store, clk,
		common.HexToAddress(ctx.String(coinbaseFlag.Name)),
		ctx.Uint64(gasLimitFlag.Name))

	if url := ctx.String(forkURLFlag.Name); url != "" {
		client, err := fork.Dial(url)
		if err != nil {
			return err
		}
		defer client.Close()

		var pin *big.Int
		if n := ctx.Int64(forkBlockFlag.Name); n >= 0 {
			pin = big.NewInt(n)
		}
		db, err := fork.New(client, store, pin, nil)
		if err != nil {
			return err
		}
		log.Info("Fork state attached", "block", db.BlockNumber(), "chainid", db.ChainID())
	}

	log.Info("Dev chain starting", "genesis", store.CurrentBlock().Hash(), "timestamp", start)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		ticker := time.NewTicker(ctx.Duration(blockTimeFlag.Name))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := sealer.SealEmpty(); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		sub := hub.SubscribeNewHeads()
		defer sub.Unsubscribe()
		for {
			select {
			case n, ok := <-sub.Chan():
				if !ok {
					return nil
				}
				header := n.Result.(*types.Header)
				log.Info("New head", "number", header.Number, "hash", header.Hash(), "timestamp", header.Time)
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}
