package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/cache/lru"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// blockCacheCapacity bounds the block cache at roughly 20 MB of raw block
// data, the same order neutrino's own block cache defaults to.
const blockCacheCapacity = 20 * 1024 * 1024

// chainClient implements contractmgr's Blockchain collaborator
// (chainmonitor.Blockchain) over a neutrino light client, the one backend
// dlcd carries forward from the teacher's chainControl/chainRegistry split
// between a full btcd RPC connection and neutrino SPV. A DLC's core state
// machine only ever needs broadcast, confirmation counts, and spend checks
// against outpoints it already knows about (its own funding/CET/refund
// outputs), which compact-filter sync serves without an operator trusting
// a full node; the RPC branch of newChainControlFromConfig was dropped
// rather than adapted for that reason.
//
// Neutrino keeps no standing txindex, so GetTransaction/GetConfirmations/
// GetSpendingTx are served from an index chainClient builds itself by
// walking blocks forward from the last height it scanned, the same
// trade-off the teacher's btcwallet/chain.NeutrinoClient wrapper makes for
// its own rescans.
type chainClient struct {
	svc *neutrino.ChainService
	db  walletdb.DB

	// blockCache keeps recently fetched blocks so concurrent queries
	// catching up over the same height range don't re-download them from
	// the peer pool.
	blockCache *lru.Cache[chainhash.Hash, *neutrino.CacheableBlock]

	mu            sync.Mutex
	scannedHeight int32
	txIndex       map[chainhash.Hash]txIndexEntry
	spendIndex    map[wire.OutPoint]*wire.MsgTx
}

type txIndexEntry struct {
	height int32
	tx     *wire.MsgTx
}

// newChainClient opens (creating if needed) the neutrino SPV database and
// starts a ChainService bound to the requested peers, mirroring the
// teacher's NeutrinoMode branch of newChainControlFromConfig.
func newChainClient(cfg *config, params *chaincfg.Params) (*chainClient, func(), error) {
	dbPath := filepath.Join(cfg.DataDir, "neutrino.db")
	db, err := walletdb.Create("bdb", dbPath, true, time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open neutrino db: %v", err)
	}

	neutrino.MaxPeers = 8
	neutrino.BanDuration = 5 * time.Second

	svc, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      cfg.DataDir,
		Database:     db,
		ChainParams:  *params,
		AddPeers:     cfg.NeutrinoMode.AddPeers,
		ConnectPeers: cfg.NeutrinoMode.ConnectPeers,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("unable to create neutrino service: %v", err)
	}
	if err := svc.Start(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("unable to start neutrino service: %v", err)
	}

	cc := &chainClient{
		svc:        svc,
		db:         db,
		blockCache: lru.NewCache[chainhash.Hash, *neutrino.CacheableBlock](blockCacheCapacity),
		txIndex:    make(map[chainhash.Hash]txIndexEntry),
		spendIndex: make(map[wire.OutPoint]*wire.MsgTx),
	}
	cleanUp := func() {
		svc.Stop()
		db.Close()
	}
	return cc, cleanUp, nil
}

// Broadcast relays tx to the neutrino peer pool.
func (c *chainClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := c.svc.SendTransaction(tx); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
	}
	return nil
}

// GetBestHeight returns the height of the chain tip neutrino has synced to.
func (c *chainClient) GetBestHeight(ctx context.Context) (int32, error) {
	stamp, err := c.svc.BestBlock()
	if err != nil {
		return 0, dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
	}
	return stamp.Height, nil
}

// GetTransaction returns a previously indexed confirmed transaction, or
// dlcerrors.ErrContractNotFound if txid has not confirmed in any block
// chainClient has scanned so far.
func (c *chainClient) GetTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	if err := c.ensureIndexed(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.txIndex[txid]
	if !ok {
		return nil, dlcerrors.ErrContractNotFound
	}
	return entry.tx, nil
}

// GetConfirmations reports txid's confirmation depth, counting the block
// containing it as the first confirmation, or 0 (not an error) if it isn't
// indexed yet.
func (c *chainClient) GetConfirmations(ctx context.Context, txid chainhash.Hash) (int32, error) {
	if err := c.ensureIndexed(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	entry, ok := c.txIndex[txid]
	best := c.scannedHeight
	c.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return best - entry.height + 1, nil
}

// GetSpendingTx looks up a transaction that spends outpoint among the
// blocks chainClient has indexed. Returns (nil, nil), not an error, if no
// spend has been observed yet.
func (c *chainClient) GetSpendingTx(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	if err := c.ensureIndexed(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spendIndex[outpoint], nil
}

// getBlock fetches a block through the LRU cache, hitting the peer pool
// only on a miss.
func (c *chainClient) getBlock(hash chainhash.Hash) (*btcutil.Block, error) {
	if cached, err := c.blockCache.Get(hash); err == nil {
		return cached.Block, nil
	}
	block, err := c.svc.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	_, _ = c.blockCache.Put(hash, &neutrino.CacheableBlock{Block: block})
	return block, nil
}

// ensureIndexed walks every block between the last height scanned and the
// current tip into the in-memory tx/spend index. Called before every
// query so a fresh dlcd instance catching up on a backlog of blocks still
// answers correctly, just more slowly than a fully caught-up one.
func (c *chainClient) ensureIndexed(ctx context.Context) error {
	tip, err := c.GetBestHeight(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	from := c.scannedHeight + 1
	c.mu.Unlock()

	for h := from; h <= tip; h++ {
		hash, err := c.svc.GetBlockHash(int64(h))
		if err != nil {
			return dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
		}
		block, err := c.getBlock(*hash)
		if err != nil {
			return dlcerrors.Wrap(dlcerrors.KindBlockchainError, err)
		}

		c.mu.Lock()
		for _, tx := range block.MsgBlock().Transactions {
			c.txIndex[tx.TxHash()] = txIndexEntry{height: h, tx: tx}
			for _, in := range tx.TxIn {
				c.spendIndex[in.PreviousOutPoint] = tx
			}
		}
		c.scannedHeight = h
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return dlcerrors.Wrap(dlcerrors.KindBlockchainError, ctx.Err())
		default:
		}
	}
	return nil
}
