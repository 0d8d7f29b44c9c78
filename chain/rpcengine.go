// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcview/bdvd/queue"
)

// RPCEngine implements Engine on top of a websocket connection to a
// btcd-style full node.  Chain-tip events arrive through the node's
// notification interface; zero-conf traffic is narrowed server side
// with a transaction filter and matched against the registered output
// scripts before the zc callbacks fire.
type RPCEngine struct {
	*rpcclient.Client
	connConfig        *rpcclient.ConnConfig
	chainParams       *chaincfg.Params
	nodeConfig        Config
	reconnectAttempts int

	ntfns *queue.ConcurrentQueue[interface{}]

	// watchedScripts is the union of every view's registered output
	// scripts, keyed by the raw script bytes.
	watchedMtx     sync.Mutex
	watchedScripts map[string]struct{}

	zcMtx sync.Mutex
	zcCb  ZcCallbacks

	started bool
	quitMtx sync.Mutex
	quit    chan struct{}
	wg      sync.WaitGroup
}

// A compile-time check to ensure that RPCEngine satisfies the Engine
// interface.
var _ Engine = (*RPCEngine)(nil)

// RPCEngineConfig defines the options used when initializing an
// RPCEngine.
type RPCEngineConfig struct {
	// Conn describes the connection parameters for the node.
	Conn *rpcclient.ConnConfig

	// Chain defines the network the node is expected to serve.
	Chain *chaincfg.Params

	// Node describes the deployment role.
	Node Config

	// ReconnectAttempts defines the number of retries (each after an
	// increasing backoff) if the connection can not be established.
	ReconnectAttempts int
}

// validate checks the required config options are set.
func (cfg *RPCEngineConfig) validate() error {
	if cfg == nil {
		return errors.New("missing engine config")
	}
	if cfg.Conn == nil {
		return errors.New("missing conn config")
	}
	if cfg.Chain == nil {
		return errors.New("missing chain params config")
	}
	if cfg.ReconnectAttempts < 0 {
		return errors.New("reconnectAttempts must be positive")
	}
	if !cfg.Conn.DisableTLS && cfg.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}
	return nil
}

// NewRPCEngine creates an engine backed by the node described in the
// config.  The connection is not established immediately, but must be
// done using the Start method.
func NewRPCEngine(cfg *RPCEngineConfig) (*RPCEngine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Conn.DisableAutoReconnect = false
	cfg.Conn.DisableConnectOnNew = true

	e := &RPCEngine{
		connConfig:        cfg.Conn,
		chainParams:       cfg.Chain,
		nodeConfig:        cfg.Node,
		reconnectAttempts: cfg.ReconnectAttempts,
		ntfns:             queue.NewConcurrentQueue[interface{}](20),
		watchedScripts:    make(map[string]struct{}),
		quit:              make(chan struct{}),
	}

	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnClientConnected:        e.onClientConnect,
		OnFilteredBlockConnected: e.onFilteredBlockConnected,
		OnBlockDisconnected:      e.onBlockDisconnected,
		OnRelevantTxAccepted:     e.onRelevantTxAccepted,
	}
	rpcClient, err := rpcclient.New(e.connConfig, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	e.Client = rpcClient
	return e, nil
}

// Start attempts to establish the client connection with the node and,
// if successful, begins processing notifications.
func (e *RPCEngine) Start() error {
	err := e.Connect(e.reconnectAttempts)
	if err != nil {
		return err
	}

	// Verify that the node is running on the expected network.
	net, err := e.GetCurrentNet()
	if err != nil {
		e.Disconnect()
		return err
	}
	if net != e.chainParams.Net {
		e.Disconnect()
		return errors.New("mismatched networks")
	}

	if err := e.NotifyBlocks(); err != nil {
		e.Disconnect()
		return err
	}

	e.quitMtx.Lock()
	e.started = true
	e.quitMtx.Unlock()

	e.ntfns.Start()
	return nil
}

// Stop disconnects the client and signals the shutdown of all
// goroutines started by Start.
func (e *RPCEngine) Stop() {
	e.quitMtx.Lock()
	defer e.quitMtx.Unlock()

	select {
	case <-e.quit:
		return
	default:
	}
	close(e.quit)
	e.Client.Shutdown()
	e.ntfns.Stop()
}

// WaitForShutdown blocks until the underlying client and all handlers
// have finished.
func (e *RPCEngine) WaitForShutdown() {
	e.Client.WaitForShutdown()
	e.wg.Wait()
}

// Config reports the deployment role the engine was configured with.
func (e *RPCEngine) Config() Config {
	return e.nodeConfig
}

// BestBlock returns the current chain tip as reported by the node.
func (e *RPCEngine) BestBlock() (BlockMeta, error) {
	hash, height, err := e.GetBestBlock()
	if err != nil {
		return BlockMeta{}, err
	}
	header, err := e.GetBlockHeader(hash)
	if err != nil {
		return BlockMeta{}, err
	}
	return BlockMeta{
		Hash:   *hash,
		Height: height,
		Time:   header.Timestamp,
	}, nil
}

// RegisterAddresses adds the given output scripts to the node-side
// transaction filter so mempool and block traffic touching them is
// relayed to this engine.  A sync-only request (no scripts) just pings
// the node to confirm the view of the tip.
func (e *RPCEngine) RegisterAddresses(viewID string, scrAddrs [][]byte,
	isNew bool) error {

	if len(scrAddrs) == 0 {
		_, _, err := e.GetBestBlock()
		return err
	}

	var filterAddrs []btcutil.Address
	e.watchedMtx.Lock()
	for _, script := range scrAddrs {
		e.watchedScripts[string(script)] = struct{}{}

		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			script, e.chainParams,
		)
		if err != nil {
			e.watchedMtx.Unlock()
			return err
		}
		filterAddrs = append(filterAddrs, addrs...)
	}
	e.watchedMtx.Unlock()

	log.Debugf("Registering %d script(s) for view %s", len(scrAddrs),
		viewID)

	// Never reload: the filter is shared by every view, so each
	// registration only extends it.
	return e.LoadTxFilter(false, filterAddrs, nil)
}

// LedgerEntries pages confirmed history for an address set through the
// node's address index, newest first.
func (e *RPCEngine) LedgerEntries(scrAddrs [][]byte, page uint32) (
	[]LedgerEntry, error) {

	const pageSize = 100

	_, tipHeight, err := e.GetBestBlock()
	if err != nil {
		return nil, err
	}

	scriptHexes := make(map[string]struct{}, len(scrAddrs))
	var addrs []btcutil.Address
	for _, script := range scrAddrs {
		scriptHexes[hex.EncodeToString(script)] = struct{}{}
		_, extracted, _, err := txscript.ExtractPkScriptAddrs(
			script, e.chainParams,
		)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, extracted...)
	}

	var entries []LedgerEntry
	for _, addr := range addrs {
		results, err := e.SearchRawTransactionsVerbose(
			addr, int(page)*pageSize, pageSize, false, true, nil,
		)
		if err != nil {
			return nil, err
		}

		for _, res := range results {
			txHash, err := chainhash.NewHashFromStr(res.Txid)
			if err != nil {
				return nil, err
			}

			// Credit the outputs paying to the requested scripts.
			var value btcutil.Amount
			for _, vout := range res.Vout {
				if _, ok := scriptHexes[vout.ScriptPubKey.Hex]; !ok {
					continue
				}
				amt, err := btcutil.NewAmount(vout.Value)
				if err != nil {
					return nil, err
				}
				value += amt
			}

			height := int32(-1)
			if res.Confirmations > 0 {
				height = tipHeight - int32(res.Confirmations) + 1
			}
			entries = append(entries, LedgerEntry{
				TxHash: *txHash,
				Value:  value,
				Height: height,
				Time:   time.Unix(res.Time, 0),
			})
		}
	}
	return entries, nil
}

// RegisterZcCallbacks installs the zero-conf hook invoked for relevant
// mempool transactions.
func (e *RPCEngine) RegisterZcCallbacks(cb ZcCallbacks) {
	e.zcMtx.Lock()
	e.zcCb = cb
	e.zcMtx.Unlock()
}

// Notifications returns the channel chain events are delivered on.
func (e *RPCEngine) Notifications() <-chan interface{} {
	return e.ntfns.ChanOut()
}

func (e *RPCEngine) onClientConnect() {
	select {
	case e.ntfns.ChanIn() <- ClientConnected{}:
	case <-e.quit:
	}
}

func (e *RPCEngine) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, _ []*btcutil.Tx) {

	meta := BlockMeta{
		Hash:   header.BlockHash(),
		Height: height,
		Time:   header.Timestamp,
	}
	select {
	case e.ntfns.ChanIn() <- BlockConnected(meta):
	case <-e.quit:
	}
}

func (e *RPCEngine) onBlockDisconnected(hash *chainhash.Hash,
	height int32, t time.Time) {

	meta := BlockMeta{Hash: *hash, Height: height, Time: t}
	select {
	case e.ntfns.ChanIn() <- BlockDisconnected(meta):
	case <-e.quit:
	}
}

// onRelevantTxAccepted fires for mempool transactions matching the
// node-side filter.  The outputs are re-matched against the watched
// script set so the packet carries exactly the scripts that caused the
// match.
func (e *RPCEngine) onRelevantTxAccepted(transaction []byte) {
	tx := &wire.MsgTx{}
	err := tx.Deserialize(bytes.NewReader(transaction))
	if err != nil {
		log.Errorf("Unable to deserialize relevant mempool "+
			"transaction: %v", err)
		return
	}

	var matched [][]byte
	e.watchedMtx.Lock()
	for _, txOut := range tx.TxOut {
		if _, ok := e.watchedScripts[string(txOut.PkScript)]; ok {
			matched = append(matched, txOut.PkScript)
		}
	}
	e.watchedMtx.Unlock()

	if len(matched) == 0 {
		return
	}

	e.zcMtx.Lock()
	cb := e.zcCb
	e.zcMtx.Unlock()
	if cb == nil {
		return
	}

	cb.PushZcNotification(&ZcPacket{
		TxHash:   tx.TxHash(),
		Tx:       tx,
		ScrAddrs: matched,
	})
}
