// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// NodeType describes the role the backing node plays.  It decides how
// aggressively the fan-out layer parallelizes and whether session
// garbage collection runs at all.
type NodeType int

const (
	// NodeFull is a regular full node deployment.
	NodeFull NodeType = iota

	// NodeUnitTest is the constrained mode used by the test harness.
	// Garbage collection is disabled and worker counts stay minimal so
	// tests remain deterministic.
	NodeUnitTest
)

// String returns a human readable node type identifier.
func (n NodeType) String() string {
	switch n {
	case NodeFull:
		return "full"
	case NodeUnitTest:
		return "unittest"
	default:
		return "unknown"
	}
}

// Config describes the engine deployment as far as the session layer
// cares: the node role and whether this is a high-throughput
// deployment that warrants a hardware-sized fan-out pool.
type Config struct {
	Node           NodeType
	HighThroughput bool
}

// BlockMeta identifies a block by hash and height along with its
// timestamp.  It is the payload of chain-tip events.
type BlockMeta struct {
	Hash   chainhash.Hash
	Height int32
	Time   time.Time
}

// ZcPacket carries a single unconfirmed transaction along with the
// watched output scripts it touched.  The mempool subsystem builds one
// per relevant transaction and hands it to the registered ZcCallbacks.
type ZcPacket struct {
	TxHash chainhash.Hash
	Tx     *wire.MsgTx

	// ScrAddrs holds the serialized output scripts of Tx that matched
	// at least one registered view.
	ScrAddrs [][]byte
}

// LedgerEntry is one row of a paged history view for an address set.
type LedgerEntry struct {
	TxHash chainhash.Hash
	Value  btcutil.Amount
	Height int32
	Time   time.Time
}

// ZcCallbacks is the hook the engine's mempool subsystem invokes for
// zero-confirmation traffic.  The session layer registers exactly one
// implementation via Engine.RegisterZcCallbacks.
type ZcCallbacks interface {
	// HasScrAddr returns the ids of the views whose live address
	// interest set contains the given output script.  It must be safe
	// to call concurrently with view registration.
	HasScrAddr(scrAddr []byte) []string

	// PushZcNotification delivers a relevant mempool transaction.
	PushZcNotification(packet *ZcPacket)

	// ErrorCallback reports a mempool validation failure for a
	// transaction a single named view cares about.
	ErrorCallback(viewID string, errStr string, txHash chainhash.Hash)
}

// Notification types emitted on the Engine's notification channel.
// These are processed from reading the channel rather than handled in
// callbacks so consumers may block.
type (
	// ClientConnected signals the engine (re)established its backend
	// connection.
	ClientConnected struct{}

	// BlockConnected is a new block attached to the best chain.
	BlockConnected BlockMeta

	// BlockDisconnected is a block removed from the best chain during
	// a reorganization.
	BlockDisconnected BlockMeta
)

// Engine is the narrow view of the blockchain engine required by the
// session and fan-out layer.  The engine runs its own threads; all
// methods must be safe for concurrent use.
type Engine interface {
	// Start establishes the backend connection and launches the
	// engine's goroutines.
	Start() error

	// Stop signals shutdown and releases the backend connection.
	Stop()

	// WaitForShutdown blocks until every engine goroutine has exited.
	WaitForShutdown()

	// Config reports the deployment role of the node.
	Config() Config

	// BestBlock returns the current chain tip.
	BestBlock() (BlockMeta, error)

	// RegisterAddresses scans the given output scripts on behalf of
	// the named view and blocks until the scan completes.  A nil or
	// empty script slice is a sync-only request used by a view's
	// initial readiness scan.
	RegisterAddresses(viewID string, scrAddrs [][]byte, isNew bool) error

	// LedgerEntries pages confirmed history for an address set, newest
	// first.  Page numbering starts at zero.
	LedgerEntries(scrAddrs [][]byte, page uint32) ([]LedgerEntry, error)

	// RegisterZcCallbacks installs the zero-conf hook.  Only one set
	// of callbacks may be active at a time.
	RegisterZcCallbacks(cb ZcCallbacks)

	// Notifications returns the channel chain events are delivered on.
	// The channel is closed once the engine has fully stopped.
	Notifications() <-chan interface{}
}
