// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdv

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcview/bdvd/chain"
)

// Notification is a single event queued for delivery to a view's
// client.  Each concrete type maps to one entry of the polled
// notification stream.
type Notification interface {
	// Type returns the wire identifier of the notification.
	Type() string
}

// BlockNotification announces a new chain tip.  It is broadcast to
// every registered view.
type BlockNotification struct {
	Block chain.BlockMeta
}

// Type returns the wire identifier of the notification.
func (n *BlockNotification) Type() string { return "newblock" }

// ReorgNotification announces a block disconnected from the best chain.
type ReorgNotification struct {
	Block chain.BlockMeta
}

// Type returns the wire identifier of the notification.
func (n *ReorgNotification) Type() string { return "reorg" }

// ZcNotification carries an unconfirmed transaction relevant to the
// receiving view's registered address set.
type ZcNotification struct {
	Packet *chain.ZcPacket
}

// Type returns the wire identifier of the notification.
func (n *ZcNotification) Type() string { return "zeroconf" }

// ErrorNotification reports a mempool validation failure for a
// transaction the receiving view cares about.  It is always targeted,
// never broadcast.
type ErrorNotification struct {
	Error  string
	TxHash chainhash.Hash
}

// Type returns the wire identifier of the notification.
func (n *ErrorNotification) Type() string { return "error" }

// RefreshNotification tells the client that a wallet or lockbox
// registration has been folded into the view and its ledger should be
// re-read.  ID names the wallet that finished registering, or the view
// id itself for the initial readiness signal.
type RefreshNotification struct {
	ID string
}

// Type returns the wire identifier of the notification.
func (n *RefreshNotification) Type() string { return "refresh" }

// ProgressNotification reports initial scan progress before a view
// turns ready.
type ProgressNotification struct {
	Phase    string
	Progress float64
}

// Type returns the wire identifier of the notification.
func (n *ProgressNotification) Type() string { return "progress" }
