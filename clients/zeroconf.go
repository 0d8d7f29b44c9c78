// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clients

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcview/bdvd/bdv"
	"github.com/btcview/bdvd/chain"
)

// viewLookup is the narrow capability the zero-conf bridge receives
// from the orchestrator: snapshot reads of the session set and the
// ability to enqueue inbound events.  The bridge gets nothing else.
type viewLookup interface {
	viewSnapshot() map[string]*bdv.Session
	enqueueEvent(ev *event)
}

// zeroConfBridge adapts the engine's mempool callbacks onto the
// orchestrator's inbound event queue.  Fan-out targets are resolved
// here, against each session's atomic address-filter snapshot, so the
// engine thread never blocks on session locks.
type zeroConfBridge struct {
	views viewLookup
}

// A compile-time check to ensure the bridge satisfies the engine hook.
var _ chain.ZcCallbacks = (*zeroConfBridge)(nil)

// HasScrAddr returns the ids of every session whose live address
// interest set contains the given output script.
func (z *zeroConfBridge) HasScrAddr(scrAddr []byte) []string {
	var ids []string
	for id, s := range z.views.viewSnapshot() {
		if s.HasScrAddr(scrAddr) {
			ids = append(ids, id)
		}
	}
	return ids
}

// PushZcNotification narrows a mempool packet to the sessions watching
// any of its scripts and enqueues one targeted event for them.
func (z *zeroConfBridge) PushZcNotification(packet *chain.ZcPacket) {
	targets := make(map[string]struct{})
	for _, scrAddr := range packet.ScrAddrs {
		for _, id := range z.HasScrAddr(scrAddr) {
			targets[id] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}

	log.Debugf("Zero-conf tx %v routed to %d session(s)",
		packet.TxHash, len(ids))

	z.views.enqueueEvent(&event{
		targets: ids,
		ntfn:    &bdv.ZcNotification{Packet: packet},
	})
}

// ErrorCallback delivers a mempool validation failure to exactly one
// named session.
func (z *zeroConfBridge) ErrorCallback(viewID, errStr string,
	txHash chainhash.Hash) {

	z.views.enqueueEvent(&event{
		targets: []string{viewID},
		ntfn: &bdv.ErrorNotification{
			Error:  errStr,
			TxHash: txHash,
		},
	})
}
