// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clients

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/btcview/bdvd/bdv"
	"github.com/btcview/bdvd/chain"
)

var testScript = []byte{0x76, 0xa9, 0x14, 0xaa, 0xbb, 0xcc, 0x88, 0xac}

type testHarness struct {
	clients       *Clients
	engine        *chain.MockEngine
	gcTicker      *ticker.Force
	shutdownCalls atomic.Int32
}

func newTestHarness(t *testing.T, node chain.NodeType) *testHarness {
	t.Helper()

	h := &testHarness{
		engine:   chain.NewMockEngine(chain.Config{Node: node}),
		gcTicker: ticker.NewForce(time.Hour),
	}
	require.NoError(t, h.engine.Start())

	var err error
	h.clients, err = New(&Config{
		Engine:   h.engine,
		GCTicker: h.gcTicker,
		ShutdownCallback: func() {
			h.shutdownCalls.Add(1)
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.clients.Shutdown()
		h.engine.Stop()
	})
	return h
}

// registerSession registers a new session and waits until it is ready.
func (h *testHarness) registerSession(t *testing.T) *bdv.Session {
	t.Helper()

	s, err := h.clients.RegisterBDV()
	require.NoError(t, err)
	require.Eventually(t, s.Ready, 5*time.Second, 10*time.Millisecond)
	return s
}

// registerWallet folds a wallet into a session through the command
// surface and waits for the scan to land.
func (h *testHarness) registerWallet(t *testing.T, s *bdv.Session,
	walletID string, scrAddr []byte) {

	t.Helper()

	args := json.RawMessage(fmt.Sprintf(
		`{"addresses":["%x"],"id":"%s","isnew":true}`,
		scrAddr, walletID,
	))
	res, err := h.clients.RunCommand(&Command{
		Method: "registerWallet",
		IDs:    []string{s.ID()},
		Args:   args,
	})
	require.NoError(t, err)
	require.Equal(t, true, res)

	require.Eventually(t, func() bool {
		return s.HasScrAddr(scrAddr)
	}, 5*time.Second, 10*time.Millisecond)
}

// pollFor drains a session's long-poll channel until pred accepts one
// of the returned notifications.
func pollFor(t *testing.T, c *Clients, id string,
	pred func(bdv.Notification) bool) bdv.Notification {

	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ntfns, err := c.Poll(id, 100*time.Millisecond)
		require.NoError(t, err)
		for _, n := range ntfns {
			if pred(n) {
				return n
			}
		}
	}
	t.Fatal("expected notification never delivered")
	return nil
}

// TestRegisterBDVLifecycle asserts registerBDV/get/unregisterBDV
// present-until-removed semantics through the command surface.
func TestRegisterBDVLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)

	res, err := h.clients.RunCommand(&Command{Method: "registerBDV"})
	require.NoError(t, err)
	id := res.(*RegisterBDVResult).ID

	_, ok := h.clients.Get(id)
	require.True(t, ok)

	res, err = h.clients.RunCommand(&Command{
		Method: "unregisterBDV",
		IDs:    []string{id},
	})
	require.NoError(t, err)
	require.Equal(t, true, res)

	_, ok = h.clients.Get(id)
	require.False(t, ok)
}

// TestCommandUnknownSession asserts commands addressed at unknown
// sessions fail cleanly.
func TestCommandUnknownSession(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)

	_, err := h.clients.RunCommand(&Command{
		Method: "getStatus",
		IDs:    []string{"nonsense"},
	})
	require.Error(t, err)
}

// TestCommandRouting asserts session-level methods route through the
// registry to the addressed session.
func TestCommandRouting(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)
	s := h.registerSession(t)

	res, err := h.clients.RunCommand(&Command{
		Method: "getStatus",
		IDs:    []string{s.ID()},
	})
	require.NoError(t, err)
	require.True(t, res.(*bdv.StatusResult).Ready)
}

// TestZeroConfTargeting asserts a zero-conf event reaches exactly the
// sessions registered for a touched address.
func TestZeroConfTargeting(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)

	s1 := h.registerSession(t)
	s2 := h.registerSession(t)
	h.registerWallet(t, s1, "w1", testScript)

	// Drain both sessions' startup notifications.
	_, err := h.clients.Poll(s1.ID(), 50*time.Millisecond)
	require.NoError(t, err)
	_, err = h.clients.Poll(s2.ID(), 50*time.Millisecond)
	require.NoError(t, err)

	txHash := chainhash.Hash{0x01}
	h.engine.EmitZc(&chain.ZcPacket{
		TxHash:   txHash,
		ScrAddrs: [][]byte{testScript},
	})

	n := pollFor(t, h.clients, s1.ID(), func(n bdv.Notification) bool {
		zc, ok := n.(*bdv.ZcNotification)
		return ok && zc.Packet.TxHash == txHash
	})
	require.NotNil(t, n)

	// The uninterested session must see nothing.
	ntfns, err := h.clients.Poll(s2.ID(), 200*time.Millisecond)
	require.NoError(t, err)
	for _, n := range ntfns {
		_, isZc := n.(*bdv.ZcNotification)
		require.False(t, isZc)
	}
}

// TestZeroConfErrorTargeting asserts mempool validation errors are
// delivered to exactly the named session.
func TestZeroConfErrorTargeting(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)
	s1 := h.registerSession(t)

	txHash := chainhash.Hash{0xee}
	h.engine.EmitZcError(s1.ID(), "tx rejected", txHash)

	n := pollFor(t, h.clients, s1.ID(), func(n bdv.Notification) bool {
		errNtfn, ok := n.(*bdv.ErrorNotification)
		return ok && errNtfn.TxHash == txHash
	})
	require.Equal(t, "tx rejected", n.(*bdv.ErrorNotification).Error)
}

// TestBlockBroadcast asserts chain-tip events are broadcast to every
// registered session and update each view's tip.
func TestBlockBroadcast(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)
	s1 := h.registerSession(t)
	s2 := h.registerSession(t)

	meta := chain.BlockMeta{Hash: chainhash.Hash{0x0b}, Height: 101}
	h.engine.NotifyBlock(meta)

	for _, s := range []*bdv.Session{s1, s2} {
		pollFor(t, h.clients, s.ID(), func(n bdv.Notification) bool {
			bn, ok := n.(*bdv.BlockNotification)
			return ok && bn.Block.Height == 101
		})
		require.Equal(t, int32(101), s.TopBlock().Height)
	}
}

// TestPerSessionOrdering asserts notifications for one session are
// observed in submission order even with multiple fan-out workers.
func TestPerSessionOrdering(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)
	s1 := h.registerSession(t)
	h.registerWallet(t, s1, "w1", testScript)

	_, err := h.clients.Poll(s1.ID(), 50*time.Millisecond)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		h.engine.EmitZc(&chain.ZcPacket{
			TxHash:   chainhash.Hash{byte(i), byte(i >> 8)},
			ScrAddrs: [][]byte{testScript},
		})
	}

	var got []chainhash.Hash
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		ntfns, err := h.clients.Poll(s1.ID(), 100*time.Millisecond)
		require.NoError(t, err)
		for _, ntfn := range ntfns {
			if zc, ok := ntfn.(*bdv.ZcNotification); ok {
				got = append(got, zc.Packet.TxHash)
			}
		}
	}

	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		require.Equal(t, chainhash.Hash{byte(i), byte(i >> 8)}, got[i],
			"notification %d out of order", i)
	}
}

// TestGarbageCollection asserts a session whose callback fails enough
// consecutive probes is evicted, while a polled session survives.
func TestGarbageCollection(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeFull)

	dead := h.registerSession(t)
	live := h.registerSession(t)

	for i := 0; i < bdv.CallbackExpireCount; i++ {
		// The live session polls between GC cycles, resetting its
		// probe counter.
		_, err := h.clients.Poll(live.ID(), 10*time.Millisecond)
		require.NoError(t, err)

		h.gcTicker.Force <- time.Now()
	}

	require.Eventually(t, func() bool {
		_, ok := h.clients.Get(dead.ID())
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := h.clients.Get(live.ID())
	require.True(t, ok)
}

// TestShutdown asserts shutdown drains the pipeline in bounded time,
// empties the registry, and fires the external callback exactly once.
func TestShutdown(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)

	for i := 0; i < 5; i++ {
		h.registerSession(t)
	}

	// Leave packets in flight while shutting down.
	for i := 0; i < 20; i++ {
		h.engine.NotifyBlock(chain.BlockMeta{Height: int32(i)})
	}

	done := make(chan struct{})
	go func() {
		h.clients.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete in bounded time")
	}

	require.Zero(t, h.clients.NumSessions())
	require.EqualValues(t, 1, h.shutdownCalls.Load())

	// Idempotent, callback still fired exactly once.
	h.clients.Shutdown()
	require.EqualValues(t, 1, h.shutdownCalls.Load())

	_, err := h.clients.RunCommand(&Command{Method: "registerBDV"})
	require.ErrorIs(t, err, ErrShutdown)
}

// TestShutdownCommand asserts the shutdown command replies before the
// pipeline stops and still tears everything down.
func TestShutdownCommand(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, chain.NodeUnitTest)
	h.registerSession(t)

	res, err := h.clients.RunCommand(&Command{Method: "shutdown"})
	require.NoError(t, err)
	require.Equal(t, true, res)

	require.Eventually(t, func() bool {
		return h.shutdownCalls.Load() == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Zero(t, h.clients.NumSessions())
}
