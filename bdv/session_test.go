// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdv

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/btcview/bdvd/chain"
)

var testScript = []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03, 0x88, 0xac}

func testSession(t *testing.T, cb *SocketCallback) (*Session, *chain.MockEngine) {
	t.Helper()

	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)

	s, err := NewSession(engine, cb)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.HaltThreads)

	return s, engine
}

func registerArgs(t *testing.T, id string, scripts ...[]byte) json.RawMessage {
	t.Helper()

	hexes := make([]string, len(scripts))
	for i, script := range scripts {
		hexes[i] = hex.EncodeToString(script)
	}
	args, err := json.Marshal(&registerWalletArgs{
		Addresses: hexes,
		ID:        id,
		IsNew:     true,
	})
	require.NoError(t, err)
	return args
}

// TestSessionInit asserts the session turns ready after the initial
// scan and waitOnBDVInit unblocks with the current tip.
func TestSessionInit(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, nil)

	res, err := s.ExecuteCommand("waitOnBDVInit", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.(*InitResult).NumWallets)
	require.True(t, s.Ready())
}

// TestSessionUnknownMethod asserts an unknown method returns a
// method-not-found error result without blocking.
func TestSessionUnknownMethod(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, nil)

	_, err := s.ExecuteCommand("noSuchMethod", nil, nil)
	require.Error(t, err)

	var rpcErr *btcjson.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, btcjson.ErrRPCMethodNotFound.Code, rpcErr.Code)
}

// TestSessionGetStatusPreScan asserts getStatus never waits on the
// readiness gate.
func TestSessionGetStatusPreScan(t *testing.T) {
	t.Parallel()

	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)

	// Deliberately never started: the gate stays open and the
	// maintenance thread never runs.
	s, err := NewSession(engine, nil)
	require.NoError(t, err)

	res, err := s.ExecuteCommand("getStatus", nil, nil)
	require.NoError(t, err)
	require.False(t, res.(*StatusResult).Ready)
}

// TestSessionRegisterWallet asserts registration is recorded, scanned
// on the maintenance thread, and folded into the live interest set.
func TestSessionRegisterWallet(t *testing.T) {
	t.Parallel()

	s, engine := testSession(t, nil)

	res, err := s.ExecuteCommand(
		"registerWallet", nil, registerArgs(t, "w1", testScript),
	)
	require.NoError(t, err)
	require.Equal(t, true, res)

	require.Eventually(t, func() bool {
		return s.HasScrAddr(testScript)
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, engine.Registered(s.ID()), 1)
	require.False(t, s.HasScrAddr([]byte("unrelated")))
}

// TestSessionRegisterEmptyID asserts a malformed registration id is
// rejected synchronously.
func TestSessionRegisterEmptyID(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, nil)

	err := s.RegisterWallet([][]byte{testScript}, "", false)
	require.Error(t, err)

	var rpcErr *btcjson.RPCError
	require.True(t, errors.As(err, &rpcErr))
}

// TestSessionConcurrentDistinctRegistrations asserts concurrent
// registrations with distinct ids all land.
func TestSessionConcurrentDistinctRegistrations(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, nil)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i)
			require.NoError(t, s.RegisterWallet(
				[][]byte{testScript}, id, false,
			))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return s.NumWallets() == n
	}, 5*time.Second, 10*time.Millisecond)
}

// TestSessionConcurrentSameIDRegistrations asserts concurrent
// registrations with the same id leave exactly one record.
func TestSessionConcurrentSameIDRegistrations(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.RegisterWallet(
				[][]byte{testScript}, "dup", false,
			))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return s.NumWallets() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestSessionRegistrationScanError asserts a failed engine scan
// surfaces as a targeted error notification instead of a crash.
func TestSessionRegistrationScanError(t *testing.T) {
	t.Parallel()

	cb := NewSocketCallback(0)
	engine := chain.NewMockEngine(chain.Config{Node: chain.NodeUnitTest})
	engine.RegisterErr = errors.New("scan exploded")
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)

	s, err := NewSession(engine, cb)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.HaltThreads)

	require.NoError(t, s.RegisterWallet([][]byte{testScript}, "w1", false))

	require.Eventually(t, func() bool {
		ntfns, err := cb.Respond(10 * time.Millisecond)
		if err != nil {
			return false
		}
		for _, n := range ntfns {
			if _, ok := n.(*ErrorNotification); ok {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

// TestSessionLedgerDelegate asserts delegate creation and paging
// through the engine.
func TestSessionLedgerDelegate(t *testing.T) {
	t.Parallel()

	s, engine := testSession(t, nil)

	txHash := chainhash.Hash{0x01}
	engine.SetLedger(testScript, []chain.LedgerEntry{{
		TxHash: txHash,
		Value:  1500,
		Height: 10,
	}})

	_, err := s.ExecuteCommand(
		"registerWallet", nil, registerArgs(t, "w1", testScript),
	)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.NumWallets() == 1
	}, 5*time.Second, 10*time.Millisecond)

	args, err := json.Marshal(&ledgerDelegateArgs{ID: "w1"})
	require.NoError(t, err)
	res, err := s.ExecuteCommand("getLedgerDelegate", nil, args)
	require.NoError(t, err)
	require.Equal(t, "ledger_w1", res)

	args, err = json.Marshal(&ledgerEntriesArgs{DelegateID: "ledger_w1"})
	require.NoError(t, err)
	res, err = s.ExecuteCommand("getLedgerEntries", nil, args)
	require.NoError(t, err)

	entries := res.([]LedgerEntryResult)
	require.Len(t, entries, 1)
	require.Equal(t, txHash.String(), entries[0].TxHash)
	require.EqualValues(t, 1500, entries[0].Value)
}

// TestSessionNotificationFlow asserts pushed notifications reach the
// callback and update the view's tip.
func TestSessionNotificationFlow(t *testing.T) {
	t.Parallel()

	cb := NewSocketCallback(0)
	s, _ := testSession(t, cb)

	// Drain init-time notifications first.
	require.Eventually(t, func() bool {
		return s.Ready()
	}, 5*time.Second, 10*time.Millisecond)
	_, err := cb.Respond(100 * time.Millisecond)
	require.NoError(t, err)

	meta := chain.BlockMeta{Hash: chainhash.Hash{0xab}, Height: 42}
	s.PushNotification(&BlockNotification{Block: meta})

	ntfns, err := cb.Respond(time.Second)
	require.NoError(t, err)
	require.Len(t, ntfns, 1)
	require.Equal(t, meta, ntfns[0].(*BlockNotification).Block)
	require.Equal(t, int32(42), s.TopBlock().Height)
}

// TestSessionHaltIdempotent asserts HaltThreads can be called multiple
// times from multiple goroutines.
func TestSessionHaltIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := testSession(t, NewSocketCallback(0))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HaltThreads()
		}()
	}
	wg.Wait()
}
