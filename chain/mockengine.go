// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcview/bdvd/queue"
)

// MockEngine is an in-memory Engine used by the test harnesses of the
// session and fan-out packages.  Registration is recorded rather than
// scanned, and chain/mempool events are injected by the test.
type MockEngine struct {
	cfg Config

	mtx        sync.Mutex
	registered map[string][][]byte
	ledger     map[string][]LedgerEntry
	tip        BlockMeta
	zcCb       ZcCallbacks

	// RegisterErr, when set, is returned by every RegisterAddresses
	// call to exercise scan-failure paths.
	RegisterErr error

	ntfns   *queue.ConcurrentQueue[interface{}]
	stopped sync.Once
}

// A compile-time check to ensure that MockEngine satisfies the Engine
// interface.
var _ Engine = (*MockEngine)(nil)

// NewMockEngine returns a mock engine reporting the given config.
func NewMockEngine(cfg Config) *MockEngine {
	return &MockEngine{
		cfg:        cfg,
		registered: make(map[string][][]byte),
		ledger:     make(map[string][]LedgerEntry),
		ntfns:      queue.NewConcurrentQueue[interface{}](20),
	}
}

// Start begins delivering injected notifications.
func (m *MockEngine) Start() error {
	m.ntfns.Start()
	return nil
}

// Stop halts notification delivery.
func (m *MockEngine) Stop() {
	m.stopped.Do(m.ntfns.Stop)
}

// WaitForShutdown is a no-op; the mock owns no goroutines beyond its
// notification queue, which Stop already joins.
func (m *MockEngine) WaitForShutdown() {}

// Config reports the configured deployment role.
func (m *MockEngine) Config() Config {
	return m.cfg
}

// BestBlock returns the last tip set via NotifyBlock.
func (m *MockEngine) BestBlock() (BlockMeta, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.tip, nil
}

// RegisterAddresses records the scripts registered for a view.
func (m *MockEngine) RegisterAddresses(viewID string, scrAddrs [][]byte,
	isNew bool) error {

	if m.RegisterErr != nil {
		return m.RegisterErr
	}

	m.mtx.Lock()
	m.registered[viewID] = append(m.registered[viewID], scrAddrs...)
	m.mtx.Unlock()
	return nil
}

// Registered returns every script registered on behalf of a view.
func (m *MockEngine) Registered(viewID string) [][]byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([][]byte(nil), m.registered[viewID]...)
}

// SetLedger installs the history returned for a script.
func (m *MockEngine) SetLedger(scrAddr []byte, entries []LedgerEntry) {
	m.mtx.Lock()
	m.ledger[hex.EncodeToString(scrAddr)] = entries
	m.mtx.Unlock()
}

// LedgerEntries returns the injected history for the given scripts.
// The mock ignores paging.
func (m *MockEngine) LedgerEntries(scrAddrs [][]byte, page uint32) (
	[]LedgerEntry, error) {

	if page > 0 {
		return nil, nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	var entries []LedgerEntry
	for _, script := range scrAddrs {
		entries = append(
			entries, m.ledger[hex.EncodeToString(script)]...,
		)
	}
	return entries, nil
}

// RegisterZcCallbacks installs the zero-conf hook.
func (m *MockEngine) RegisterZcCallbacks(cb ZcCallbacks) {
	m.mtx.Lock()
	m.zcCb = cb
	m.mtx.Unlock()
}

// ZcCallbacks returns the installed zero-conf hook, if any.
func (m *MockEngine) ZcCallbacks() ZcCallbacks {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.zcCb
}

// Notifications returns the injected notification channel.
func (m *MockEngine) Notifications() <-chan interface{} {
	return m.ntfns.ChanOut()
}

// NotifyBlock advances the mock tip and emits a BlockConnected event.
func (m *MockEngine) NotifyBlock(meta BlockMeta) {
	m.mtx.Lock()
	m.tip = meta
	m.mtx.Unlock()
	m.ntfns.ChanIn() <- BlockConnected(meta)
}

// EmitZc pushes a zero-conf packet through the registered callbacks,
// mirroring the mempool subsystem's delivery path.
func (m *MockEngine) EmitZc(packet *ZcPacket) {
	if cb := m.ZcCallbacks(); cb != nil {
		cb.PushZcNotification(packet)
	}
}

// EmitZcError reports a mempool validation failure through the
// registered callbacks.
func (m *MockEngine) EmitZcError(viewID, errStr string,
	txHash chainhash.Hash) {

	if cb := m.ZcCallbacks(); cb != nil {
		cb.ErrorCallback(viewID, errStr, txHash)
	}
}
