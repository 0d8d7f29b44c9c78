// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdv

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/btcview/bdvd/chain"
)

// RegistrationType distinguishes regular wallets from multi-signature
// lockboxes.  Both register the same way; the type only flavors the
// bookkeeping.
type RegistrationType int

const (
	// TypeWallet is a regular wallet registration.
	TypeWallet RegistrationType = iota

	// TypeLockbox is a multi-signature lockbox registration.
	TypeLockbox
)

// delegateCacheSize bounds how many ledger delegates a single session
// keeps alive at once.
const delegateCacheSize = 50

// ErrSessionHalted is returned by operations that waited on a session
// whose background threads were halted before completion.
var ErrSessionHalted = errors.New("session halted")

// walletRegistration is a pending wallet or lockbox registration,
// created by a register call and consumed by the maintenance thread.
type walletRegistration struct {
	scrAddrs [][]byte
	id       string
	isNew    bool
	regType  RegistrationType
}

// MethodHandler executes a single named command against a session.
type MethodHandler func(ids []string, args json.RawMessage) (interface{}, error)

// LedgerDelegate is a queryable history view over an address set,
// handed to clients by id and paged through the engine.
type LedgerDelegate struct {
	ID       string
	scrAddrs [][]byte
}

// Size implements cache.Value so delegates can live in an LRU cache.
// Every delegate costs one slot.
func (d *LedgerDelegate) Size() (uint64, error) {
	return 1, nil
}

// Session is one client's view of the blockchain: its registered
// wallets, its live address interest set, and its notification
// channel.  A session owns two concerns that run on its maintenance
// goroutine: draining pending wallet registrations into the engine and
// completing the one-shot readiness gate after the initial scan.
type Session struct {
	id     string
	engine chain.Engine
	cb     *SocketCallback

	// methodMap is built once at construction and never mutated.
	methodMap map[string]MethodHandler

	// regMtx guards the pending registration map, the folded per-wallet
	// address sets, and filter swaps.
	regMtx    sync.Mutex
	wltRegMap map[string]*walletRegistration
	wltAddrs  map[string]fn.Set[string]
	regSignal chan struct{}

	// addrFilter is the live address interest set, swapped atomically
	// so the zero-conf membership test reads a consistent snapshot
	// without taking regMtx.
	addrFilter atomic.Pointer[fn.Set[string]]

	// ready is the one-shot readiness gate, closed exactly once by the
	// initial scan.  A second completion is a logic error and panics.
	readyFlag atomic.Bool
	ready     chan struct{}

	topMtx   sync.Mutex
	topBlock chain.BlockMeta

	delegates *lru.Cache[string, *LedgerDelegate]

	started sync.Once
	halted  sync.Once
	wg      sync.WaitGroup
	quit    chan struct{}
}

// NewSession constructs a session against the given engine.  The
// callback may be nil for internal sessions that never long-poll.
// Background threads are not started until Start is called.
func NewSession(engine chain.Engine, cb *SocketCallback) (*Session, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, err
	}

	s := &Session{
		id:        hex.EncodeToString(idBytes[:]),
		engine:    engine,
		cb:        cb,
		wltRegMap: make(map[string]*walletRegistration),
		wltAddrs:  make(map[string]fn.Set[string]),
		regSignal: make(chan struct{}, 1),
		ready:     make(chan struct{}),
		delegates: lru.NewCache[string, *LedgerDelegate](delegateCacheSize),
		quit:      make(chan struct{}),
	}

	emptyFilter := fn.NewSet[string]()
	s.addrFilter.Store(&emptyFilter)
	s.buildMethodMap()
	return s, nil
}

// ID returns the server-generated session identifier.
func (s *Session) ID() string {
	return s.id
}

// Callback returns the session's long-poll callback, or nil for
// internal sessions.
func (s *Session) Callback() *SocketCallback {
	return s.cb
}

// Start launches the maintenance goroutine, which performs the
// asynchronous initial scan and then services wallet registrations
// until the session halts.
func (s *Session) Start() {
	s.started.Do(func() {
		s.wg.Add(1)
		go s.maintenanceLoop()
	})
}

// HaltThreads signals and joins the session's background goroutines
// and shuts down the callback.  It is idempotent and safe to call from
// any goroutine.
func (s *Session) HaltThreads() {
	s.halted.Do(func() {
		close(s.quit)
		s.wg.Wait()
		if s.cb != nil {
			s.cb.Shutdown()
		}
	})
}

// maintenanceLoop runs the initial scan, then drains pending wallet
// registrations as they are signaled.
func (s *Session) maintenanceLoop() {
	defer s.wg.Done()

	s.init()

	for {
		select {
		case <-s.regSignal:
			s.processRegistrations()

		case <-s.quit:
			return
		}
	}
}

// init performs the initial engine scan and completes the readiness
// gate.  Commands that depend on scanned state block until this has
// run once.
func (s *Session) init() {
	s.PushNotification(&ProgressNotification{Phase: "scan", Progress: 0})

	if err := s.engine.RegisterAddresses(s.id, nil, false); err != nil {
		log.Errorf("Initial scan failed for session %s: %v", s.id, err)
	}
	if tip, err := s.engine.BestBlock(); err == nil {
		s.setTopBlock(tip)
	}

	// Fold any wallets registered before the scan finished.
	s.processRegistrations()

	s.markReady()
	s.PushNotification(&ProgressNotification{Phase: "scan", Progress: 1})
	s.PushNotification(&RefreshNotification{ID: s.id})

	log.Debugf("Session %s ready", s.id)
}

// markReady completes the one-shot readiness gate.  Completing it
// twice is a logic error.
func (s *Session) markReady() {
	if !s.readyFlag.CompareAndSwap(false, true) {
		panic("session readiness gate completed twice")
	}
	close(s.ready)
}

// Ready reports whether the initial scan has completed.
func (s *Session) Ready() bool {
	return s.readyFlag.Load()
}

// waitReady blocks until the readiness gate completes or the session
// halts.
func (s *Session) waitReady() error {
	select {
	case <-s.ready:
		return nil
	case <-s.quit:
		return ErrSessionHalted
	}
}

// processRegistrations drains the pending registration map, asks the
// engine to scan each batch, and folds confirmed addresses into the
// live interest set.
func (s *Session) processRegistrations() {
	s.regMtx.Lock()
	pending := s.wltRegMap
	s.wltRegMap = make(map[string]*walletRegistration)
	s.regMtx.Unlock()

	for id, reg := range pending {
		err := s.engine.RegisterAddresses(s.id, reg.scrAddrs, reg.isNew)
		if err != nil {
			log.Errorf("Address scan failed for wallet %s on "+
				"session %s: %v", id, s.id, err)
			s.PushNotification(&ErrorNotification{
				Error: fmt.Sprintf("wallet %s registration "+
					"failed: %v", id, err),
			})
			continue
		}

		s.regMtx.Lock()
		addrSet := fn.NewSet[string]()
		for _, scrAddr := range reg.scrAddrs {
			addrSet.Add(string(scrAddr))
		}
		s.wltAddrs[id] = addrSet
		s.swapFilterLocked()
		s.regMtx.Unlock()

		s.PushNotification(&RefreshNotification{ID: id})
	}
}

// swapFilterLocked rebuilds the live address interest set from the
// folded wallets and publishes it atomically.  regMtx must be held.
func (s *Session) swapFilterLocked() {
	filter := fn.NewSet[string]()
	for _, addrSet := range s.wltAddrs {
		for addr := range addrSet {
			filter.Add(addr)
		}
	}
	s.addrFilter.Store(&filter)
}

// HasScrAddr reports whether the session's live address interest set
// contains the given output script.  It reads an atomic snapshot and
// never contends with registration.
func (s *Session) HasScrAddr(scrAddr []byte) bool {
	filter := *s.addrFilter.Load()
	return filter.Contains(string(scrAddr))
}

// RegisterWallet inserts or overwrites the pending registration record
// for the given wallet id.  The expensive address scan happens later on
// the maintenance thread.
func (s *Session) RegisterWallet(scrAddrs [][]byte, id string, isNew bool) error {
	return s.register(scrAddrs, id, isNew, TypeWallet)
}

// RegisterLockbox registers a multi-signature lockbox.  Identical to
// RegisterWallet aside from the record type.
func (s *Session) RegisterLockbox(scrAddrs [][]byte, id string, isNew bool) error {
	return s.register(scrAddrs, id, isNew, TypeLockbox)
}

func (s *Session) register(scrAddrs [][]byte, id string, isNew bool,
	regType RegistrationType) error {

	if id == "" {
		return btcjson.NewRPCError(btcjson.ErrRPCInvalidParams.Code,
			"empty wallet id")
	}

	s.regMtx.Lock()
	s.wltRegMap[id] = &walletRegistration{
		scrAddrs: scrAddrs,
		id:       id,
		isNew:    isNew,
		regType:  regType,
	}
	s.regMtx.Unlock()

	select {
	case s.regSignal <- struct{}{}:
	default:
	}
	return nil
}

// UnregisterWallet drops a wallet's pending record and folded
// addresses and republishes the interest set.
func (s *Session) UnregisterWallet(id string) {
	s.regMtx.Lock()
	delete(s.wltRegMap, id)
	delete(s.wltAddrs, id)
	s.swapFilterLocked()
	s.regMtx.Unlock()
}

// NumWallets returns the count of wallets folded into the view.
func (s *Session) NumWallets() int {
	s.regMtx.Lock()
	defer s.regMtx.Unlock()
	return len(s.wltAddrs)
}

// setTopBlock records the most recent chain tip seen by this view.
func (s *Session) setTopBlock(meta chain.BlockMeta) {
	s.topMtx.Lock()
	s.topBlock = meta
	s.topMtx.Unlock()
}

// TopBlock returns the most recent chain tip seen by this view.
func (s *Session) TopBlock() chain.BlockMeta {
	s.topMtx.Lock()
	defer s.topMtx.Unlock()
	return s.topBlock
}

// PushNotification appends a notification to the session's buffer and
// wakes a blocked client poll.  Internal sessions without a callback
// drop the notification after recording any tip update.
func (s *Session) PushNotification(n Notification) {
	if bn, ok := n.(*BlockNotification); ok {
		s.setTopBlock(bn.Block)
	}

	if s.cb == nil {
		log.Tracef("Session %s dropping %s notification (no "+
			"callback)", s.id, n.Type())
		return
	}
	s.cb.Push(n)
}

// ExecuteCommand looks up method in the dispatch table and invokes the
// handler.  Unknown methods fail with a method-not-found error result
// and never block.
func (s *Session) ExecuteCommand(method string, ids []string,
	args json.RawMessage) (interface{}, error) {

	handler, ok := s.methodMap[method]
	if !ok {
		return nil, btcjson.NewRPCError(
			btcjson.ErrRPCMethodNotFound.Code,
			fmt.Sprintf("unknown method %q", method),
		)
	}
	return handler(ids, args)
}
