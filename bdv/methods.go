// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdv

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
)

// Argument and result shapes for the session command surface.  These
// ride inside the opaque command envelope; the session never sees the
// outer wire format.
type (
	registerWalletArgs struct {
		Addresses []string `json:"addresses"`
		ID        string   `json:"id"`
		IsNew     bool     `json:"isnew"`
	}

	unregisterWalletArgs struct {
		ID string `json:"id"`
	}

	ledgerDelegateArgs struct {
		ID string `json:"id"`
	}

	ledgerEntriesArgs struct {
		DelegateID string `json:"delegateid"`
		Page       uint32 `json:"page"`
	}

	// StatusResult is the reply to getStatus.  It is valid before the
	// initial scan completes.
	StatusResult struct {
		Ready          bool   `json:"ready"`
		TopBlockHash   string `json:"topblockhash"`
		TopBlockHeight int32  `json:"topblockheight"`
		NumWallets     int    `json:"numwallets"`
		Node           string `json:"node"`
	}

	// InitResult is the reply to waitOnBDVInit, sent once the initial
	// scan has completed.
	InitResult struct {
		TopBlockHash   string `json:"topblockhash"`
		TopBlockHeight int32  `json:"topblockheight"`
		NumWallets     int    `json:"numwallets"`
	}

	// LedgerEntryResult is one row of a getLedgerEntries reply.
	LedgerEntryResult struct {
		TxHash string `json:"txhash"`
		Value  int64  `json:"value"`
		Height int32  `json:"height"`
		Time   int64  `json:"time"`
	}
)

// buildMethodMap constructs the immutable dispatch table.  Called once
// from NewSession; the map is never mutated afterwards.
func (s *Session) buildMethodMap() {
	s.methodMap = map[string]MethodHandler{
		"registerWallet":    s.handleRegisterWallet(TypeWallet),
		"registerLockbox":   s.handleRegisterWallet(TypeLockbox),
		"unregisterWallet":  s.handleUnregisterWallet,
		"getStatus":         s.handleGetStatus,
		"waitOnBDVInit":     s.handleWaitOnInit,
		"getLedgerDelegate": s.handleGetLedgerDelegate,
		"getLedgerEntries":  s.handleGetLedgerEntries,
	}
}

func invalidParams(format string, args ...interface{}) *btcjson.RPCError {
	return btcjson.NewRPCError(btcjson.ErrRPCInvalidParams.Code,
		fmt.Sprintf(format, args...))
}

// handleRegisterWallet serves registerWallet and registerLockbox.  It
// only records the pending registration; the scan happens on the
// maintenance thread, so this is valid pre-scan and returns quickly.
func (s *Session) handleRegisterWallet(regType RegistrationType) MethodHandler {
	return func(ids []string, args json.RawMessage) (interface{}, error) {
		var req registerWalletArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, invalidParams("malformed registration: %v",
				err)
		}

		scrAddrs := make([][]byte, 0, len(req.Addresses))
		for _, addrHex := range req.Addresses {
			scrAddr, err := hex.DecodeString(addrHex)
			if err != nil {
				return nil, invalidParams("malformed "+
					"address %q: %v", addrHex, err)
			}
			scrAddrs = append(scrAddrs, scrAddr)
		}

		var err error
		if regType == TypeLockbox {
			err = s.RegisterLockbox(scrAddrs, req.ID, req.IsNew)
		} else {
			err = s.RegisterWallet(scrAddrs, req.ID, req.IsNew)
		}
		if err != nil {
			return nil, err
		}
		return true, nil
	}
}

func (s *Session) handleUnregisterWallet(ids []string,
	args json.RawMessage) (interface{}, error) {

	var req unregisterWalletArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, invalidParams("malformed request: %v", err)
	}
	if req.ID == "" {
		return nil, invalidParams("empty wallet id")
	}
	s.UnregisterWallet(req.ID)
	return true, nil
}

// handleGetStatus is valid pre-scan and never blocks on readiness.
func (s *Session) handleGetStatus(ids []string,
	args json.RawMessage) (interface{}, error) {

	top := s.TopBlock()
	return &StatusResult{
		Ready:          s.Ready(),
		TopBlockHash:   top.Hash.String(),
		TopBlockHeight: top.Height,
		NumWallets:     s.NumWallets(),
		Node:           s.engine.Config().Node.String(),
	}, nil
}

// handleWaitOnInit blocks until the initial scan completes.
func (s *Session) handleWaitOnInit(ids []string,
	args json.RawMessage) (interface{}, error) {

	if err := s.waitReady(); err != nil {
		return nil, err
	}

	top := s.TopBlock()
	return &InitResult{
		TopBlockHash:   top.Hash.String(),
		TopBlockHeight: top.Height,
		NumWallets:     s.NumWallets(),
	}, nil
}

// handleGetLedgerDelegate builds (or revives) the delegate for a
// registered wallet's address set and returns its id.  Depends on
// scanned state, so it waits on readiness.
func (s *Session) handleGetLedgerDelegate(ids []string,
	args json.RawMessage) (interface{}, error) {

	if err := s.waitReady(); err != nil {
		return nil, err
	}

	var req ledgerDelegateArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, invalidParams("malformed request: %v", err)
	}

	s.regMtx.Lock()
	addrSet, ok := s.wltAddrs[req.ID]
	s.regMtx.Unlock()
	if !ok {
		return nil, invalidParams("unknown wallet %q", req.ID)
	}

	scrAddrs := make([][]byte, 0, len(addrSet))
	for addr := range addrSet {
		scrAddrs = append(scrAddrs, []byte(addr))
	}

	delegateID := "ledger_" + req.ID
	delegate := &LedgerDelegate{ID: delegateID, scrAddrs: scrAddrs}
	if _, err := s.delegates.Put(delegateID, delegate); err != nil {
		return nil, err
	}
	return delegateID, nil
}

// handleGetLedgerEntries pages history through a previously registered
// delegate.
func (s *Session) handleGetLedgerEntries(ids []string,
	args json.RawMessage) (interface{}, error) {

	if err := s.waitReady(); err != nil {
		return nil, err
	}

	var req ledgerEntriesArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, invalidParams("malformed request: %v", err)
	}

	delegate, err := s.delegates.Get(req.DelegateID)
	if err != nil {
		return nil, invalidParams("unknown delegate %q",
			req.DelegateID)
	}

	entries, err := s.engine.LedgerEntries(delegate.scrAddrs, req.Page)
	if err != nil {
		return nil, err
	}

	results := make([]LedgerEntryResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, LedgerEntryResult{
			TxHash: entry.TxHash.String(),
			Value:  int64(entry.Value),
			Height: entry.Height,
			Time:   entry.Time.Unix(),
		})
	}
	return results, nil
}
